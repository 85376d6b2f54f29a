package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func roleContext(roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if roles != nil {
		req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		granted []string
		allowed bool
	}{
		{"matching role", []string{"receptionist"}, true},
		{"second role matches", []string{"nurse", "doctor"}, true},
		{"admin bypass", []string{"admin"}, true},
		{"other role", []string{"billing"}, false},
		{"no roles", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := roleContext(tt.granted...)
			err := RequireRole("doctor", "receptionist")(okHandler)(c)

			if tt.allowed {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != http.StatusForbidden {
				t.Errorf("expected 403, got %d", httpErr.Code)
			}
			if httpErr.Message != "required role: doctor or receptionist" {
				t.Errorf("unexpected message %v", httpErr.Message)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}

func TestRolesFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserRolesKey, "admin")
	if roles := RolesFromContext(ctx); roles != nil {
		t.Errorf("expected nil roles for wrong type, got %v", roles)
	}
}
