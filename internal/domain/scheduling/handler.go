package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "doctor", "nurse", "receptionist"))
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/appointments/conflicts", h.CheckConflicts)
	readGroup.GET("/appointments/availability", h.GetAvailability)
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.GET("/appointments/:id/audit", h.GetAuditTrail)

	writeGroup := api.Group("", auth.RequireRole("admin", "doctor", "receptionist"))
	writeGroup.POST("/appointments", h.CreateAppointment)
	writeGroup.PUT("/appointments/:id", h.UpdateAppointment)
	writeGroup.PATCH("/appointments/:id", h.UpdateAppointment)

	deleteGroup := api.Group("", auth.RequireRole("admin", "receptionist"))
	deleteGroup.DELETE("/appointments/:id", h.DeleteAppointment)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.Create(ctx, auth.UserIDFromContext(ctx), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	f, err := parseListFilter(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithNext(c))
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.Update(ctx, auth.UserIDFromContext(ctx), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if err := h.svc.Delete(ctx, auth.UserIDFromContext(ctx), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entries, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": entries})
}

type conflictResponse struct {
	Conflict  bool           `json:"conflict"`
	Conflicts []*Appointment `json:"conflicts"`
}

// CheckConflicts answers whether doctor_id is free over [start, end).
func (h *Handler) CheckConflicts(c echo.Context) error {
	doctorID, err := uuid.Parse(c.QueryParam("doctor_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor_id must be a uuid")
	}
	start, err := time.Parse(time.RFC3339, c.QueryParam("start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "start must be RFC 3339")
	}
	end, err := time.Parse(time.RFC3339, c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "end must be RFC 3339")
	}
	var exclude *uuid.UUID
	if v := c.QueryParam("exclude_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "exclude_id must be a uuid")
		}
		exclude = &id
	}

	conflicts, err := h.svc.CheckConflict(c.Request().Context(), doctorID, Interval{Start: start, End: end}, exclude)
	if err != nil {
		return httpError(err)
	}
	if conflicts == nil {
		conflicts = []*Appointment{}
	}
	return c.JSON(http.StatusOK, conflictResponse{Conflict: len(conflicts) > 0, Conflicts: conflicts})
}

// GetAvailability lists the free slots of doctor_id between from and to.
func (h *Handler) GetAvailability(c echo.Context) error {
	doctorID, err := uuid.Parse(c.QueryParam("doctor_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor_id must be a uuid")
	}
	from, err := time.Parse(time.RFC3339, c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be RFC 3339")
	}
	to, err := time.Parse(time.RFC3339, c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "to must be RFC 3339")
	}
	minutes := 30
	if v := c.QueryParam("slot_minutes"); v != "" {
		minutes, err = strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "slot_minutes must be an integer")
		}
	}

	slots, err := h.svc.Availability(c.Request().Context(), doctorID, Interval{Start: from, End: to}, time.Duration(minutes)*time.Minute)
	if err != nil {
		return httpError(err)
	}
	if slots == nil {
		slots = []Slot{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"doctor_id": doctorID, "data": slots})
}

func parseListFilter(c echo.Context) (ListFilter, error) {
	var f ListFilter
	if v := c.QueryParam("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "doctor_id must be a uuid")
		}
		f.DoctorID = &id
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "patient_id must be a uuid")
		}
		f.PatientID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		s := Status(v)
		if !s.IsValid() {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &s
	}
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "from must be RFC 3339")
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "to must be RFC 3339")
		}
		f.To = &t
	}
	return f, nil
}

// httpError maps scheduling errors to HTTP status codes. Anything outside the
// scheduling family becomes a 500 without leaking its message.
func httpError(err error) error {
	var (
		conflict *ScheduleConflictError
		interval *InvalidIntervalError
		invalid  *ValidationError
		notFound *NotFoundError
	)
	switch {
	case errors.As(err, &conflict):
		ids := conflict.ConflictingIDs
		if ids == nil {
			ids = []uuid.UUID{}
		}
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":         conflict.Error(),
			"doctor_id":       conflict.DoctorID,
			"conflicting_ids": ids,
		})
	case errors.As(err, &interval), errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

// RegisterValidators adds the appointment_status tag used by the request types.
func RegisterValidators(v *validator.Validate) error {
	return v.RegisterValidation("appointment_status", func(fl validator.FieldLevel) bool {
		return Status(fl.Field().String()).IsValid()
	})
}
