// Package notification renders reminder templates and hands the result to a
// delivery channel.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// TemplateAppointmentReminder is the id of the built-in reminder template.
const TemplateAppointmentReminder = "appointment-reminder"

// Message is a rendered notification ready for delivery.
type Message struct {
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sender delivers messages. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders {{key}} placeholders from a data map.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateAppointmentReminder,
		Subject: "Appointment reminder for {{patient}}",
		Body:    "This is a reminder of your appointment on {{date}} at {{time}} with {{provider}}.",
	})
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render fills the template. Placeholders missing from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Compose renders templateID into a Message for recipient.
func (e *TemplateEngine) Compose(templateID, recipient string, data map[string]string) (*Message, error) {
	if recipient == "" {
		return nil, errors.New("notification: recipient is required")
	}
	subject, body, err := e.Render(templateID, data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Recipient:  recipient,
		TemplateID: templateID,
		Subject:    subject,
		Body:       body,
		Metadata:   data,
	}, nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// LogSender writes each message to the log instead of delivering it.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg *Message) error {
	s.logger.Info().
		Str("recipient", msg.Recipient).
		Str("template", msg.TemplateID).
		Str("subject", msg.Subject).
		Msg("notification sent")
	return nil
}

// RecordingSender keeps every message in memory. Err, when set, is returned
// from Send and the message is not recorded.
type RecordingSender struct {
	mu       sync.Mutex
	messages []*Message
	Err      error
}

func (s *RecordingSender) Send(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *RecordingSender) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}
