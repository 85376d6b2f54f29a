package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/lock"
	"github.com/ehr/clinic/internal/platform/metrics"
	"github.com/ehr/clinic/internal/platform/notification"
)

// DispatcherActor is the actor id recorded on audit entries written by the
// reminder dispatcher.
const DispatcherActor = "system:reminder-dispatcher"

const defaultDispatchBatch = 100

// reminderSweepLockKey keeps replicas from sweeping the same due reminders at once.
const reminderSweepLockKey = "scheduling:reminder-sweep"

// Dispatcher sends due appointment reminders and marks them sent.
type Dispatcher struct {
	svc       *Service
	templates *notification.TemplateEngine
	sender    notification.Sender
	metrics   *metrics.SchedulingMetrics
	logger    zerolog.Logger
	batch     int
}

func NewDispatcher(svc *Service, templates *notification.TemplateEngine, sender notification.Sender, m *metrics.SchedulingMetrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		svc:       svc,
		templates: templates,
		sender:    sender,
		metrics:   m,
		logger:    logger,
		batch:     defaultDispatchBatch,
	}
}

// RunOnce performs one sweep and returns how many reminders were sent. A
// failed send is logged and left unsent for the next sweep. When another
// process holds the sweep lock past the locker's wait, the sweep is skipped.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "scheduling.reminder_sweep")
	defer span.End()

	release, err := d.svc.locker.Lock(ctx, reminderSweepLockKey)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) && ctx.Err() == nil {
			d.logger.Debug().Msg("reminder sweep already running elsewhere")
			return 0, nil
		}
		span.RecordError(err)
		return 0, fmt.Errorf("acquire reminder sweep lock: %w", err)
	}
	defer release()

	due, err := d.svc.DueReminders(ctx, d.batch)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	sent := 0
	for _, a := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		log := d.logger.With().Str("appointment_id", a.ID.String()).Logger()

		msg, err := d.templates.Compose(notification.TemplateAppointmentReminder, a.PatientID.String(), map[string]string{
			"patient":  a.PatientID.String(),
			"provider": a.DoctorID.String(),
			"date":     a.Start.UTC().Format("2006-01-02"),
			"time":     a.Start.UTC().Format("15:04 MST"),
		})
		if err != nil {
			log.Error().Err(err).Msg("render reminder")
			d.metrics.ObserveReminder("failed")
			continue
		}
		if err := d.sender.Send(ctx, msg); err != nil {
			log.Warn().Err(err).Msg("send reminder")
			d.metrics.ObserveReminder("failed")
			continue
		}
		marked, err := d.svc.MarkReminderSent(ctx, DispatcherActor, a.ID, a.Start, d.svc.now())
		if err != nil {
			log.Error().Err(err).Msg("mark reminder sent")
			d.metrics.ObserveReminder("unmarked")
			continue
		}
		if marked.ReminderSentAt == nil {
			log.Info().Time("reminded_start", a.Start).Time("start", marked.Start).
				Str("status", string(marked.Status)).Msg("appointment changed during send; reminder stays armed")
		}
		d.metrics.ObserveReminder("sent")
		sent++
	}
	return sent, nil
}

// Run sweeps every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info().Dur("interval", interval).Msg("reminder dispatcher started")
	for {
		if n, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("reminder sweep failed")
		} else if n > 0 {
			d.logger.Info().Int("sent", n).Msg("reminders dispatched")
		}

		select {
		case <-ctx.Done():
			d.logger.Info().Msg("reminder dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}
