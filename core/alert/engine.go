// Package alert turns state transitions and inventory thresholds into
// tiered notifications, escalating until someone acknowledges.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/core/logger"
	"github.com/tmarchal/medispense/core/metrics"
	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
	"github.com/tmarchal/medispense/internal/eventbus"
)

// ErrNotActive is returned when escalation or acknowledgment is requested
// for an alert that is no longer active.
var ErrNotActive = errors.New("alert is not active")

// Engine creates alerts, fans notifications out over the configured
// channels and drives escalation.
type Engine struct {
	store    store.AlertStore
	tiers    TierResolver
	channels []Channel
	bus      *eventbus.Bus[events.Event]
	sink     metrics.Sink
	log      logger.Logger
	now      func() time.Time

	// escalateAfter is the delay before an unacknowledged missed-dose
	// alert is pushed to the next tier.
	escalateAfter time.Duration
	interval      time.Duration

	mu       sync.Mutex
	notifyWG sync.WaitGroup
}

// NewEngine creates an Engine. escalateAfter defaults to 15 minutes, the
// sweep interval to one minute.
func NewEngine(st store.AlertStore, tiers TierResolver, channels []Channel, bus *eventbus.Bus[events.Event], sink metrics.Sink, log logger.Logger, escalateAfter, interval time.Duration) (*Engine, error) {
	if st == nil || tiers == nil {
		return nil, fmt.Errorf("alert: nil parameter provided to NewEngine")
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if escalateAfter <= 0 {
		escalateAfter = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Engine{
		store:         st,
		tiers:         tiers,
		channels:      channels,
		bus:           bus,
		sink:          sink,
		log:           log,
		now:           time.Now,
		escalateAfter: escalateAfter,
		interval:      interval,
	}, nil
}

// SetClock overrides the clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetChannels attaches delivery channels once the transport is connected.
func (e *Engine) SetChannels(chans []Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = chans
}

// Raise creates an alert, or reuses the existing active alert with the
// same (patient, type, medication/device) fingerprint. New alerts start at
// level 0 and notify the patient tier.
func (e *Engine) Raise(ctx context.Context, a model.Alert) (model.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, err := e.store.ActiveAlertByFingerprint(ctx, a.Fingerprint()); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.Alert{}, err
	}

	a.ID = uuid.NewString()
	a.Status = model.AlertActive
	a.EscalationLevel = LevelPatient
	a.CreatedAt = e.now()
	a.LastEscalated = a.CreatedAt
	if err := e.store.SaveAlert(ctx, a, "alert-engine"); err != nil {
		return model.Alert{}, err
	}
	if e.log != nil {
		e.log.Infof("alert raised: %s %s for patient %s", a.Type, a.Severity, a.PatientID)
	}
	e.dispatch(ctx, a)
	e.publish(a, false)
	return a, nil
}

// Escalate pushes an active alert to the next tier and re-notifies every
// tier up to the new level. The level never decreases and caps at the
// operator tier.
func (e *Engine) Escalate(ctx context.Context, alertID string) (model.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.Alert(ctx, alertID)
	if err != nil {
		return model.Alert{}, err
	}
	if a.Status != model.AlertActive {
		return a, fmt.Errorf("%w: %s is %s", ErrNotActive, alertID, a.Status)
	}
	if a.EscalationLevel >= MaxLevel {
		return a, nil
	}
	a.EscalationLevel++
	a.LastEscalated = e.now()
	if err := e.store.SaveAlert(ctx, a, "alert-engine"); err != nil {
		return model.Alert{}, err
	}
	if e.log != nil {
		e.log.Warnf("alert %s escalated to level %d", a.ID, a.EscalationLevel)
	}
	e.dispatch(ctx, a)
	e.publish(a, true)
	return a, nil
}

// Acknowledge freezes the escalation level and records who acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, alertID, by string) error {
	return e.setStatus(ctx, alertID, model.AlertAcknowledged, by)
}

// Resolve closes the alert.
func (e *Engine) Resolve(ctx context.Context, alertID, by string) error {
	return e.setStatus(ctx, alertID, model.AlertResolved, by)
}

// Dismiss discards the alert without resolution.
func (e *Engine) Dismiss(ctx context.Context, alertID, by string) error {
	return e.setStatus(ctx, alertID, model.AlertDismissed, by)
}

func (e *Engine) setStatus(ctx context.Context, alertID string, status model.AlertStatus, by string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.store.Alert(ctx, alertID)
	if err != nil {
		return err
	}
	if a.Status != model.AlertActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, alertID, a.Status)
	}
	a.Status = status
	a.AcknowledgedBy = by
	return e.store.SaveAlert(ctx, a, by)
}

// Run auto-escalates unacknowledged missed-dose alerts until the context
// is canceled. Low-severity alerts never escalate automatically.
func (e *Engine) Run(ctx context.Context) {
	tick := time.NewTicker(e.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			e.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	active := model.AlertActive
	alerts, err := e.store.Alerts(ctx, store.AlertFilter{Status: &active})
	if err != nil {
		if e.log != nil {
			e.log.Errorf("alert sweep: %v", err)
		}
		return
	}
	now := e.now()
	for _, a := range alerts {
		if a.Type != model.AlertMissedDose || a.Severity == model.SeverityLow {
			continue
		}
		if a.EscalationLevel >= MaxLevel {
			continue
		}
		if now.Sub(a.LastEscalated) < e.escalateAfter {
			continue
		}
		if _, err := e.Escalate(ctx, a.ID); err != nil && e.log != nil {
			e.log.Errorf("auto-escalate %s: %v", a.ID, err)
		}
	}
}

// dispatch hands the alert to the notification fan-out without holding the
// engine lock, so a slow delivery cannot stall unrelated alert work.
func (e *Engine) dispatch(ctx context.Context, a model.Alert) {
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		e.notify(ctx, a)
	}()
}

// Flush blocks until in-flight notification deliveries finish. Used by
// tests and on shutdown.
func (e *Engine) Flush() { e.notifyWG.Wait() }

// notify fans the alert out to every (channel, recipient) pair for the
// current level, concurrently. Every attempt is recorded, delivered or not.
func (e *Engine) notify(ctx context.Context, a model.Alert) {
	recipients, err := e.tiers.Recipients(ctx, a.PatientID, a.EscalationLevel)
	if err != nil {
		if e.log != nil {
			e.log.Errorf("resolve recipients for %s: %v", a.ID, err)
		}
		return
	}
	msg := a.Message
	if msg == "" {
		msg = a.Type.String()
	}

	var wg sync.WaitGroup
	for _, ch := range e.channels {
		for _, rcpt := range recipients {
			wg.Add(1)
			go func(ch Channel, rcpt string) {
				defer wg.Done()
				err := ch.Send(ctx, rcpt, msg)
				rec := model.NotificationRecord{
					ID:        uuid.NewString(),
					AlertID:   a.ID,
					Channel:   ch.Name(),
					Recipient: rcpt,
					SentAt:    e.now(),
					Delivered: err == nil,
				}
				if err != nil {
					rec.Error = err.Error()
					if e.log != nil {
						e.log.Warnf("notify %s via %s: %v", rcpt, ch.Name(), err)
					}
				}
				if serr := e.store.AppendNotification(ctx, rec); serr != nil && e.log != nil {
					e.log.Errorf("record notification: %v", serr)
				}
				if merr := e.recordNotification(rec); merr != nil && e.log != nil {
					e.log.Errorf("notification metrics: %v", merr)
				}
			}(ch, rcpt)
		}
	}
	wg.Wait()
}

func (e *Engine) recordNotification(rec model.NotificationRecord) error {
	nr, ok := e.sink.(metrics.NotificationRecorder)
	if !ok {
		return nil
	}
	return nr.RecordNotification(metrics.NotificationRecord{
		AlertID:   rec.AlertID,
		Channel:   rec.Channel,
		Recipient: rec.Recipient,
		Delivered: rec.Delivered,
		Time:      rec.SentAt,
	})
}

func (e *Engine) publish(a model.Alert, escalated bool) {
	if e.bus != nil {
		e.bus.Publish(events.AlertEvent{Alert: a, Escalated: escalated})
	}
	if ar, ok := e.sink.(metrics.AlertRecorder); ok {
		if err := ar.RecordAlert(metrics.AlertRecord{
			AlertID:   a.ID,
			PatientID: a.PatientID,
			Type:      a.Type,
			Severity:  a.Severity,
			Level:     a.EscalationLevel,
			Time:      e.now(),
		}); err != nil && e.log != nil {
			e.log.Errorf("alert metrics: %v", err)
		}
	}
}
