package notify

import (
	"context"
	"sync"
	"time"

	"vitalwatch/internal/audit"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/models"

	"go.uber.org/zap"
)

// Sink is one notification channel (email, SMS, dashboard push, EHR
// webhook). Delivery is one attempt; retry policy, if any, belongs to
// the sink itself.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, alert *models.BiometricAlert) error
}

// Registry fans newly created alerts out to every registered sink. A
// failing sink is logged and skipped; it can never block the others.
type Registry struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *zap.Logger
	audit  audit.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, auditLogger audit.Logger) *Registry {
	return &Registry{
		logger: logger,
		audit:  auditLogger,
	}
}

// Register adds a sink. Registering a sink whose name is already
// present is a no-op.
func (r *Registry) Register(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.sinks {
		if existing.Name() == sink.Name() {
			return
		}
	}
	r.sinks = append(r.sinks, sink)
	r.logger.Info("Notification sink registered",
		zap.String("sink", sink.Name()),
	)
}

// Unregister removes a sink by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.sinks {
		if existing.Name() == name {
			r.sinks = append(r.sinks[:i], r.sinks[i+1:]...)
			r.logger.Info("Notification sink unregistered",
				zap.String("sink", name),
			)
			return
		}
	}
}

// Sinks returns the registered sink names.
func (r *Registry) Sinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.sinks))
	for i, sink := range r.sinks {
		names[i] = sink.Name()
	}
	return names
}

// Notify attempts delivery of one alert to every registered sink.
// ingestedAt anchors the priority SLA: the attempt must start before
// ingestedAt + SLA, and a late start is counted as a breach. Errors are
// contained per sink and never propagate to the caller.
func (r *Registry) Notify(ctx context.Context, alert *models.BiometricAlert, ingestedAt time.Time) {
	r.mu.RLock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()

	deadline := ingestedAt.Add(alert.Priority.SLA())
	if time.Now().After(deadline) {
		metrics.SLABreachesTotal.WithLabelValues(string(alert.Priority)).Inc()
		r.logger.Warn("Notification dispatched after priority SLA",
			zap.String("alert_id", alert.AlertID),
			zap.String("priority", string(alert.Priority)),
			zap.Time("deadline", deadline),
		)
	}

	for _, sink := range sinks {
		err := r.deliver(ctx, sink, alert)

		r.audit.Log(ctx, audit.Record{
			Action:    audit.ActionDeliveryAttempt,
			AlertID:   alert.AlertID,
			PatientID: alert.PatientID,
			RuleID:    alert.RuleID,
			Actor:     sink.Name(),
			Detail:    deliveryDetail(err),
		})

		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
			nerr := &models.NotificationError{Sink: sink.Name(), Err: err}
			r.logger.Error("Notification delivery failed",
				zap.String("alert_id", alert.AlertID),
				zap.String("sink", sink.Name()),
				zap.Error(nerr),
			)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "ok").Inc()
	}
}

// deliver isolates sink panics as errors so one broken implementation
// cannot take down the dispatch loop.
func (r *Registry) deliver(ctx context.Context, sink Sink, alert *models.BiometricAlert) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &models.NotificationError{Sink: sink.Name(), Err: panicError(rec)}
		}
	}()
	return sink.Deliver(ctx, alert)
}

func deliveryDetail(err error) string {
	if err != nil {
		return "failed: " + err.Error()
	}
	return "delivered"
}
