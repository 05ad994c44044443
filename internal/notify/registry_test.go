package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vitalwatch/internal/audit"
	"vitalwatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []*models.BiometricAlert
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, alert *models.BiometricAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, alert)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type panickingSink struct{}

func (s *panickingSink) Name() string { return "panicking" }

func (s *panickingSink) Deliver(ctx context.Context, alert *models.BiometricAlert) error {
	panic("sink implementation bug")
}

type memoryAudit struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *memoryAudit) Log(ctx context.Context, record audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
}

func (a *memoryAudit) byAction(action audit.Action) []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []audit.Record{}
	for _, r := range a.records {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

func testAlert(priority models.Priority) *models.BiometricAlert {
	return &models.BiometricAlert{
		AlertID:          "alert-1",
		PatientID:        "patient-1",
		RuleID:           "rule-1",
		RuleName:         "Test rule",
		Priority:         priority,
		Message:          "threshold exceeded",
		ResolutionStatus: models.StatusOpen,
	}
}

func TestRegistry_RegisterIsIdempotentByName(t *testing.T) {
	registry := NewRegistry(zap.NewNop(), &memoryAudit{})

	registry.Register(&recordingSink{name: "email"})
	registry.Register(&recordingSink{name: "email"})
	registry.Register(&recordingSink{name: "sms"})

	assert.Equal(t, []string{"email", "sms"}, registry.Sinks())
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry(zap.NewNop(), &memoryAudit{})

	registry.Register(&recordingSink{name: "email"})
	registry.Register(&recordingSink{name: "sms"})
	registry.Unregister("email")
	registry.Unregister("unknown")

	assert.Equal(t, []string{"sms"}, registry.Sinks())
}

func TestRegistry_NotifyReachesAllSinks(t *testing.T) {
	auditLog := &memoryAudit{}
	registry := NewRegistry(zap.NewNop(), auditLog)

	email := &recordingSink{name: "email"}
	sms := &recordingSink{name: "sms"}
	registry.Register(email)
	registry.Register(sms)

	registry.Notify(context.Background(), testAlert(models.PriorityWarning), time.Now())

	assert.Equal(t, 1, email.count())
	assert.Equal(t, 1, sms.count())

	attempts := auditLog.byAction(audit.ActionDeliveryAttempt)
	require.Len(t, attempts, 2)
	assert.Equal(t, "delivered", attempts[0].Detail)
}

func TestRegistry_FailingSinkDoesNotBlockOthers(t *testing.T) {
	auditLog := &memoryAudit{}
	registry := NewRegistry(zap.NewNop(), auditLog)

	failing := &recordingSink{name: "failing", err: errors.New("gateway unreachable")}
	healthy := &recordingSink{name: "healthy"}
	registry.Register(failing)
	registry.Register(healthy)

	registry.Notify(context.Background(), testAlert(models.PriorityUrgent), time.Now())

	assert.Equal(t, 1, healthy.count(), "healthy sink still receives the alert")

	attempts := auditLog.byAction(audit.ActionDeliveryAttempt)
	require.Len(t, attempts, 2)
	assert.Contains(t, attempts[0].Detail, "failed")
	assert.Equal(t, "delivered", attempts[1].Detail)
}

func TestRegistry_PanickingSinkIsContained(t *testing.T) {
	registry := NewRegistry(zap.NewNop(), &memoryAudit{})

	healthy := &recordingSink{name: "healthy"}
	registry.Register(&panickingSink{})
	registry.Register(healthy)

	assert.NotPanics(t, func() {
		registry.Notify(context.Background(), testAlert(models.PriorityWarning), time.Now())
	})
	assert.Equal(t, 1, healthy.count())
}

func TestRegistry_LateDispatchIsAuditedNotDropped(t *testing.T) {
	auditLog := &memoryAudit{}
	registry := NewRegistry(zap.NewNop(), auditLog)

	sink := &recordingSink{name: "email"}
	registry.Register(sink)

	// Ingested longer ago than the urgent SLA allows: delivery still
	// happens, the breach is recorded separately.
	ingestedAt := time.Now().Add(-10 * time.Minute)
	registry.Notify(context.Background(), testAlert(models.PriorityUrgent), ingestedAt)

	assert.Equal(t, 1, sink.count())
}

func TestLogSink_Deliver(t *testing.T) {
	sink := NewLogSink(zap.NewNop())
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Deliver(context.Background(), testAlert(models.PriorityInformational)))
}
