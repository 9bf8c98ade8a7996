package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitewise/eptw-api/internal/models"
	"github.com/sitewise/eptw-api/pkg/jobs"
)

// TransitionEvent is the payload handed to notification sinks after a
// committed status change.
type TransitionEvent struct {
	PermitID   string               `json:"permit_id"`
	Serial     string               `json:"serial"`
	SiteID     string               `json:"site_id"`
	FromStatus models.PermitStatus  `json:"from_status"`
	ToStatus   models.PermitStatus  `json:"to_status"`
	Trigger    models.PermitTrigger `json:"trigger"`
	ActorID    *string              `json:"actor_id,omitempty"`
	Role       string               `json:"role"`
	Comment    *string              `json:"comment,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// NotificationSink delivers a transition event to an external channel.
type NotificationSink interface {
	Deliver(ctx context.Context, event TransitionEvent) error
}

// LogSink writes notifications to the structured log. It stands in until a
// mail or webhook sink is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs the default sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Deliver implements NotificationSink.
func (s *LogSink) Deliver(_ context.Context, event TransitionEvent) error {
	s.logger.Info("permit transition notification",
		zap.String("permit_id", event.PermitID),
		zap.String("serial", event.Serial),
		zap.String("from", string(event.FromStatus)),
		zap.String("to", string(event.ToStatus)),
		zap.String("trigger", string(event.Trigger)),
		zap.String("role", event.Role))
	return nil
}

// NotificationConfig tunes the delivery worker pool.
type NotificationConfig struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// NotificationService fans committed transitions out to a sink via an
// in-memory worker queue. Delivery is strictly fire-and-forget: a full or
// stopped queue drops the event with a log line and never blocks or fails
// the transition that produced it.
type NotificationService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService constructs the service and its queue.
func NewNotificationService(sink NotificationSink, logger *zap.Logger, cfg NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	handler := func(ctx context.Context, job jobs.Job) error {
		event, ok := job.Payload.(TransitionEvent)
		if !ok {
			return fmt.Errorf("unexpected notification payload type %T", job.Payload)
		}
		return sink.Deliver(ctx, event)
	}
	queue := jobs.NewQueue("permit-notifications", handler, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return &NotificationService{queue: queue, logger: logger}
}

// Start launches the delivery workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// NotifyTransition implements TransitionNotifier.
func (s *NotificationService) NotifyTransition(permit *models.Permit, entry *models.AuditEntry) {
	event := TransitionEvent{
		PermitID:   permit.ID,
		Serial:     permit.Serial,
		SiteID:     permit.SiteID,
		FromStatus: entry.FromStatus,
		ToStatus:   entry.ToStatus,
		Trigger:    entry.Trigger,
		ActorID:    entry.ActorID,
		Role:       entry.RoleAtAction,
		Comment:    entry.Comment,
		OccurredAt: time.Now().UTC(),
	}
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    "permit.transition",
		Payload: event,
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("dropped transition notification",
			zap.String("permit_id", permit.ID),
			zap.String("trigger", string(entry.Trigger)),
			zap.Error(err))
	}
}
