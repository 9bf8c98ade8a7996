package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitewise/eptw-api/internal/models"
)

type expirableLister interface {
	ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]models.Permit, error)
}

type permitExpirer interface {
	Expire(ctx context.Context, id string, now time.Time) (bool, error)
}

type sweepObserver interface {
	ObserveExpirySweep(expired int, duration time.Duration)
}

// ExpiryConfig tunes the background expiry monitor.
type ExpiryConfig struct {
	SweepInterval time.Duration
	BatchSize     int
}

// ExpiryService periodically closes active permits whose validity window has
// passed. It is the only caller of the system expire transition; each sweep
// goes through the workflow engine so expiry contends with user actions under
// the same guards instead of racing them.
type ExpiryService struct {
	permits expirableLister
	engine  permitExpirer
	metrics sweepObserver
	logger  *zap.Logger
	cfg     ExpiryConfig
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// ExpiryOption configures the monitor.
type ExpiryOption func(*ExpiryService)

// WithSweepObserver installs the metrics sink.
func WithSweepObserver(observer sweepObserver) ExpiryOption {
	return func(s *ExpiryService) { s.metrics = observer }
}

// WithSweepClock overrides the time source.
func WithSweepClock(now func() time.Time) ExpiryOption {
	return func(s *ExpiryService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewExpiryService constructs the monitor.
func NewExpiryService(permits expirableLister, engine permitExpirer, logger *zap.Logger, cfg ExpiryConfig, opts ...ExpiryOption) *ExpiryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	svc := &ExpiryService{
		permits: permits,
		engine:  engine,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Start launches the sweep loop. Safe to call once.
func (s *ExpiryService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("expiry monitor started",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Int("batch_size", s.cfg.BatchSize))
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (s *ExpiryService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("expiry monitor stopped")
}

func (s *ExpiryService) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass. A failure on one permit is logged and the rest
// of the batch still proceeds; the permit is retried on the next sweep.
func (s *ExpiryService) Sweep(ctx context.Context) int {
	started := s.now()
	candidates, err := s.permits.ListExpirable(ctx, started, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list expirable permits", zap.Error(err))
		return 0
	}

	expired := 0
	for _, permit := range candidates {
		done, err := s.engine.Expire(ctx, permit.ID, started)
		if err != nil {
			s.logger.Error("failed to expire permit",
				zap.String("permit_id", permit.ID),
				zap.String("serial", permit.Serial),
				zap.Error(err))
			continue
		}
		if done {
			expired++
			s.logger.Info("permit expired",
				zap.String("permit_id", permit.ID),
				zap.String("serial", permit.Serial))
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveExpirySweep(expired, time.Since(started))
	}
	return expired
}
