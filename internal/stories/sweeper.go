package stories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the sweeper deactivates expired stories.
const DefaultSweepInterval = 300 * time.Second

var errMissingExpirer = errors.New("stories: sweeper store is required")

// Expirer deactivates stories created before cutoff.
type Expirer interface {
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepRecorder observes sweep outcomes.
type SweepRecorder interface {
	RecordSweep(expired int64, err error)
}

// SweeperConfig wires the expiry sweeper.
type SweeperConfig struct {
	Store    Expirer
	Interval time.Duration
	TTL      time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  SweepRecorder
}

// Sweeper periodically flips stories older than the TTL to inactive.
type Sweeper struct {
	store    Expirer
	interval time.Duration
	ttl      time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	metrics  SweepRecorder
}

// NewSweeper validates the config and applies defaults.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errMissingExpirer
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{
		store:    cfg.Store,
		interval: interval,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// SweepOnce runs a single sweep. A panic inside the store is converted to an error.
func (s *Sweeper) SweepOnce(ctx context.Context) (expired int64, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			expired = 0
			err = fmt.Errorf("stories: sweep panicked: %v", recovered)
		}
	}()
	cutoff := s.clock().UTC().Add(-s.ttl)
	return s.store.ExpireStale(ctx, cutoff)
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
// Sweep failures are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	started := s.clock()
	expired, err := s.SweepOnce(ctx)
	if s.metrics != nil {
		s.metrics.RecordSweep(expired, err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("story sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		s.logger.Info("stories expired",
			zap.Int64("expired_count", expired),
			zap.Duration("duration", s.clock().Sub(started)))
	}
}

// SweeperHandle owns a running sweeper goroutine.
type SweeperHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs the sweeper in its own goroutine and returns the handle that stops it.
func (s *Sweeper) Start(ctx context.Context) *SweeperHandle {
	runCtx, cancel := context.WithCancel(ctx)
	handle := &SweeperHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(handle.done)
		s.Run(runCtx)
	}()
	return handle
}

// Stop cancels the sweeper and waits for the in-flight sweep to return.
func (h *SweeperHandle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the sweeper goroutine has exited.
func (h *SweeperHandle) Done() <-chan struct{} {
	return h.done
}
