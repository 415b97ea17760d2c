// Package retention is the ticking eviction sweep that enforces A's and B's
// retention windows (spec.md §4.A/§4.B, SPEC_FULL.md's "retention sweep as
// its own ticking service"). Its run()/ticker/context/done-channel shape is
// carried over verbatim in spirit from the teacher's pkg/cleanup/service.go.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/homecore/ingress/pkg/eventlog"
	"github.com/homecore/ingress/pkg/eventstore"
)

// Service periodically evicts events past the store's retention window and
// archive files past the log's retention window.
type Service struct {
	store           *eventstore.Store
	log             *eventlog.Logger
	storeRetention  time.Duration
	logRetention    time.Duration
	interval        time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a retention Service. interval is how often the sweep runs;
// a sensible default is one hour.
func New(store *eventstore.Store, log *eventlog.Logger, storeRetention, logRetention, interval time.Duration) *Service {
	return &Service{
		store:          store,
		log:            log,
		storeRetention: storeRetention,
		logRetention:   logRetention,
		interval:       interval,
	}
}

// Start launches the sweep loop, running once immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.storeRetention)
	n, err := s.store.EvictOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("retention: eventstore eviction failed", "error", err)
	} else if n > 0 {
		slog.Info("retention: evicted stored events", "count", n)
	}

	logCutoff := time.Now().Add(-s.logRetention)
	removed, err := s.log.EvictOlderThan(logCutoff)
	if err != nil {
		slog.Error("retention: eventlog eviction failed", "error", err)
	} else if removed > 0 {
		slog.Info("retention: evicted archive files", "count", removed)
	}
}
