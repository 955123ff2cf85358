package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Fetcher pulls the current policy snapshot from the control plane.
// Implemented by controlplane.Client.
type Fetcher interface {
	FetchPolicySnapshot(ctx context.Context) (*Snapshot, error)
}

// Syncer periodically pulls policy snapshots from the control plane into
// the cache. A failed tick leaves the existing snapshot untouched; the next
// tick retries. One bad tick never stops the loop.
type Syncer struct {
	cache    *Cache
	fetcher  Fetcher
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSyncer creates a new policy snapshot syncer.
func NewSyncer(cache *Cache, fetcher Fetcher, interval time.Duration, logger *slog.Logger) *Syncer {
	return &Syncer{
		cache:    cache,
		fetcher:  fetcher,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sync loop is actively running.
func (s *Syncer) Running() bool {
	return s.running.Load()
}

// Start begins the sync loop with one immediate sync. Call in a goroutine.
func (s *Syncer) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("policy syncer started", "interval", s.interval)

	// Initial sync immediately so the data plane becomes ready without
	// waiting a full interval.
	s.safeSync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSync(ctx)
		}
	}
}

// Stop signals the syncer to stop.
func (s *Syncer) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Syncer) safeSync(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in policy syncer", "panic", fmt.Sprint(r))
		}
	}()
	s.syncOnce(ctx)
}

func (s *Syncer) syncOnce(ctx context.Context) {
	snapshot, err := s.fetcher.FetchPolicySnapshot(ctx)
	if err != nil {
		snapshotSyncs.WithLabelValues("fetch_failed").Inc()
		s.logger.Warn("failed to fetch policy snapshot", "error", err)
		return
	}

	s.cache.UpdateSnapshot(snapshot)
	snapshotSyncs.WithLabelValues("success").Inc()
}
