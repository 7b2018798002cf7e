// Package refresh drives invalidation of a namespace tree: a soft timer
// loop, manual refreshes and delayed refreshes after mutations.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/cloudtree/cloudtree/internal/logging"
	"github.com/cloudtree/cloudtree/internal/metrics"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

// Target is the tree a scheduler invalidates. *cache.Tree implements it.
type Target interface {
	Namespace() string
	Invalidate(path string) bool
	InvalidateAll() int
	InvalidateOlderThan(maxAge time.Duration) int
	Signal()
}

// Config holds scheduler timing.
type Config struct {
	Interval      time.Duration // soft refresh period, 0 disables the timer
	MaxAge        time.Duration // nodes older than this are invalidated on tick, 0 never
	MutationDelay time.Duration // wait before re-listing after a mutation
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{
		Interval:      10 * time.Second,
		MutationDelay: time.Second,
	}
}

// Scheduler owns the refresh lifetime of one tree. After Stop returns no
// further invalidation or signal is issued.
type Scheduler struct {
	target Target
	cfg    Config

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// New creates a stopped scheduler for target.
func New(target Target, cfg Config) *Scheduler {
	return &Scheduler{
		target:  target,
		cfg:     cfg,
		pending: make(map[string]*time.Timer),
	}
}

// Start launches the timer loop. It is a no-op when already started,
// after Stop, or when the interval is zero.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	if s.cfg.Interval <= 0 {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)

	logging.Info("refresh scheduler started",
		logging.String("namespace", s.target.Namespace()),
		logging.Duration("interval", s.cfg.Interval),
		logging.Duration("max_age", s.cfg.MaxAge))
}

// Stop cancels the timer loop and every pending delayed refresh, then
// waits for in-progress work to finish. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	for p, t := range s.pending {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, p)
	}
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("refresh scheduler stopped", logging.String("namespace", s.target.Namespace()))
}

// Stopped reports whether Stop was called.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Refresh is the manual refresh command: the root path (or "") drops the
// whole tree, any other path only that container.
func (s *Scheduler) Refresh(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if path == "" || tree.Clean(path) == tree.Root {
		s.target.InvalidateAll()
	} else {
		s.target.Invalidate(path)
	}
	s.target.Signal()
}

// AfterMutation schedules an invalidation of path once the mutation
// delay has passed. A second call for the same path restarts the delay.
func (s *Scheduler) AfterMutation(path string) {
	path = tree.Clean(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.cfg.MutationDelay <= 0 {
		s.invalidateLocked(path)
		return
	}

	if t, ok := s.pending[path]; ok && t.Stop() {
		s.wg.Done()
	}
	var t *time.Timer
	s.wg.Add(1)
	t = time.AfterFunc(s.cfg.MutationDelay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pending[path] == t {
			delete(s.pending, path)
		}
		if s.stopped {
			return
		}
		s.invalidateLocked(path)
	})
	s.pending[path] = t
}

func (s *Scheduler) invalidateLocked(path string) {
	s.target.Invalidate(path)
	s.target.Signal()
	logging.Debug("mutation refresh",
		logging.String("namespace", s.target.Namespace()),
		logging.String("path", path))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.cfg.MaxAge > 0 {
		s.target.InvalidateOlderThan(s.cfg.MaxAge)
	}
	s.target.Signal()
	metrics.RecordRefreshTick(s.target.Namespace())
}
