package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Policy decides when a snapshot is due.
type Policy struct {
	EveryNSubmissions int
	Interval          time.Duration
}

// ShouldSave reports whether a snapshot is due given the submissions since
// the last save, whether any other state changed since then, and the time of
// that save.
func (p Policy) ShouldSave(sinceLast int64, dirty bool, lastSave, now time.Time) bool {
	if p.EveryNSubmissions > 0 && sinceLast >= int64(p.EveryNSubmissions) {
		return true
	}
	if p.Interval > 0 && (sinceLast > 0 || dirty) && now.Sub(lastSave) >= p.Interval {
		return true
	}
	return false
}

// Snapshotter saves engine state according to a Policy.
type Snapshotter struct {
	store  *Store
	policy Policy
	source  func() EngineState
	version func() uint64
	logger  zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastSave    time.Time
	lastCount   int64
	lastVersion uint64
	saves       int
	observe     func(error)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSnapshotter creates a snapshotter that captures state from source.
func NewSnapshotter(store *Store, policy Policy, source func() EngineState, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		store:    store,
		policy:   policy,
		source:   source,
		logger:   logger.With().Str("component", "snapshotter").Logger(),
		now:      time.Now,
		lastSave: time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// SetClock overrides the time source and restarts the interval from now().
func (s *Snapshotter) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.lastSave = now()
}

// SetVersion installs a counter that increases on every state change. Once
// set, the interval save also fires for changes that are not submissions,
// such as fills, cancels or a gate resume.
func (s *Snapshotter) SetVersion(fn func() uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = fn
	s.lastVersion = fn()
}

// SetObserver registers a callback run after every save attempt.
func (s *Snapshotter) SetObserver(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe = fn
}

// Baseline sets the submission count the next policy check counts from,
// typically the count carried by a restored snapshot.
func (s *Snapshotter) Baseline(submissions int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCount = submissions
	if s.version != nil {
		s.lastVersion = s.version()
	}
}

// dirty reports whether the state changed since the last save. Callers hold
// the lock.
func (s *Snapshotter) dirty() bool {
	return s.version != nil && s.version() != s.lastVersion
}

// MaybeSave saves when the policy says a snapshot is due.
func (s *Snapshotter) MaybeSave(submissions int64) (bool, error) {
	s.mu.Lock()
	due := s.policy.ShouldSave(submissions-s.lastCount, s.dirty(), s.lastSave, s.now())
	s.mu.Unlock()
	if !due {
		return false, nil
	}
	return true, s.SaveNow()
}

// SaveNow captures and saves state unconditionally.
func (s *Snapshotter) SaveNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version uint64
	if s.version != nil {
		version = s.version()
	}
	state := s.source()
	state.SavedAt = s.now()
	err := s.store.Save(state)
	if s.observe != nil {
		s.observe(err)
	}
	if err != nil {
		return err
	}
	s.lastSave = state.SavedAt
	s.lastCount = state.SubmissionCount
	s.lastVersion = version
	s.saves++
	return nil
}

// Saves returns the number of successful saves.
func (s *Snapshotter) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Start checks the policy on every tick until ctx ends or Stop is called.
func (s *Snapshotter) Start(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, err := s.MaybeSave(s.source().SubmissionCount); err != nil {
					s.logger.Error().Err(err).Msg("Periodic snapshot failed")
				}
			}
		}
	}()
}

// Stop halts the background loop.
func (s *Snapshotter) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
