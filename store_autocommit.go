package mvdb

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

func (s *Store) AutoCommitDelay() time.Duration {
	s.acMu.Lock()
	defer s.acMu.Unlock()
	return s.acDelay
}

// SetAutoCommitDelay sets the interval of background commits. Zero or a
// negative value disables them. Pending writes are committed once they are
// older than the delay.
func (s *Store) SetAutoCommitDelay(d time.Duration) {
	s.acMu.Lock()
	defer s.acMu.Unlock()
	s.setAutoCommitDelayLocked(d)
}

func (s *Store) setAutoCommitDelayLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if s.acStop != nil {
		close(s.acStop)
		<-s.acDone
		s.acStop, s.acDone = nil, nil
	}
	s.acDelay = d
	if d > 0 {
		s.acStop = make(chan struct{})
		s.acDone = make(chan struct{})
		go s.autoCommitLoop(d, s.acStop, s.acDone)
	}
}

// SuspendAutoCommit disables background commits and returns the function that
// restores the previous delay. The restore function may be called more than once.
func (s *Store) SuspendAutoCommit() (restore func()) {
	s.acMu.Lock()
	prev := s.acDelay
	s.setAutoCommitDelayLocked(0)
	s.acMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.SetAutoCommitDelay(prev)
		})
	}
}

func (s *Store) autoCommitLoop(delay time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := delay / 10
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.autoCommitTick(delay)
		}
	}
}

// autoCommitTick skips the tick while a structural operation holds the store
// lock; that operation commits on its own.
func (s *Store) autoCommitTick(delay time.Duration) {
	if !s.lock.TryLock() {
		return
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failure != nil || s.pending.Len() == 0 {
		return
	}
	if time.Since(s.lastCommit) < delay {
		return
	}
	if _, err := s.commitLocked(); err != nil {
		s.logger.LogAttrs(context.Background(), slog.LevelError, "mvdb: autocommit failed", slog.String("path", s.path), slog.Any("err", err))
	}
}
