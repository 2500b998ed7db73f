package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/alexjbarnes/accountd/internal/model"
)

// lockSet is the per-account advisory lock: a set of account ids with a
// command currently in flight. tryAcquire is atomic try-insert.
type lockSet struct {
	mu  sync.Mutex
	ids map[model.AccountID]struct{}
}

func newLockSet() *lockSet {
	return &lockSet{ids: make(map[model.AccountID]struct{})}
}

func (l *lockSet) tryAcquire(id model.AccountID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.ids[id]; held {
		return false
	}

	l.ids[id] = struct{}{}

	return true
}

func (l *lockSet) release(id model.AccountID) {
	l.mu.Lock()
	delete(l.ids, id)
	l.mu.Unlock()
}

// DefaultConcurrentLimit bounds how many concurrent-class commands run at
// once when no limit is configured.
const DefaultConcurrentLimit = 10

// Concurrent runs the second command class: commands that may overlap
// across accounts but never for the same account. A command for an
// account that already has one running is rejected immediately rather
// than queued. The advisory lock does not exclude overlap with the
// serialized runner's writes to the same account; nothing routed here
// today mutates state, so the gap is theoretical.
type Concurrent struct {
	writes *Writes
	logger *slog.Logger

	sem   *semaphore.Weighted
	locks *lockSet

	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup
}

// NewConcurrent returns a runner admitting at most limit commands at
// once.
func NewConcurrent(writes *Writes, limit int64, logger *slog.Logger) *Concurrent {
	if limit <= 0 {
		limit = DefaultConcurrentLimit
	}

	return &Concurrent{
		writes: writes,
		logger: logger,
		sem:    semaphore.NewWeighted(limit),
		locks:  newLockSet(),
	}
}

// do runs fn under the account's advisory lock and a semaphore slot. The
// caller blocks until fn completes; the reply is fn's return value.
func (c *Concurrent) do(ctx context.Context, id model.AccountID, fn func() error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("concurrent command, account %s: %w", id, ErrCommandRunnerQuit)
	}
	c.tasks.Add(1)
	c.mu.Unlock()

	defer c.tasks.Done()

	if !c.locks.tryAcquire(id) {
		return fmt.Errorf("concurrent command, account %s: %w", id, ErrCommandAlreadyRunning)
	}
	defer c.locks.release(id)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("concurrent command, account %s: %w: %w", id, ErrCommandSendFailed, err)
	}
	defer c.sem.Release(1)

	return fn()
}

// Noop is the placeholder concurrent command. It claims the account's
// advisory lock and a semaphore slot, does nothing, and releases both.
// TODO: route bulk per-account writes here once one exists.
func (c *Concurrent) Noop(ctx context.Context, id model.AccountID) error {
	return c.do(ctx, id, func() error { return nil })
}

// Close rejects new commands and waits for every running command to
// finish.
func (c *Concurrent) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.tasks.Wait()
	c.logger.Debug("concurrent command runner stopped")
}
