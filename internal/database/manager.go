// Package database ties the persistent store and the identity cache
// together behind a read façade and a serialized write command runner.
// Handlers get a Manager, never the store or cache directly; every
// mutation funnels through the runner and every read goes through the
// façade or the token/account views.
package database

import (
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/accountd/internal/cache"
	"github.com/alexjbarnes/accountd/internal/store"
)

// Options configures the manager.
type Options struct {
	// Dir is the directory the store's database file lives in.
	Dir string

	// Components selects active per-account features.
	Components Components

	// ConcurrentLimit bounds the concurrent command runner. Zero means
	// DefaultConcurrentLimit.
	ConcurrentLimit int64

	Logger *slog.Logger
}

// Manager owns the store, the cache, and both command runners.
type Manager struct {
	store      *store.Store
	cache      *cache.Cache
	reads      *Reads
	runner     *Runner
	concurrent *Concurrent
	logger     *slog.Logger
}

// Open opens the store, warms the cache from it, and starts the command
// runners. Warm-up completes before Open returns; handlers never see a
// cold cache.
func Open(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.Open(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	c := cache.New()

	logger.Info("cache warm-up starting", "load_profiles", opts.Components.Account)

	if err := c.WarmUp(s, opts.Components.Account); err != nil {
		s.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	logger.Info("cache warm-up complete",
		"accounts", c.AccountCount(),
		"live_tokens", c.TokenCount(),
	)

	writes := NewWrites(s, c, opts.Components)

	return &Manager{
		store:      s,
		cache:      c,
		reads:      NewReads(s, c),
		runner:     NewRunner(writes, logger),
		concurrent: NewConcurrent(writes, opts.ConcurrentLimit, logger),
		logger:     logger,
	}, nil
}

// Reads returns the read façade.
func (m *Manager) Reads() *Reads {
	return m.reads
}

// Runner returns the serialized write command runner.
func (m *Manager) Runner() *Runner {
	return m.runner
}

// Concurrent returns the concurrent command runner.
func (m *Manager) Concurrent() *Concurrent {
	return m.concurrent
}

// Tokens returns a token lookup view over the shared cache.
func (m *Manager) Tokens() TokenManager {
	return TokenManager{cache: m.cache}
}

// Accounts returns an identifier lookup view over the shared cache and
// store.
func (m *Manager) Accounts() AccountManager {
	return AccountManager{cache: m.cache, store: m.store}
}

// Close drains both runners, then closes the store.
func (m *Manager) Close() error {
	m.runner.Close()
	m.concurrent.Close()

	if err := m.store.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	m.logger.Info("database closed")

	return nil
}
