package database

import (
	"fmt"

	"github.com/alexjbarnes/accountd/internal/cache"
	"github.com/alexjbarnes/accountd/internal/model"
	"github.com/alexjbarnes/accountd/internal/store"
)

// entity describes how one per-account data type moves between the store
// and the cache. Cacheable entities are read from the cache exclusively;
// a miss there is an error, never a store fallback. Store-only entities
// leave the cache accessors nil.
type entity[T any] struct {
	kind      string
	cacheable bool

	storeGet func(*store.Store, uint64) (T, error)
	storePut func(*store.Store, uint64, T) error
	cacheGet func(*cache.Cache, model.AccountID) (T, error)
	cachePut func(*cache.Cache, model.AccountID, T) error
}

var profileEntity = entity[model.Profile]{
	kind:      "profile",
	cacheable: true,
	storeGet:  (*store.Store).Profile,
	storePut:  (*store.Store).SetProfile,
	cacheGet:  (*cache.Cache).ReadProfile,
	cachePut:  (*cache.Cache).UpdateProfile,
}

var setupEntity = entity[model.AccountSetup]{
	kind:     "account setup",
	storeGet: (*store.Store).AccountSetup,
	storePut: (*store.Store).SetAccountSetup,
}

var calculatorEntity = entity[model.CalculatorState]{
	kind:     "calculator state",
	storeGet: (*store.Store).CalculatorState,
	storePut: (*store.Store).SetCalculatorState,
}

// readEntity reads one entity for an account, cache-first or store-only
// depending on the entity's declaration.
func readEntity[T any](r *Reads, e entity[T], id model.AccountID) (T, error) {
	var zero T

	if e.cacheable {
		v, err := e.cacheGet(r.cache, id)
		if err != nil {
			return zero, fmt.Errorf("cache read %s, account %s: %w", e.kind, id, err)
		}

		return v, nil
	}

	internal, err := r.cache.ToInternal(id)
	if err != nil {
		return zero, fmt.Errorf("store read %s: %w", e.kind, err)
	}

	v, err := e.storeGet(r.store, internal.RowID)
	if err != nil {
		return zero, fmt.Errorf("store read %s, account %s: %w", e.kind, id, err)
	}

	return v, nil
}

// updateEntity writes one entity, store first. For cacheable entities the
// cache is updated only after the store write succeeds; a cache failure
// at that point means the two may have diverged, and the caller gets the
// error rather than a rollback.
func updateEntity[T any](w *Writes, e entity[T], id model.AccountIDInternal, v T) error {
	if err := e.storePut(w.store, id.RowID, v); err != nil {
		return fmt.Errorf("store write %s, account %s: %w", e.kind, id.Light(), err)
	}

	if !e.cacheable {
		return nil
	}

	if err := e.cachePut(w.cache, id.Light(), v); err != nil {
		return fmt.Errorf("cache write %s after store write, account %s: %w", e.kind, id.Light(), err)
	}

	return nil
}
