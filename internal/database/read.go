package database

import (
	"fmt"

	"github.com/alexjbarnes/accountd/internal/cache"
	"github.com/alexjbarnes/accountd/internal/model"
	"github.com/alexjbarnes/accountd/internal/store"
)

// Reads is the read-side façade. Reads never go through the command
// runner: the cache is safe for concurrent readers and store point reads
// do not conflict with the serialized writer.
type Reads struct {
	store *store.Store
	cache *cache.Cache
}

// NewReads returns a read façade over the shared store and cache.
func NewReads(s *store.Store, c *cache.Cache) *Reads {
	return &Reads{store: s, cache: c}
}

// Profile returns the account's cached profile.
func (r *Reads) Profile(id model.AccountID) (model.Profile, error) {
	return readEntity(r, profileEntity, id)
}

// AccountSetup returns the account's setup data from the store.
func (r *Reads) AccountSetup(id model.AccountID) (model.AccountSetup, error) {
	return readEntity(r, setupEntity, id)
}

// CalculatorState returns the account's calculator state from the store.
func (r *Reads) CalculatorState(id model.AccountID) (model.CalculatorState, error) {
	return readEntity(r, calculatorEntity, id)
}

// RefreshToken returns the account's current refresh token bytes. ok is
// false when no refresh token is set.
func (r *Reads) RefreshToken(id model.AccountID) ([]byte, bool, error) {
	internal, err := r.cache.ToInternal(id)
	if err != nil {
		return nil, false, fmt.Errorf("reading refresh token: %w", err)
	}

	token, ok, err := r.store.RefreshToken(internal.RowID)
	if err != nil {
		return nil, false, fmt.Errorf("reading refresh token, account %s: %w", id, err)
	}

	return token, ok, nil
}

// AccessToken returns the account's current access token from the store.
// ok is false when the account is logged out.
func (r *Reads) AccessToken(id model.AccountID) (model.AccessToken, bool, error) {
	internal, err := r.cache.ToInternal(id)
	if err != nil {
		return "", false, fmt.Errorf("reading access token: %w", err)
	}

	token, ok, err := r.store.AccessToken(internal.RowID)
	if err != nil {
		return "", false, fmt.Errorf("reading access token, account %s: %w", id, err)
	}

	return token, ok, nil
}
