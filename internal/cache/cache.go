// Package cache holds the in-memory identity map: every registered
// account, its cached profile, its currently valid access token, and the
// peer address of its active connection. The cache is warmed from the
// store at startup and is the authority for token resolution afterwards.
package cache

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/alexjbarnes/accountd/internal/model"
)

var (
	// ErrAlreadyExists is returned when inserting an account or token that
	// is already present.
	ErrAlreadyExists = errors.New("already exists")

	// ErrKeyNotExists is returned when the account or token is unknown.
	ErrKeyNotExists = errors.New("key does not exist")

	// ErrNotInCache is returned when the account is known but its profile
	// was never loaded. Callers must not fall back to the store.
	ErrNotInCache = errors.New("not in cache")
)

// Loader supplies the persisted rows the cache is warmed from.
type Loader interface {
	AccountIDs() ([]model.AccountIDInternal, error)
	AccessToken(rowID uint64) (model.AccessToken, bool, error)
	Profile(rowID uint64) (model.Profile, error)
}

// entry is the per-account record. Both maps point at the same entry, so
// a profile write through one index is visible through the other. mu
// guards profile and peer; the identifier is immutable.
type entry struct {
	id model.AccountIDInternal

	mu      sync.RWMutex
	profile *model.Profile
	peer    netip.AddrPort
}

// Cache indexes accounts by light id and by access token. The two maps
// are locked independently; the account map is append-only.
type Cache struct {
	accountsMu sync.RWMutex
	accounts   map[model.AccountID]*entry

	tokensMu sync.RWMutex
	tokens   map[model.AccessToken]*entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		accounts: make(map[model.AccountID]*entry),
		tokens:   make(map[model.AccessToken]*entry),
	}
}

// WarmUp loads every account from the loader. Profiles are loaded only
// when loadProfiles is set; token rows are always loaded. A duplicate
// access token in the store fails the warm-up.
func (c *Cache) WarmUp(loader Loader, loadProfiles bool) error {
	ids, err := loader.AccountIDs()
	if err != nil {
		return fmt.Errorf("cache warm-up: %w", err)
	}

	for _, id := range ids {
		e := &entry{id: id}

		if loadProfiles {
			p, err := loader.Profile(id.RowID)
			if err != nil {
				return fmt.Errorf("cache warm-up, account %s: %w", id.Light(), err)
			}

			e.profile = &p
		}

		token, ok, err := loader.AccessToken(id.RowID)
		if err != nil {
			return fmt.Errorf("cache warm-up, account %s: %w", id.Light(), err)
		}

		c.accountsMu.Lock()
		c.accounts[id.Light()] = e
		c.accountsMu.Unlock()

		if ok {
			c.tokensMu.Lock()
			_, taken := c.tokens[token]
			if !taken {
				c.tokens[token] = e
			}
			c.tokensMu.Unlock()

			if taken {
				return fmt.Errorf("cache warm-up, account %s: duplicate access token: %w", id.Light(), ErrAlreadyExists)
			}
		}
	}

	return nil
}

// InsertIfAbsent adds a freshly registered account. profile may be nil
// when the account feature is disabled.
func (c *Cache) InsertIfAbsent(id model.AccountIDInternal, profile *model.Profile) error {
	c.accountsMu.Lock()
	defer c.accountsMu.Unlock()

	if _, ok := c.accounts[id.Light()]; ok {
		return fmt.Errorf("inserting account %s: %w", id.Light(), ErrAlreadyExists)
	}

	c.accounts[id.Light()] = &entry{id: id, profile: profile}

	return nil
}

// lookup returns the entry for a known account.
func (c *Cache) lookup(id model.AccountID) (*entry, error) {
	c.accountsMu.RLock()
	e, ok := c.accounts[id]
	c.accountsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrKeyNotExists)
	}

	return e, nil
}

// ToInternal resolves a light account id to the full internal identifier.
func (c *Cache) ToInternal(id model.AccountID) (model.AccountIDInternal, error) {
	e, err := c.lookup(id)
	if err != nil {
		return model.AccountIDInternal{}, err
	}

	return e.id, nil
}

// ResolveToken returns the account holding the access token.
func (c *Cache) ResolveToken(token model.AccessToken) (model.AccountIDInternal, error) {
	c.tokensMu.RLock()
	e, ok := c.tokens[token]
	c.tokensMu.RUnlock()

	if !ok {
		return model.AccountIDInternal{}, fmt.Errorf("resolving access token: %w", ErrKeyNotExists)
	}

	return e.id, nil
}

// ResolveTokenWithPeer returns the account holding the access token, but
// only when the request comes from the same address the token was issued
// to. Only the IP is compared; the client's source port changes between
// connections.
func (c *Cache) ResolveTokenWithPeer(token model.AccessToken, peer netip.AddrPort) (model.AccountIDInternal, error) {
	c.tokensMu.RLock()
	e, ok := c.tokens[token]
	c.tokensMu.RUnlock()

	if !ok {
		return model.AccountIDInternal{}, fmt.Errorf("resolving access token: %w", ErrKeyNotExists)
	}

	e.mu.RLock()
	issued := e.peer
	e.mu.RUnlock()

	if issued.Addr() != peer.Addr() {
		return model.AccountIDInternal{}, fmt.Errorf("resolving access token: peer mismatch: %w", ErrKeyNotExists)
	}

	return e.id, nil
}

// RotateToken atomically replaces old with next and records the peer the
// next token was issued to. An empty old token means the account is
// logging in fresh; a present old token is removed in the same critical
// section that inserts next, so no reader ever sees both or neither.
// A next token already held by a different account is rejected.
func (c *Cache) RotateToken(id model.AccountID, old, next model.AccessToken, peer netip.AddrPort) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}

	c.tokensMu.Lock()
	defer c.tokensMu.Unlock()

	if holder, taken := c.tokens[next]; taken && holder != e {
		return fmt.Errorf("rotating access token, account %s: %w", id, ErrAlreadyExists)
	}

	if holder, ok := c.tokens[old]; ok && holder == e {
		delete(c.tokens, old)
	}

	e.mu.Lock()
	e.peer = peer
	e.mu.Unlock()

	c.tokens[next] = e

	return nil
}

// ClearToken forgets the account's connection peer and invalidates old if
// it is still live. A missing old token is not an error, so logout stays
// idempotent.
func (c *Cache) ClearToken(id model.AccountID, old model.AccessToken) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.peer = netip.AddrPort{}
	e.mu.Unlock()

	if old == "" {
		return nil
	}

	c.tokensMu.Lock()
	delete(c.tokens, old)
	c.tokensMu.Unlock()

	return nil
}

// ReadProfile returns a copy of the cached profile.
func (c *Cache) ReadProfile(id model.AccountID) (model.Profile, error) {
	e, err := c.lookup(id)
	if err != nil {
		return model.Profile{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.profile == nil {
		return model.Profile{}, fmt.Errorf("reading profile, account %s: %w", id, ErrNotInCache)
	}

	return *e.profile, nil
}

// UpdateProfile overwrites the cached profile. The profile must already
// be loaded; updating a never-loaded profile is a bug in the caller.
func (c *Cache) UpdateProfile(id model.AccountID, p model.Profile) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.profile == nil {
		return fmt.Errorf("updating profile, account %s: %w", id, ErrNotInCache)
	}

	*e.profile = p

	return nil
}

// SeedProfile sets the cached profile whether or not one was loaded.
// Used at registration and when a feature is switched on for an
// existing account.
func (c *Cache) SeedProfile(id model.AccountID, p model.Profile) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.profile = &p
	e.mu.Unlock()

	return nil
}

// AccountCount returns the number of known accounts.
func (c *Cache) AccountCount() int {
	c.accountsMu.RLock()
	defer c.accountsMu.RUnlock()

	return len(c.accounts)
}

// TokenCount returns the number of live access tokens.
func (c *Cache) TokenCount() int {
	c.tokensMu.RLock()
	defer c.tokensMu.RUnlock()

	return len(c.tokens)
}
