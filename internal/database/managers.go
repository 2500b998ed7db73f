package database

import (
	"fmt"
	"net/netip"

	"github.com/alexjbarnes/accountd/internal/cache"
	"github.com/alexjbarnes/accountd/internal/model"
	"github.com/alexjbarnes/accountd/internal/store"
)

// TokenManager answers authentication lookups against the shared cache.
// It is a cheap view, not an owner; copy it freely.
type TokenManager struct {
	cache *cache.Cache
}

// Resolve returns the account holding the access token.
func (m TokenManager) Resolve(token model.AccessToken) (model.AccountIDInternal, error) {
	return m.cache.ResolveToken(token)
}

// ResolveWithPeer returns the account holding the access token when the
// request comes from the IP the token was issued to.
func (m TokenManager) ResolveWithPeer(token model.AccessToken, peer netip.AddrPort) (model.AccountIDInternal, error) {
	return m.cache.ResolveTokenWithPeer(token, peer)
}

// AccountManager resolves account identifiers and external identity
// links against the shared cache and store.
type AccountManager struct {
	cache *cache.Cache
	store *store.Store
}

// ToInternal upgrades a light identifier to the internal form.
func (m AccountManager) ToInternal(id model.AccountID) (model.AccountIDInternal, error) {
	return m.cache.ToInternal(id)
}

// WithGoogleID returns the account linked to a Google identity. ok is
// false when no account is linked.
func (m AccountManager) WithGoogleID(googleID model.GoogleAccountID) (model.AccountIDInternal, bool, error) {
	internal, ok, err := m.store.AccountWithGoogleID(googleID)
	if err != nil {
		return model.AccountIDInternal{}, false, fmt.Errorf("resolving google account: %w", err)
	}

	return internal, ok, nil
}
