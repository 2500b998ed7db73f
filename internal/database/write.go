package database

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/alexjbarnes/accountd/internal/cache"
	"github.com/alexjbarnes/accountd/internal/model"
	"github.com/alexjbarnes/accountd/internal/store"
)

// Components selects which optional per-account features are active.
// Registration seeds rows only for active features, and warm-up loads
// profiles only when the account feature is on.
type Components struct {
	Account    bool
	Calculator bool
}

// Writes holds every store-mutating operation. Methods are invoked only
// from the command runner's consumer goroutine, one at a time; nothing
// here takes its own locks beyond what the cache provides.
type Writes struct {
	store      *store.Store
	cache      *cache.Cache
	components Components
}

// NewWrites returns the write façade over the shared store and cache.
func NewWrites(s *store.Store, c *cache.Cache, components Components) *Writes {
	return &Writes{store: s, cache: c, components: components}
}

// register creates a new account: identifier row, empty token rows, rows
// for each active feature, then the cache entry. The steps are not
// wrapped in a transaction; a failure partway leaves the earlier writes
// in place.
func (w *Writes) register(google model.GoogleAccountID) (model.AccountIDInternal, error) {
	internal, err := w.store.CreateAccount(model.NewAccountID())
	if err != nil {
		return model.AccountIDInternal{}, fmt.Errorf("register: %w", err)
	}

	id := internal.Light()

	if err := w.store.SeedAuthRows(internal.RowID); err != nil {
		return model.AccountIDInternal{}, fmt.Errorf("register, account %s: %w", id, err)
	}

	var profile *model.Profile

	if w.components.Account {
		p := model.NewProfile()
		if err := w.store.SetProfile(internal.RowID, p); err != nil {
			return model.AccountIDInternal{}, fmt.Errorf("register, account %s: %w", id, err)
		}

		profile = &p
	}

	if w.components.Calculator {
		if err := w.store.SetCalculatorState(internal.RowID, model.CalculatorState{}); err != nil {
			return model.AccountIDInternal{}, fmt.Errorf("register, account %s: %w", id, err)
		}
	}

	if google != "" {
		if err := w.store.SetGoogleLink(google, internal.RowID); err != nil {
			return model.AccountIDInternal{}, fmt.Errorf("register, account %s: %w", id, err)
		}
	}

	if err := w.cache.InsertIfAbsent(internal, profile); err != nil {
		return model.AccountIDInternal{}, fmt.Errorf("register, account %s: %w", id, err)
	}

	return internal, nil
}

// setAuthPair issues a fresh access and refresh token for the account and
// rotates out whichever access token was live before. Used for both login
// and session token rotation.
func (w *Writes) setAuthPair(id model.AccountIDInternal, peer netip.AddrPort) (model.AuthPair, error) {
	old, _, err := w.store.AccessToken(id.RowID)
	if err != nil {
		return model.AuthPair{}, fmt.Errorf("set auth pair, account %s: %w", id.Light(), err)
	}

	refresh, raw := model.NewRefreshToken()
	pair := model.AuthPair{Access: model.NewAccessToken(), Refresh: refresh}

	if err := w.store.SetAccessToken(id.RowID, pair.Access); err != nil {
		return model.AuthPair{}, fmt.Errorf("set auth pair, account %s: %w", id.Light(), err)
	}

	if err := w.store.SetRefreshToken(id.RowID, raw); err != nil {
		return model.AuthPair{}, fmt.Errorf("set auth pair, account %s: %w", id.Light(), err)
	}

	if err := w.cache.RotateToken(id.Light(), old, pair.Access, peer); err != nil {
		return model.AuthPair{}, fmt.Errorf("set auth pair after store write, account %s: %w", id.Light(), err)
	}

	return pair, nil
}

// logout invalidates both tokens and drops the session binding.
func (w *Writes) logout(id model.AccountIDInternal) error {
	old, _, err := w.store.AccessToken(id.RowID)
	if err != nil {
		return fmt.Errorf("logout, account %s: %w", id.Light(), err)
	}

	if err := w.store.SetAccessToken(id.RowID, ""); err != nil {
		return fmt.Errorf("logout, account %s: %w", id.Light(), err)
	}

	if err := w.store.SetRefreshToken(id.RowID, nil); err != nil {
		return fmt.Errorf("logout, account %s: %w", id.Light(), err)
	}

	if err := w.cache.ClearToken(id.Light(), old); err != nil {
		return fmt.Errorf("logout after store write, account %s: %w", id.Light(), err)
	}

	return nil
}

// endConnectionSession invalidates the access token and drops the session
// binding but leaves the refresh token in place, so the client can
// reconnect and rotate without logging in again.
func (w *Writes) endConnectionSession(id model.AccountIDInternal) error {
	old, _, err := w.store.AccessToken(id.RowID)
	if err != nil {
		return fmt.Errorf("end connection session, account %s: %w", id.Light(), err)
	}

	if err := w.store.SetAccessToken(id.RowID, ""); err != nil {
		return fmt.Errorf("end connection session, account %s: %w", id.Light(), err)
	}

	if err := w.cache.ClearToken(id.Light(), old); err != nil {
		return fmt.Errorf("end connection session after store write, account %s: %w", id.Light(), err)
	}

	return nil
}

// updateProfile writes the profile to store and cache.
func (w *Writes) updateProfile(id model.AccountIDInternal, p model.Profile) error {
	return updateEntity(w, profileEntity, id, p)
}

// updateAccountSetup writes the setup data.
func (w *Writes) updateAccountSetup(id model.AccountIDInternal, a model.AccountSetup) error {
	return updateEntity(w, setupEntity, id, a)
}

// updateCalculatorState writes the calculator state.
func (w *Writes) updateCalculatorState(id model.AccountIDInternal, c model.CalculatorState) error {
	return updateEntity(w, calculatorEntity, id, c)
}

// completeSetup moves the account from initial setup to normal. Requires
// setup data with an email to be present and the profile to still be in
// the initial state.
func (w *Writes) completeSetup(id model.AccountIDInternal) error {
	setup, err := w.store.AccountSetup(id.RowID)
	if errors.Is(err, store.ErrNoRow) {
		return fmt.Errorf("complete setup, account %s: %w", id.Light(), ErrSetupIncomplete)
	}
	if err != nil {
		return fmt.Errorf("complete setup, account %s: %w", id.Light(), err)
	}

	if setup.Email == "" {
		return fmt.Errorf("complete setup, account %s: missing email: %w", id.Light(), ErrSetupIncomplete)
	}

	p, err := w.cache.ReadProfile(id.Light())
	if err != nil {
		return fmt.Errorf("complete setup, account %s: %w", id.Light(), err)
	}

	if p.State != model.StateInitialSetup {
		return fmt.Errorf("complete setup, account %s: state %s: %w", id.Light(), p.State, ErrSetupIncomplete)
	}

	p.CompleteSetup()

	return updateEntity(w, profileEntity, id, p)
}
