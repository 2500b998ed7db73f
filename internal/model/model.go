// Package model defines the account, token, and per-feature data types
// shared by the cache, store, and HTTP layers.
package model

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// AccountID is the externally visible account identifier. It is assigned
// once at registration and never reused.
type AccountID string

// NewAccountID generates a fresh random account identifier.
func NewAccountID() AccountID {
	return AccountID(uuid.NewString())
}

func (id AccountID) String() string {
	return string(id)
}

// Valid reports whether the identifier parses as a UUID.
func (id AccountID) Valid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

// AccountIDInternal pairs the external identifier with the store-assigned
// row number used for fast point lookups. Both fields are immutable once
// assigned.
type AccountIDInternal struct {
	AccountID AccountID `json:"account_id"`
	RowID     uint64    `json:"account_row_id"`
}

// Light returns the external identifier.
func (id AccountIDInternal) Light() AccountID {
	return id.AccountID
}

// AccessToken is the opaque bearer credential sent with every request.
// At most one is valid per account at any time.
type AccessToken string

// NewAccessToken generates a fresh access token.
func NewAccessToken() AccessToken {
	return AccessToken(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (t AccessToken) String() string {
	return string(t)
}

// refreshTokenLen is the raw byte length of a refresh token before
// base64 encoding.
const refreshTokenLen = 32

// RefreshToken is a high-entropy token held by the client and rotated on
// every WebSocket connect. Stored base64 encoded.
type RefreshToken string

// NewRefreshToken generates a fresh refresh token and returns it together
// with the raw bytes the client receives on the wire.
func NewRefreshToken() (RefreshToken, []byte) {
	b := make([]byte, refreshTokenLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return RefreshTokenFromBytes(b), b
}

// RefreshTokenFromBytes encodes raw token bytes into a RefreshToken.
func RefreshTokenFromBytes(data []byte) RefreshToken {
	return RefreshToken(base64.StdEncoding.EncodeToString(data))
}

// Bytes decodes the token back into its wire form.
func (t RefreshToken) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(string(t))
}

func (t RefreshToken) String() string {
	return string(t)
}

// AuthPair is the access and refresh token issued together on login and
// on every token rotation.
type AuthPair struct {
	Access  AccessToken  `json:"access"`
	Refresh RefreshToken `json:"refresh"`
}

// AccountState tracks where an account is in its lifecycle.
type AccountState string

const (
	// StateInitialSetup is the state of a freshly registered account.
	StateInitialSetup AccountState = "InitialSetup"
	// StateNormal is reached once initial setup is completed.
	StateNormal AccountState = "Normal"
)

// Profile is the account's mutable profile blob. It is the only cacheable
// entity: the canonical copy lives in the identity cache after warm-up.
type Profile struct {
	State AccountState `json:"state"`
}

// NewProfile returns the profile of a freshly registered account.
func NewProfile() Profile {
	return Profile{State: StateInitialSetup}
}

// CompleteSetup moves the account out of initial setup. No-op in any
// other state.
func (p *Profile) CompleteSetup() {
	if p.State == StateInitialSetup {
		p.State = StateNormal
	}
}

// AccountSetup holds the non-changeable information the user provides
// during initial setup. Store-only.
type AccountSetup struct {
	Email string `json:"email"`
}

// CalculatorState is the calculator feature's persisted state. Store-only.
type CalculatorState struct {
	State string `json:"state"`
}

// GoogleAccountID is the subject identifier from a validated Google ID
// token.
type GoogleAccountID string

// SignInWithInfo carries the external identity link established during
// third-party sign-in. Zero value means the account was registered
// directly.
type SignInWithInfo struct {
	GoogleAccountID GoogleAccountID `json:"google_account_id,omitempty"`
}

// LoginResult is returned by login and sign-in-with-login.
type LoginResult struct {
	Account AuthPair `json:"account"`

	// Calculator is nil while the calculator feature runs in-process
	// with no tokens of its own.
	Calculator *AuthPair `json:"calculator,omitempty"`
}
