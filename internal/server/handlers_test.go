package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/accountd/internal/database"
	"github.com/alexjbarnes/accountd/internal/model"
	"github.com/alexjbarnes/accountd/internal/signin"
)

const clientAddr = "203.0.113.7:40000"

// stubVerifier resolves fixed tokens to subjects.
type stubVerifier struct {
	tokens map[string]model.GoogleAccountID
}

func (s *stubVerifier) Verify(_ context.Context, provider signin.Provider, idToken string) (model.GoogleAccountID, error) {
	if provider != signin.ProviderGoogle {
		return "", signin.ErrUnsupportedProvider
	}

	sub, ok := s.tokens[idToken]
	if !ok {
		return "", signin.ErrInvalidToken
	}

	return sub, nil
}

func testDB(t *testing.T) *database.Manager {
	t.Helper()

	m, err := database.Open(database.Options{
		Dir:        filepath.Join(t.TempDir(), "db"),
		Components: database.Components{Account: true, Calculator: true},
		Logger:     slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func testMux(t *testing.T, db *database.Manager, verifier IdentityVerifier) *http.ServeMux {
	t.Helper()

	if verifier == nil {
		verifier = &stubVerifier{}
	}

	return NewMux(MuxConfig{
		DB:         db,
		Verifier:   verifier,
		Components: database.Components{Account: true, Calculator: true},
		Logger:     slog.New(slog.DiscardHandler),
	})
}

// doJSON fires one request at the mux from clientAddr unless addr
// overrides it.
func doJSON(t *testing.T, mux *http.ServeMux, method, path, apiKey string, body any, addr string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = addr
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func registerAndLogin(t *testing.T, mux *http.ServeMux) (model.AccountID, model.AuthPair) {
	t.Helper()

	rec := doJSON(t, mux, http.MethodPost, "/account_api/register", "", nil, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeBody[registerResponse](t, rec).AccountID

	rec = doJSON(t, mux, http.MethodPost, "/account_api/login", "", loginRequest{AccountID: id}, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)

	return id, decodeBody[model.LoginResult](t, rec).Account
}

func TestRegister_ReturnsAccountID(t *testing.T) {
	mux := testMux(t, testDB(t), nil)

	rec := doJSON(t, mux, http.MethodPost, "/account_api/register", "", nil, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[registerResponse](t, rec)
	assert.True(t, resp.AccountID.Valid())
}

func TestLogin_UnknownAccount(t *testing.T) {
	mux := testMux(t, testDB(t), nil)

	rec := doJSON(t, mux, http.MethodPost, "/account_api/login", "",
		loginRequest{AccountID: model.NewAccountID()}, clientAddr)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogin_MalformedBody(t *testing.T) {
	mux := testMux(t, testDB(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/account_api/login", bytes.NewBufferString("{"))
	req.RemoteAddr = clientAddr

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountState_AuthenticatedFlow(t *testing.T) {
	mux := testMux(t, testDB(t), nil)
	_, pair := registerAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodGet, "/account_api/state", pair.Access.String(), nil, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)

	profile := decodeBody[model.Profile](t, rec)
	assert.Equal(t, model.StateInitialSetup, profile.State)
}

func TestAccountState_MissingKey(t *testing.T) {
	mux := testMux(t, testDB(t), nil)
	registerAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodGet, "/account_api/state", "", nil, clientAddr)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccountState_WrongPeerIP(t *testing.T) {
	mux := testMux(t, testDB(t), nil)
	_, pair := registerAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodGet, "/account_api/state", pair.Access.String(), nil, "198.51.100.9:40000")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccountState_BogusToken(t *testing.T) {
	mux := testMux(t, testDB(t), nil)
	registerAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodGet, "/account_api/state", model.NewAccessToken().String(), nil, clientAddr)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_UnparseableRemoteAddr(t *testing.T) {
	mux := testMux(t, testDB(t), nil)
	_, pair := registerAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodGet, "/account_api/state", pair.Access.String(), nil, "not-an-address")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompleteSetup_Flow(t *testing.T) {
	mux := testMux(t, testDB(t), nil)
	_, pair := registerAndLogin(t, mux)
	key := pair.Access.String()

	// Before any setup data: not acceptable.
	rec := doJSON(t, mux, http.MethodPost, "/account_api/complete_setup", key, nil, clientAddr)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/account_api/setup", key,
		model.AccountSetup{Email: "user@example.com"}, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/account_api/complete_setup", key, nil, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/account_api/state", key, nil, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StateNormal, decodeBody[model.Profile](t, rec).State)
}

func TestCalculatorState_NotWrittenThenWritten(t *testing.T) {
	mux := testMux(t, testDB(t), nil)
	_, pair := registerAndLogin(t, mux)
	key := pair.Access.String()

	want := model.CalculatorState{State: "6*7"}

	rec := doJSON(t, mux, http.MethodPost, "/calculator_api/state", key, want, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/calculator_api/state", key, nil, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, want, decodeBody[model.CalculatorState](t, rec))
}

func TestCalculatorRoutes_AbsentWhenDisabled(t *testing.T) {
	db := testDB(t)
	mux := NewMux(MuxConfig{
		DB:         db,
		Verifier:   &stubVerifier{},
		Components: database.Components{Account: true},
		Logger:     slog.New(slog.DiscardHandler),
	})

	_, pair := registerAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodGet, "/calculator_api/state", pair.Access.String(), nil, clientAddr)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignInWithLogin_NewIdentityRegisters(t *testing.T) {
	db := testDB(t)
	verifier := &stubVerifier{tokens: map[string]model.GoogleAccountID{"id-token-1": "google-sub-1"}}
	mux := testMux(t, db, verifier)

	body := signInWithRequest{Provider: signin.ProviderGoogle, IDToken: "id-token-1"}

	rec := doJSON(t, mux, http.MethodPost, "/account_api/sign_in_with_login", "", body, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)

	first := decodeBody[signInWithResponse](t, rec)
	assert.True(t, first.AccountID.Valid())
	assert.NotEmpty(t, first.Login.Account.Access)

	// Same identity signs in again: same account, fresh tokens.
	rec = doJSON(t, mux, http.MethodPost, "/account_api/sign_in_with_login", "", body, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)

	second := decodeBody[signInWithResponse](t, rec)
	assert.Equal(t, first.AccountID, second.AccountID)
	assert.NotEqual(t, first.Login.Account.Access, second.Login.Account.Access)
}

func TestSignInWithLogin_InvalidToken(t *testing.T) {
	mux := testMux(t, testDB(t), &stubVerifier{})

	rec := doJSON(t, mux, http.MethodPost, "/account_api/sign_in_with_login", "",
		signInWithRequest{Provider: signin.ProviderGoogle, IDToken: "nope"}, clientAddr)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignInWithLogin_UnsupportedProvider(t *testing.T) {
	mux := testMux(t, testDB(t), &stubVerifier{})

	rec := doJSON(t, mux, http.MethodPost, "/account_api/sign_in_with_login", "",
		signInWithRequest{Provider: signin.ProviderApple, IDToken: "anything"}, clientAddr)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestLogin_RotationInvalidatesOldKey(t *testing.T) {
	mux := testMux(t, testDB(t), nil)
	id, first := registerAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/account_api/login", "", loginRequest{AccountID: id}, clientAddr)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[model.LoginResult](t, rec).Account

	rec = doJSON(t, mux, http.MethodGet, "/account_api/state", first.Access.String(), nil, clientAddr)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "old key must stop working")

	rec = doJSON(t, mux, http.MethodGet, "/account_api/state", second.Access.String(), nil, clientAddr)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorResponses_CarryNoBody(t *testing.T) {
	mux := testMux(t, testDB(t), nil)

	rec := doJSON(t, mux, http.MethodPost, "/account_api/login", "",
		loginRequest{AccountID: model.NewAccountID()}, clientAddr)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.String(), fmt.Sprintf("error response leaked a body: %q", rec.Body.String()))
}
