package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/accountd/internal/database"
	"github.com/alexjbarnes/accountd/internal/model"
	"github.com/alexjbarnes/accountd/internal/server"
	"github.com/alexjbarnes/accountd/internal/signin"
)

const (
	testIDToken   = "e2e-google-id-token"
	testGoogleSub = "e2e-google-subject"
)

// harness holds the full e2e stack: the database manager behind a real
// HTTP server, with third-party sign-in stubbed out.
type harness struct {
	URL    string
	DB     *database.Manager
	Client *http.Client
}

// stubVerifier accepts exactly one Google identity token.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, provider signin.Provider, idToken string) (model.GoogleAccountID, error) {
	if provider != signin.ProviderGoogle {
		return "", signin.ErrUnsupportedProvider
	}

	if idToken != testIDToken {
		return "", signin.ErrInvalidToken
	}

	return testGoogleSub, nil
}

// newHarness opens a fresh database in a temp dir, wires the full HTTP
// stack via server.NewMux, and starts an httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	db, err := database.Open(database.Options{
		Dir:        filepath.Join(t.TempDir(), "db"),
		Components: database.Components{Account: true, Calculator: true},
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mux := server.NewMux(server.MuxConfig{
		DB:         db,
		Verifier:   stubVerifier{},
		Components: database.Components{Account: true, Calculator: true},
		Logger:     logger,
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &harness{URL: ts.URL, DB: db, Client: ts.Client()}
}

// Request and response bodies as the wire sees them.
type registerResponse struct {
	AccountID model.AccountID `json:"account_id"`
}

type loginRequest struct {
	AccountID model.AccountID `json:"account_id"`
}

type signInRequest struct {
	Provider signin.Provider `json:"provider"`
	IDToken  string          `json:"id_token"`
}

type signInResponse struct {
	AccountID model.AccountID   `json:"account_id"`
	Login     model.LoginResult `json:"login"`
}

// do fires one request with an optional JSON body and API key.
func (h *harness) do(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, &buf)
	require.NoError(t, err)

	if apiKey != "" {
		req.Header.Set(server.APIKeyHeader, apiKey)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

// registerAndLogin creates an account over HTTP and logs it in.
func (h *harness) registerAndLogin(t *testing.T) (model.AccountID, model.AuthPair) {
	t.Helper()

	resp := h.do(t, http.MethodPost, "/account_api/register", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[registerResponse](t, resp).AccountID

	resp = h.do(t, http.MethodPost, "/account_api/login", "", loginRequest{AccountID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return id, decode[model.LoginResult](t, resp).Account
}

// dialSession opens the token-rotation WebSocket authenticated with the
// given access token.
func (h *harness) dialSession(t *testing.T, apiKey string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(h.URL, "http") + "/common_api/connect"

	conn, _, err := websocket.Dial(t.Context(), wsURL, &websocket.DialOptions{
		HTTPClient: h.Client,
		HTTPHeader: http.Header{server.APIKeyHeader: []string{apiKey}},
	})
	require.NoError(t, err)

	return conn
}
