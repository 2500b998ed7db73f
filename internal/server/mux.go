// Package server provides the HTTP and WebSocket surface of accountd.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/accountd/internal/database"
	"github.com/alexjbarnes/accountd/internal/model"
	"github.com/alexjbarnes/accountd/internal/signin"
)

// IdentityVerifier validates third-party identity tokens. Satisfied by
// *signin.Verifier.
type IdentityVerifier interface {
	Verify(ctx context.Context, provider signin.Provider, idToken string) (model.GoogleAccountID, error)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	DB         *database.Manager
	Verifier   IdentityVerifier
	Components database.Components
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux. Routes for disabled components are not
// registered at all; hitting them returns 404 like any unknown path.
// Private routes sit behind the API-key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handlers{
		db:       cfg.DB,
		verifier: cfg.Verifier,
		logger:   cfg.Logger,
	}

	private := AuthMiddleware(cfg.DB.Tokens(), cfg.Logger)

	mux := http.NewServeMux()

	if cfg.Components.Account {
		mux.HandleFunc("POST /account_api/register", h.register)
		mux.HandleFunc("POST /account_api/login", h.login)
		mux.HandleFunc("POST /account_api/sign_in_with_login", h.signInWithLogin)
		mux.Handle("GET /account_api/state", private(http.HandlerFunc(h.accountState)))
		mux.Handle("POST /account_api/setup", private(http.HandlerFunc(h.accountSetup)))
		mux.Handle("POST /account_api/complete_setup", private(http.HandlerFunc(h.completeSetup)))
	}

	if cfg.Components.Calculator {
		mux.Handle("GET /calculator_api/state", private(http.HandlerFunc(h.calculatorState)))
		mux.Handle("POST /calculator_api/state", private(http.HandlerFunc(h.setCalculatorState)))
	}

	mux.Handle("GET /common_api/connect", private(http.HandlerFunc(h.connect)))

	return mux
}
