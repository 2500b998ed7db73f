package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/alexjbarnes/accountd/internal/cache"
	"github.com/alexjbarnes/accountd/internal/database"
	"github.com/alexjbarnes/accountd/internal/model"
	"github.com/alexjbarnes/accountd/internal/signin"
	"github.com/alexjbarnes/accountd/internal/store"
)

// maxBodySize caps request bodies. Nothing in the API carries more than a
// small JSON object.
const maxBodySize = 1 << 20

type handlers struct {
	db       *database.Manager
	verifier IdentityVerifier
	logger   *slog.Logger
}

type registerResponse struct {
	AccountID model.AccountID `json:"account_id"`
}

type loginRequest struct {
	AccountID model.AccountID `json:"account_id"`
}

type signInWithRequest struct {
	Provider signin.Provider `json:"provider"`
	IDToken  string          `json:"id_token"`
}

type signInWithResponse struct {
	AccountID model.AccountID   `json:"account_id"`
	Login     model.LoginResult `json:"login"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("writing response failed", "error", err)
	}
}

func (h *handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		h.logger.Debug("bad request body", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadRequest)

		return false
	}

	return true
}

// respondError maps the core's error kinds to status codes. Bodies stay
// empty: internal detail never reaches the client.
func (h *handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var status int

	switch {
	case errors.Is(err, cache.ErrKeyNotExists), errors.Is(err, store.ErrNoRow):
		status = http.StatusNotFound
	case errors.Is(err, signin.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, database.ErrSetupIncomplete), errors.Is(err, signin.ErrUnsupportedProvider):
		status = http.StatusNotAcceptable
	default:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	w.WriteHeader(status)
}

func (h *handlers) peer(w http.ResponseWriter, r *http.Request) (netip.AddrPort, bool) {
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		h.logger.Debug("unparseable remote address", "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)

		return netip.AddrPort{}, false
	}

	return peer, true
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	internal, err := h.db.Runner().Register(r.Context(), "")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.logger.Info("account registered", "account_id", internal.Light())
	h.writeJSON(w, http.StatusOK, registerResponse{AccountID: internal.Light()})
}

// login issues a fresh auth pair for a known account, bound to the
// caller's IP.
func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	peer, ok := h.peer(w, r)
	if !ok {
		return
	}

	internal, err := h.db.Accounts().ToInternal(req.AccountID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	pair, err := h.db.Runner().SetAuthPair(r.Context(), internal, peer)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.logger.Info("account logged in", "account_id", internal.Light())
	h.writeJSON(w, http.StatusOK, model.LoginResult{Account: pair})
}

// signInWithLogin validates a third-party identity token, then logs in
// the linked account, registering one first if the identity is new.
func (h *handlers) signInWithLogin(w http.ResponseWriter, r *http.Request) {
	var req signInWithRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	peer, ok := h.peer(w, r)
	if !ok {
		return
	}

	googleID, err := h.verifier.Verify(r.Context(), req.Provider, req.IDToken)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	internal, linked, err := h.db.Accounts().WithGoogleID(googleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if !linked {
		internal, err = h.db.Runner().Register(r.Context(), googleID)
		if err != nil {
			h.respondError(w, r, err)
			return
		}

		h.logger.Info("account registered via sign-in", "account_id", internal.Light())
	}

	pair, err := h.db.Runner().SetAuthPair(r.Context(), internal, peer)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.logger.Info("account signed in", "account_id", internal.Light())
	h.writeJSON(w, http.StatusOK, signInWithResponse{
		AccountID: internal.Light(),
		Login:     model.LoginResult{Account: pair},
	})
}

func (h *handlers) accountState(w http.ResponseWriter, r *http.Request) {
	internal, ok := RequestAccount(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	profile, err := h.db.Reads().Profile(internal.Light())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, profile)
}

func (h *handlers) accountSetup(w http.ResponseWriter, r *http.Request) {
	internal, ok := RequestAccount(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var setup model.AccountSetup
	if !h.decodeJSON(w, r, &setup) {
		return
	}

	if err := h.db.Runner().UpdateAccountSetup(r.Context(), internal, setup); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *handlers) completeSetup(w http.ResponseWriter, r *http.Request) {
	internal, ok := RequestAccount(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if err := h.db.Runner().CompleteSetup(r.Context(), internal); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.logger.Info("account setup completed", "account_id", internal.Light())
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) calculatorState(w http.ResponseWriter, r *http.Request) {
	internal, ok := RequestAccount(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	state, err := h.db.Reads().CalculatorState(internal.Light())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, state)
}

func (h *handlers) setCalculatorState(w http.ResponseWriter, r *http.Request) {
	internal, ok := RequestAccount(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var state model.CalculatorState
	if !h.decodeJSON(w, r, &state) {
		return
	}

	if err := h.db.Runner().UpdateCalculatorState(r.Context(), internal, state); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
