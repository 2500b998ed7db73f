package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/alexjbarnes/accountd/internal/database"
	"github.com/alexjbarnes/accountd/internal/model"
)

// APIKeyHeader carries the access token on private routes.
const APIKeyHeader = "x-api-key"

type contextKey int

const ctxAccountID contextKey = iota

// RequestAccount returns the authenticated account from the context. ok
// is false on routes that did not pass the auth middleware.
func RequestAccount(ctx context.Context) (model.AccountIDInternal, bool) {
	v, ok := ctx.Value(ctxAccountID).(model.AccountIDInternal)
	return v, ok
}

// AuthMiddleware returns middleware that authenticates requests by access
// token and peer address. The token must resolve in the identity cache
// and the request must come from the IP the token was issued to.
// Failures are a plain 401 with no detail.
func AuthMiddleware(tokens database.TokenManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := model.AccessToken(r.Header.Get(APIKeyHeader))
			if token == "" {
				logger.Debug("auth: missing api key", "path", r.URL.Path)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			peer, err := netip.ParseAddrPort(r.RemoteAddr)
			if err != nil {
				logger.Debug("auth: unparseable remote address",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			internal, err := tokens.ResolveWithPeer(token, peer)
			if err != nil {
				logger.Debug("auth: token rejected",
					"peer", peer.Addr().String(),
					"path", r.URL.Path,
				)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := context.WithValue(r.Context(), ctxAccountID, internal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
