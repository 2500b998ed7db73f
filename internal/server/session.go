package server

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/coder/websocket"

	"github.com/alexjbarnes/accountd/internal/database"
	"github.com/alexjbarnes/accountd/internal/model"
)

//go:generate mockgen -source=session.go -destination=mock_conn_test.go -package=server

// WSConn is the subset of *websocket.Conn the session loop uses.
// Extracted as an interface for mocking.
type WSConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// maxRefreshTokenMessage bounds inbound session messages. A refresh token
// is 32 bytes on the wire.
const maxRefreshTokenMessage = 1024

// session is one authenticated WebSocket connection driving token
// rotation. The client proves possession of the current refresh token,
// and the server answers with a fresh refresh token (binary) followed by
// a fresh access token (text). A clean close ends the connection session
// but keeps the refresh token; every other outcome is a full logout.
type session struct {
	conn   WSConn
	db     *database.Manager
	id     model.AccountIDInternal
	peer   netip.AddrPort
	logger *slog.Logger
}

// connect upgrades the request and runs the session until the client
// leaves.
func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	internal, ok := RequestAccount(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	peer, ok := h.peer(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", "account_id", internal.Light(), "error", err)
		return
	}
	conn.SetReadLimit(maxRefreshTokenMessage)

	s := &session{conn: conn, db: h.db, id: internal, peer: peer, logger: h.logger}
	s.run(r.Context())
}

func (s *session) run(ctx context.Context) {
	s.logger.Debug("session started", "account_id", s.id.Light())

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.finish(ctx, err)
			return
		}

		if typ != websocket.MessageBinary {
			s.abort(ctx, websocket.StatusUnsupportedData, "expected binary refresh token")
			return
		}

		stored, ok, err := s.db.Reads().RefreshToken(s.id.Light())
		if err != nil {
			s.logger.Error("session refresh token read failed", "account_id", s.id.Light(), "error", err)
			s.abort(ctx, websocket.StatusInternalError, "")

			return
		}

		if !ok || !bytes.Equal(stored, data) {
			s.logger.Warn("session refresh token mismatch", "account_id", s.id.Light())
			s.abort(ctx, websocket.StatusPolicyViolation, "refresh token mismatch")

			return
		}

		pair, err := s.db.Runner().SetAuthPair(ctx, s.id, s.peer)
		if err != nil {
			s.logger.Error("session token rotation failed", "account_id", s.id.Light(), "error", err)
			s.abort(ctx, websocket.StatusInternalError, "")

			return
		}

		raw, err := pair.Refresh.Bytes()
		if err != nil {
			s.logger.Error("session refresh token decode failed", "account_id", s.id.Light(), "error", err)
			s.abort(ctx, websocket.StatusInternalError, "")

			return
		}

		if err := s.conn.Write(ctx, websocket.MessageBinary, raw); err != nil {
			s.finish(ctx, err)
			return
		}

		if err := s.conn.Write(ctx, websocket.MessageText, []byte(pair.Access)); err != nil {
			s.finish(ctx, err)
			return
		}

		s.logger.Debug("session tokens rotated", "account_id", s.id.Light())
	}
}

// finish handles the connection ending on the client's terms. A clean
// close keeps the refresh token so the client can reconnect; an abnormal
// one logs the account out.
func (s *session) finish(ctx context.Context, err error) {
	cleanup := context.WithoutCancel(ctx)

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.Debug("session closed cleanly", "account_id", s.id.Light())

		if err := s.db.Runner().EndConnectionSession(cleanup, s.id); err != nil {
			s.logger.Error("ending connection session failed", "account_id", s.id.Light(), "error", err)
		}
	default:
		s.logger.Debug("session closed abnormally", "account_id", s.id.Light(), "error", err)

		if err := s.db.Runner().Logout(cleanup, s.id); err != nil {
			s.logger.Error("session logout failed", "account_id", s.id.Light(), "error", err)
		}
	}
}

// abort logs the account out and closes the connection with code. Used
// when the server, not the client, ends the session.
func (s *session) abort(ctx context.Context, code websocket.StatusCode, reason string) {
	if err := s.db.Runner().Logout(context.WithoutCancel(ctx), s.id); err != nil {
		s.logger.Error("session logout failed", "account_id", s.id.Light(), "error", err)
	}

	if err := s.conn.Close(code, reason); err != nil {
		s.logger.Debug("session close failed", "account_id", s.id.Light(), "error", err)
	}
}
