package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exchange-service/internal/model"
	"exchange-service/internal/notify"
	"exchange-service/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SessionLoader reads the current view of a session.
type SessionLoader interface {
	GetSession(ctx context.Context, sessionID string) (*model.ExchangeSession, error)
}

// SessionStream pushes session views to a device over a websocket. The
// first message is the current view; the socket closes after a terminal one.
type SessionStream struct {
	sessions SessionLoader
	notifier notify.Notifier
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewSessionStream(sessions SessionLoader, notifier notify.Notifier, logger *zap.Logger) *SessionStream {
	return &SessionStream{
		sessions: sessions,
		notifier: notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devices are native clients; CORS does not apply to them.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP handles GET /exchange/session/{sessionID}/stream
func (s *SessionStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// Resolve before upgrading so unknown sessions get a plain 404 and the
	// client falls back to polling.
	if _, err := s.sessions.GetSession(r.Context(), sessionID); err != nil {
		respondWithError(s.logger, w, err, "Session not found")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the current view so no transition is missed.
	updates, unsubscribe, err := s.notifier.Subscribe(ctx, sessionID)
	if err != nil {
		respondWithError(s.logger, w, err, "Failed to subscribe")
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("Websocket upgrade failed", util.SessionID(sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	sc := &streamConn{conn: conn}
	go s.readPump(conn, cancel)

	current, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("Session vanished during stream setup", util.SessionID(sessionID), zap.Error(err))
		sc.close(websocket.CloseGoingAway, "session unavailable")
		return
	}
	if done := s.send(sc, sessionID, current.View()); done {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case view, ok := <-updates:
			if !ok {
				sc.close(websocket.CloseGoingAway, "subscription closed")
				return
			}
			if done := s.send(sc, sessionID, view); done {
				return
			}
		case <-ticker.C:
			if err := sc.ping(); err != nil {
				return
			}
		}
	}
}

// send writes view and reports whether the stream is finished.
func (s *SessionStream) send(sc *streamConn, sessionID string, view model.SessionView) bool {
	if err := sc.writeJSON(view); err != nil {
		s.logger.Debug("Websocket write failed", util.SessionID(sessionID), zap.Error(err))
		return true
	}
	if view.State.IsTerminal() {
		sc.close(websocket.CloseNormalClosure, string(view.State))
		return true
	}
	return false
}

// readPump consumes control frames and cancels the stream when the peer
// goes away.
func (s *SessionStream) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// streamConn serialises writes; gorilla connections allow one writer.
type streamConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *streamConn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
