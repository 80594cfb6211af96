package live

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// SessionReader loads the current state of a session.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (domain.SessionSnapshot, error)
}

// Frame is one message on the feed: a snapshot first, then events.
type Frame struct {
	Type    string                  `json:"type"`
	Session *domain.SessionSnapshot `json:"session,omitempty"`
	Event   *domain.DispatchEvent   `json:"event,omitempty"`
}

// Handler serves GET /v1/sessions/{id}/live as a WebSocket feed.
type Handler struct {
	hub      *Hub
	sessions SessionReader
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(hub *Hub, sessions SessionReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:      hub,
		sessions: sessions,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	// subscribe before reading the snapshot so no transition falls in between
	events, cancel := h.hub.Subscribe(id)
	defer cancel()

	snap, err := h.sessions.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if err := write(conn, Frame{Type: "snapshot", Session: &snap}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := write(conn, Frame{Type: "event", Event: &ev}); err != nil {
				h.logger.Debug("live feed write failed", zap.String("session_id", id.String()), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, f Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}
