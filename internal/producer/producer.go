// Package producer implements the ingest websocket lifecycle: one
// connection per stream id, pumping Annex-B access units into that
// stream's frame queue for the lifetime of the connection.
package producer

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/alxayo/h264-relay/internal/apperrors"
	"github.com/alxayo/h264-relay/internal/logging"
	"github.com/alxayo/h264-relay/internal/registry"
	"github.com/alxayo/h264-relay/internal/streamid"
)

const (
	readDeadline  = 60 * time.Second
	pingPeriod    = 54 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades ingest requests to websockets and attaches each one to
// the registry for the duration of the connection.
type Handler struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates an ingest Handler backed by reg.
func New(reg *registry.Registry) *Handler {
	return &Handler{registry: reg, logger: logging.Logger()}
}

// ServeHTTP handles GET /ingest/{stream_id}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawID := mux.Vars(r)["stream_id"]
	id, err := streamid.Parse(rawID)
	if err != nil {
		h.logger.Debug("rejected ingest", "error", &apperrors.InvalidStreamIDError{Err: err})
		http.Error(w, "invalid stream_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ingest upgrade failed", "stream_id", id.String(), "error", err)
		return
	}

	ownerID := uuid.NewString()
	entry, created := h.registry.CreateOrAttach(id, ownerID)
	if created {
		entry.SetProducerCloser(func() { conn.Close() })
	}
	logger := logging.WithStream(h.logger, id.String())
	logger.Info("ingest connected", "owner_id", ownerID, "created", created)

	session := &session{
		conn:     conn,
		registry: h.registry,
		id:       id,
		entry:    entry,
		ownerID:  ownerID,
		owns:     created,
		logger:   logger,
	}
	session.run()
}

// session is one ingest connection's read loop and its attach/detach
// bookkeeping against a single StreamEntry.
type session struct {
	conn     *websocket.Conn
	registry *registry.Registry
	id       streamid.ID
	entry    *registry.Entry
	ownerID  string
	owns     bool
	logger   *slog.Logger
}

func (s *session) run() {
	defer s.conn.Close()
	defer s.detach()

	s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	stopPing := s.startPingTicker()
	defer stopPing()

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Warn("ingest read error", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))

		switch msgType {
		case websocket.BinaryMessage:
			s.entry.Queue.Enqueue(time.Now().UnixNano(), payload)
		case websocket.TextMessage:
			// control/keepalive chatter, not a media frame
		}
	}
}

func (s *session) startPingTicker() func() {
	ticker := time.NewTicker(pingPeriod)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (s *session) detach() {
	if !s.owns {
		return
	}
	s.registry.Detach(s.id, s.ownerID)
	s.logger.Info("ingest disconnected, stream torn down", "owner_id", s.ownerID)
}
