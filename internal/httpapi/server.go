// Package httpapi exposes the relay's signaling and health HTTP surface:
// offer/answer negotiation per stream and an operational health check.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"

	"github.com/alxayo/h264-relay/internal/apperrors"
	"github.com/alxayo/h264-relay/internal/logging"
	"github.com/alxayo/h264-relay/internal/registry"
	"github.com/alxayo/h264-relay/internal/streamid"
	"github.com/alxayo/h264-relay/internal/webrtcsession"
)

// offerRequest is the client-submitted SDP offer body.
type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// offerResponse is the relay's SDP answer body.
type offerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server wires the offer and health endpoints onto a gorilla/mux router.
type Server struct {
	registry    *registry.Registry
	coordinator *webrtcsession.Coordinator
	logger      *slog.Logger
}

// New creates an httpapi Server backed by reg and coordinator.
func New(reg *registry.Registry, coordinator *webrtcsession.Coordinator) *Server {
	return &Server{registry: reg, coordinator: coordinator, logger: logging.Logger()}
}

// Router builds a *mux.Router with this server's routes registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/offer/{stream_id}", s.handleOffer).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	rawID := mux.Vars(r)["stream_id"]
	id, err := streamid.Parse(rawID)
	if err != nil {
		s.logger.Debug("rejected offer", "error", &apperrors.InvalidStreamIDError{Err: err})
		writeError(w, http.StatusBadRequest, "missing or empty stream_id")
		return
	}

	var body offerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.SDP == "" || body.Type != "offer" {
		writeError(w, http.StatusBadRequest, "invalid offer body")
		return
	}

	logger := logging.WithStream(s.logger, id.String())
	logger.Info("offer received", "remote", r.RemoteAddr)

	entry, ok := s.registry.Lookup(id)
	if !ok {
		logger.Debug("offer against unknown stream", "error", &apperrors.UnknownStreamError{StreamID: id.String()})
		writeError(w, http.StatusNotFound, "stream unavailable")
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: body.SDP}
	answer, err := s.coordinator.Negotiate(r.Context(), entry, offer)
	if err != nil {
		if apperrors.IsUnknownStream(err) {
			writeError(w, http.StatusNotFound, "stream unavailable")
			return
		}
		logger.Error("negotiation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, offerResponse{SDP: answer.SDP, Type: answer.Type.String()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"active_streams": s.registry.Count()})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
