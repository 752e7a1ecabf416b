// Package webrtcsession negotiates one viewer's WebRTC peer connection
// against a stream's fanout and feeds it shaped packets for the lifetime
// of that connection.
package webrtcsession

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/alxayo/h264-relay/internal/apperrors"
	"github.com/alxayo/h264-relay/internal/fanout"
	"github.com/alxayo/h264-relay/internal/registry"
)

// DefaultSTUNServers are used when no ICE servers are configured, giving
// redundancy if one is unreachable.
var DefaultSTUNServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
}

// Coordinator builds PeerConnections for viewers and wires each one to a
// stream's fanout via a dedicated subscriber and outbound track.
type Coordinator struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// Config carries the ICE server list the coordinator hands every new
// PeerConnection. A nil or empty ICEServers falls back to DefaultSTUNServers.
type Config struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// New builds a Coordinator with its own MediaEngine and interceptor
// registry, using Pion's default codec and interceptor set.
func New(cfg Config) (*Coordinator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = make([]webrtc.ICEServer, 0, len(DefaultSTUNServers))
		for _, url := range DefaultSTUNServers {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
		}
	}

	return &Coordinator{
		api: api,
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		logger: logger,
	}, nil
}

// Negotiate subscribes to entry's fanout, builds a sendonly video
// transceiver carrying that subscription, applies offer, and returns the
// SDP answer. The PeerConnection it creates tears down its subscriber
// automatically once its connection state reaches failed, closed or
// disconnected.
func (c *Coordinator) Negotiate(ctx context.Context, entry *registry.Entry, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if entry.Ended() {
		return webrtc.SessionDescription{}, &apperrors.SourceEndedError{StreamID: entry.ID.String()}
	}

	sub := entry.Fanout.Subscribe()
	if sub == nil {
		return webrtc.SessionDescription{}, &apperrors.SourceEndedError{StreamID: entry.ID.String()}
	}

	pc, err := c.api.NewPeerConnection(c.config)
	if err != nil {
		sub.Stop()
		return webrtc.SessionDescription{}, &apperrors.NegotiationError{Op: "new peer connection", Err: err}
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video",
		entry.ID.String(),
	)
	if err != nil {
		sub.Stop()
		pc.Close()
		return webrtc.SessionDescription{}, &apperrors.NegotiationError{Op: "create track", Err: err}
	}

	logger := c.logger.With("stream_id", entry.ID.String())
	cleanup := func() {
		sub.Stop()
		pc.Close()
	}

	if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}); err != nil {
		cleanup()
		return webrtc.SessionDescription{}, &apperrors.NegotiationError{Op: "add track", Err: err}
	}
	if strings.Contains(offer.SDP, "m=audio") {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionInactive}); err != nil {
			cleanup()
			return webrtc.SessionDescription{}, &apperrors.NegotiationError{Op: "add audio transceiver", Err: err}
		}
	}

	sessionCtx, cancelSession := context.WithCancel(context.Background())
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			cancelSession()
			cleanup()
		})
	}
	// Closing the peer connection when the subscriber itself stops (e.g.
	// the registry tearing the stream down on shutdown) mirrors the
	// teardown the connection-state observers below trigger.
	sub.SetOnStop(stop)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state change", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			stop()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ice connection state change", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed, webrtc.ICEConnectionStateDisconnected:
			stop()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		cleanup()
		return webrtc.SessionDescription{}, &apperrors.NegotiationError{Op: "set remote description", Err: err}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		cleanup()
		return webrtc.SessionDescription{}, &apperrors.NegotiationError{Op: "create answer", Err: err}
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		cleanup()
		return webrtc.SessionDescription{}, &apperrors.NegotiationError{Op: "set local description", Err: err}
	}

	go pumpTrack(sessionCtx, sub, track, logger)

	return *pc.LocalDescription(), nil
}

// pumpTrack copies shaped packets from sub into track as WebRTC samples
// for the lifetime of the peer connection, stopping once the subscriber
// ends or the session's connection-state observers cancel sessionCtx.
func pumpTrack(sessionCtx context.Context, sub *fanout.Subscriber, track *webrtc.TrackLocalStaticSample, logger *slog.Logger) {
	for {
		pkt, err := sub.Next(sessionCtx)
		if err != nil {
			return
		}
		if err := track.WriteSample(media.Sample{Data: pkt.Payload, Duration: pkt.TimeBase}); err != nil {
			logger.Debug("write sample failed", "error", err)
			return
		}
	}
}
