package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/alxayo/h264-relay/internal/config"
	"github.com/alxayo/h264-relay/internal/httpapi"
	"github.com/alxayo/h264-relay/internal/logging"
	"github.com/alxayo/h264-relay/internal/producer"
	"github.com/alxayo/h264-relay/internal/registry"
	"github.com/alxayo/h264-relay/internal/webrtcsession"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if isValidationError(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logging.Init()
	if cfg.verbose {
		logging.SetVerbose(true)
	}
	log := logging.Logger().With("component", "cli")

	if err := config.LoadConfig(); err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	reg := registry.New(registry.Options{
		QueueCapacity: cfg.queueCapacity,
		FanoutWindow:  cfg.subscriberWindow,
	})

	iceServers := buildICEServers()
	coordinator, err := webrtcsession.New(webrtcsession.Config{
		ICEServers: iceServers,
		Logger:     logging.Logger(),
	})
	if err != nil {
		log.Error("failed to build webrtc coordinator", "error", err)
		os.Exit(1)
	}

	ingest := producer.New(reg)
	api := httpapi.New(reg, coordinator)

	router := api.Router()
	router.Handle("/ingest/{stream_id}", ingest).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%d", cfg.host, cfg.port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("relay starting", "addr", addr, "tls", cfg.tlsEnabled(), "version", version)
		if cfg.tlsEnabled() {
			serveErr <- server.ListenAndServeTLS(cfg.certFile, cfg.keyFile)
			return
		}
		serveErr <- server.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", "error", err)
	} else {
		log.Info("server stopped cleanly")
	}

	// http.Server.Shutdown only stops accepting new requests and waits on
	// idle connections; it never touches hijacked ones. Every ingest
	// websocket and negotiated PeerConnection is tracked by the registry,
	// not by net/http, so it needs its own sweep.
	log.Info("tearing down active streams", "count", reg.Count())
	reg.Shutdown()
}

func buildICEServers() []webrtc.ICEServer {
	if config.AppConfig == nil || len(config.AppConfig.WebRTC.ICEServerURLs) == 0 {
		return nil
	}
	servers := make([]webrtc.ICEServer, 0, len(config.AppConfig.WebRTC.ICEServerURLs))
	for _, url := range config.AppConfig.WebRTC.ICEServerURLs {
		s := webrtc.ICEServer{URLs: []string{url}}
		if config.AppConfig.WebRTC.ICEServerUsername != "" {
			s.Username = config.AppConfig.WebRTC.ICEServerUsername
			s.Credential = config.AppConfig.WebRTC.ICEServerCredential
		}
		servers = append(servers, s)
	}
	return servers
}
