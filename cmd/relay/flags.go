package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

// cliConfig holds user-supplied flag values prior to translation into the
// components main.go wires together.
type cliConfig struct {
	host             string
	port             int
	certFile         string
	keyFile          string
	verbose          bool
	queueCapacity    int
	subscriberWindow int
	showVersion      bool
}

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.host, "host", "localhost", "bind host for the ingest/signaling HTTP server")
	fs.IntVar(&cfg.port, "port", 8080, "bind port for the ingest/signaling HTTP server")
	fs.StringVar(&cfg.certFile, "cert-file", "", "TLS certificate file (requires -key-file)")
	fs.StringVar(&cfg.keyFile, "key-file", "", "TLS private key file (requires -cert-file)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "enable debug-level logging")
	fs.IntVar(&cfg.queueCapacity, "queue-capacity", 60, "max in-flight ingest frames per stream before drop-oldest")
	fs.IntVar(&cfg.subscriberWindow, "subscriber-window", 8, "max buffered packets per viewer before drop-oldest")
	fs.BoolVar(&cfg.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, &validationError{err: err}
	}

	return cfg, nil
}

// validationError marks a validate() failure so main can tell it apart from
// a flag.Parse usage error and exit with the status the original server
// used for the same condition (exit 1, not 2).
type validationError struct{ err error }

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

// isValidationError reports whether err came from validate() rather than
// from flag.Parse.
func isValidationError(err error) bool {
	var v *validationError
	return errors.As(err, &v)
}

func validate(cfg *cliConfig) error {
	if (cfg.certFile == "") != (cfg.keyFile == "") {
		return errors.New("-cert-file and -key-file must be given together")
	}
	if cfg.certFile != "" {
		if _, err := os.Stat(cfg.certFile); err != nil {
			return fmt.Errorf("cert-file: %w", err)
		}
		if _, err := os.Stat(cfg.keyFile); err != nil {
			return fmt.Errorf("key-file: %w", err)
		}
	}
	if cfg.port <= 0 || cfg.port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.port)
	}
	if cfg.queueCapacity <= 0 {
		return fmt.Errorf("queue-capacity must be positive, got %d", cfg.queueCapacity)
	}
	if cfg.subscriberWindow <= 0 {
		return fmt.Errorf("subscriber-window must be positive, got %d", cfg.subscriberWindow)
	}
	return nil
}

func (c *cliConfig) tlsEnabled() bool { return c.certFile != "" && c.keyFile != "" }
