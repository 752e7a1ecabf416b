// Package config loads the relay's runtime configuration from environment
// variables (optionally backed by a .env file), following the same
// getEnv/getEnvAsInt layering the original signaling server used.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the relay's full runtime configuration.
type Config struct {
	Server ServerConfig
	WebRTC WebRTCConfig
	Stream StreamConfig
}

// ServerConfig holds the bind address, TLS and verbosity values read from
// the RELAY_* environment variables. cmd/relay takes these settings from its
// command-line flags and does not read this section.
type ServerConfig struct {
	Host     string
	Port     int
	CertFile string
	KeyFile  string
	Verbose  bool
}

// WebRTCConfig carries the ICE server list handed to every negotiated
// peer connection.
type WebRTCConfig struct {
	ICEServerURLs       []string
	ICEServerUsername   string
	ICEServerCredential string
}

// StreamConfig holds the per-stream ingest queue capacity and fanout window
// read from the environment. cmd/relay takes these settings from its
// -queue-capacity and -subscriber-window flags and does not read this
// section.
type StreamConfig struct {
	QueueCapacity    int
	SubscriberWindow int
}

// AppConfig is the process-wide loaded configuration, set by LoadConfig.
var AppConfig *Config

// LoadConfig loads a .env file if present (optional — environment
// variables always take precedence) and populates AppConfig.
func LoadConfig() error {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using environment variables")
	}

	AppConfig = &Config{
		Server: ServerConfig{
			Host:     getEnv("RELAY_HOST", "localhost"),
			Port:     getEnvAsInt("RELAY_PORT", 8080),
			CertFile: getEnv("RELAY_CERT_FILE", ""),
			KeyFile:  getEnv("RELAY_KEY_FILE", ""),
			Verbose:  getEnvAsBool("RELAY_VERBOSE", false),
		},
		WebRTC: WebRTCConfig{
			ICEServerURLs:       parseStringSlice(getEnv("ICE_SERVER_URLS", ""), ","),
			ICEServerUsername:   getEnv("ICE_SERVER_USERNAME", ""),
			ICEServerCredential: getEnv("ICE_SERVER_CREDENTIAL", ""),
		},
		Stream: StreamConfig{
			QueueCapacity:    getEnvAsInt("RELAY_QUEUE_CAPACITY", 60),
			SubscriberWindow: getEnvAsInt("RELAY_SUBSCRIBER_WINDOW", 8),
		},
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseStringSlice(value string, separator string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, separator)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
