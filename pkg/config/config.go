// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr           = "MITM_LISTEN_ADDR"
	envCertPath             = "MITM_CERT_PATH"
	envKeyPath              = "MITM_KEY_PATH"
	envStartingID           = "MITM_STARTING_ID"
	envUpstreamInsecure     = "MITM_UPSTREAM_INSECURE"
	envRequestTimeout       = "MITM_REQUEST_TIMEOUT"
	envServerReadTimeout    = "MITM_SERVER_READ_TIMEOUT"
	envServerWriteTimeout   = "MITM_SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout    = "MITM_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown     = "MITM_GRACEFUL_SHUTDOWN"
	envLogLevel             = "MITM_LOG_LEVEL"
	envEventBuffer          = "MITM_EVENT_BUFFER"
	envCertCacheTTL         = "MITM_CERT_CACHE_TTL"

	defaultListenAddr         = "0.0.0.0:1337"
	defaultCertPath           = "./data/cert"
	defaultKeyPath            = "./data/key"
	defaultStartingID         = 1
	defaultRequestTimeout     = 30 * time.Second
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerWriteTimeout = 30 * time.Second
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
	defaultLogLevel           = "info"
	defaultEventBuffer        = 128
	defaultCertCacheTTL       = time.Hour
)

// Config captures runtime settings for the proxy.
type Config struct {
	ListenAddr              string
	CertPath                string
	KeyPath                 string
	StartingID              uint32
	UpstreamInsecure        bool
	RequestTimeout          time.Duration
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
	LogLevel                string
	EventBuffer             int
	CertCacheTTL            time.Duration
}

// Load reads configuration from environment variables, falling back to a
// default for every variable that is unset or cannot be parsed.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:              getString(envListenAddr, defaultListenAddr),
		CertPath:                getString(envCertPath, defaultCertPath),
		KeyPath:                 getString(envKeyPath, defaultKeyPath),
		StartingID:              uint32(getInt(envStartingID, defaultStartingID)),
		UpstreamInsecure:        getBool(envUpstreamInsecure, true),
		RequestTimeout:          getDuration(envRequestTimeout, defaultRequestTimeout),
		ServerReadTimeout:       getDuration(envServerReadTimeout, defaultServerReadTimeout),
		ServerWriteTimeout:      getDuration(envServerWriteTimeout, defaultServerWriteTimeout),
		ServerIdleTimeout:       getDuration(envServerIdleTimeout, defaultServerIdleTimeout),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
		LogLevel:                strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		EventBuffer:             getInt(envEventBuffer, defaultEventBuffer),
		CertCacheTTL:            getDuration(envCertCacheTTL, defaultCertCacheTTL),
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
