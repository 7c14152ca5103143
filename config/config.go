// Package config loads the process-wide configuration record consumed at
// startup. Per the runtime's design notes, configuration is read once and
// passed down explicitly; nothing here may be mutated after the first actor
// loads.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration record.
type Config struct {
	// ExposeErrors mirrors RIVET_EXPOSE_ERRORS / NODE_ENV=development.
	ExposeErrors bool
	// StoragePath is the default KV directory for a standalone deployment.
	StoragePath string
	// Endpoint, Namespace, Token bootstrap a runner-mode client connecting to
	// a managed Rivet control plane.
	Endpoint  string
	Namespace string
	Token     string

	// ActionTimeout bounds a single action invocation (§5 Cancellation).
	ActionTimeout time.Duration
	// HibernationIdle is the idle duration before an actor hibernates (§4.8).
	HibernationIdle time.Duration
	// MaxHibernatableConns bounds the per-actor hibernatable connection list (§4.8).
	MaxHibernatableConns int
	// MaxIncomingMessageSize / MaxOutgoingMessageSize enforce frame size limits (§4.1).
	MaxIncomingMessageSize int
	MaxOutgoingMessageSize int
	// WorkerPollInterval is the sleep-threshold constant from the KV driver
	// interface (§4.2): sleeps shorter than this are satisfied in-memory.
	WorkerPollInterval time.Duration

	// TraceBucketDuration / MaxActiveSpans / MaxChunkBytes / MaxReadLimit
	// configure the optional Trace/Span Sink (§4.11), when an actor
	// definition opts into one via actor.Hooks.Tracer.
	TraceBucketDuration time.Duration
	MaxActiveSpans      int
	MaxChunkBytes       int
	MaxReadLimit        int
}

// Default returns the baseline configuration before environment overrides.
func Default() Config {
	return Config{
		StoragePath:            "./actorcore-data",
		ActionTimeout:          30 * time.Second,
		HibernationIdle:        30 * time.Second,
		MaxHibernatableConns:   64,
		MaxIncomingMessageSize: 4 << 20,
		MaxOutgoingMessageSize: 4 << 20,
		WorkerPollInterval:     15 * time.Second,
		TraceBucketDuration:    time.Minute,
		MaxActiveSpans:         4096,
		MaxChunkBytes:          1 << 20,
		MaxReadLimit:           10_000,
	}
}

// FromEnv overlays RIVET_* (and NODE_ENV) environment variables onto cfg and
// returns the result. See spec §6.4 for the full variable list.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("RIVET_EXPOSE_ERRORS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ExposeErrors = b
		}
	}
	if os.Getenv("NODE_ENV") == "development" {
		cfg.ExposeErrors = true
	}
	if v := os.Getenv("RIVET_STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv("RIVET_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("RIVET_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("RIVET_TOKEN"); v != "" {
		cfg.Token = v
	}
	return cfg
}
