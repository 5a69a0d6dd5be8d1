package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/tmarkov/botsmith/common/environment"
	"github.com/tmarkov/botsmith/internal/botsmith/backend"
	"github.com/tmarkov/botsmith/internal/botsmith/backend/docker"
)

// Config holds application configuration.
type Config struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string
	// HTTPAddr is the TCP address the control plane listens on.
	HTTPAddr string
	// SourceRoot is the directory tree bot source payloads are read from.
	SourceRoot string
	// WorkDir is where source payloads are materialized for bind-mounting.
	WorkDir string
	// DockerNetwork is the network bot containers are attached to.
	DockerNetwork string
	// DefaultImage is the runtime image for bots without a manifest.
	DefaultImage string
	// ReconcileInterval is how often drift between the store and the
	// backend is checked.
	ReconcileInterval time.Duration
	// WebhookRateLimit caps updates per bot per minute.
	WebhookRateLimit int
	// TelegramBaseURL overrides the platform API endpoint; empty means the
	// public one.
	TelegramBaseURL string
	// DisableFallbackReplies turns off "bot unavailable" replies.
	DisableFallbackReplies bool
	// AllowedOrigins enables CORS for the given origins.
	AllowedOrigins []string
	// Backend overrides the Docker backend; used by tests.
	Backend backend.Backend
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		DatabasePath:           environment.StringOr("DATABASE_PATH", "./botsmith.db"),
		HTTPAddr:               environment.StringOr("HTTP_ADDR", ":8080"),
		SourceRoot:             environment.StringOr("SOURCE_ROOT", "./bots"),
		WorkDir:                environment.StringOr("WORK_DIR", "./work"),
		DockerNetwork:          environment.StringOr("DOCKER_NETWORK", docker.DefaultNetwork),
		DefaultImage:           environment.StringOr("DEFAULT_BOT_IMAGE", "botsmith/python-runtime:3.12"),
		ReconcileInterval:      environment.DurationOr("RECONCILE_INTERVAL", 30*time.Second),
		WebhookRateLimit:       environment.IntOr("WEBHOOK_RATE_LIMIT", 0),
		TelegramBaseURL:        environment.StringOr("TELEGRAM_API_BASE_URL", ""),
		DisableFallbackReplies: environment.BoolOr("DISABLE_FALLBACK_REPLIES", false),
	}

	if origins := environment.StringOr("ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if cfg.DatabasePath == "" {
		return Config{}, fmt.Errorf("DATABASE_PATH must not be empty")
	}
	return cfg, nil
}
