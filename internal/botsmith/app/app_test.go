package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tmarkov/botsmith/internal/botsmith/backend"
)

type noopBackend struct{}

func (noopBackend) Create(ctx context.Context, spec backend.BotSpec) (backend.Handle, error) {
	return backend.Handle{BotID: spec.BotID, ContainerRef: "ref-001"}, nil
}
func (noopBackend) Stop(ctx context.Context, botID, ref string) error { return nil }
func (noopBackend) Status(ctx context.Context, botID string) (backend.Status, error) {
	return backend.Status{BotID: botID, State: backend.StateUnknown}, nil
}
func (noopBackend) Logs(ctx context.Context, botID string) ([]string, error) { return nil, nil }
func (noopBackend) List(ctx context.Context) ([]backend.Handle, error)       { return nil, nil }

func TestNewAssemblesWithInjectedBackend(t *testing.T) {
	dir := t.TempDir()
	a, err := New(Config{
		DatabasePath:      filepath.Join(dir, "test.db"),
		HTTPAddr:          ":0",
		SourceRoot:        dir,
		WorkDir:           dir,
		ReconcileInterval: time.Minute,
		Backend:           noopBackend{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	a.Stop()
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabasePath == "" || cfg.HTTPAddr == "" {
		t.Errorf("defaults missing: %+v", cfg)
	}
	if cfg.ReconcileInterval <= 0 {
		t.Errorf("reconcile interval = %v, want positive default", cfg.ReconcileInterval)
	}
}

func TestLoadConfigParsesOrigins(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("origins = %v, want 2 entries", cfg.AllowedOrigins)
	}
}
