package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no source payload exists for a bot.
var ErrNotFound = errors.New("source not found")

// Source is a bot's code payload plus its manifest.
type Source struct {
	Code     []byte
	Manifest Manifest
}

// Storage fetches a bot's workload source. Implementations live outside the
// core; Dir is the reference implementation backed by a directory tree.
type Storage interface {
	Fetch(ctx context.Context, ownerID, botID string) (*Source, error)
}

// Dir serves sources from <root>/<ownerID>/<botID>/: the manifest's
// entrypoint file plus an optional bot.yaml.
type Dir struct {
	root string
	// DefaultImage is used when a bot has no bot.yaml of its own.
	DefaultImage string
}

// NewDir creates a directory-backed source store rooted at root.
func NewDir(root, defaultImage string) *Dir {
	return &Dir{root: root, DefaultImage: defaultImage}
}

// Fetch loads the bot's source payload and manifest.
func (d *Dir) Fetch(ctx context.Context, ownerID, botID string) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(d.root, ownerID, botID)
	manifest := Manifest{Entrypoint: "main.py", Image: d.DefaultImage}

	manifestData, err := os.ReadFile(filepath.Join(dir, "bot.yaml"))
	switch {
	case err == nil:
		m, err := ParseManifest(manifestData)
		if err != nil {
			return nil, fmt.Errorf("bot %s: %w", botID, err)
		}
		manifest = *m
	case os.IsNotExist(err):
		// No manifest is fine; the defaults apply.
	default:
		return nil, fmt.Errorf("read manifest for bot %s: %w", botID, err)
	}

	code, err := os.ReadFile(filepath.Join(dir, manifest.Entrypoint))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("bot %s: %w", botID, ErrNotFound)
		}
		return nil, fmt.Errorf("read source for bot %s: %w", botID, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("bot %s: empty source payload: %w", botID, ErrNotFound)
	}

	return &Source{Code: code, Manifest: manifest}, nil
}
