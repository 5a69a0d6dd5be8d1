package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/tmarkov/botsmith/common/version"
	"github.com/tmarkov/botsmith/internal/botsmith/app"
)

func main() {
	// Best-effort: a missing .env just means the environment is already set.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("loading .env", "err", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	slog.Info("botsmith control plane", "version", version.Info())

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	botsmith, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize botsmith: %v\n", err)
		os.Exit(1)
	}
	defer botsmith.Stop()

	if err := botsmith.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running botsmith: %v\n", err)
		os.Exit(1)
	}
}
