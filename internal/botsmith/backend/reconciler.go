package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmarkov/botsmith/internal/botsmith/store"
)

// ReconcilerConfig configures the reconciliation loop.
type ReconcilerConfig struct {
	// Interval is how often to poll instance state. Defaults to 30s.
	Interval time.Duration
	// AlertFunc is called when an unexpected state change is detected.
	// If nil, issues are only logged.
	AlertFunc func(botID, message string)
	// SettleWindow is how recently a bot must have transitioned for the
	// pass to leave it alone: a fresh transition belongs to an in-flight
	// lifecycle operation, not drift. Defaults to Interval.
	SettleWindow time.Duration
}

// Reconciler periodically syncs backend instance state into the bots table.
// The state store is the source of intent; the backend is the source of
// truth about what is actually alive. When they disagree (a crashed
// container, a record left behind by a failed transition write) the
// reconciler repairs the record.
type Reconciler struct {
	backend Backend
	store   *store.Store
	cfg     ReconcilerConfig
}

// NewReconciler creates a Reconciler.
func NewReconciler(be Backend, s *store.Store, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SettleWindow == 0 {
		cfg.SettleWindow = cfg.Interval
	}
	return &Reconciler{backend: be, store: s, cfg: cfg}
}

// Run starts the reconciliation loop. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconciler: starting", "interval", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler: stopping")
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				slog.Error("reconciler: pass failed", "err", err)
			}
		}
	}
}

// Reconcile runs a single reconciliation pass over every bot whose record
// claims a live or in-flight instance.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	bots, err := r.store.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("list bots: %w", err)
	}
	if len(bots) == 0 {
		return nil
	}

	handles, err := r.backend.List(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	handleMap := make(map[string]Handle, len(handles))
	for _, h := range handles {
		handleMap[h.BotID] = h
	}

	for _, bot := range bots {
		switch bot.RuntimeStatus {
		case store.StatusStopped, store.StatusError:
			// Terminal according to the record; an orphan instance here is
			// an operator problem, not drift this loop repairs.
			continue
		}

		// A fresh transition means a lifecycle operation just ran (or is
		// still running); judging it against an instance listing taken
		// mid-operation would fight the operation's own writes.
		if bot.LastTransitionAt.Valid && time.Since(bot.LastTransitionAt.Time) < r.cfg.SettleWindow {
			continue
		}

		handle, found := handleMap[bot.ID]
		if !found {
			if bot.RuntimeStatus == store.StatusRunning {
				slog.Warn("reconciler: instance missing", "bot", bot.ID,
					"container", bot.ContainerRef.String)
				r.repair(ctx, bot.ID, store.StatusError,
					"reconciler: instance missing while record says running")
				r.alert(bot.ID, "instance missing; expected running")
			}
			continue
		}

		status, err := r.backend.Status(ctx, bot.ID)
		if err != nil {
			slog.Warn("reconciler: status check failed", "bot", bot.ID, "err", err)
			continue
		}

		newStatus := instanceStateToBotStatus(status.State)
		if newStatus == bot.RuntimeStatus {
			continue
		}

		slog.Info("reconciler: drift detected",
			"bot", bot.ID, "recorded", bot.RuntimeStatus, "actual", newStatus)
		line := fmt.Sprintf("reconciler: status %s -> %s (exit code %d)",
			bot.RuntimeStatus, newStatus, status.ExitCode)
		if newStatus == store.StatusRunning {
			if _, err := r.store.TransitionBot(ctx, bot.ID, store.StatusRunning,
				handle.ContainerRef, status.IngressURL, []string{line}); err != nil {
				slog.Error("reconciler: repair failed", "bot", bot.ID, "err", err)
			}
		} else {
			r.repair(ctx, bot.ID, newStatus, line)
		}

		if bot.RuntimeStatus == store.StatusRunning && newStatus != store.StatusRunning {
			r.alert(bot.ID, fmt.Sprintf("unexpected status change: %s -> %s (exit_code=%d)",
				bot.RuntimeStatus, newStatus, status.ExitCode))
			r.closeDanglingExecution(ctx, bot.ID, newStatus, status.ExitCode)
		}
	}

	return nil
}

// repair transitions the record and closes any execution left running.
func (r *Reconciler) repair(ctx context.Context, botID, newStatus, line string) {
	if _, err := r.store.TransitionBot(ctx, botID, newStatus, "", "", []string{line}); err != nil {
		slog.Error("reconciler: repair failed", "bot", botID, "err", err)
		return
	}
	r.closeDanglingExecution(ctx, botID, newStatus, 0)
}

func (r *Reconciler) closeDanglingExecution(ctx context.Context, botID, finalStatus string, exitCode int) {
	exec, err := r.store.GetRunningExecution(ctx, botID)
	if err != nil || exec == nil {
		return
	}
	code := int64(exitCode)
	if err := r.store.CloseExecution(ctx, exec.ID, finalStatus, &code); err != nil {
		slog.Warn("reconciler: closing execution failed", "bot", botID, "execution", exec.ID, "err", err)
	}
}

func (r *Reconciler) alert(botID, message string) {
	if r.cfg.AlertFunc != nil {
		r.cfg.AlertFunc(botID, message)
	} else {
		slog.Warn("reconciler: alert", "bot", botID, "message", message)
	}
}

func instanceStateToBotStatus(state InstanceState) string {
	switch state {
	case StateRunning:
		return store.StatusRunning
	case StateStopped, StateExited, StateCreated:
		return store.StatusStopped
	default:
		return store.StatusError
	}
}
