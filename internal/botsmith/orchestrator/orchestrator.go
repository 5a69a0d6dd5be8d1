// Package orchestrator owns the start/stop/restart state machine for bot
// workloads. All lifecycle operations for a given bot are mutually exclusive:
// a per-bot lock is held for the whole operation, including the blocking
// backend calls, so two concurrent starts can never race two live instances
// into existence. Webhook delivery never touches these locks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmarkov/botsmith/common/retry"
	"github.com/tmarkov/botsmith/internal/botsmith/backend"
	"github.com/tmarkov/botsmith/internal/botsmith/source"
	"github.com/tmarkov/botsmith/internal/botsmith/store"
	"github.com/tmarkov/botsmith/internal/botsmith/token"
)

// Config holds the orchestrator's timing knobs.
type Config struct {
	// CreateTimeout bounds a single backend create call. Defaults to 30s.
	CreateTimeout time.Duration
	// StopTimeout bounds backend teardown calls. Defaults to 15s.
	StopTimeout time.Duration
	// RestartGrace is the pause between the stop and start phases of a
	// restart, letting the messaging platform release the old instance's
	// webhook registration. Defaults to 2s.
	RestartGrace time.Duration
	// ConflictBackoff is the wait before the single cleanup-then-recreate
	// retry after the backend reports a conflict. Defaults to 2s.
	ConflictBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 15 * time.Second
	}
	if c.RestartGrace <= 0 {
		c.RestartGrace = 2 * time.Second
	}
	if c.ConflictBackoff <= 0 {
		c.ConflictBackoff = 2 * time.Second
	}
}

// Result carries the outcome of a lifecycle operation. Logs holds the
// operation trail collected so far even when the operation failed.
type Result struct {
	Logs         []string
	ContainerRef string
}

// Orchestrator serializes lifecycle operations per bot and keeps the state
// store consistent with the backend.
type Orchestrator struct {
	store   *store.Store
	backend backend.Backend
	sources source.Storage
	cfg     Config
	locks   *keyedLocks
}

// New creates an Orchestrator.
func New(st *store.Store, be backend.Backend, src source.Storage, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:   st,
		backend: be,
		sources: src,
		cfg:     cfg,
		locks:   newKeyedLocks(),
	}
}

// opLog accumulates an operation's trail; flush hands out the lines that have
// not yet been persisted with a transition.
type opLog struct {
	lines   []string
	flushed int
}

func (l *opLog) add(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	l.lines = append(l.lines, time.Now().Format(time.RFC3339)+" "+line)
}

func (l *opLog) flush() []string {
	pending := l.lines[l.flushed:]
	l.flushed = len(l.lines)
	return pending
}

// Start brings the bot's workload up. Idempotent when the bot is already
// running and the backend confirms the instance is alive.
func (o *Orchestrator) Start(ctx context.Context, botID, ownerID string) (Result, error) {
	o.locks.lock(botID)
	defer o.locks.unlock(botID)
	return o.startLocked(ctx, botID, ownerID)
}

func (o *Orchestrator) startLocked(ctx context.Context, botID, ownerID string) (Result, error) {
	log := &opLog{}

	bot, err := o.validateOwnedBot(ctx, botID, ownerID)
	if err != nil {
		return Result{}, err
	}
	if err := token.Validate(bot.Credential); err != nil {
		return Result{}, &ValidationError{Reason: err.Error()}
	}

	src, err := o.sources.Fetch(ctx, ownerID, botID)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return Result{}, &ValidationError{Reason: fmt.Sprintf("no source payload for bot %s", botID)}
		}
		return Result{}, fmt.Errorf("fetch source: %w", err)
	}

	// Already running and the backend agrees: nothing to do.
	if bot.RuntimeStatus == store.StatusRunning && bot.ContainerRef.Valid {
		st, err := o.backend.Status(ctx, botID)
		if err == nil && st.Running && st.ContainerRef == bot.ContainerRef.String {
			log.add("start: instance %s already running", shortRef(st.ContainerRef))
			slog.Info("start: already running", "bot", botID, "container", shortRef(st.ContainerRef))
			return Result{Logs: log.lines, ContainerRef: st.ContainerRef}, nil
		}
	}

	// Tear down whatever instance may still be around before creating a new
	// one. Starting over a stale instance is the dominant cause of
	// duplicate-poller conflicts with the messaging platform.
	staleRef := ""
	if bot.ContainerRef.Valid {
		staleRef = bot.ContainerRef.String
		log.add("start: tearing down stale instance %s", shortRef(staleRef))
	}
	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
	err = o.backend.Stop(stopCtx, botID, staleRef)
	cancel()
	if err != nil {
		log.add("start: stale teardown failed: %v", err)
		if _, terr := o.store.TransitionBot(ctx, botID, store.StatusError, "", "", log.flush()); terr != nil {
			slog.Error("start: transition to error failed", "bot", botID, "err", terr)
		}
		return Result{Logs: log.lines}, &ProvisioningError{Stage: "teardown", Err: err}
	}

	// A running execution at this point belongs to an instance that is gone
	// or was just torn down; close it before opening a new attempt, or the
	// new attempt could never be marked running.
	if stale, err := o.store.GetRunningExecution(ctx, botID); err == nil && stale != nil {
		if err := o.store.CloseExecution(ctx, stale.ID, store.StatusError, nil); err != nil {
			return Result{Logs: log.lines}, fmt.Errorf("close stale execution: %w", err)
		}
		log.add("start: closed stale execution %s", stale.ID)
	}

	if _, err := o.store.TransitionBot(ctx, botID, store.StatusStarting, "", "", log.flush()); err != nil {
		return Result{Logs: log.lines}, fmt.Errorf("transition to starting: %w", err)
	}
	exec, err := o.store.CreateExecution(ctx, botID, ownerID)
	if err != nil {
		return Result{Logs: log.lines}, fmt.Errorf("create execution: %w", err)
	}

	spec := backend.BotSpec{
		BotID:      botID,
		OwnerID:    ownerID,
		Code:       src.Code,
		Entrypoint: src.Manifest.Entrypoint,
		Image:      src.Manifest.Image,
		Credential: bot.Credential,
		Env:        src.Manifest.Env,
	}

	log.add("start: provisioning instance (image %s)", spec.Image)
	var handle backend.Handle
	attempt := 0
	err = retry.Do(ctx, retry.Config{
		Attempts:  2,
		BaseDelay: o.cfg.ConflictBackoff,
		Retryable: func(err error) bool { return errors.Is(err, backend.ErrConflict) },
	}, func() error {
		if attempt > 0 {
			// Conflict means something upstream still holds this bot's
			// identity: force a cleanup before the recreate.
			log.add("start: conflict reported, forcing cleanup before retry")
			cleanupCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
			_ = o.backend.Stop(cleanupCtx, botID, "")
			cancel()
		}
		attempt++

		createCtx, cancel := context.WithTimeout(ctx, o.cfg.CreateTimeout)
		defer cancel()
		var cerr error
		handle, cerr = o.backend.Create(createCtx, spec)
		return cerr
	})
	if err != nil {
		return o.failStart(ctx, botID, exec.ID, log, err)
	}

	log.add("start: instance %s running", shortRef(handle.ContainerRef))
	if _, err := o.store.TransitionBot(ctx, botID, store.StatusRunning, handle.ContainerRef, handle.IngressURL, log.flush()); err != nil {
		// The container is live but the record write failed. Surface it as a
		// reconciliation error so the operator (or the reconciler) repairs
		// the record from the backend's authoritative status.
		slog.Error("start: record write failed after successful create",
			"bot", botID, "container", shortRef(handle.ContainerRef), "err", err)
		return Result{Logs: log.lines, ContainerRef: handle.ContainerRef},
			&ReconciliationError{Op: "start", BotID: botID, ContainerRef: handle.ContainerRef, Err: err}
	}
	if err := o.store.CloseExecution(ctx, exec.ID, store.StatusRunning, nil); err != nil {
		slog.Error("start: execution close failed after successful create",
			"bot", botID, "execution", exec.ID, "err", err)
		return Result{Logs: log.lines, ContainerRef: handle.ContainerRef},
			&ReconciliationError{Op: "start", BotID: botID, ContainerRef: handle.ContainerRef, Err: err}
	}

	slog.Info("start: bot running", "bot", botID, "container", shortRef(handle.ContainerRef))
	return Result{Logs: log.lines, ContainerRef: handle.ContainerRef}, nil
}

// failStart handles a failed or timed-out create: best-effort cleanup of any
// partially created instance, transition to error, close the execution.
func (o *Orchestrator) failStart(ctx context.Context, botID, execID string, log *opLog, cause error) (Result, error) {
	log.add("start: provisioning failed: %v", cause)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopTimeout)
	if err := o.backend.Stop(cleanupCtx, botID, ""); err != nil {
		log.add("start: cleanup after failure also failed: %v", err)
	}
	cancel()

	if _, err := o.store.TransitionBot(ctx, botID, store.StatusError, "", "", log.flush()); err != nil {
		slog.Error("start: transition to error failed", "bot", botID, "err", err)
	}
	if err := o.store.CloseExecution(ctx, execID, store.StatusError, nil); err != nil {
		slog.Error("start: closing failed execution failed", "bot", botID, "execution", execID, "err", err)
	}

	slog.Warn("start: provisioning failed", "bot", botID, "err", cause)
	stage := "create"
	if errors.Is(cause, context.DeadlineExceeded) {
		stage = "create-timeout"
	}
	return Result{Logs: log.lines}, &ProvisioningError{Stage: stage, Err: cause}
}

// Stop tears the bot's workload down. Idempotent: stopping a bot with no
// live instance succeeds without changing state.
func (o *Orchestrator) Stop(ctx context.Context, botID string) (Result, error) {
	o.locks.lock(botID)
	defer o.locks.unlock(botID)
	return o.stopLocked(ctx, botID)
}

func (o *Orchestrator) stopLocked(ctx context.Context, botID string) (Result, error) {
	log := &opLog{}

	bot, err := o.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, &ValidationError{Reason: fmt.Sprintf("bot %s not found", botID)}
		}
		return Result{}, fmt.Errorf("get bot: %w", err)
	}

	if !bot.ContainerRef.Valid {
		log.add("stop: no live instance")
		return Result{Logs: log.lines}, nil
	}

	ref := bot.ContainerRef.String
	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
	err = o.backend.Stop(stopCtx, botID, ref)
	cancel()
	if err != nil {
		// Best-effort: the instance may already be gone. Record and move on;
		// the persisted state still has to reach "stopped".
		log.add("stop: backend teardown reported: %v", err)
		slog.Warn("stop: backend teardown failed", "bot", botID, "container", shortRef(ref), "err", err)
	} else {
		log.add("stop: instance %s stopped", shortRef(ref))
	}

	if _, err := o.store.TransitionBot(ctx, botID, store.StatusStopped, "", "", log.flush()); err != nil {
		return Result{Logs: log.lines},
			&ReconciliationError{Op: "stop", BotID: botID, ContainerRef: ref, Err: err}
	}
	if exec, err := o.store.GetRunningExecution(ctx, botID); err == nil && exec != nil {
		if err := o.store.CloseExecution(ctx, exec.ID, store.StatusStopped, nil); err != nil {
			slog.Warn("stop: closing execution failed", "bot", botID, "execution", exec.ID, "err", err)
		}
	}

	slog.Info("stop: bot stopped", "bot", botID)
	return Result{Logs: log.lines}, nil
}

// Restart is stop followed by start under one lock acquisition, with a grace
// delay in between so the messaging platform releases the old instance's
// registration. No other lifecycle operation can interleave.
func (o *Orchestrator) Restart(ctx context.Context, botID, ownerID string) (Result, error) {
	o.locks.lock(botID)
	defer o.locks.unlock(botID)

	// Validate ownership up front so an unauthorized restart doesn't stop
	// the bot and then fail the start half.
	if _, err := o.validateOwnedBot(ctx, botID, ownerID); err != nil {
		return Result{}, err
	}

	stopRes, err := o.stopLocked(ctx, botID)
	if err != nil {
		return stopRes, err
	}

	select {
	case <-ctx.Done():
		return stopRes, ctx.Err()
	case <-time.After(o.cfg.RestartGrace):
	}

	startRes, err := o.startLocked(ctx, botID, ownerID)
	combined := Result{
		Logs:         append(stopRes.Logs, startRes.Logs...),
		ContainerRef: startRes.ContainerRef,
	}
	return combined, err
}

// Remove stops the bot's workload and deletes its record, executions, and
// event trail. Runs under the same per-bot lock as the other lifecycle
// operations so a concurrent start cannot slip in between the stop and the
// delete and orphan an instance.
func (o *Orchestrator) Remove(ctx context.Context, botID string) (Result, error) {
	o.locks.lock(botID)
	defer o.locks.unlock(botID)

	res, err := o.stopLocked(ctx, botID)
	if err != nil {
		return res, err
	}
	if err := o.store.DeleteBot(ctx, botID); err != nil {
		return res, fmt.Errorf("delete bot: %w", err)
	}
	slog.Info("remove: bot deleted", "bot", botID)
	return res, nil
}

// Logs returns the bot's operation trail merged with the backend's container
// log tail. Read-only; does not take the lifecycle lock.
func (o *Orchestrator) Logs(ctx context.Context, botID, ownerID string) (Result, error) {
	if _, err := o.validateOwnedBot(ctx, botID, ownerID); err != nil {
		return Result{}, err
	}

	var lines []string
	events, err := o.store.GetBotEvents(ctx, botID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("read event trail: %w", err)
	}
	for _, e := range events {
		lines = append(lines, e.Line)
	}

	if backendLines, err := o.backend.Logs(ctx, botID); err == nil {
		lines = append(lines, backendLines...)
	} else {
		slog.Debug("logs: backend tail unavailable", "bot", botID, "err", err)
	}

	return Result{Logs: lines}, nil
}

// validateOwnedBot loads the bot and checks ownership.
func (o *Orchestrator) validateOwnedBot(ctx context.Context, botID, ownerID string) (*store.Bot, error) {
	bot, err := o.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ValidationError{Reason: fmt.Sprintf("bot %s not found", botID)}
		}
		return nil, fmt.Errorf("get bot: %w", err)
	}
	if bot.OwnerID != ownerID {
		return nil, &ValidationError{Reason: fmt.Sprintf("bot %s is not owned by %s", botID, ownerID)}
	}
	return bot, nil
}

// shortRef returns up to 12 characters of a container ref for logging.
func shortRef(ref string) string {
	if len(ref) <= 12 {
		return ref
	}
	return ref[:12]
}
