package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tmarkov/botsmith/internal/botsmith/store"
)

// stubBackend returns canned handles and statuses for reconciler tests.
type stubBackend struct {
	handles  []Handle
	statuses map[string]Status
}

func (s *stubBackend) Create(ctx context.Context, spec BotSpec) (Handle, error) {
	return Handle{}, nil
}

func (s *stubBackend) Stop(ctx context.Context, botID, ref string) error { return nil }

func (s *stubBackend) Status(ctx context.Context, botID string) (Status, error) {
	if st, ok := s.statuses[botID]; ok {
		return st, nil
	}
	return Status{BotID: botID, State: StateUnknown}, nil
}

func (s *stubBackend) Logs(ctx context.Context, botID string) ([]string, error) { return nil, nil }

func (s *stubBackend) List(ctx context.Context) ([]Handle, error) { return s.handles, nil }

func newReconcilerTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedRunningBot(t *testing.T, st *store.Store, botID, ref string) {
	t.Helper()
	ctx := context.Background()
	err := st.CreateBot(ctx, &store.Bot{
		ID: botID, OwnerID: "alice",
		Credential: "123456:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1",
		SourceRef:  "alice/" + botID,
	})
	if err != nil {
		t.Fatalf("creating bot: %v", err)
	}
	exec, err := st.CreateExecution(ctx, botID, "alice")
	if err != nil {
		t.Fatalf("creating execution: %v", err)
	}
	if _, err := st.TransitionBot(ctx, botID, store.StatusRunning, ref, "http://10.0.0.2:8081", nil); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if err := st.CloseExecution(ctx, exec.ID, store.StatusRunning, nil); err != nil {
		t.Fatalf("marking execution running: %v", err)
	}
}

func TestReconcileMissingInstanceMarksError(t *testing.T) {
	st := newReconcilerTestStore(t)
	ctx := context.Background()
	seedRunningBot(t, st, "bot-1", "ref-001")

	var alerts []string
	be := &stubBackend{}
	rec := NewReconciler(be, st, ReconcilerConfig{
		SettleWindow: time.Nanosecond,
		AlertFunc:    func(botID, msg string) { alerts = append(alerts, botID+": "+msg) },
	})

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	bot, err := st.GetBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if bot.RuntimeStatus != store.StatusError {
		t.Errorf("status = %q, want error", bot.RuntimeStatus)
	}
	if bot.ContainerRef.Valid {
		t.Error("container ref should be cleared")
	}
	if exec, _ := st.GetRunningExecution(ctx, "bot-1"); exec != nil {
		t.Error("dangling execution should be closed")
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %v, want exactly one", alerts)
	}
}

func TestReconcileExitedInstanceMarksStopped(t *testing.T) {
	st := newReconcilerTestStore(t)
	ctx := context.Background()
	seedRunningBot(t, st, "bot-1", "ref-001")

	be := &stubBackend{
		handles: []Handle{{BotID: "bot-1", ContainerRef: "ref-001"}},
		statuses: map[string]Status{
			"bot-1": {BotID: "bot-1", ContainerRef: "ref-001", State: StateExited, ExitCode: 1},
		},
	}
	rec := NewReconciler(be, st, ReconcilerConfig{SettleWindow: time.Nanosecond, AlertFunc: func(string, string) {}})

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	bot, _ := st.GetBot(ctx, "bot-1")
	if bot.RuntimeStatus != store.StatusStopped {
		t.Errorf("status = %q, want stopped", bot.RuntimeStatus)
	}
	if bot.ContainerRef.Valid {
		t.Error("container ref should be cleared")
	}

	execs, _ := st.ListExecutions(ctx, "bot-1", 10)
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if execs[0].Status != store.StatusStopped || !execs[0].ExitCode.Valid || execs[0].ExitCode.Int64 != 1 {
		t.Errorf("execution = %+v, want stopped with exit code 1", execs[0])
	}
}

func TestReconcilePromotesStartingBot(t *testing.T) {
	st := newReconcilerTestStore(t)
	ctx := context.Background()
	err := st.CreateBot(ctx, &store.Bot{
		ID: "bot-1", OwnerID: "alice",
		Credential: "123456:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1",
		SourceRef:  "alice/bot-1",
	})
	if err != nil {
		t.Fatalf("creating bot: %v", err)
	}
	if _, err := st.TransitionBot(ctx, "bot-1", store.StatusStarting, "", "", nil); err != nil {
		t.Fatalf("transition to starting: %v", err)
	}

	be := &stubBackend{
		handles: []Handle{{BotID: "bot-1", ContainerRef: "ref-001"}},
		statuses: map[string]Status{
			"bot-1": {
				BotID: "bot-1", Running: true, ContainerRef: "ref-001",
				IngressURL: "http://10.0.0.2:8081", State: StateRunning,
			},
		},
	}
	rec := NewReconciler(be, st, ReconcilerConfig{SettleWindow: time.Nanosecond, AlertFunc: func(string, string) {}})

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	bot, _ := st.GetBot(ctx, "bot-1")
	if bot.RuntimeStatus != store.StatusRunning {
		t.Errorf("status = %q, want running", bot.RuntimeStatus)
	}
	if !bot.ContainerRef.Valid || bot.ContainerRef.String != "ref-001" {
		t.Errorf("container ref = %+v, want ref-001", bot.ContainerRef)
	}
}

func TestReconcileLeavesStoppedBotsAlone(t *testing.T) {
	st := newReconcilerTestStore(t)
	ctx := context.Background()
	err := st.CreateBot(ctx, &store.Bot{
		ID: "bot-1", OwnerID: "alice",
		Credential: "123456:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1",
		SourceRef:  "alice/bot-1",
	})
	if err != nil {
		t.Fatalf("creating bot: %v", err)
	}

	// Orphan instance for a bot the record says is stopped.
	be := &stubBackend{
		handles: []Handle{{BotID: "bot-1", ContainerRef: "ref-orphan"}},
		statuses: map[string]Status{
			"bot-1": {BotID: "bot-1", Running: true, ContainerRef: "ref-orphan", State: StateRunning},
		},
	}
	rec := NewReconciler(be, st, ReconcilerConfig{SettleWindow: time.Nanosecond, AlertFunc: func(string, string) {}})

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	bot, _ := st.GetBot(ctx, "bot-1")
	if bot.RuntimeStatus != store.StatusStopped {
		t.Errorf("status = %q, want stopped (untouched)", bot.RuntimeStatus)
	}
}

func TestReconcileSkipsFreshTransitions(t *testing.T) {
	st := newReconcilerTestStore(t)
	ctx := context.Background()
	seedRunningBot(t, st, "bot-1", "ref-001")

	// Default settle window: the bot transitioned moments ago, so even
	// though no instance is listed the pass must not touch it — a start
	// may still be in flight.
	rec := NewReconciler(&stubBackend{}, st, ReconcilerConfig{AlertFunc: func(string, string) {}})

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	bot, _ := st.GetBot(ctx, "bot-1")
	if bot.RuntimeStatus != store.StatusRunning {
		t.Errorf("status = %q, want running (left alone)", bot.RuntimeStatus)
	}
	if !bot.ContainerRef.Valid {
		t.Error("container ref should be untouched")
	}
}

func TestReconcileRunStopsOnCancel(t *testing.T) {
	st := newReconcilerTestStore(t)
	rec := NewReconciler(&stubBackend{}, st, ReconcilerConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
