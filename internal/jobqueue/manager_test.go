package jobqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lectern/internal/events"
	"lectern/internal/logging"
	"lectern/internal/services"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(store *Store, bus events.Bus) *Manager {
	return NewManager(store, ManagerOptions{
		PollInterval:      time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  time.Minute,
		Logger:            logging.NewNop(),
		Events:            bus,
	})
}

func TestManagerRunsFlowInOrder(t *testing.T) {
	store := openStore(t)
	bus := events.NewLocalBus()
	mgr := newTestManager(store, bus)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(ctx context.Context, job *Job) error {
		if id, _ := services.JobIDFromContext(ctx); id != job.ID {
			t.Errorf("job id missing from context")
		}
		mu.Lock()
		order = append(order, job.Queue)
		mu.Unlock()
		return nil
	}
	for _, q := range []string{QueueDownload, QueueProcessAudio, QueueTranscribe, QueueVectorize, QueueNotify} {
		mgr.Register(q, record, 2)
	}

	ch, cancelSub := bus.Subscribe(context.Background())
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	if _, err := store.Enqueue(ctx, bookChain("li_m"), EnqueueOptions{MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "flow completion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	})
	want := []string{QueueDownload, QueueProcessAudio, QueueTranscribe, QueueVectorize, QueueNotify}
	mu.Lock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v", order)
		}
	}
	mu.Unlock()

	waitFor(t, "job events", func() bool {
		for {
			select {
			case ev := <-ch:
				if ev.Type == events.TypeJobCompleted && ev.Queue == QueueNotify && ev.BookID == "li_m" {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestManagerPermanentFailureStopsFlow(t *testing.T) {
	store := openStore(t)
	mgr := newTestManager(store, nil)

	calls := map[string]int{}
	var mu sync.Mutex
	count := func(q string) {
		mu.Lock()
		calls[q]++
		mu.Unlock()
	}
	ok := func(_ context.Context, job *Job) error { count(job.Queue); return nil }
	mgr.Register(QueueDownload, ok, 1)
	mgr.Register(QueueProcessAudio, ok, 1)
	mgr.Register(QueueTranscribe, func(_ context.Context, job *Job) error {
		count(job.Queue)
		return services.Wrap(services.ErrValidation, "transcribe", "parse", "empty transcript", nil)
	}, 1)
	mgr.Register(QueueVectorize, ok, 1)
	mgr.Register(QueueNotify, ok, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	if _, err := store.Enqueue(ctx, bookChain("li_f"), EnqueueOptions{MaxAttempts: 3, Backoff: time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "transcribe failure", func() bool {
		jobs, err := store.ListJobs(ctx, Filter{Queue: QueueTranscribe, Statuses: []Status{StatusFailed}})
		return err == nil && len(jobs) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if calls[QueueTranscribe] != 1 {
		t.Fatalf("permanent failure retried: %d calls", calls[QueueTranscribe])
	}
	if calls[QueueVectorize] != 0 || calls[QueueNotify] != 0 {
		t.Fatalf("later stages ran: %+v", calls)
	}
}

func TestManagerRetriesTransientFailure(t *testing.T) {
	store := openStore(t)
	mgr := newTestManager(store, nil)

	var (
		mu       sync.Mutex
		attempts int
	)
	mgr.Register(QueueDownload, func(_ context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return services.Wrap(services.ErrTransient, "download", "fetch", "connection reset", nil)
		}
		return nil
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	id, err := store.Enqueue(ctx, FlowNode{Queue: QueueDownload}, EnqueueOptions{MaxAttempts: 2, Backoff: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retry success", func() bool {
		job, err := store.GetJob(ctx, id)
		return err == nil && job.Status == StatusCompleted
	})
	job, _ := store.GetJob(ctx, id)
	if job.AttemptsMade != 2 {
		t.Fatalf("attempts = %d", job.AttemptsMade)
	}
}

func TestManagerRecoversPanics(t *testing.T) {
	store := openStore(t)
	mgr := newTestManager(store, nil)
	mgr.Register(QueueNotify, func(context.Context, *Job) error {
		panic("nil map")
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer mgr.Stop()

	id, err := store.Enqueue(ctx, FlowNode{Queue: QueueNotify}, EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "panic recorded", func() bool {
		job, err := store.GetJob(ctx, id)
		return err == nil && job.Status == StatusFailed
	})
	job, _ := store.GetJob(ctx, id)
	if job.LastError == "" {
		t.Fatal("expected panic message in last error")
	}
	if status := mgr.Status(ctx); status.LastError == "" || !status.Running {
		t.Fatalf("status = %+v", status)
	}
}

func TestManagerReleasesJobOnStop(t *testing.T) {
	store := openStore(t)
	mgr := newTestManager(store, nil)
	started := make(chan struct{})
	mgr.Register(QueueTranscribe, func(ctx context.Context, _ *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 1)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	id, err := store.Enqueue(context.Background(), FlowNode{Queue: QueueTranscribe}, EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	mgr.Stop()

	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusDelayed || job.AttemptsMade != 0 {
		t.Fatalf("job after stop = %s attempts %d", job.Status, job.AttemptsMade)
	}
}

func TestManagerStartRequiresQueues(t *testing.T) {
	mgr := newTestManager(openStore(t), nil)
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("expected error with no queues")
	}
}

func TestLocalSignalBroadcasts(t *testing.T) {
	sig := NewLocalSignal()
	a, b := sig.C(), sig.C()
	sig.Notify()
	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		default:
			t.Fatal("waiter not woken")
		}
	}
	select {
	case <-sig.C():
		t.Fatal("new channel should not be closed")
	default:
	}
}
