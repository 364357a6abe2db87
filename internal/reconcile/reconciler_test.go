package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/reel/internal/remote"
	"github.com/kalambet/reel/internal/storage"
	"github.com/kalambet/reel/internal/video"
)

// countingStore wraps a real store and counts calls.
type countingStore struct {
	*storage.Store
	lists   atomic.Int32
	updates atomic.Int32
	listFn  func() error
}

func (c *countingStore) ListPending(ctx context.Context) ([]video.Job, error) {
	c.lists.Add(1)
	if c.listFn != nil {
		if err := c.listFn(); err != nil {
			return nil, err
		}
	}
	return c.Store.ListPending(ctx)
}

func (c *countingStore) Update(ctx context.Context, id string, p storage.Patch) (video.Job, error) {
	c.updates.Add(1)
	return c.Store.Update(ctx, id, p)
}

type mockFetcher struct {
	calls   atomic.Int32
	fetchFn func(ctx context.Context, remoteJobID string) (remote.Normalized, error)
}

func (m *mockFetcher) FetchJob(ctx context.Context, remoteJobID string) (remote.Normalized, error) {
	m.calls.Add(1)
	return m.fetchFn(ctx, remoteJobID)
}

// payloads returns a fetch function serving raw JSON per remote job id.
func payloads(byID map[string]string) func(context.Context, string) (remote.Normalized, error) {
	var mu sync.Mutex
	return func(_ context.Context, id string) (remote.Normalized, error) {
		mu.Lock()
		body, ok := byID[id]
		mu.Unlock()
		if !ok {
			return remote.Normalized{}, &remote.RequestError{StatusCode: 404}
		}
		return remote.NormalizeJSON([]byte(body)), nil
	}
}

func newTestStore(t *testing.T) *countingStore {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &countingStore{Store: s}
}

func insertJob(t *testing.T, s *countingStore, remoteID string) video.Job {
	t.Helper()
	j, err := s.Insert(context.Background(), storage.Draft{Prompt: "a cozy campfire", RemoteJobID: remoteID})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return j
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTick_NoPendingJobsMakesNoRemoteCalls(t *testing.T) {
	store := newTestStore(t)
	fetcher := &mockFetcher{fetchFn: payloads(nil)}
	r := New(store, fetcher, Options{})

	res, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Pending != 0 || fetcher.calls.Load() != 0 {
		t.Errorf("res = %+v, remote calls = %d", res, fetcher.calls.Load())
	}
}

func TestTick_CompletionScenario(t *testing.T) {
	store := newTestStore(t)
	job := insertJob(t, store, "job-abc123")

	remotes := map[string]string{"job-abc123": `{"id":"job-abc123","status":"queued"}`}
	fetcher := &mockFetcher{fetchFn: payloads(remotes)}
	r := New(store, fetcher, Options{Now: func() time.Time { return tickTime }})
	ctx := context.Background()

	res, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Updated != 0 || store.updates.Load() != 0 {
		t.Errorf("queued -> queued wrote to the store: %+v", res)
	}

	remotes["job-abc123"] = `{"id":"job-abc123","status":"completed","assets":[{"url":"https://x/video.mp4","resolution":"1920x1080","duration":8}]}`
	if res, err = r.Tick(ctx); err != nil || res.Updated != 1 {
		t.Fatalf("Tick = %+v, %v", res, err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != video.StatusCompleted {
		t.Errorf("Status = %q", got.Status)
	}
	if len(got.Content.Assets) != 1 || got.Content.Assets[0].URL != "https://x/video.mp4" || got.Content.Assets[0].DurationSeconds != 8 {
		t.Errorf("Content = %+v", got.Content)
	}
	if got.ContentReadyAt == nil || !got.ContentReadyAt.Equal(tickTime) {
		t.Errorf("ContentReadyAt = %v, want %v", got.ContentReadyAt, tickTime)
	}
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestTick_IdenticalPayloadWritesOnce(t *testing.T) {
	store := newTestStore(t)
	insertJob(t, store, "r1")

	fetcher := &mockFetcher{fetchFn: payloads(map[string]string{
		"r1": `{"id":"r1","status":"in_progress","seconds":8}`,
	})}
	r := New(store, fetcher, Options{})
	ctx := context.Background()

	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	if n := store.updates.Load(); n != 1 {
		t.Fatalf("updates after first tick = %d, want 1", n)
	}
	if _, err := r.Tick(ctx); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if n := store.updates.Load(); n != 1 {
		t.Errorf("updates after identical second tick = %d, want 1", n)
	}
	if n := fetcher.calls.Load(); n != 2 {
		t.Errorf("remote calls = %d, want 2", n)
	}
}

func TestTick_FailuresAreIndependent(t *testing.T) {
	store := newTestStore(t)
	bad := insertJob(t, store, "bad")
	good := insertJob(t, store, "good")

	fetcher := &mockFetcher{fetchFn: func(_ context.Context, id string) (remote.Normalized, error) {
		if id == "bad" {
			return remote.Normalized{}, &remote.RequestError{StatusCode: 500, Body: "boom"}
		}
		return remote.NormalizeJSON([]byte(`{"id":"good","status":"failed","error":"quota exceeded"}`)), nil
	}}
	r := New(store, fetcher, Options{})

	res, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Pending != 2 || res.Updated != 1 || res.Failed != 1 {
		t.Errorf("res = %+v", res)
	}

	g, _ := store.Get(context.Background(), good.ID)
	if g.Status != video.StatusFailed || g.ErrorMessage != "quota exceeded" {
		t.Errorf("good job = %+v", g)
	}
	b, _ := store.Get(context.Background(), bad.ID)
	if b.Status != video.StatusQueued {
		t.Errorf("bad job = %+v", b)
	}
}

func TestTick_RespectsConcurrencyLimit(t *testing.T) {
	store := newTestStore(t)
	for i := range 6 {
		insertJob(t, store, fmt.Sprintf("r%d", i))
	}

	var inFlight, peak atomic.Int32
	fetcher := &mockFetcher{fetchFn: func(_ context.Context, id string) (remote.Normalized, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return remote.NormalizeJSON([]byte(`{"id":"` + id + `","status":"queued"}`)), nil
	}}
	r := New(store, fetcher, Options{Concurrency: 2})

	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", p)
	}
	if n := fetcher.calls.Load(); n != 6 {
		t.Errorf("remote calls = %d, want 6", n)
	}
}

func TestTick_ListError(t *testing.T) {
	store := newTestStore(t)
	store.listFn = func() error { return errors.New("db down") }
	r := New(store, &mockFetcher{fetchFn: payloads(nil)}, Options{})

	if _, err := r.Tick(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStart_FirstTickIsImmediate(t *testing.T) {
	store := newTestStore(t)
	insertJob(t, store, "r1")
	fetcher := &mockFetcher{fetchFn: payloads(map[string]string{"r1": `{"id":"r1","status":"queued"}`})}

	r := New(store, fetcher, Options{Interval: time.Hour})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool { return fetcher.calls.Load() == 1 })

	if err := r.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestStart_SurvivesFailingTicks(t *testing.T) {
	store := newTestStore(t)
	var failures atomic.Int32
	store.listFn = func() error {
		if failures.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	}
	insertJob(t, store, "r1")
	fetcher := &mockFetcher{fetchFn: func(context.Context, string) (remote.Normalized, error) {
		panic("remote client bug")
	}}

	r := New(store, fetcher, Options{Interval: 5 * time.Millisecond})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool { return fetcher.calls.Load() >= 2 })
}

func TestStop_IdempotentAndLetsInFlightTickFinish(t *testing.T) {
	store := newTestStore(t)
	job := insertJob(t, store, "r1")

	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := &mockFetcher{fetchFn: func(ctx context.Context, id string) (remote.Normalized, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return remote.Normalized{}, ctx.Err()
		}
		return remote.NormalizeJSON([]byte(`{"id":"r1","status":"in_progress"}`)), nil
	}}

	r := New(store, fetcher, Options{Interval: time.Hour})
	r.Stop() // never started: no-op

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight tick finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped
	r.Stop()

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != video.StatusInProgress {
		t.Errorf("Status = %q, want in-flight update applied", got.Status)
	}
	if n := fetcher.calls.Load(); n != 1 {
		t.Errorf("remote calls = %d, want 1 (no tick after Stop)", n)
	}
}
