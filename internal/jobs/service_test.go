package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kalambet/reel/internal/remote"
	"github.com/kalambet/reel/internal/storage"
	"github.com/kalambet/reel/internal/video"
)

type mockCreator struct {
	calls      int
	lastPrompt string
	lastParams video.Params
	createFn   func() (remote.Normalized, error)
}

func (m *mockCreator) CreateJob(_ context.Context, prompt string, params video.Params) (remote.Normalized, error) {
	m.calls++
	m.lastPrompt = prompt
	m.lastParams = params
	return m.createFn()
}

func newService(t *testing.T, createFn func() (remote.Normalized, error)) (*Service, *storage.Store, *mockCreator) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	c := &mockCreator{createFn: createFn}
	return NewService(s, c, zerolog.Nop()), s, c
}

func TestCreate_QueuedScenario(t *testing.T) {
	svc, store, c := newService(t, func() (remote.Normalized, error) {
		return remote.NormalizeJSON([]byte(`{"id":"job-abc123","status":"queued"}`)), nil
	})

	job, err := svc.Create(context.Background(), video.CreateRequest{Prompt: "a cozy campfire", Seconds: 8, Size: "1920x1080"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != video.StatusQueued || job.RemoteJobID != "job-abc123" || !job.Content.IsZero() {
		t.Errorf("job = %+v", job)
	}
	if c.lastPrompt != "a cozy campfire" || c.lastParams != (video.Params{Seconds: 8, Size: "1920x1080"}) {
		t.Errorf("remote got %q %+v", c.lastPrompt, c.lastParams)
	}

	stored, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.RemoteJobID != "job-abc123" || stored.Status != video.StatusQueued {
		t.Errorf("stored = %+v", stored)
	}
}

func TestCreate_ValidationSkipsRemote(t *testing.T) {
	svc, _, c := newService(t, func() (remote.Normalized, error) {
		t.Fatal("remote called")
		return remote.Normalized{}, nil
	})

	_, err := svc.Create(context.Background(), video.CreateRequest{Prompt: "  "})
	var vErr *video.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if c.calls != 0 {
		t.Errorf("remote calls = %d", c.calls)
	}
}

func TestCreate_RemoteFailurePersistsNothing(t *testing.T) {
	svc, store, _ := newService(t, func() (remote.Normalized, error) {
		return remote.Normalized{}, &remote.RequestError{StatusCode: 400, Body: "bad"}
	})

	_, err := svc.Create(context.Background(), video.CreateRequest{Prompt: "waves"})
	if remote.StatusCodeOf(err) != 400 {
		t.Fatalf("err = %v, want RequestError 400", err)
	}
	jobs, _ := store.ListAll(context.Background())
	if len(jobs) != 0 {
		t.Errorf("persisted %d jobs after remote failure", len(jobs))
	}
}

func TestCreate_BackfillsParamsFromRemote(t *testing.T) {
	svc, _, _ := newService(t, func() (remote.Normalized, error) {
		return remote.NormalizeJSON([]byte(`{"id":"r1","status":"queued","seconds":"4","size":"720x1280"}`)), nil
	})

	job, err := svc.Create(context.Background(), video.CreateRequest{Prompt: "waves"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Params != (video.Params{Seconds: 4, Size: "720x1280"}) {
		t.Errorf("Params = %+v", job.Params)
	}
}

func TestListAndGetStripTokens(t *testing.T) {
	svc, _, _ := newService(t, func() (remote.Normalized, error) {
		return remote.NormalizeJSON([]byte(`{"id":"r1","status":"completed","variants":["video"],"token":"secret"}`)), nil
	})
	ctx := context.Background()

	created, err := svc.Create(ctx, video.CreateRequest{Prompt: "waves"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Content.Variants == nil || created.Content.Variants.Token != "" {
		t.Errorf("Create leaked token: %+v", created.Content)
	}

	jobs, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Content.Variants.Token != "" {
		t.Errorf("List = %+v", jobs)
	}

	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content.Variants.Token != "" {
		t.Errorf("Get leaked token")
	}

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, video.ErrNotFound) {
		t.Errorf("Get missing err = %v", err)
	}
}
