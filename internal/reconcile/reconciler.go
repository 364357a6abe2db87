package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/reel/internal/remote"
	"github.com/kalambet/reel/internal/storage"
	"github.com/kalambet/reel/internal/video"
)

const (
	defaultInterval    = 10 * time.Second
	defaultConcurrency = 8
)

// ErrAlreadyStarted is returned by Start on a reconciler that was started before.
var ErrAlreadyStarted = errors.New("reconciler already started")

// JobStore abstracts the store operations the reconciler needs.
type JobStore interface {
	ListPending(ctx context.Context) ([]video.Job, error)
	Update(ctx context.Context, id string, p storage.Patch) (video.Job, error)
}

// StatusFetcher fetches the normalized state of a remote job.
type StatusFetcher interface {
	FetchJob(ctx context.Context, remoteJobID string) (remote.Normalized, error)
}

// Options configures a Reconciler. Zero values fall back to defaults.
type Options struct {
	Interval    time.Duration
	Concurrency int
	Logger      zerolog.Logger
	Now         func() time.Time
}

// TickResult summarizes one reconciliation pass.
type TickResult struct {
	Pending int
	Updated int
	Failed  int
}

// Reconciler periodically polls the remote service for every pending job and
// writes back whatever changed.
type Reconciler struct {
	store       JobStore
	remote      StatusFetcher
	interval    time.Duration
	concurrency int
	logger      zerolog.Logger
	now         func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Reconciler. If opts.Interval is <= 0 it defaults to 10s.
func New(store JobStore, fetcher StatusFetcher, opts Options) *Reconciler {
	r := &Reconciler{
		store:       store,
		remote:      fetcher,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.concurrency <= 0 {
		r.concurrency = defaultConcurrency
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Start launches the loop in the background. The first tick runs
// immediately. A reconciler can be started only once.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.run(runCtx)
	}()

	r.logger.Info().Dur("interval", r.interval).Int("concurrency", r.concurrency).Msg("reconciler started")
	return nil
}

// Stop prevents further ticks and waits for the loop to exit. A tick already
// in flight runs to completion. Stop is safe to call more than once and on a
// reconciler that was never started.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		// In-flight remote calls are not tied to the loop's lifetime.
		if _, err := r.Tick(context.WithoutCancel(ctx)); err != nil {
			r.logger.Error().Err(err).Msg("reconciliation tick failed")
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one reconciliation pass: every pending job is polled
// concurrently and jobs whose remote state changed are updated. Per-job
// failures are logged and counted, never returned.
func (r *Reconciler) Tick(ctx context.Context) (TickResult, error) {
	jobs, err := r.store.ListPending(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("listing pending jobs: %w", err)
	}
	res := TickResult{Pending: len(jobs)}
	if len(jobs) == 0 {
		return res, nil
	}

	var updated, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			changed, err := r.reconcileJob(ctx, job)
			if err != nil {
				failed.Add(1)
				r.logger.Warn().Err(err).
					Str("job_id", job.ID).
					Str("remote_job_id", job.RemoteJobID).
					Msg("reconciling job failed")
				return nil
			}
			if changed {
				updated.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	res.Updated = int(updated.Load())
	res.Failed = int(failed.Load())
	r.logger.Debug().Int("pending", res.Pending).Int("updated", res.Updated).Int("failed", res.Failed).Msg("reconciliation tick")
	return res, nil
}

func (r *Reconciler) reconcileJob(ctx context.Context, job video.Job) (changed bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic reconciling job: %v", p)
		}
	}()

	n, err := r.remote.FetchJob(ctx, job.RemoteJobID)
	if err != nil {
		return false, fmt.Errorf("fetching remote status: %w", err)
	}
	if n.Status == "" && n.RawStatus != "" {
		r.logger.Warn().Str("job_id", job.ID).Str("remote_status", n.RawStatus).Msg("unrecognized remote status")
	}

	patch, ok := Diff(job, n, r.now())
	if !ok {
		return false, nil
	}
	updated, err := r.store.Update(ctx, job.ID, patch)
	if err != nil {
		return false, fmt.Errorf("updating job: %w", err)
	}

	if updated.Status != job.Status {
		r.logger.Info().
			Str("job_id", job.ID).
			Str("remote_job_id", job.RemoteJobID).
			Str("from", string(job.Status)).
			Str("to", string(updated.Status)).
			Msg("job status changed")
	}
	return true, nil
}
