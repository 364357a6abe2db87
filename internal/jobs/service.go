package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kalambet/reel/internal/remote"
	"github.com/kalambet/reel/internal/storage"
	"github.com/kalambet/reel/internal/video"
)

// Store is the subset of the job store the service uses.
type Store interface {
	Insert(ctx context.Context, d storage.Draft) (video.Job, error)
	Get(ctx context.Context, id string) (video.Job, error)
	ListAll(ctx context.Context) ([]video.Job, error)
}

// Creator submits generation requests to the remote service.
type Creator interface {
	CreateJob(ctx context.Context, prompt string, params video.Params) (remote.Normalized, error)
}

// Service creates and reads jobs. Records it returns have secrets stripped.
type Service struct {
	store  Store
	remote Creator
	logger zerolog.Logger
}

// NewService creates a Service.
func NewService(store Store, creator Creator, logger zerolog.Logger) *Service {
	return &Service{store: store, remote: creator, logger: logger}
}

// Create validates req, submits it remotely and persists the local record.
// Nothing is persisted when validation or the remote call fails.
func (s *Service) Create(ctx context.Context, req video.CreateRequest) (video.Job, error) {
	prompt, params, err := req.Normalize()
	if err != nil {
		return video.Job{}, err
	}

	n, err := s.remote.CreateJob(ctx, prompt, params)
	if err != nil {
		return video.Job{}, fmt.Errorf("creating remote job: %w", err)
	}

	status := n.Status
	if status == "" {
		status = video.StatusQueued
	}
	d := storage.Draft{
		Prompt:      prompt,
		Params:      params.FillFrom(n.Params),
		RemoteJobID: n.RemoteID,
		Status:      status,
	}
	if status == video.StatusCompleted {
		d.Content = n.Content
	}
	if status == video.StatusFailed {
		d.ErrorMessage = n.ErrorMessage
	}

	job, err := s.store.Insert(ctx, d)
	if err != nil {
		return video.Job{}, fmt.Errorf("saving job: %w", err)
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("remote_job_id", job.RemoteJobID).
		Str("status", string(job.Status)).
		Msg("job created")
	return job.Public(), nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string) (video.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return video.Job{}, err
	}
	return job.Public(), nil
}

// List returns every job, most recent first.
func (s *Service) List(ctx context.Context) ([]video.Job, error) {
	jobs, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]video.Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Public()
	}
	return out, nil
}
