package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/reel/internal/video"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = video.ErrNotFound

// timeFormat is fixed-width so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Repository is the job store contract shared by the SQLite and PostgreSQL
// backends. All methods are safe for concurrent use.
type Repository interface {
	Insert(ctx context.Context, d Draft) (video.Job, error)
	Get(ctx context.Context, id string) (video.Job, error)
	ListAll(ctx context.Context) ([]video.Job, error)
	ListPending(ctx context.Context) ([]video.Job, error)
	Update(ctx context.Context, id string, p Patch) (video.Job, error)
	Close() error
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*PostgresStore)(nil)
)

// Draft is a job about to be persisted. The store assigns the id and
// timestamps.
type Draft struct {
	Prompt         string
	Params         video.Params
	RemoteJobID    string
	Status         video.Status // defaults to queued
	Content        video.ContentDescriptor
	ErrorMessage   string
	ContentReadyAt *time.Time
}

// Patch is a partial update. Nil fields keep their stored values.
type Patch struct {
	Status         *video.Status
	Content        *video.ContentDescriptor
	ErrorMessage   *string
	ContentReadyAt *time.Time
	Params         *video.Params
}

// IsEmpty reports whether p sets no field.
func (p Patch) IsEmpty() bool {
	return p.Status == nil && p.Content == nil && p.ErrorMessage == nil && p.ContentReadyAt == nil && p.Params == nil
}

// newJob validates d and builds the record to insert.
func newJob(id string, d Draft, now time.Time) (video.Job, error) {
	if strings.TrimSpace(d.RemoteJobID) == "" {
		return video.Job{}, video.Invalid("remote_job_id", "is required")
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return video.Job{}, video.Invalid("prompt", "is required")
	}
	status := d.Status
	if status == "" {
		status = video.StatusQueued
	}
	if !status.Valid() {
		return video.Job{}, video.Invalid("status", "unknown status %q", status)
	}

	now = now.UTC()
	j := video.Job{
		ID:           id,
		Prompt:       d.Prompt,
		Params:       d.Params,
		RemoteJobID:  d.RemoteJobID,
		Status:       status,
		Content:      d.Content,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if d.ContentReadyAt != nil {
		t := d.ContentReadyAt.UTC()
		j.ContentReadyAt = &t
	} else if status == video.StatusCompleted {
		j.ContentReadyAt = &now
	}
	enforce(&j)
	return j, nil
}

// apply merges p into j and bumps UpdatedAt.
func (p Patch) apply(j video.Job, now time.Time) (video.Job, error) {
	if p.Status != nil {
		if !j.Status.CanTransition(*p.Status) {
			return video.Job{}, fmt.Errorf("%w: %s -> %s", video.ErrInvalidTransition, j.Status, *p.Status)
		}
		j.Status = *p.Status
	}
	if p.Params != nil {
		j.Params = j.Params.FillFrom(*p.Params)
	}
	if p.Content != nil {
		j.Content = *p.Content
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = *p.ErrorMessage
	}
	if p.ContentReadyAt != nil && j.ContentReadyAt == nil {
		t := p.ContentReadyAt.UTC()
		j.ContentReadyAt = &t
	}
	enforce(&j)
	j.UpdatedAt = now.UTC()
	return j, nil
}

// enforce restores the record invariants: an error message exists only on
// failed jobs and content only on completed ones.
func enforce(j *video.Job) {
	if j.Status == video.StatusFailed {
		if strings.TrimSpace(j.ErrorMessage) == "" {
			j.ErrorMessage = video.DefaultFailureMessage
		}
	} else {
		j.ErrorMessage = ""
	}
	if j.Status != video.StatusCompleted {
		j.Content = video.ContentDescriptor{}
		j.ContentReadyAt = nil
	}
}

// pendingStatuses are the non-terminal statuses the reconciler polls.
var pendingStatuses = []string{string(video.StatusQueued), string(video.StatusInProgress)}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeRecord(j video.Job) (params, content string, err error) {
	if params, err = encodeJSON(j.Params); err != nil {
		return "", "", fmt.Errorf("encoding params: %w", err)
	}
	if content, err = encodeJSON(j.Content); err != nil {
		return "", "", fmt.Errorf("encoding content: %w", err)
	}
	return params, content, nil
}

func decodeRecord(j *video.Job, params, content []byte) error {
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return fmt.Errorf("decoding params for job %s: %w", j.ID, err)
		}
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &j.Content); err != nil {
			return fmt.Errorf("decoding content for job %s: %w", j.ID, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Rows written by hand or by older tooling may use plain RFC3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, err
	}
	return t, nil
}
