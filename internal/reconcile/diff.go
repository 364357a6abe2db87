package reconcile

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/kalambet/reel/internal/remote"
	"github.com/kalambet/reel/internal/storage"
	"github.com/kalambet/reel/internal/video"
)

// Diff compares the stored job against the normalized remote state and
// returns the minimal patch that brings the job in line. The boolean is false
// when nothing differs and no write is needed.
//
// Unknown remote statuses and lifecycle regressions are ignored. Content is
// only taken while the job is (or becomes) completed, and contentReadyAt is
// stamped with now on the first completed observation only.
func Diff(job video.Job, n remote.Normalized, now time.Time) (storage.Patch, bool) {
	var p storage.Patch

	target := job.Status
	if n.Status != "" && job.Status.CanTransition(n.Status) {
		target = n.Status
	}
	if target != job.Status {
		p.Status = &target
	}

	wantErr := ""
	if target == video.StatusFailed {
		wantErr = n.ErrorMessage
		if wantErr == "" {
			wantErr = job.ErrorMessage
		}
		if wantErr == "" {
			wantErr = video.DefaultFailureMessage
		}
	}
	if wantErr != job.ErrorMessage {
		p.ErrorMessage = &wantErr
	}

	if target == video.StatusCompleted {
		content := job.Content
		if !n.Content.IsZero() {
			content = n.Content
		}
		if !sameContent(content, job.Content) {
			p.Content = &content
		}
		if job.ContentReadyAt == nil {
			stamp := now.UTC()
			p.ContentReadyAt = &stamp
		}
	}

	if filled := job.Params.FillFrom(n.Params); filled != job.Params {
		p.Params = &filled
	}

	return p, !p.IsEmpty()
}

// sameContent reports structural equality of two descriptors. Comparing the
// encoded form treats nil and empty lists alike, matching what the store
// round-trips.
func sameContent(a, b video.ContentDescriptor) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
