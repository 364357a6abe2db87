package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kalambet/reel/internal/remote"
	"github.com/kalambet/reel/internal/video"
)

// JobGetter looks up a local job.
type JobGetter interface {
	Get(ctx context.Context, id string) (video.Job, error)
}

// ContentFetcher opens a remote content stream.
type ContentFetcher interface {
	FetchContent(ctx context.Context, remoteJobID string, ref remote.ContentRef) (*remote.Content, error)
}

// Selector picks one rendition. Empty fields select the default.
type Selector struct {
	Variant string
	AssetID string
}

// Proxy streams finished media from the remote service.
type Proxy struct {
	jobs   JobGetter
	remote ContentFetcher
	logger zerolog.Logger
}

// NewProxy creates a Proxy.
func NewProxy(jobs JobGetter, fetcher ContentFetcher, logger zerolog.Logger) *Proxy {
	return &Proxy{jobs: jobs, remote: fetcher, logger: logger}
}

// Open returns a stream of the selected rendition of job id. The caller must
// close the returned body.
//
// Errors: video.ErrNotFound for an unknown job, video.ErrNotReady before
// completion, *video.ValidationError for an unknown selector and
// *video.UpstreamError when the remote fetch fails.
func (p *Proxy) Open(ctx context.Context, id string, sel Selector) (*remote.Content, error) {
	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != video.StatusCompleted {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, video.ErrNotReady)
	}

	ref, err := Resolve(job.Content, sel)
	if err != nil {
		return nil, err
	}

	c, err := p.remote.FetchContent(ctx, job.RemoteJobID, ref)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Str("remote_job_id", job.RemoteJobID).Msg("upstream content fetch failed")
		return nil, &video.UpstreamError{JobID: job.ID, StatusCode: remote.StatusCodeOf(err), Err: err}
	}
	return c, nil
}

// Resolve maps a content descriptor and selector to a remote reference. A job
// without a descriptor falls back to the remote content endpoint's default.
func Resolve(d video.ContentDescriptor, sel Selector) (remote.ContentRef, error) {
	switch d.Kind {
	case video.ContentAssets:
		if sel.Variant != "" {
			return remote.ContentRef{}, video.Invalid("variant", "job output has no variants")
		}
		asset, err := pickAsset(d.Assets, sel.AssetID)
		if err != nil {
			return remote.ContentRef{}, err
		}
		return remote.ContentRef{URL: asset.FetchURL()}, nil

	case video.ContentVariants:
		if sel.AssetID != "" {
			return remote.ContentRef{}, video.Invalid("asset", "job output has no assets")
		}
		if d.Variants == nil {
			return remote.ContentRef{Variant: sel.Variant}, nil
		}
		name := sel.Variant
		if name == "" {
			name = d.Variants.DefaultVariant()
		} else if len(d.Variants.Available) > 0 && !d.Variants.Has(name) {
			return remote.ContentRef{}, video.Invalid("variant", "unknown variant %q", name)
		}
		return remote.ContentRef{Variant: name, Token: d.Variants.Token}, nil
	}

	if sel.AssetID != "" {
		return remote.ContentRef{}, video.Invalid("asset", "unknown asset %q", sel.AssetID)
	}
	return remote.ContentRef{Variant: sel.Variant}, nil
}

func pickAsset(assets []video.Asset, id string) (video.Asset, error) {
	if len(assets) == 0 {
		return video.Asset{}, errors.New("asset list is empty")
	}
	if id == "" {
		return assets[0], nil
	}
	for _, a := range assets {
		if a.ID == id {
			return a, nil
		}
	}
	return video.Asset{}, video.Invalid("asset", "unknown asset %q", id)
}
