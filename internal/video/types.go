package video

import "time"

// Status is the local lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether a job in status s may move to next.
// Terminal states are sinks and the lifecycle never moves backwards.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// DefaultFailureMessage is recorded when the remote reports failure without a
// reason.
const DefaultFailureMessage = "generation failed"

// TerminalStatuses lists the statuses excluded from polling.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// Params are the optional generation parameters recorded at creation.
type Params struct {
	Seconds     int    `json:"seconds,omitempty"`
	Size        string `json:"size,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Format      string `json:"format,omitempty"`
}

// FillFrom returns p with every empty field taken from defaults.
// Fields already set are never replaced.
func (p Params) FillFrom(defaults Params) Params {
	if p.Seconds == 0 {
		p.Seconds = defaults.Seconds
	}
	if p.Size == "" {
		p.Size = defaults.Size
	}
	if p.AspectRatio == "" {
		p.AspectRatio = defaults.AspectRatio
	}
	if p.Format == "" {
		p.Format = defaults.Format
	}
	return p
}

// ContentKind tags which shape a ContentDescriptor holds.
type ContentKind string

const (
	ContentNone     ContentKind = ""
	ContentAssets   ContentKind = "assets"
	ContentVariants ContentKind = "variants"
)

// ContentDescriptor points at retrievable output. Exactly one of Assets or
// Variants is populated, as selected by Kind.
type ContentDescriptor struct {
	Kind     ContentKind `json:"kind,omitempty"`
	Assets   []Asset     `json:"assets,omitempty"`
	Variants *VariantRef `json:"variants,omitempty"`
}

// AssetList builds an asset-shaped descriptor.
func AssetList(assets ...Asset) ContentDescriptor {
	if len(assets) == 0 {
		return ContentDescriptor{}
	}
	return ContentDescriptor{Kind: ContentAssets, Assets: assets}
}

// VariantContent builds a variant-shaped descriptor.
func VariantContent(ref VariantRef) ContentDescriptor {
	return ContentDescriptor{Kind: ContentVariants, Variants: &ref}
}

// IsZero reports whether the descriptor carries nothing.
func (d ContentDescriptor) IsZero() bool {
	switch d.Kind {
	case ContentAssets:
		return len(d.Assets) == 0
	case ContentVariants:
		return d.Variants == nil
	}
	return true
}

// Redacted returns a copy safe to hand to callers: access tokens are removed.
func (d ContentDescriptor) Redacted() ContentDescriptor {
	if d.Kind != ContentVariants || d.Variants == nil {
		return d
	}
	v := *d.Variants
	v.Token = ""
	v.Available = append([]string(nil), d.Variants.Available...)
	d.Variants = &v
	return d
}

// Asset is one retrievable rendition in the asset-list shape.
type Asset struct {
	ID              string `json:"id"`
	URL             string `json:"url,omitempty"`
	DownloadURL     string `json:"download_url,omitempty"`
	ThumbnailURL    string `json:"thumbnail_url,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	FileSize        int64  `json:"file_size,omitempty"`
}

// FetchURL is the URL the content proxy should stream from.
func (a Asset) FetchURL() string {
	if a.DownloadURL != "" {
		return a.DownloadURL
	}
	return a.URL
}

// VariantRef is the variant/token shape: named renditions fetched from the
// remote content endpoint, optionally authorized by an opaque token.
type VariantRef struct {
	Default   string     `json:"default,omitempty"`
	Available []string   `json:"available,omitempty"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// DefaultVariant returns the recorded default, else the first listed variant.
func (v VariantRef) DefaultVariant() string {
	if v.Default != "" {
		return v.Default
	}
	if len(v.Available) > 0 {
		return v.Available[0]
	}
	return ""
}

// Has reports whether name is among the listed variants.
func (v VariantRef) Has(name string) bool {
	for _, a := range v.Available {
		if a == name {
			return true
		}
	}
	return name != "" && name == v.Default
}

// Job is the local record tracking one video-generation request.
type Job struct {
	ID             string            `json:"id"`
	Prompt         string            `json:"prompt"`
	Params         Params            `json:"params"`
	RemoteJobID    string            `json:"remote_job_id"`
	Status         Status            `json:"status"`
	Content        ContentDescriptor `json:"content"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ContentReadyAt *time.Time        `json:"content_ready_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Public returns a copy of j with secret fields stripped.
func (j Job) Public() Job {
	j.Content = j.Content.Redacted()
	return j
}
