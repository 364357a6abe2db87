package remote

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/reel/internal/video"
)

// Normalized is the canonical view of a remote job payload.
type Normalized struct {
	RemoteID     string
	Status       video.Status // "" when the remote status is absent or unrecognized
	RawStatus    string
	ErrorMessage string
	Content      video.ContentDescriptor
	Params       video.Params
}

// Field-name candidates, in priority order. Dotted names descend into nested
// objects.
var (
	idFields             = []string{"id", "job_id", "video_id"}
	statusFields         = []string{"status", "state", "result.status"}
	variantListFields    = []string{"variants", "available_variants", "result.variants", "result.available_variants"}
	defaultVariantFields = []string{"default_variant", "variant", "result.default_variant"}
	tokenFields          = []string{"token", "access_token", "download_token", "result.token"}
	expiryFields         = []string{"token_expires_at", "expires_at", "result.expires_at"}
	assetListFields      = []string{"output", "data", "assets", "result.assets", "result.output", "result.data"}
	secondsFields        = []string{"seconds", "duration"}
	sizeFields           = []string{"size", "resolution"}
	aspectFields         = []string{"aspect_ratio"}
	formatFields         = []string{"format", "output_format"}

	assetIDFields        = []string{"id", "asset_id"}
	assetPlayFields      = []string{"preview_url", "streaming_url", "stream_url", "url"}
	assetDownloadFields  = []string{"download_url", "url"}
	assetThumbnailFields = []string{"thumbnail_url", "thumbnail"}
	assetResFields       = []string{"resolution", "size"}
	assetDurationFields  = []string{"duration", "duration_seconds", "seconds"}
	assetSizeFields      = []string{"file_size", "bytes", "size_bytes"}
	variantNameFields    = []string{"name", "variant", "id"}
)

var statusAliases = map[string]video.Status{
	"queued":        video.StatusQueued,
	"pending":       video.StatusQueued,
	"submitted":     video.StatusQueued,
	"in_progress":   video.StatusInProgress,
	"processing":    video.StatusInProgress,
	"running":       video.StatusInProgress,
	"preprocessing": video.StatusInProgress,
	"generating":    video.StatusInProgress,
	"completed":     video.StatusCompleted,
	"succeeded":     video.StatusCompleted,
	"success":       video.StatusCompleted,
	"failed":        video.StatusFailed,
	"error":         video.StatusFailed,
	"cancelled":     video.StatusCancelled,
	"canceled":      video.StatusCancelled,
}

// MapStatus maps a remote status string onto a local status. Unknown values
// map to "".
func MapStatus(raw string) video.Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	return statusAliases[key]
}

// NormalizeJSON decodes body and normalizes it. Bodies that are not JSON
// objects normalize to the zero value.
func NormalizeJSON(body []byte) Normalized {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Normalized{}
	}
	return Normalize(raw)
}

// Normalize extracts the canonical job view from an arbitrary remote payload.
// It never panics: absent or mistyped fields yield empty values.
func Normalize(raw map[string]any) Normalized {
	var n Normalized
	if raw == nil {
		return n
	}

	n.RemoteID = firstID(raw, idFields)
	n.RawStatus = firstString(raw, statusFields)
	n.Status = MapStatus(n.RawStatus)
	n.ErrorMessage = extractError(raw)
	n.Content = extractContent(raw)
	n.Params = video.Params{
		Seconds:     firstInt(raw, secondsFields),
		Size:        firstString(raw, sizeFields),
		AspectRatio: firstString(raw, aspectFields),
		Format:      firstString(raw, formatFields),
	}
	return n
}

func extractError(raw map[string]any) string {
	if msg := firstString(raw, []string{"error.message", "error", "failure_reason", "last_error.message"}); msg != "" {
		return msg
	}
	return ""
}

func extractContent(raw map[string]any) video.ContentDescriptor {
	if assets := extractAssets(raw); len(assets) > 0 {
		return video.AssetList(assets...)
	}

	variants := extractVariantNames(raw)
	token := firstString(raw, tokenFields)
	if len(variants) == 0 && token == "" {
		return video.ContentDescriptor{}
	}
	ref := video.VariantRef{
		Default:   firstString(raw, defaultVariantFields),
		Available: variants,
		Token:     token,
	}
	if exp, ok := firstTime(raw, expiryFields); ok {
		ref.ExpiresAt = &exp
	}
	return video.VariantContent(ref)
}

// extractVariantNames returns the variant list, or an empty slice when no
// candidate field holds one.
func extractVariantNames(raw map[string]any) []string {
	list, _ := firstList(raw, variantListFields)
	names := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				names = append(names, v)
			}
		case map[string]any:
			if name := firstString(v, variantNameFields); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

func extractAssets(raw map[string]any) []video.Asset {
	list, ok := firstList(raw, assetListFields)
	if !ok {
		return nil
	}
	var assets []video.Asset
	for i, item := range list {
		switch v := item.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				assets = append(assets, video.Asset{ID: fmt.Sprintf("asset-%d", i), URL: v})
			}
		case map[string]any:
			a := video.Asset{
				ID:              firstID(v, assetIDFields),
				URL:             firstString(v, assetPlayFields),
				DownloadURL:     firstString(v, assetDownloadFields),
				ThumbnailURL:    firstString(v, assetThumbnailFields),
				Resolution:      firstString(v, assetResFields),
				DurationSeconds: firstInt(v, assetDurationFields),
				FileSize:        int64(firstInt(v, assetSizeFields)),
			}
			if a.URL == "" && a.DownloadURL == "" {
				continue
			}
			if a.ID == "" {
				a.ID = fmt.Sprintf("asset-%d", i)
			}
			assets = append(assets, a)
		}
	}
	return assets
}

// lookup resolves a dotted path inside raw.
func lookup(raw map[string]any, path string) (any, bool) {
	cur := any(raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func firstString(raw map[string]any, paths []string) string {
	for _, p := range paths {
		v, ok := lookup(raw, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// firstID is firstString that also accepts numeric identifiers.
func firstID(raw map[string]any, paths []string) string {
	for _, p := range paths {
		v, ok := lookup(raw, p)
		if !ok {
			continue
		}
		switch id := v.(type) {
		case string:
			if id = strings.TrimSpace(id); id != "" {
				return id
			}
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		}
	}
	return ""
}

func firstInt(raw map[string]any, paths []string) int {
	for _, p := range paths {
		v, ok := lookup(raw, p)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			if n > 0 && n < math.MaxInt32 {
				return int(math.Round(n))
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil && f > 0 && f < math.MaxInt32 {
				return int(math.Round(f))
			}
		}
	}
	return 0
}

func firstList(raw map[string]any, paths []string) ([]any, bool) {
	for _, p := range paths {
		v, ok := lookup(raw, p)
		if !ok {
			continue
		}
		if list, ok := v.([]any); ok && len(list) > 0 {
			return list, true
		}
	}
	return nil, false
}

func firstTime(raw map[string]any, paths []string) (time.Time, bool) {
	for _, p := range paths {
		v, ok := lookup(raw, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			if t > 0 {
				return time.Unix(int64(t), 0).UTC(), true
			}
		case string:
			if parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(t)); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
