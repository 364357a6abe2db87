package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kalambet/reel/internal/content"
	"github.com/kalambet/reel/internal/remote"
	"github.com/kalambet/reel/internal/video"
)

const maxRequestBodySize = 1 << 20 // 1MB

// JobService creates and reads jobs.
type JobService interface {
	Create(ctx context.Context, req video.CreateRequest) (video.Job, error)
	Get(ctx context.Context, id string) (video.Job, error)
	List(ctx context.Context) ([]video.Job, error)
}

// ContentOpener streams finished media.
type ContentOpener interface {
	Open(ctx context.Context, id string, sel content.Selector) (*remote.Content, error)
}

// Deps holds dependencies for the HTTP API.
type Deps struct {
	Jobs        JobService
	Content     ContentOpener
	Logger      zerolog.Logger
	CORSOrigins []string
}

// NewHandler returns the HTTP API handler.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(deps.CORSOrigins))

	r.Get("/health", handleHealth)
	r.Route("/api/videos", func(r chi.Router) {
		r.Post("/", handleCreate(deps.Jobs))
		r.Get("/", handleList(deps.Jobs))
		r.Get("/{id}", handleGet(deps.Jobs))
		r.Get("/{id}/content", handleContent(deps.Content, deps.Logger))
		r.Get("/{id}/media", handleMedia(deps.Jobs))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// createVideoRequest accepts both naming styles clients send.
type createVideoRequest struct {
	Prompt        string      `json:"prompt"`
	Seconds       json.Number `json:"seconds"`
	Duration      json.Number `json:"duration"`
	Size          string      `json:"size"`
	AspectRatio   string      `json:"aspect_ratio"`
	AspectRatioJS string      `json:"aspectRatio"`
	Format        string      `json:"format"`
}

func (b createVideoRequest) toCreateRequest() (video.CreateRequest, error) {
	raw := b.Seconds
	if raw == "" {
		raw = b.Duration
	}
	seconds, err := parseSeconds(raw)
	if err != nil {
		return video.CreateRequest{}, err
	}
	aspect := b.AspectRatio
	if aspect == "" {
		aspect = b.AspectRatioJS
	}
	return video.CreateRequest{
		Prompt:      b.Prompt,
		Seconds:     seconds,
		Size:        b.Size,
		AspectRatio: aspect,
		Format:      b.Format,
	}, nil
}

func parseSeconds(n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	if i, err := strconv.Atoi(n.String()); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, video.Invalid("seconds", "must be a whole number")
	}
	return int(f), nil
}

func handleCreate(jobs JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body createVideoRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}
		req, err := body.toCreateRequest()
		if err != nil {
			writeError(w, err)
			return
		}

		job, err := jobs.Create(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job": job})
	}
}

func handleList(jobs JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := jobs.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []video.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
	}
}

func handleGet(jobs JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": job})
	}
}

func handleMedia(jobs JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":               job.ID,
			"status":           job.Status,
			"content":          job.Content.Redacted(),
			"content_ready_at": job.ContentReadyAt,
		})
	}
}

func handleContent(opener ContentOpener, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		q := r.URL.Query()
		c, err := opener.Open(r.Context(), id, content.Selector{
			Variant: q.Get("variant"),
			AssetID: q.Get("asset"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		defer c.Body.Close()

		ct := c.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		if c.ContentLength >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(c.ContentLength, 10))
		}
		if c.ContentDisposition != "" {
			w.Header().Set("Content-Disposition", c.ContentDisposition)
		}
		w.WriteHeader(http.StatusOK)

		// Headers are already sent; a broken stream can only be logged.
		if n, err := io.Copy(w, c.Body); err != nil {
			logger.Warn().Err(err).Str("job_id", id).Int64("bytes", n).Msg("content stream interrupted")
		}
	}
}

// writeError maps the error taxonomy to an HTTP status and error envelope.
func writeError(w http.ResponseWriter, err error) {
	var (
		vErr   *video.ValidationError
		upErr  *video.UpstreamError
		reqErr *remote.RequestError
	)
	switch {
	case errors.As(err, &vErr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", vErr.Error())
	case errors.Is(err, video.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, video.ErrNotReady):
		httpError(w, http.StatusConflict, "not_ready_error", "%v", err)
	case errors.As(err, &upErr):
		httpError(w, http.StatusBadGateway, "upstream_error", "%v", err)
	case errors.As(err, &reqErr):
		code := http.StatusBadGateway
		if reqErr.StatusCode >= 400 && reqErr.StatusCode < 500 {
			code = reqErr.StatusCode
		}
		httpError(w, code, "remote_request_error", "%v", err)
	case errors.Is(err, remote.ErrInvalidResponse):
		httpError(w, http.StatusBadGateway, "invalid_response_error", "%v", err)
	case errors.Is(err, video.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
