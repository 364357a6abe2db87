package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalambet/reel/internal/video"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModel       = "sora-2"
	defaultCallTimeout = 30 * time.Second
	streamingTimeout   = 10 * time.Minute
	defaultMaxAttempts = 3
	initialBackoff     = 500 * time.Millisecond
	maxResponseSize    = 4 << 20 // 4MB
	maxErrorBodySize   = 8 << 10 // 8KB
)

// ErrInvalidResponse is returned when the remote answered 2xx but the payload
// is structurally unusable.
var ErrInvalidResponse = errors.New("invalid remote response")

// RequestError is returned for non-2xx responses from the remote API.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.StatusCode, e.Body)
}

// StatusCodeOf returns the HTTP status carried by a RequestError in err's
// chain, or 0.
func StatusCodeOf(err error) int {
	var rErr *RequestError
	if errors.As(err, &rErr) {
		return rErr.StatusCode
	}
	return 0
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	BetaHeader  string
	CallTimeout time.Duration
	MaxAttempts int
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

// Client talks to the remote video-generation API.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	betaHeader  string
	callTimeout time.Duration
	maxAttempts int
	backoff     time.Duration
	httpClient  *http.Client
	logger      zerolog.Logger
}

// NewClient creates a client from opts.
func NewClient(opts Options) *Client {
	c := &Client{
		apiKey:      opts.APIKey,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		model:       opts.Model,
		betaHeader:  opts.BetaHeader,
		callTimeout: opts.CallTimeout,
		maxAttempts: opts.MaxAttempts,
		backoff:     initialBackoff,
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	return NewClient(Options{APIKey: apiKey, BaseURL: baseURL, Logger: zerolog.Nop()})
}

// CreateJob submits a generation request. Empty optional parameters are not
// sent.
func (c *Client) CreateJob(ctx context.Context, prompt string, params video.Params) (Normalized, error) {
	body, err := json.Marshal(c.createPayload(prompt, params))
	if err != nil {
		return Normalized{}, fmt.Errorf("marshaling request: %w", err)
	}

	// Creation is not idempotent: only an explicit 429 is safe to retry.
	data, err := c.roundTrip(ctx, http.MethodPost, "/videos", body, isRateLimit)
	if err != nil {
		return Normalized{}, err
	}
	n, err := normalizeResponse(data)
	if err != nil {
		return Normalized{}, err
	}
	c.logger.Info().Str("remote_job_id", n.RemoteID).Str("status", n.RawStatus).Msg("remote job created")
	return n, nil
}

// FetchJob retrieves the current state of a remote job.
func (c *Client) FetchJob(ctx context.Context, remoteJobID string) (Normalized, error) {
	if remoteJobID == "" {
		return Normalized{}, fmt.Errorf("remote job id is required")
	}
	data, err := c.roundTrip(ctx, http.MethodGet, "/videos/"+url.PathEscape(remoteJobID), nil, isTransient)
	if err != nil {
		return Normalized{}, err
	}
	n, err := normalizeResponse(data)
	if err != nil {
		return Normalized{}, err
	}
	c.logger.Debug().Str("remote_job_id", remoteJobID).Str("status", n.RawStatus).Msg("remote job polled")
	return n, nil
}

// ContentRef selects which rendition of a finished job to fetch. A non-empty
// URL is fetched directly; otherwise the content endpoint is used with the
// optional variant and token.
type ContentRef struct {
	URL     string
	Variant string
	Token   string
}

// Content is a streamed remote payload. The caller must close Body.
type Content struct {
	Body               io.ReadCloser
	ContentType        string
	ContentLength      int64 // -1 when unknown
	ContentDisposition string
}

// FetchContent opens a stream of the finished media.
func (c *Client) FetchContent(ctx context.Context, remoteJobID string, ref ContentRef) (*Content, error) {
	target := ref.URL
	authorize := false
	if target == "" {
		if remoteJobID == "" {
			return nil, fmt.Errorf("remote job id is required")
		}
		q := url.Values{}
		if ref.Variant != "" {
			q.Set("variant", ref.Variant)
		}
		if ref.Token != "" {
			q.Set("token", ref.Token)
		}
		target = c.baseURL + "/videos/" + url.PathEscape(remoteJobID) + "/content"
		if len(q) > 0 {
			target += "?" + q.Encode()
		}
		authorize = true
	} else if strings.HasPrefix(target, c.baseURL+"/") {
		authorize = true
	}

	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if authorize {
		c.setHeaders(req, false)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("requesting content: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		cancel()
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}

	return &Content{
		Body:               &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		ContentType:        resp.Header.Get("Content-Type"),
		ContentLength:      resp.ContentLength,
		ContentDisposition: resp.Header.Get("Content-Disposition"),
	}, nil
}

func (c *Client) createPayload(prompt string, p video.Params) map[string]any {
	payload := map[string]any{
		"model":  c.model,
		"prompt": prompt,
	}
	if p.Seconds > 0 {
		payload["seconds"] = p.Seconds
	}
	if p.Size != "" {
		payload["size"] = p.Size
	}
	if p.AspectRatio != "" {
		payload["aspect_ratio"] = p.AspectRatio
	}
	if p.Format != "" {
		payload["format"] = p.Format
	}
	return payload
}

func normalizeResponse(data []byte) (Normalized, error) {
	n := NormalizeJSON(data)
	if n.RemoteID == "" {
		return Normalized{}, fmt.Errorf("%w: missing job id", ErrInvalidResponse)
	}
	return n, nil
}

// roundTrip performs a request with bounded retries. retry decides whether a
// failed attempt may be repeated.
func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, retry func(error) bool) ([]byte, error) {
	var lastErr error
	for attempt := range c.maxAttempts {
		data, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil || !retry(err) {
			return nil, err
		}

		lastErr = err
		if attempt < c.maxAttempts-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			c.logger.Debug().Err(err).Str("path", path).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying remote call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, body != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request, jsonBody bool) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if jsonBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.betaHeader != "" {
		req.Header.Set("OpenAI-Beta", c.betaHeader)
	}
}

func isRateLimit(err error) bool {
	return StatusCodeOf(err) == http.StatusTooManyRequests
}

// isTransient reports whether an idempotent call may be retried: rate limits,
// server errors and transport failures.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	code := StatusCodeOf(err)
	if code == 0 {
		return true
	}
	return code == http.StatusTooManyRequests || code >= 500
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
