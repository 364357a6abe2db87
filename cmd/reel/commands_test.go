package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/reel/internal/config"
	"github.com/kalambet/reel/internal/video"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestCreateJob_Payload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/videos": `{"job":{"id":"job-1","status":"queued","remote_job_id":"job-abc123"}}`,
	})

	job, err := createJob(ctx, ts.client(), map[string]any{"prompt": "a cozy campfire", "seconds": 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID != "job-1" || job.Status != video.StatusQueued {
		t.Errorf("job = %+v", job)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var sent map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("invalid request body: %v", err)
	}
	if sent["prompt"] != "a cozy campfire" || sent["seconds"] != float64(8) {
		t.Errorf("sent = %v", sent)
	}
}

func TestCreateCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"create"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing prompt")
	}
}

func TestFetchJobs(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/videos": `{"jobs":[
			{"id":"0b6c1f0e-aaaa","prompt":"second","status":"in_progress","created_at":"2026-03-02T10:00:00Z"},
			{"id":"7d1e2a3b-bbbb","prompt":"first","status":"completed","created_at":"2026-03-01T10:00:00Z"}
		]}`,
	})

	list, err := fetchJobs(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 || list[0].Prompt != "second" {
		t.Fatalf("list = %+v", list)
	}

	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	printJobList(&out, list)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "0b6c1f0e  in_progress") || !strings.HasSuffix(lines[0], "second") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "7d1e2a3b  completed  ") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestPrintJobList_TruncatesPrompt(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	printJobList(&out, []video.Job{{ID: "short", Prompt: strings.Repeat("é", 80), Status: video.StatusQueued, CreatedAt: time.Now()}})
	if !strings.Contains(out.String(), strings.Repeat("é", 60)+"...") {
		t.Errorf("prompt not truncated on rune boundary: %q", out.String())
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/api/videos/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v", err)
	}
	if strings.Contains(err.Error(), "not_found_error") {
		t.Errorf("error should show the message, not the raw envelope: %v", err)
	}
}

func TestDownload(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", `attachment; filename="campfire.mp4"`)
		w.Write([]byte("VIDEO"))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	var buf bytes.Buffer
	n, name, err := client.download(ctx, contentPath("job-1", "thumbnail", ""), &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 || buf.String() != "VIDEO" || name != "campfire.mp4" {
		t.Errorf("download = %d %q %q", n, buf.String(), name)
	}
	if gotQuery != "variant=thumbnail" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestDownload_NotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"content not ready","type":"not_ready_error"}}`))
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	var buf bytes.Buffer
	if _, _, err := client.download(ctx, contentPath("job-1", "", ""), &buf); err == nil || !strings.Contains(err.Error(), "not ready") {
		t.Fatalf("expected not ready error, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("error body written to output: %q", buf.String())
	}
}

func TestContentPath(t *testing.T) {
	tests := []struct {
		id, variant, asset string
		want               string
	}{
		{"job-1", "", "", "/api/videos/job-1/content"},
		{"job-1", "video", "", "/api/videos/job-1/content?variant=video"},
		{"job-1", "", "a 1", "/api/videos/job-1/content?asset=a+1"},
		{"a/b", "", "", "/api/videos/a%2Fb/content"},
	}
	for _, tt := range tests {
		if got := contentPath(tt.id, tt.variant, tt.asset); got != tt.want {
			t.Errorf("contentPath(%q, %q, %q) = %q, want %q", tt.id, tt.variant, tt.asset, got, tt.want)
		}
	}
}

func TestDefaultOutputName(t *testing.T) {
	if got := defaultOutputName("job-1", "", ""); got != "job-1.mp4" {
		t.Errorf("got %q", got)
	}
	if got := defaultOutputName("job-1", "thumbnail", ""); got != "job-1-thumbnail" {
		t.Errorf("got %q", got)
	}
	if got := defaultOutputName("job-1", "", "../../etc/clip.mp4"); got != "clip.mp4" {
		t.Errorf("suggested name not sanitized: %q", got)
	}
}

func TestServerURL(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	if got := serverURL(cfg); got != "http://127.0.0.1:8080" {
		t.Errorf("serverURL = %q", got)
	}
	cfg.Server.Host = "::1"
	if got := serverURL(cfg); got != "http://[::1]:8080" {
		t.Errorf("serverURL = %q", got)
	}
}

func TestReportStatus_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health":     `{"status":"ok"}`,
		"GET /api/videos": `{"jobs":[{"id":"a","status":"queued"},{"id":"b","status":"completed"}]}`,
	})

	if !reportStatus(ctx, ts.client()) {
		t.Error("expected running")
	}
	if len(ts.requests) != 2 {
		t.Errorf("expected health + list requests, got %+v", ts.requests)
	}
}

func TestReportStatus_Stopped(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.client()
	ts.server.Close()

	if reportStatus(ctx, client) {
		t.Error("expected stopped")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(successStyle, "hello"); got != "hello" {
		t.Errorf("colorize with noColor=true = %q", got)
	}
	if got := statusLabel("completed"); got != "completed" {
		t.Errorf("statusLabel with noColor=true = %q", got)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid <= 0 {
		t.Fatalf("readPIDFile = %d, %v", pid, err)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file not removed")
	}
}
