package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/reel/internal/video"
)

const (
	defaultListLimit = 20
	recentLimit      = 10
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs    JobService
	Version string
}

// NewMCPServer creates an MCP server with the reel tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"reel",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("reel submits video-generation jobs to a remote service and tracks them until the video is ready."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("create_video",
			mcp.WithDescription("Submit a video-generation job. Returns the new job record; poll get_video until status is completed."),
			mcp.WithString("prompt", mcp.Description("Text prompt describing the video"), mcp.Required()),
			mcp.WithNumber("seconds", mcp.Description("Clip length in seconds: 4, 8 or 12")),
			mcp.WithString("size", mcp.Description("Resolution such as 1280x720, or a preset like 16:9, portrait, square")),
			mcp.WithString("format", mcp.Description("Output container, e.g. mp4")),
		),
		mcpCreateVideo(deps),
	)

	s.AddTool(
		mcp.NewTool("list_videos",
			mcp.WithDescription("List video jobs, most recent first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		),
		mcpListVideos(deps),
	)

	s.AddTool(
		mcp.NewTool("get_video",
			mcp.WithDescription("Get one video job by id, including status and content availability."),
			mcp.WithString("id", mcp.Description("Local job id"), mcp.Required()),
		),
		mcpGetVideo(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"videos://recent",
			"Recent Videos",
			mcp.WithResourceDescription("Last 10 video jobs (id, status, prompt)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpCreateVideo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		job, err := deps.Jobs.Create(ctx, video.CreateRequest{
			Prompt:  prompt,
			Seconds: req.GetInt("seconds", 0),
			Size:    req.GetString("size", ""),
			Format:  req.GetString("format", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create video: %v", err)), nil
		}
		return mcpJSON(job)
	}
}

func mcpListVideos(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", defaultListLimit)
		if limit <= 0 {
			limit = defaultListLimit
		}

		jobs, err := deps.Jobs.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list videos: %v", err)), nil
		}
		if len(jobs) == 0 {
			return mcpText("No video jobs yet."), nil
		}
		if len(jobs) > limit {
			jobs = jobs[:limit]
		}
		return mcpJSON(jobs)
	}
}

func mcpGetVideo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		job, err := deps.Jobs.Get(ctx, id)
		if errors.Is(err, video.ErrNotFound) {
			return mcpError(fmt.Sprintf("video job %q not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get video: %v", err)), nil
		}
		return mcpJSON(job)
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Jobs.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list videos: %w", err)
		}
		if len(jobs) > recentLimit {
			jobs = jobs[:recentLimit]
		}

		type jobSummary struct {
			ID        string       `json:"id"`
			Status    video.Status `json:"status"`
			CreatedAt string       `json:"created_at"`
			Prompt    string       `json:"prompt"`
		}

		summaries := make([]jobSummary, len(jobs))
		for i, j := range jobs {
			prompt := j.Prompt
			if utf8.RuneCountInString(prompt) > 200 {
				runes := []rune(prompt)
				prompt = string(runes[:200]) + "..."
			}
			summaries[i] = jobSummary{
				ID:        j.ID,
				Status:    j.Status,
				CreatedAt: j.CreatedAt.Format(time.RFC3339),
				Prompt:    prompt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal videos: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling result: %w", err)
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
