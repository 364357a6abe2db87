package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/reel/internal/config"
	"github.com/kalambet/reel/internal/video"
)

// --- create ---

var createCmd = &cobra.Command{
	Use:   "create <prompt>",
	Short: "Submit a video-generation job",
	Long: `Submit a video-generation job to the running server.

Examples:
  reel create "a cozy campfire at dusk" --seconds 8 --size 16:9
  reel create "waves on a rocky shore" --size 1080x1920 --format mp4`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seconds, _ := cmd.Flags().GetInt("seconds")
		size, _ := cmd.Flags().GetString("size")
		format, _ := cmd.Flags().GetString("format")

		req := map[string]any{"prompt": strings.Join(args, " ")}
		if seconds != 0 {
			req["seconds"] = seconds
		}
		if size != "" {
			req["size"] = size
		}
		if format != "" {
			req["format"] = format
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := createJob(cmd.Context(), client, req)
		if err != nil {
			return err
		}

		printSuccess("Created job %s (%s)", job.ID, job.Status)
		printStep("Track it with `reel show %s`", job.ID)
		return nil
	},
}

func init() {
	createCmd.Flags().Int("seconds", 0, "clip length in seconds (4, 8 or 12)")
	createCmd.Flags().String("size", "", "resolution (e.g. 1280x720) or preset (16:9, portrait, square)")
	createCmd.Flags().String("format", "", "output container (e.g. mp4)")
}

func createJob(ctx context.Context, client *apiClient, req map[string]any) (video.Job, error) {
	resp, err := client.post(ctx, "/api/videos", req)
	if err != nil {
		return video.Job{}, err
	}
	var result struct {
		Job video.Job `json:"job"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return video.Job{}, err
	}
	return result.Job, nil
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List video jobs, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		list, err := fetchJobs(cmd.Context(), client)
		if err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No video jobs found.")
			return nil
		}
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		printJobList(os.Stdout, list)
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum number of jobs to list (0 for all)")
}

func fetchJobs(ctx context.Context, client *apiClient) ([]video.Job, error) {
	resp, err := client.get(ctx, "/api/videos")
	if err != nil {
		return nil, err
	}
	var result struct {
		Jobs []video.Job `json:"jobs"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

func printJobList(w io.Writer, list []video.Job) {
	for _, j := range list {
		prompt := j.Prompt
		if utf8.RuneCountInString(prompt) > 60 {
			prompt = string([]rune(prompt)[:60]) + "..."
		}
		status := string(j.Status)
		fmt.Fprintf(w, "%s  %s%s  %s  %s\n",
			colorize(idStyle, shortID(j.ID)),
			statusLabel(status), strings.Repeat(" ", max(0, 11-len(status))),
			colorize(mutedStyle, j.CreatedAt.Local().Format("2006-01-02 15:04")),
			prompt,
		)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single video job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/videos/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result struct {
			Job json.RawMessage `json:"job"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		var job any
		if err := json.Unmarshal(result.Job, &job); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// --- download ---

var downloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download the finished video of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, _ := cmd.Flags().GetString("variant")
		asset, _ := cmd.Flags().GetString("asset")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := contentPath(args[0], variant, asset)
		if output == "-" {
			_, _, err := client.download(cmd.Context(), path, os.Stdout)
			return err
		}

		// A failed transfer leaves no partial file behind.
		dir := "."
		if output != "" {
			dir = filepath.Dir(output)
		}
		tmp, err := os.CreateTemp(dir, ".reel-download-*")
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer os.Remove(tmp.Name())

		n, suggested, err := client.download(cmd.Context(), path, tmp)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}

		if output == "" {
			output = defaultOutputName(args[0], variant, suggested)
		}
		if err := os.Rename(tmp.Name(), output); err != nil {
			return fmt.Errorf("saving %s: %w", output, err)
		}
		printSuccess("Saved %s (%d bytes)", output, n)
		return nil
	},
}

func init() {
	downloadCmd.Flags().String("variant", "", "content variant (e.g. video, thumbnail)")
	downloadCmd.Flags().String("asset", "", "asset id when the job produced several assets")
	downloadCmd.Flags().StringP("output", "o", "", "output file path (- for stdout)")
}

func contentPath(id, variant, asset string) string {
	path := "/api/videos/" + url.PathEscape(id) + "/content"
	q := url.Values{}
	if variant != "" {
		q.Set("variant", variant)
	}
	if asset != "" {
		q.Set("asset", asset)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return path
}

func defaultOutputName(id, variant, suggested string) string {
	if suggested != "" {
		return filepath.Base(suggested)
	}
	if variant == "" || variant == "video" {
		return id + ".mp4"
	}
	return id + "-" + variant
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(labelStyle, k.Key), k.Value, colorize(mutedStyle, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
