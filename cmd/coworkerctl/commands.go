package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/coworker/internal/config"
	"github.com/h1v3-io/coworker/internal/mcp"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	APIURL string
	APIKey string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "coworkerctl",
		Short:         "coworker daemon management CLI",
		Long:          "Inspect questions, check health and ask coworkers through a running coworkerd.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.APIURL, "api-url", envOr("COWORKER_API_URL", "http://localhost:8080"), "daemon URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", os.Getenv("COWORKER_API_KEY"), "API key for authentication")

	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newQuestionsCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newAskCommand(opts))
	cmd.AddCommand(newConfigCommand())

	return cmd
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := opts.apiGet(cmd.Context(), "/api/health")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
}

func newQuestionsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "Inspect questions",
	}

	var status, target string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List questions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if status != "" {
				q.Set("status", status)
			}
			if target != "" {
				q.Set("target", target)
			}
			body, err := opts.apiGet(cmd.Context(), "/api/questions?"+q.Encode())
			if err != nil {
				return err
			}
			var questions []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Text   string `json:"text"`
				Target struct {
					Email string `json:"email"`
				} `json:"target"`
			}
			if err := json.Unmarshal(body, &questions); err != nil {
				return fmt.Errorf("decode questions: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, q := range questions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", q.ID, q.Status, q.Target.Email, truncate(q.Text, 60))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (pending|replied|timed_out)")
	list.Flags().StringVar(&target, "target", "", "filter by target identity id")
	list.Flags().IntVar(&limit, "limit", 50, "max results")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show question details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.apiGet(cmd.Context(), "/api/questions/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pending waiters and question counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := opts.apiGet(cmd.Context(), "/api/stats")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}
}

func newAskCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ask <email> <question>",
		Short: "Ask a coworker and wait for the answer",
		Long: `Ask a coworker through the daemon's MCP endpoint and block until they
reply or the question times out.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := mcp.NewClient(ctx, "coworkerctl", mcp.NewHTTPTransport(strings.TrimRight(opts.APIURL, "/")+"/mcp", opts.APIKey))
			if err != nil {
				return err
			}
			defer client.Close()

			arguments := map[string]any{
				"targetEmail": args[0],
				"question":    strings.Join(args[1:], " "),
			}
			if timeout > 0 {
				arguments["timeout"] = timeout.Milliseconds()
			}
			out, err := client.CallTool(ctx, "ask_a_coworker", arguments)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the answer (default: daemon default)")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return fmt.Errorf("invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	})
	return cmd
}

// --- Helpers ---

func (o *rootOptions) apiGet(ctx context.Context, path string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(o.APIURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if o.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.APIKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
