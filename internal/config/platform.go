package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// PlatformOptions holds parameters for fetching config from a control plane.
type PlatformOptions struct {
	PlatformURL  string // e.g. https://dashboard.example.com
	DeploymentID string
	APIKey       string
	DataDir      string // local data directory, default /data
}

// LoadFromPlatform fetches the configuration from the control plane API,
// prepares the local data directory, and returns the validated Config.
func LoadFromPlatform(ctx context.Context, opts PlatformOptions) (*Config, error) {
	if opts.DataDir == "" {
		opts.DataDir = "/data"
	}

	url := strings.TrimRight(opts.PlatformURL, "/") + "/api/coworker/config"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("platform: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	if opts.DeploymentID != "" {
		req.Header.Set("X-Deployment-ID", opts.DeploymentID)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform: fetch config: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("platform: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("platform: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var cfg Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("platform: parse config: %w", err)
	}

	// Override data dir with local path
	cfg.DataDir = opts.DataDir
	cfg.Auth.TokenCache = ""
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("platform: create data dir %q: %w", cfg.DataDir, err)
	}
	return &cfg, nil
}
