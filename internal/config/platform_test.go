package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const platformConfigJSON = `{
  "data_dir": "/ignored",
  "auth": {"kind": "static", "token": "graph-token"},
  "connectors": {
    "telegram": {"token": "123456:ABC"}
  },
  "api": {
    "host": "0.0.0.0",
    "port": 8080
  }
}`

func TestLoadFromPlatform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/coworker/config" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("X-Deployment-ID") != "dep-123" {
			http.Error(w, "missing deployment id", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(platformConfigJSON))
	}))
	defer srv.Close()

	dataDir := filepath.Join(t.TempDir(), "coworker")
	cfg, err := LoadFromPlatform(context.Background(), PlatformOptions{
		PlatformURL:  srv.URL + "/",
		DeploymentID: "dep-123",
		APIKey:       "test-key",
		DataDir:      dataDir,
	})
	if err != nil {
		t.Fatalf("LoadFromPlatform: %v", err)
	}

	if cfg.DataDir != dataDir {
		t.Errorf("data_dir should be overridden to %q, got %q", dataDir, cfg.DataDir)
	}
	if cfg.Auth.TokenCache != filepath.Join(dataDir, "token.json") {
		t.Errorf("token_cache = %q", cfg.Auth.TokenCache)
	}
	if cfg.Connectors.Telegram == nil || cfg.Connectors.Telegram.Token != "123456:ABC" {
		t.Errorf("telegram = %+v", cfg.Connectors.Telegram)
	}
	if _, err := os.Stat(dataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadFromPlatform_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := LoadFromPlatform(context.Background(), PlatformOptions{
		PlatformURL: srv.URL,
		APIKey:      "wrong",
		DataDir:     t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for unauthorized")
	}
}

func TestLoadFromPlatform_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := LoadFromPlatform(context.Background(), PlatformOptions{
		PlatformURL: srv.URL,
		APIKey:      "k",
		DataDir:     t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoadFromPlatform_InvalidConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"api": {"port": 8080}}`))
	}))
	defer srv.Close()

	_, err := LoadFromPlatform(context.Background(), PlatformOptions{
		PlatformURL: srv.URL,
		APIKey:      "k",
		DataDir:     t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
}
