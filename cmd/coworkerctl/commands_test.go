package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/coworker/internal/mcp"
	"github.com/h1v3-io/coworker/internal/tool"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{{"health"}, {"questions", "list"}, {"questions", "show"}, {"stats"}, {"ask"}, {"config", "validate"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--api-url", srv.URL, "--api-key", "k", "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"ok"`)
}

func TestQuestionsList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/questions", r.URL.Path)
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`[{"id":"q1","status":"pending","text":"Where is the runbook?","target":{"id":"u1","email":"dana@example.com"}}]`))
	}))
	defer srv.Close()

	out, err := execute(t, "--api-url", srv.URL, "questions", "list", "--status", "pending", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "q1")
	assert.Contains(t, out, "dana@example.com")
	assert.Contains(t, out, "Where is the runbook?")
}

func TestQuestionsShow_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"question not found"}`))
	}))
	defer srv.Close()

	_, err := execute(t, "--api-url", srv.URL, "questions", "show", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

type fakeAskTool struct {
	got map[string]any
}

func (f *fakeAskTool) Name() string               { return "ask_a_coworker" }
func (f *fakeAskTool) Description() string        { return "ask" }
func (f *fakeAskTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeAskTool) Execute(_ context.Context, params map[string]any) (string, error) {
	f.got = params
	out, _ := json.Marshal(map[string]string{"status": "replied", "reply": "Friday", "responder": "Dana"})
	return string(out), nil
}

func TestAsk(t *testing.T) {
	ask := &fakeAskTool{}
	reg := tool.NewRegistry()
	reg.Register(ask)
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewServer(reg, "test", nil))
	api := httptest.NewServer(mux)
	defer api.Close()

	out, err := execute(t, "--api-url", api.URL, "ask", "dana@example.com", "When", "is", "the", "release?", "--timeout", "2m")
	require.NoError(t, err)
	assert.Contains(t, out, "Friday")
	assert.Equal(t, "dana@example.com", ask.got["targetEmail"])
	assert.Equal(t, "When is the release?", ask.got["question"])
	assert.EqualValues(t, 120000, ask.got["timeout"])
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("data_dir: /tmp/cw\nauth:\n  kind: static\n  token: t\nconnectors:\n  telegram:\n    token: tg\n"), 0o644))
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"data_dir": ""}`), 0o644))

	out, err := execute(t, "config", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "config is valid")

	_, err = execute(t, "config", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}
