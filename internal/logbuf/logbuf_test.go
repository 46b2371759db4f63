package logbuf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func writeN(buf *Buffer, n int, start time.Time) {
	for i := 0; i < n; i++ {
		buf.Write(Entry{
			Time:    start.Add(time.Duration(i) * time.Second),
			Level:   slog.LevelInfo,
			Message: "sweep complete",
			Attrs:   map[string]any{"i": i},
		})
	}
}

func TestBufferWriteAndQuery(t *testing.T) {
	buf := New(5)
	writeN(buf, 3, time.Now())

	if got := len(buf.Query(Filter{})); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
	if buf.Len() != 3 {
		t.Fatalf("Len = %d, want 3", buf.Len())
	}
}

func TestBufferRingOverwrite(t *testing.T) {
	buf := New(3)
	writeN(buf, 5, time.Now())

	entries := buf.Query(Filter{})
	if len(entries) != 3 || buf.Len() != 3 {
		t.Fatalf("expected 3 entries (ring size), got %d", len(entries))
	}
	// Oldest first: 2, 3, 4.
	if entries[0].Attrs["i"] != 2 || entries[2].Attrs["i"] != 4 {
		t.Fatalf("unexpected order: %v, %v", entries[0].Attrs, entries[2].Attrs)
	}
}

func TestBufferQuerySince(t *testing.T) {
	buf := New(10)
	now := time.Now()
	writeN(buf, 5, now)

	if got := len(buf.Query(Filter{Since: now.Add(3 * time.Second)})); got != 2 {
		t.Fatalf("expected 2 entries since t+3s, got %d", got)
	}
}

func TestBufferQueryLevel(t *testing.T) {
	buf := New(10)
	now := time.Now()
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		buf.Write(Entry{Time: now, Level: l, Message: l.String()})
	}

	entries := buf.Query(Filter{MinLevel: slog.LevelWarn})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries at WARN+, got %d", len(entries))
	}
	if entries[0].Message != "WARN" || entries[1].Message != "ERROR" {
		t.Fatalf("unexpected entries: %v", entries)
	}
	if got := len(buf.Query(Filter{})); got != 4 {
		t.Fatalf("nil MinLevel should match debug too, got %d", got)
	}
}

func TestBufferQueryLimitKeepsNewest(t *testing.T) {
	buf := New(10)
	writeN(buf, 8, time.Now())

	entries := buf.Query(Filter{Limit: 3})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries with limit, got %d", len(entries))
	}
	if entries[0].Attrs["i"] != 5 {
		t.Fatalf("expected the newest three, got first i=%v", entries[0].Attrs["i"])
	}
}

func TestBufferQueryByQuestion(t *testing.T) {
	buf := New(10)
	now := time.Now()
	buf.Write(Entry{Time: now, Message: "question delivered", Component: "asker", QuestionID: "q1"})
	buf.Write(Entry{Time: now, Message: "question delivered", Component: "asker", QuestionID: "q2"})
	buf.Write(Entry{Time: now, Message: "question answered", Component: "reply", QuestionID: "q1"})

	entries := buf.Query(Filter{QuestionID: "q1"})
	if len(entries) != 2 || entries[1].Message != "question answered" {
		t.Fatalf("q1 history = %v", entries)
	}
	if got := buf.Query(Filter{QuestionID: "q1", Component: "reply"}); len(got) != 1 {
		t.Fatalf("q1 reply entries = %v", got)
	}
}

func TestEntryLevelMarshalsAsText(t *testing.T) {
	data, err := json.Marshal(Entry{Level: slog.LevelWarn, Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"level":"WARN"`) {
		t.Fatalf("json = %s", data)
	}
}

func TestHandlerLiftsQuestionAndComponent(t *testing.T) {
	buf := New(10)
	logger := slog.New(NewHandler(slog.NewTextHandler(&discardWriter{}, nil), buf)).
		With("component", "asker")

	logger.With("question_id", "q-42").Info("question delivered", "target", "ada@example.com")
	logger.Warn("delivery failed", "error", errors.New("502"))

	entries := buf.Query(Filter{})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	e := entries[0]
	if e.Component != "asker" || e.QuestionID != "q-42" {
		t.Fatalf("lifted fields = %q, %q", e.Component, e.QuestionID)
	}
	if _, ok := e.Attrs["question_id"]; ok {
		t.Error("question_id should not be duplicated in attrs")
	}
	if e.Attrs["target"] != "ada@example.com" {
		t.Errorf("attrs = %v", e.Attrs)
	}
	if entries[1].Level != slog.LevelWarn || entries[1].Attrs["error"] != "502" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestHandlerFlattensGroups(t *testing.T) {
	buf := New(10)
	logger := slog.New(NewHandler(slog.NewTextHandler(&discardWriter{}, nil), buf))

	logger.WithGroup("slack").Info("connector started", slog.Group("auth", "bot_token", "xoxb-1", "team", "T1"))

	attrs := buf.Query(Filter{})[0].Attrs
	if attrs["slack.auth.team"] != "T1" {
		t.Errorf("attrs = %v", attrs)
	}
	if attrs["slack.auth.bot_token"] != redacted {
		t.Errorf("grouped token not redacted: %v", attrs)
	}
}

func TestHandlerCapturesAllLevels(t *testing.T) {
	buf := New(10)
	inner := slog.NewTextHandler(&discardWriter{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	handler := NewHandler(inner, buf)

	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected DEBUG to be enabled (buffer captures all)")
	}

	logger := slog.New(handler)
	logger.Debug("waiter registered")
	logger.Info("sweep complete")
	logger.Warn("waiter replaced")

	if got := len(buf.Query(Filter{})); got != 3 {
		t.Fatalf("expected 3 entries in buffer, got %d", got)
	}
}

func TestHandlerRedactsSecrets(t *testing.T) {
	buf := New(10)
	var out bytes.Buffer
	inner := slog.NewTextHandler(&out, &slog.HandlerOptions{ReplaceAttr: Redact})
	logger := slog.New(NewHandler(inner, buf)).With("bot_token", "xoxb-123")

	logger.Info("connector started", "connector", "slack", "Authorization", "Bearer abc", "password", "hunter2")

	entries := buf.Query(Filter{})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	attrs := entries[0].Attrs
	for _, key := range []string{"bot_token", "Authorization", "password"} {
		if attrs[key] != redacted {
			t.Errorf("buffer %s = %v, want redacted", key, attrs[key])
		}
	}
	if attrs["connector"] != "slack" {
		t.Errorf("connector = %v", attrs["connector"])
	}
	for _, secret := range []string{"xoxb-123", "Bearer abc", "hunter2"} {
		if strings.Contains(out.String(), secret) {
			t.Errorf("inner output leaked %q: %s", secret, out.String())
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"token", true},
		{"auth.access_token", true},
		{"client_secret", true},
		{"API_KEY", true},
		{"chat_id", false},
		{"connector", false},
		{"question_id", false},
	}
	for _, tt := range tests {
		if got := IsSecretKey(tt.key); got != tt.want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }
