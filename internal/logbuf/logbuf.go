// Package logbuf keeps recent log records in memory for /api/logs.
package logbuf

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record. The component and question_id
// attributes are lifted out of Attrs so a single question can be traced.
type Entry struct {
	Time       time.Time      `json:"time"`
	Level      slog.Level     `json:"level"`
	Message    string         `json:"message"`
	Component  string         `json:"component,omitempty"`
	QuestionID string         `json:"question_id,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Since      time.Time
	MinLevel   slog.Leveler // nil matches every level
	Component  string
	QuestionID string
	Limit      int // keep only the newest Limit matches
}

func (f Filter) match(e Entry) bool {
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.MinLevel != nil && e.Level < f.MinLevel.Level() {
		return false
	}
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.QuestionID != "" && e.QuestionID != f.QuestionID {
		return false
	}
	return true
}

// Buffer is a fixed-size ring of entries, safe for concurrent use.
type Buffer struct {
	mu   sync.Mutex
	ring []Entry
	next int
	full bool
}

// New creates a buffer holding the newest size entries.
func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{ring: make([]Entry, size)}
}

// Write stores e, dropping the oldest entry when the ring is full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.next] = e
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.ring)
	}
	return b.next
}

// Query returns the entries matching f, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	var out []Entry
	collect := func(entries []Entry) {
		for _, e := range entries {
			if f.match(e) {
				out = append(out, e)
			}
		}
	}
	if b.full {
		collect(b.ring[b.next:])
	}
	collect(b.ring[:b.next])
	b.mu.Unlock()

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
