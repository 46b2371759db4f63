// Package correlation tracks in-flight questions and settles each one exactly once.
//
// A waiter is settled by whichever of reply, timer, cancel, overwrite or
// shutdown reaches the table first. Every trigger goes through settleLocked,
// so later arrivals for the same id find no waiter and do nothing.
package correlation

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

var (
	// ErrInvalidTimeout is returned by Register for a non-positive timeout.
	ErrInvalidTimeout = errors.New("correlation: timeout must be positive")
	// ErrClosed is returned by Register after Shutdown.
	ErrClosed = errors.New("correlation: table is shut down")
)

// Outcome labels how a waiter was settled.
type Outcome string

const (
	OutcomeReplied     Outcome = "replied"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeOverwritten Outcome = "overwritten"
	OutcomeShutdown    Outcome = "shutdown"
)

// Observer is notified after every settlement, outside the table lock.
type Observer interface {
	ObserveSettlement(outcome Outcome)
}

type waiter struct {
	ch    chan *protocol.ReplyPayload
	timer *clock.Timer
}

// Table maps question IDs to pending waiters.
type Table struct {
	mu      sync.Mutex
	clock   clock.Clock
	waiters map[string]*waiter
	closed  bool
	logger  *slog.Logger

	// Observer, if set before the table is used, receives settlement outcomes.
	Observer Observer
}

// New creates an empty table. clk may be nil for the wall clock.
func New(clk clock.Clock, logger *slog.Logger) *Table {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		clock:   clk,
		waiters: make(map[string]*waiter),
		logger:  logger,
	}
}

// Register installs a waiter for id that expires after timeout.
//
// The returned channel receives exactly one value and is then closed: the
// reply payload, or nil when the waiter timed out, was cancelled, was
// replaced by a later Register for the same id, or the table shut down.
// An existing waiter for id is settled with nil before the new one is installed.
func (t *Table) Register(id string, timeout time.Duration) (<-chan *protocol.ReplyPayload, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}

	overwritten := false
	if old, ok := t.waiters[id]; ok {
		t.settleLocked(id, old, nil)
		overwritten = true
	}

	w := &waiter{ch: make(chan *protocol.ReplyPayload, 1)}
	// The callback cannot observe a half-built waiter: it needs t.mu, which we hold.
	w.timer = t.clock.AfterFunc(timeout, func() { t.expire(id, w) })
	t.waiters[id] = w
	t.mu.Unlock()

	if overwritten {
		t.logger.Warn("waiter replaced", "question_id", id)
		t.observe(OutcomeOverwritten)
	}
	t.logger.Debug("waiter registered", "question_id", id, "timeout", timeout)
	return w.ch, nil
}

// Resolve settles the waiter for id with payload. It reports whether a waiter
// was settled; unknown or already-settled ids are ignored.
func (t *Table) Resolve(id string, payload protocol.ReplyPayload) bool {
	p := payload
	return t.settle(id, &p, OutcomeReplied)
}

// Cancel settles the waiter for id with nil. Same contract as Resolve.
func (t *Table) Cancel(id string) bool {
	return t.settle(id, nil, OutcomeCancelled)
}

// PendingCount returns the number of live waiters.
func (t *Table) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// Shutdown settles every live waiter with nil and rejects further registrations.
func (t *Table) Shutdown() {
	t.mu.Lock()
	n := len(t.waiters)
	for id, w := range t.waiters {
		t.settleLocked(id, w, nil)
	}
	t.closed = true
	t.mu.Unlock()

	for i := 0; i < n; i++ {
		t.observe(OutcomeShutdown)
	}
	t.logger.Info("correlation table shut down", "released", n)
}

func (t *Table) settle(id string, payload *protocol.ReplyPayload, outcome Outcome) bool {
	t.mu.Lock()
	w, ok := t.waiters[id]
	if ok {
		t.settleLocked(id, w, payload)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("no waiter to settle", "question_id", id, "outcome", outcome)
		return false
	}
	t.observe(outcome)
	return true
}

// expire is the timer callback. A timer only settles the waiter it was created
// for; a replacement registered under the same id is left alone.
func (t *Table) expire(id string, w *waiter) {
	t.mu.Lock()
	current, ok := t.waiters[id]
	if !ok || current != w {
		t.mu.Unlock()
		return
	}
	t.settleLocked(id, w, nil)
	t.mu.Unlock()

	t.logger.Info("waiter timed out", "question_id", id)
	t.observe(OutcomeTimedOut)
}

// settleLocked is the single settle-and-remove primitive. Caller holds t.mu.
func (t *Table) settleLocked(id string, w *waiter, payload *protocol.ReplyPayload) {
	delete(t.waiters, id)
	w.timer.Stop()
	w.ch <- payload
	close(w.ch)
}

func (t *Table) observe(outcome Outcome) {
	if t.Observer != nil {
		t.Observer.ObserveSettlement(outcome)
	}
}
