package question

import (
	"context"
	"errors"
	"time"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

var (
	// ErrNotFound is returned when no question has the requested ID.
	ErrNotFound = errors.New("question not found")
	// ErrStatusConflict is returned by UpdateStatus when the row is no longer
	// in the expected status. Another writer already moved it.
	ErrStatusConflict = errors.New("question status conflict")
	// ErrInvalidTransition is returned for transitions other than pending → terminal.
	ErrInvalidTransition = errors.New("invalid question status transition")
)

// Store is the durable record of questions. Every terminal transition is a
// single-row conditional update, so a sweep and an inbound reply cannot both win.
type Store interface {
	// Insert creates a new question row.
	Insert(ctx context.Context, q *protocol.Question) error
	// Get returns a question by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*protocol.Question, error)
	// UpdateStatus moves a question from one status to another only if its
	// current status equals from. Reply fields are written for QuestionReplied.
	UpdateStatus(ctx context.Context, id string, from, to protocol.QuestionStatus, reply *Reply) error
	// SelectExpiredPending returns pending questions whose deadline is before now.
	SelectExpiredPending(ctx context.Context, now time.Time) ([]*protocol.Question, error)
	// LatestPendingForChannel returns the most recently created pending
	// question delivered to handle, or ErrNotFound.
	LatestPendingForChannel(ctx context.Context, handle protocol.ChannelHandle) (*protocol.Question, error)
	// List returns questions matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*protocol.Question, error)
	// Count returns the number of questions matching the filter.
	Count(ctx context.Context, filter Filter) (int, error)
}

// Reply carries the fields written by a transition to QuestionReplied.
type Reply struct {
	Text          string
	ResponderID   string
	ResponderName string
	RepliedAt     time.Time
}

// Filter constrains question list queries.
type Filter struct {
	Status   *protocol.QuestionStatus
	TargetID string // exact match on target identity
	AskerID  string // exact match on asking identity
	Limit    int    // 0 = no limit
}
