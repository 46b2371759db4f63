package protocol

import "time"

// QuestionStatus represents the lifecycle state of a question.
// A question leaves QuestionPending exactly once.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionReplied  QuestionStatus = "replied"
	QuestionTimedOut QuestionStatus = "timed_out"
)

// Terminal reports whether no further transition is allowed from s.
func (s QuestionStatus) Terminal() bool {
	return s == QuestionReplied || s == QuestionTimedOut
}

// Valid reports whether s is a known status.
func (s QuestionStatus) Valid() bool {
	return s == QuestionPending || s.Terminal()
}

// Identity is a person known to the directory.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// ChannelHandle tells a connector where to deliver a message.
type ChannelHandle struct {
	Connector string `json:"connector"` // e.g. "slack", "telegram", "webhook:teams"
	ChatID    string `json:"chat_id"`
}

// IsZero reports whether the handle carries no destination.
func (h ChannelHandle) IsZero() bool {
	return h.Connector == "" || h.ChatID == ""
}

// Question is a single asked-and-awaited unit of work.
type Question struct {
	ID             string         `json:"id"`
	AskingIdentity Identity       `json:"asking"`
	TargetIdentity Identity       `json:"target"`
	TargetChannel  ChannelHandle  `json:"target_channel"`
	Text           string         `json:"text"`
	Status         QuestionStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	TimeoutAt      time.Time      `json:"timeout_at"`
	ReplyText      string         `json:"reply_text,omitempty"`
	ResponderID    string         `json:"responder_id,omitempty"`
	ResponderName  string         `json:"responder_name,omitempty"`
	RepliedAt      *time.Time     `json:"replied_at,omitempty"`
}

// Expired reports whether the deadline has passed at now while the question
// is still pending.
func (q *Question) Expired(now time.Time) bool {
	return q.Status == QuestionPending && q.TimeoutAt.Before(now)
}

// ReplyPayload is the answer produced by an inbound reply.
type ReplyPayload struct {
	Text          string `json:"text"`
	ResponderID   string `json:"responder_id"`
	ResponderName string `json:"responder_name"`
}

// Person is a directory entry returned when listing people.
type Person struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Title      string `json:"title,omitempty"`
	Department string `json:"department,omitempty"`
}
