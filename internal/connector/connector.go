package connector

import (
	"context"
	"fmt"
)

// Connector is the interface for messaging platforms that carry questions to
// people and their replies back (Slack, Telegram, webhook relays).
type Connector interface {
	// Name returns the connector name used in channel handles (e.g. "slack").
	Name() string
	// Start begins listening for inbound messages. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
	// Send delivers an outbound message to a chat on the platform.
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundMessage is a message sent to a person.
type OutboundMessage struct {
	ChatID   string        // Platform-specific chat identifier
	Content  string        // Message text (Markdown); used when Question is nil
	Question *QuestionCard // Renders a question card instead of Content
}

// QuestionCard is the content of a delivered question.
type QuestionCard struct {
	QuestionID string
	AskerName  string
	Text       string // Markdown
}

// PlainText renders the card for platforms without rich layouts.
func (q QuestionCard) PlainText() string {
	asker := q.AskerName
	if asker == "" {
		asker = "A coworker"
	}
	return fmt.Sprintf("New Question\n%s needs your help with the following question:\n\n%s\n\nReply to this message to answer.", asker, q.Text)
}

// InboundKind classifies an inbound message.
type InboundKind string

const (
	// KindMessage is free text in a chat; it answers the latest open question there.
	KindMessage InboundKind = "message"
	// KindSubmit is a reply submitted from a question card; QuestionID is set.
	KindSubmit InboundKind = "submit"
	// KindRegister asks to record the chat as the sender's reachable channel.
	KindRegister InboundKind = "register"
)

// InboundMessage is a message received from a platform.
type InboundMessage struct {
	Kind        InboundKind
	Channel     string // Connector name (e.g., "telegram")
	SenderID    string // Platform-specific sender identifier
	SenderName  string
	SenderEmail string // Known for registrations; may be empty otherwise
	ChatID      string // Platform-specific chat identifier
	QuestionID  string // Set for KindSubmit
	Content     string // Message text
}

// InboundHandler processes messages received from platforms.
type InboundHandler func(ctx context.Context, msg InboundMessage) error
