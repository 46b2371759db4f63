// Package reply turns inbound chat events into answers for pending questions.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/h1v3-io/coworker/internal/channel"
	"github.com/h1v3-io/coworker/internal/connector"
	"github.com/h1v3-io/coworker/internal/question"
	"github.com/h1v3-io/coworker/pkg/protocol"
)

// Notices sent back to the person who answered.
const (
	NoticeThanksCard = "Thanks for your answer! It has been sent back to the requester."
	NoticeThanks     = "Thanks for your answer!"
	NoticeEmpty      = "It looks like your answer was empty. Please try again."
	NoticeClosed     = "That question is already closed, so your answer was not delivered."
	NoticeUnknown    = "I couldn't find that question. It may have been removed."
	NoticeRegistered = "You're all set. Questions from coworkers' agents will arrive here."
	NoticeNeedEmail  = "I couldn't tell which work email this chat belongs to, so it was not registered."
)

// Store is the part of the question store the handler writes to.
type Store interface {
	UpdateStatus(ctx context.Context, id string, from, to protocol.QuestionStatus, reply *question.Reply) error
	LatestPendingForChannel(ctx context.Context, handle protocol.ChannelHandle) (*protocol.Question, error)
}

// Resolver wakes the caller waiting on a question.
type Resolver interface {
	Resolve(id string, payload protocol.ReplyPayload) bool
}

// Notifier sends short acknowledgements back to the chat.
type Notifier interface {
	Deliver(ctx context.Context, handle protocol.ChannelHandle, msg connector.OutboundMessage) error
}

// Handler dispatches inbound messages from every connector.
type Handler struct {
	store    Store
	waiters  Resolver
	channels channel.Registry
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a reply handler. clk may be nil for the wall clock.
func New(store Store, waiters Resolver, channels channel.Registry, notifier Notifier, clk clock.Clock, logger *slog.Logger) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    store,
		waiters:  waiters,
		channels: channels,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
	}
}

// Handle implements connector.InboundHandler.
//
// An answer is written durably before the waiting caller is woken, so the
// stored row is already terminal when the caller returns. Only storage
// failures are returned; everything else is answered with a notice.
func (h *Handler) Handle(ctx context.Context, msg connector.InboundMessage) error {
	handle := protocol.ChannelHandle{Connector: msg.Channel, ChatID: msg.ChatID}

	switch msg.Kind {
	case connector.KindSubmit:
		if strings.TrimSpace(msg.Content) == "" {
			h.notify(ctx, handle, NoticeEmpty)
			return nil
		}
		return h.answer(ctx, handle, msg.QuestionID, msg, NoticeThanksCard)

	case connector.KindRegister:
		if msg.SenderEmail == "" && msg.SenderID == "" {
			h.notify(ctx, handle, NoticeNeedEmail)
			return nil
		}
		if err := h.register(ctx, handle, msg); err != nil {
			return err
		}
		h.notify(ctx, handle, NoticeRegistered)
		return nil

	case connector.KindMessage, "":
		if strings.TrimSpace(msg.Content) == "" {
			return nil
		}
		q, err := h.store.LatestPendingForChannel(ctx, handle)
		if errors.Is(err, question.ErrNotFound) {
			// Not an answer; keep the registration fresh.
			if msg.SenderID == "" {
				return nil
			}
			return h.register(ctx, handle, msg)
		}
		if err != nil {
			return fmt.Errorf("reply: find pending question: %w", err)
		}
		return h.answer(ctx, handle, q.ID, msg, NoticeThanks)

	default:
		h.logger.Warn("ignoring inbound message of unknown kind", "kind", msg.Kind, "channel", msg.Channel)
		return nil
	}
}

func (h *Handler) answer(ctx context.Context, handle protocol.ChannelHandle, id string, msg connector.InboundMessage, thanks string) error {
	text := strings.TrimSpace(msg.Content)
	err := h.store.UpdateStatus(ctx, id, protocol.QuestionPending, protocol.QuestionReplied, &question.Reply{
		Text:          text,
		ResponderID:   msg.SenderID,
		ResponderName: msg.SenderName,
		RepliedAt:     h.clock.Now(),
	})
	switch {
	case errors.Is(err, question.ErrStatusConflict):
		h.logger.Info("reply arrived after question closed", "question_id", id, "responder", msg.SenderID)
		h.notify(ctx, handle, NoticeClosed)
		return nil
	case errors.Is(err, question.ErrNotFound):
		h.logger.Warn("reply for unknown question", "question_id", id, "responder", msg.SenderID)
		h.notify(ctx, handle, NoticeUnknown)
		return nil
	case err != nil:
		return fmt.Errorf("reply: record answer for %s: %w", id, err)
	}

	woke := h.waiters.Resolve(id, protocol.ReplyPayload{
		Text:          text,
		ResponderID:   msg.SenderID,
		ResponderName: msg.SenderName,
	})
	h.logger.Info("question answered",
		"question_id", id,
		"responder", msg.SenderID,
		"channel", handle.Connector,
		"caller_waiting", woke,
	)
	h.notify(ctx, handle, thanks)
	return nil
}

func (h *Handler) register(ctx context.Context, handle protocol.ChannelHandle, msg connector.InboundMessage) error {
	err := h.channels.PutChannel(ctx, channel.Registration{
		IdentityID: msg.SenderID,
		Email:      msg.SenderEmail,
		Handle:     handle,
		UpdatedAt:  h.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("reply: register channel: %w", err)
	}
	h.logger.Debug("channel registered",
		"sender", msg.SenderID,
		"email", msg.SenderEmail,
		"channel", handle.Connector,
		"chat_id", handle.ChatID,
	)
	return nil
}

func (h *Handler) notify(ctx context.Context, handle protocol.ChannelHandle, text string) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Deliver(ctx, handle, connector.OutboundMessage{Content: text}); err != nil {
		h.logger.Warn("notice not delivered", "channel", handle.Connector, "chat_id", handle.ChatID, "error", err)
	}
}
