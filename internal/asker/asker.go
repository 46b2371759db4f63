// Package asker delivers a question to a coworker and waits for the answer.
package asker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/h1v3-io/coworker/internal/channel"
	"github.com/h1v3-io/coworker/internal/connector"
	"github.com/h1v3-io/coworker/internal/credential"
	"github.com/h1v3-io/coworker/internal/directory"
	"github.com/h1v3-io/coworker/internal/question"
	"github.com/h1v3-io/coworker/internal/ratelimit"
	"github.com/h1v3-io/coworker/pkg/protocol"
)

const (
	DefaultTimeout = 5 * time.Minute
	MinTimeout     = 10 * time.Second
	MaxTimeout     = 60 * time.Minute

	maxListLimit = 50
)

// Asking identity used when no signed-in account is known.
var anonymousAsker = protocol.Identity{ID: "mcp-agent", Email: "mcp-agent@local", DisplayName: "A coworker"}

// Gate hands out credential attempts.
type Gate interface {
	Acquire(onPrompt func(message string)) *credential.Attempt
}

// AccountSource reports who is asking, when known.
type AccountSource interface {
	Account() (protocol.Identity, bool)
}

// ChannelLookup finds where a person can be reached.
type ChannelLookup interface {
	GetChannel(ctx context.Context, identityID string) (protocol.ChannelHandle, error)
	GetChannelByEmail(ctx context.Context, email string) (protocol.ChannelHandle, error)
}

// QuestionStore is the part of the question store the service writes.
type QuestionStore interface {
	Insert(ctx context.Context, q *protocol.Question) error
	Get(ctx context.Context, id string) (*protocol.Question, error)
	UpdateStatus(ctx context.Context, id string, from, to protocol.QuestionStatus, reply *question.Reply) error
}

// Waiters is the correlation table.
type Waiters interface {
	Register(id string, timeout time.Duration) (<-chan *protocol.ReplyPayload, error)
	Cancel(id string) bool
}

// Deliverer sends a message to a channel.
type Deliverer interface {
	Deliver(ctx context.Context, handle protocol.ChannelHandle, msg connector.OutboundMessage) error
}

// Observer receives one result label per Ask.
type Observer interface {
	ObserveAsk(result string)
}

// Deps are the collaborators of a Service. Accounts, Limiter, Observer and
// Clock are optional.
type Deps struct {
	Gate      Gate
	Directory directory.Directory
	Channels  ChannelLookup
	Store     QuestionStore
	Waiters   Waiters
	Delivery  Deliverer
	Accounts  AccountSource
	Limiter   *ratelimit.Limiter
	Observer  Observer
	Clock     clock.Clock
}

// Config bounds requested timeouts. Zero values use the package defaults.
type Config struct {
	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
}

// AskInput is one ask_a_coworker call.
type AskInput struct {
	Question    string
	TargetEmail string
	Timeout     time.Duration // 0 = default
}

// Result is the outcome of a delivered question.
type Result struct {
	QuestionID  string                  `json:"question_id"`
	Status      protocol.QuestionStatus `json:"status"`
	Reply       string                  `json:"reply,omitempty"`
	Responder   string                  `json:"responder,omitempty"`
	ResponderID string                  `json:"responder_id,omitempty"`
}

// Service runs the ask lifecycle.
type Service struct {
	deps   Deps
	config Config
	logger *slog.Logger
}

// New creates a Service.
func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = MinTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = MaxTimeout
	}
	if cfg.MaxTimeout < cfg.MinTimeout {
		cfg.MaxTimeout = cfg.MinTimeout
	}
	return &Service{deps: deps, config: cfg, logger: logger}
}

// ClampTimeout applies the default and the configured bounds.
func (s *Service) ClampTimeout(d time.Duration) time.Duration {
	if d == 0 {
		d = s.config.DefaultTimeout
	}
	if d < s.config.MinTimeout {
		return s.config.MinTimeout
	}
	if d > s.config.MaxTimeout {
		return s.config.MaxTimeout
	}
	return d
}

// Ask delivers a question to the person behind in.TargetEmail and blocks
// until they answer, the timeout passes or the process shuts down.
//
// A timeout is a Result with Status QuestionTimedOut, not an error. If ctx
// ends first, ctx.Err() is returned and the question stays open until its
// deadline; a later answer is still recorded.
func (s *Service) Ask(ctx context.Context, in AskInput) (*Result, error) {
	res, err := s.ask(ctx, in)
	s.observe(res, err)
	return res, err
}

func (s *Service) ask(ctx context.Context, in AskInput) (*Result, error) {
	text := strings.TrimSpace(in.Question)
	if text == "" {
		return nil, newError(CodeInvalidInput, "question must not be empty", nil)
	}
	email, err := normalizeEmail(in.TargetEmail)
	if err != nil {
		return nil, newError(CodeInvalidInput, fmt.Sprintf("invalid target email %q", in.TargetEmail), err)
	}
	if in.Timeout < 0 {
		return nil, newError(CodeInvalidInput, "timeout must not be negative", nil)
	}
	timeout := s.ClampTimeout(in.Timeout)

	if !s.deps.Limiter.Allow(email, s.deps.Clock.Now()) {
		return nil, newError(CodeRateLimited, fmt.Sprintf("too many questions to %s, try again later", email), nil)
	}

	token, err := s.credential(ctx)
	if err != nil {
		return nil, err
	}

	target, err := s.deps.Directory.ResolveIdentity(ctx, token, email)
	if err != nil {
		return nil, newError(CodeTargetNotFound, fmt.Sprintf("could not look up %s", email), err)
	}
	if target == nil {
		return nil, newError(CodeTargetNotFound, fmt.Sprintf("User with email %s not found in the organization", email), nil)
	}
	if target.Email == "" {
		target.Email = email
	}

	handle, err := s.lookupChannel(ctx, target)
	if err != nil {
		return nil, err
	}

	asking := s.askingIdentity()
	now := s.deps.Clock.Now()
	q := &protocol.Question{
		ID:             uuid.NewString(),
		AskingIdentity: asking,
		TargetIdentity: *target,
		TargetChannel:  handle,
		Text:           text,
		Status:         protocol.QuestionPending,
		CreatedAt:      now,
		TimeoutAt:      now.Add(timeout),
	}
	if err := s.deps.Store.Insert(ctx, q); err != nil {
		return nil, newError(CodeStorageUnavailable, "could not record the question", err)
	}

	logger := s.logger.With("question_id", q.ID, "target", email, "channel", handle.Connector)

	replies, err := s.deps.Waiters.Register(q.ID, timeout)
	if err != nil {
		s.close(q.ID, logger)
		return nil, fmt.Errorf("asker: register waiter: %w", err)
	}

	card := &connector.QuestionCard{QuestionID: q.ID, AskerName: asking.DisplayName, Text: text}
	if err := s.deps.Delivery.Deliver(ctx, handle, connector.OutboundMessage{Question: card}); err != nil {
		s.deps.Waiters.Cancel(q.ID)
		s.close(q.ID, logger)
		logger.Error("question delivery failed", "error", err)
		return nil, newError(CodeDeliveryFailed, fmt.Sprintf("Failed to send message to user: %v", err), err)
	}
	logger.Info("question delivered, waiting for reply", "timeout", timeout)

	select {
	case p := <-replies:
		if p != nil {
			logger.Info("question answered", "responder", p.ResponderID)
			return &Result{
				QuestionID:  q.ID,
				Status:      protocol.QuestionReplied,
				Reply:       p.Text,
				Responder:   p.ResponderName,
				ResponderID: p.ResponderID,
			}, nil
		}
		return s.settleWithoutReply(q, logger), nil
	case <-ctx.Done():
		logger.Info("caller stopped waiting", "error", ctx.Err())
		return nil, ctx.Err()
	}
}

// settleWithoutReply handles a waiter that ended without a payload: the timer
// fired, the table shut down, or the waiter was superseded. The row is closed
// in every case so a later reply cannot contradict what the caller was told.
// A reply recorded just before the close wins.
func (s *Service) settleWithoutReply(q *protocol.Question, logger *slog.Logger) *Result {
	res := &Result{QuestionID: q.ID, Status: protocol.QuestionTimedOut}
	if s.deps.Clock.Now().Before(q.TimeoutAt) {
		logger.Info("question wait ended before deadline")
	}

	ctx := context.Background()
	err := s.deps.Store.UpdateStatus(ctx, q.ID, protocol.QuestionPending, protocol.QuestionTimedOut, nil)
	switch {
	case err == nil:
		logger.Info("question timed out")
	case errors.Is(err, question.ErrStatusConflict):
		stored, gerr := s.deps.Store.Get(ctx, q.ID)
		if gerr == nil && stored.Status == protocol.QuestionReplied {
			logger.Info("reply recorded at the deadline")
			return &Result{
				QuestionID:  q.ID,
				Status:      protocol.QuestionReplied,
				Reply:       stored.ReplyText,
				Responder:   stored.ResponderName,
				ResponderID: stored.ResponderID,
			}
		}
	default:
		logger.Warn("could not mark question timed out; sweeper will retry", "error", err)
	}
	return res
}

// credential acquires a directory token through the gate.
func (s *Service) credential(ctx context.Context) (string, error) {
	token, prompt, err := credential.Await(ctx, s.deps.Gate.Acquire(nil))
	switch {
	case ctx.Err() != nil:
		return "", ctx.Err()
	case prompt != "":
		return "", newError(CodeAuthRequired, prompt, nil)
	case err != nil:
		return "", newError(CodeAuthFailed, "Failed to acquire user token for directory access", err)
	}
	return token, nil
}

func (s *Service) lookupChannel(ctx context.Context, target *protocol.Identity) (protocol.ChannelHandle, error) {
	handle, err := s.deps.Channels.GetChannel(ctx, target.ID)
	if errors.Is(err, channel.ErrNotRegistered) {
		handle, err = s.deps.Channels.GetChannelByEmail(ctx, target.Email)
	}
	if errors.Is(err, channel.ErrNotRegistered) {
		name := target.DisplayName
		if name == "" {
			name = target.Email
		}
		return protocol.ChannelHandle{}, newError(CodeChannelNotRegistered,
			fmt.Sprintf("Bot is not installed for user %s (%s). The user needs to install the bot first.", name, target.Email), nil)
	}
	if err != nil {
		return protocol.ChannelHandle{}, newError(CodeStorageUnavailable, "could not read channel registrations", err)
	}
	return handle, nil
}

func (s *Service) askingIdentity() protocol.Identity {
	if s.deps.Accounts != nil {
		if acct, ok := s.deps.Accounts.Account(); ok {
			if acct.DisplayName == "" {
				acct.DisplayName = firstNonEmpty(acct.Email, anonymousAsker.DisplayName)
			}
			return acct
		}
	}
	return anonymousAsker
}

// close marks a question that will never be answered as timed out.
func (s *Service) close(id string, logger *slog.Logger) {
	err := s.deps.Store.UpdateStatus(context.Background(), id, protocol.QuestionPending, protocol.QuestionTimedOut, nil)
	if err != nil && !errors.Is(err, question.ErrStatusConflict) {
		logger.Warn("could not close undelivered question", "error", err)
	}
}

// ListPeople searches the directory with the same credential as Ask.
func (s *Service) ListPeople(ctx context.Context, query string, limit int) ([]protocol.Person, error) {
	if limit <= 0 {
		limit = directory.DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	token, err := s.credential(ctx)
	if err != nil {
		return nil, err
	}
	people, err := s.deps.Directory.ListPeople(ctx, token, strings.TrimSpace(query), limit)
	if err != nil {
		return nil, fmt.Errorf("asker: list people: %w", err)
	}
	return people, nil
}

func (s *Service) observe(res *Result, err error) {
	if s.deps.Observer == nil {
		return
	}
	switch {
	case err == nil:
		s.deps.Observer.ObserveAsk(string(res.Status))
	case CodeOf(err) != "":
		s.deps.Observer.ObserveAsk(strings.ToLower(string(CodeOf(err))))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.deps.Observer.ObserveAsk("abandoned")
	default:
		s.deps.Observer.ObserveAsk("error")
	}
}

func normalizeEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	if addr.Address != s || !strings.Contains(addr.Address, "@") {
		return "", fmt.Errorf("not a bare email address")
	}
	return strings.ToLower(addr.Address), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
