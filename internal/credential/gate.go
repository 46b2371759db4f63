// Package credential acquires bearer tokens on behalf of the asking user.
//
// A Gate collapses concurrent callers into one in-flight Attempt. An attempt
// tries the Source's silent path first and falls back to its interactive path,
// which may need the user to act (for example open a URL and enter a code).
// The instruction is broadcast to every subscriber as soon as it is known,
// while the attempt itself settles only with a final token or with none.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNoCachedCredential is returned by Source.Silent when nothing usable is cached.
	ErrNoCachedCredential = errors.New("credential: no cached credential")
	// ErrInteractiveFlowDisabled is returned by Source.Interactive when the
	// identity provider refuses the interactive flow for this application.
	ErrInteractiveFlowDisabled = errors.New("credential: interactive flow not allowed for this application")
	// ErrNoCredential is reported when an attempt settles without a token.
	ErrNoCredential = errors.New("credential: no credential acquired")
)

// RemediationMessage is broadcast when the interactive flow is disabled.
const RemediationMessage = `Error: The Entra ID application registration does not have "Allow public client flows" enabled. ` +
	`Please go to the Azure Portal -> Entra ID -> App Registrations -> Your App -> Authentication -> ` +
	`Advanced settings -> set "Allow public client flows" to Yes, and save.`

// DefaultAttemptTimeout bounds a single attempt, including the time a user
// takes to complete an interactive prompt.
const DefaultAttemptTimeout = 15 * time.Minute

// Source produces tokens.
type Source interface {
	// Silent returns a cached or refreshed token, or ErrNoCachedCredential.
	Silent(ctx context.Context) (string, error)
	// Interactive runs a flow that needs the user. prompt is called with a
	// human-readable instruction as soon as the user has to act.
	Interactive(ctx context.Context, prompt func(message string)) (string, error)
}

// Gate shares one in-flight Attempt among concurrent callers.
type Gate struct {
	source  Source
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	inflight *Attempt
}

// NewGate creates a gate over source. A non-positive timeout uses DefaultAttemptTimeout.
func NewGate(source Source, timeout time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &Gate{source: source, timeout: timeout, logger: logger}
}

// Acquire joins the attempt in flight or starts a new one. onPrompt, if not
// nil, is called at most once with the prompt message; if the prompt is
// already known it is called before Acquire returns.
func (g *Gate) Acquire(onPrompt func(message string)) *Attempt {
	g.mu.Lock()
	a := g.inflight
	if a == nil {
		a = newAttempt()
		g.inflight = a
		go g.run(a)
	} else {
		g.logger.Debug("joining credential attempt in flight")
	}
	g.mu.Unlock()

	if onPrompt != nil {
		a.subscribe(onPrompt)
	}
	return a
}

func (g *Gate) run(a *Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	token, err := g.acquire(ctx, a)

	g.mu.Lock()
	if g.inflight == a {
		g.inflight = nil
	}
	g.mu.Unlock()

	a.settle(token, err)
}

func (g *Gate) acquire(ctx context.Context, a *Attempt) (string, error) {
	token, err := g.source.Silent(ctx)
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, ErrNoCachedCredential) {
		g.logger.Warn("silent token acquisition failed, falling back to interactive", "error", err)
	}

	token, err = g.source.Interactive(ctx, func(message string) {
		g.logger.Info("credential prompt issued", "message", message)
		a.firePrompt(message)
	})
	if errors.Is(err, ErrInteractiveFlowDisabled) {
		g.logger.Error("interactive credential flow rejected", "error", err)
		a.firePrompt(RemediationMessage)
		return "", err
	}
	if err != nil {
		g.logger.Error("interactive credential flow failed", "error", err)
		return "", err
	}
	return token, nil
}

// Attempt is a single-assignment token result with a prompt side channel.
type Attempt struct {
	mu          sync.Mutex
	prompt      string
	prompted    chan struct{}
	subscribers []func(string)

	done  chan struct{}
	token string
	err   error
}

func newAttempt() *Attempt {
	return &Attempt{
		prompted: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Done is closed when the attempt settles.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Prompted is closed when a prompt message becomes known.
func (a *Attempt) Prompted() <-chan struct{} { return a.prompted }

// Token returns the acquired token; empty until Done and when none was acquired.
func (a *Attempt) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Err returns why no token was acquired, if known.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Prompt returns the prompt message, if one was issued.
func (a *Attempt) Prompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prompt
}

func (a *Attempt) subscribe(fn func(string)) {
	a.mu.Lock()
	if a.prompt != "" {
		p := a.prompt
		a.mu.Unlock()
		fn(p)
		return
	}
	a.subscribers = append(a.subscribers, fn)
	a.mu.Unlock()
}

// firePrompt records the first prompt and notifies subscribers. Later prompts are dropped.
func (a *Attempt) firePrompt(message string) {
	a.mu.Lock()
	if a.prompt != "" || message == "" {
		a.mu.Unlock()
		return
	}
	a.prompt = message
	subs := a.subscribers
	a.subscribers = nil
	close(a.prompted)
	a.mu.Unlock()

	for _, fn := range subs {
		fn(message)
	}
}

func (a *Attempt) settle(token string, err error) {
	a.mu.Lock()
	a.token = token
	a.err = err
	a.subscribers = nil
	a.mu.Unlock()
	close(a.done)
}

// Await waits until the attempt settles or a prompt is issued, whichever is
// first. It returns the token when one was acquired, otherwise the prompt
// message when there is one, otherwise an error.
func Await(ctx context.Context, a *Attempt) (token, prompt string, err error) {
	select {
	case <-a.Done():
	case <-a.Prompted():
	case <-ctx.Done():
		return "", "", ctx.Err()
	}

	select {
	case <-a.Done():
		if t := a.Token(); t != "" {
			return t, "", nil
		}
	default:
	}
	if p := a.Prompt(); p != "" {
		return "", p, nil
	}
	if err := a.Err(); err != nil {
		return "", "", errors.Join(ErrNoCredential, err)
	}
	return "", "", ErrNoCredential
}
