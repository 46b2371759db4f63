package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

// ErrUnknownConnector is returned by Deliver for a handle naming no registered connector.
var ErrUnknownConnector = errors.New("unknown connector")

// Permanent marks a Send error that retrying cannot fix (bad chat id, blocked bot).
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// DeliveryObserver is notified once per Deliver call.
type DeliveryObserver interface {
	ObserveDelivery(connector string, err error)
}

// Router dispatches outbound messages to connectors by name.
type Router struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	logger     *slog.Logger

	// MaxRetries bounds the retries after the first failed Send.
	MaxRetries uint64
	// InitialInterval is the first retry delay; later delays grow exponentially.
	InitialInterval time.Duration
	// Observer, if set, receives delivery outcomes.
	Observer DeliveryObserver
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		connectors:      make(map[string]Connector),
		logger:          logger,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
	}
}

// Add registers a connector under its Name.
func (r *Router) Add(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// Get returns the connector registered as name.
func (r *Router) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns registered connector names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deliver sends msg to the chat named by handle, retrying transient failures
// with exponential backoff until MaxRetries or ctx ends.
func (r *Router) Deliver(ctx context.Context, handle protocol.ChannelHandle, msg OutboundMessage) error {
	c, ok := r.Get(handle.Connector)
	if !ok {
		err := fmt.Errorf("deliver to %s/%s: %w", handle.Connector, handle.ChatID, ErrUnknownConnector)
		r.observe(handle.Connector, err)
		return err
	}
	msg.ChatID = handle.ChatID

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxElapsedTime = 0 // bounded by MaxRetries and ctx

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return c.Send(ctx, msg)
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			r.logger.Warn("delivery failed, retrying",
				"connector", handle.Connector, "chat_id", handle.ChatID,
				"attempt", attempt, "wait", wait, "error", err)
		})

	r.observe(handle.Connector, err)
	if err != nil {
		return fmt.Errorf("deliver to %s/%s: %w", handle.Connector, handle.ChatID, err)
	}
	return nil
}

// Run starts every connector and blocks until ctx is cancelled or one fails.
func (r *Router) Run(ctx context.Context) error {
	r.mu.RLock()
	conns := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			r.logger.Info("starting connector", "connector", c.Name())
			err := c.Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("connector %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	<-ctx.Done()
	for _, c := range conns {
		if err := c.Stop(); err != nil {
			r.logger.Warn("connector stop failed", "connector", c.Name(), "error", err)
		}
	}
	return g.Wait()
}

func (r *Router) observe(name string, err error) {
	if r.Observer != nil {
		r.Observer.ObserveDelivery(name, err)
	}
}
