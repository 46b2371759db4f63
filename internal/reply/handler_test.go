package reply

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/coworker/internal/channel"
	"github.com/h1v3-io/coworker/internal/connector"
	"github.com/h1v3-io/coworker/internal/correlation"
	"github.com/h1v3-io/coworker/internal/question"
	"github.com/h1v3-io/coworker/pkg/protocol"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *fakeNotifier) Deliver(_ context.Context, _ protocol.ChannelHandle, msg connector.OutboundMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg.Content)
	return nil
}

func (n *fakeNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return ""
	}
	return n.sent[len(n.sent)-1]
}

type fixture struct {
	store    *question.SQLiteStore
	channels *channel.SQLiteRegistry
	table    *correlation.Table
	notifier *fakeNotifier
	clock    *clock.Mock
	handler  *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := question.NewSQLiteStore(filepath.Join(t.TempDir(), "coworker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	channels, err := channel.NewSQLiteRegistry(store.DB())
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	table := correlation.New(clk, nil)
	t.Cleanup(table.Shutdown)

	n := &fakeNotifier{}
	return &fixture{
		store:    store,
		channels: channels,
		table:    table,
		notifier: n,
		clock:    clk,
		handler:  New(store, table, channels, n, clk, nil),
	}
}

func (f *fixture) ask(t *testing.T, id string, handle protocol.ChannelHandle) <-chan *protocol.ReplyPayload {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.store.Insert(context.Background(), &protocol.Question{
		ID:             id,
		AskingIdentity: protocol.Identity{ID: "asker", DisplayName: "Bob"},
		TargetIdentity: protocol.Identity{ID: "U1", Email: "ada@example.com"},
		TargetChannel:  handle,
		Text:           "Is the release frozen?",
		Status:         protocol.QuestionPending,
		CreatedAt:      now,
		TimeoutAt:      now.Add(5 * time.Minute),
	}))
	ch, err := f.table.Register(id, 5*time.Minute)
	require.NoError(t, err)
	f.clock.Add(time.Second)
	return ch
}

func receive(t *testing.T, ch <-chan *protocol.ReplyPayload) *protocol.ReplyPayload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not settled")
		return nil
	}
}

func TestHandle_SubmitResolvesAndRecords(t *testing.T) {
	f := newFixture(t)
	handle := protocol.ChannelHandle{Connector: "slack", ChatID: "D1"}
	ch := f.ask(t, "q1", handle)

	err := f.handler.Handle(context.Background(), connector.InboundMessage{
		Kind:       connector.KindSubmit,
		Channel:    "slack",
		ChatID:     "D1",
		SenderID:   "U1",
		SenderName: "Ada",
		QuestionID: "q1",
		Content:    "  Yes, until Friday.  ",
	})
	require.NoError(t, err)

	p := receive(t, ch)
	require.NotNil(t, p)
	require.Equal(t, protocol.ReplyPayload{Text: "Yes, until Friday.", ResponderID: "U1", ResponderName: "Ada"}, *p)

	q, err := f.store.Get(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, protocol.QuestionReplied, q.Status)
	require.Equal(t, "Yes, until Friday.", q.ReplyText)
	require.NotNil(t, q.RepliedAt)
	require.Equal(t, NoticeThanksCard, f.notifier.last())
}

func TestHandle_EmptySubmit(t *testing.T) {
	f := newFixture(t)
	f.ask(t, "q1", protocol.ChannelHandle{Connector: "slack", ChatID: "D1"})

	err := f.handler.Handle(context.Background(), connector.InboundMessage{
		Kind: connector.KindSubmit, Channel: "slack", ChatID: "D1", QuestionID: "q1", Content: "   ",
	})
	require.NoError(t, err)
	require.Equal(t, NoticeEmpty, f.notifier.last())
	require.Equal(t, 1, f.table.PendingCount())

	q, err := f.store.Get(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, protocol.QuestionPending, q.Status)
}

func TestHandle_TextReplyAnswersLatestPending(t *testing.T) {
	f := newFixture(t)
	handle := protocol.ChannelHandle{Connector: "telegram", ChatID: "42"}
	older := f.ask(t, "q-old", handle)
	newer := f.ask(t, "q-new", handle)

	err := f.handler.Handle(context.Background(), connector.InboundMessage{
		Kind: connector.KindMessage, Channel: "telegram", ChatID: "42", SenderID: "7", SenderName: "Ada", Content: "42 ms",
	})
	require.NoError(t, err)

	p := receive(t, newer)
	require.NotNil(t, p)
	require.Equal(t, "42 ms", p.Text)
	require.Equal(t, NoticeThanks, f.notifier.last())

	select {
	case <-older:
		t.Fatal("older question should still be waiting")
	default:
	}
	q, err := f.store.Get(context.Background(), "q-old")
	require.NoError(t, err)
	require.Equal(t, protocol.QuestionPending, q.Status)
}

func TestHandle_ReplyAfterTimeoutIsRejected(t *testing.T) {
	f := newFixture(t)
	handle := protocol.ChannelHandle{Connector: "slack", ChatID: "D1"}
	f.ask(t, "q1", handle)
	require.NoError(t, f.store.UpdateStatus(context.Background(), "q1", protocol.QuestionPending, protocol.QuestionTimedOut, nil))
	f.table.Cancel("q1")

	err := f.handler.Handle(context.Background(), connector.InboundMessage{
		Kind: connector.KindSubmit, Channel: "slack", ChatID: "D1", QuestionID: "q1", Content: "late",
	})
	require.NoError(t, err)
	require.Equal(t, NoticeClosed, f.notifier.last())

	q, err := f.store.Get(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, protocol.QuestionTimedOut, q.Status)
	require.Empty(t, q.ReplyText)
}

func TestHandle_SubmitUnknownQuestion(t *testing.T) {
	f := newFixture(t)

	err := f.handler.Handle(context.Background(), connector.InboundMessage{
		Kind: connector.KindSubmit, Channel: "slack", ChatID: "D1", QuestionID: "missing", Content: "hi",
	})
	require.NoError(t, err)
	require.Equal(t, NoticeUnknown, f.notifier.last())
}

func TestHandle_ReplyWithoutWaiterStillRecorded(t *testing.T) {
	f := newFixture(t)
	f.ask(t, "q1", protocol.ChannelHandle{Connector: "slack", ChatID: "D1"})
	// The process that asked is gone; only the durable row remains.
	f.table.Cancel("q1")

	err := f.handler.Handle(context.Background(), connector.InboundMessage{
		Kind: connector.KindSubmit, Channel: "slack", ChatID: "D1", QuestionID: "q1", Content: "done",
	})
	require.NoError(t, err)

	q, err := f.store.Get(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, protocol.QuestionReplied, q.Status)
}

func TestHandle_RegisterStoresChannel(t *testing.T) {
	f := newFixture(t)

	err := f.handler.Handle(context.Background(), connector.InboundMessage{
		Kind: connector.KindRegister, Channel: "telegram", ChatID: "99", SenderID: "7", SenderEmail: "ada@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, NoticeRegistered, f.notifier.last())

	handle, err := f.channels.GetChannelByEmail(context.Background(), "ADA@example.com")
	require.NoError(t, err)
	require.Equal(t, protocol.ChannelHandle{Connector: "telegram", ChatID: "99"}, handle)
}

func TestHandle_RegisterNeedsSender(t *testing.T) {
	f := newFixture(t)

	err := f.handler.Handle(context.Background(), connector.InboundMessage{
		Kind: connector.KindRegister, Channel: "webhook:teams", ChatID: "c1",
	})
	require.NoError(t, err)
	require.Equal(t, NoticeNeedEmail, f.notifier.last())
}

func TestHandle_TextWithoutPendingRefreshesRegistration(t *testing.T) {
	f := newFixture(t)

	err := f.handler.Handle(context.Background(), connector.InboundMessage{
		Kind: connector.KindMessage, Channel: "slack", ChatID: "D9", SenderID: "U9", Content: "hello bot",
	})
	require.NoError(t, err)

	handle, err := f.channels.GetChannel(context.Background(), "U9")
	require.NoError(t, err)
	require.Equal(t, "D9", handle.ChatID)
	require.Empty(t, f.notifier.sent)
}

type failingStore struct{ Store }

func (failingStore) LatestPendingForChannel(context.Context, protocol.ChannelHandle) (*protocol.Question, error) {
	return nil, errors.New("disk I/O error")
}

func TestHandle_StorageFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	h := New(failingStore{}, f.table, f.channels, f.notifier, f.clock, nil)

	err := h.Handle(context.Background(), connector.InboundMessage{
		Kind: connector.KindMessage, Channel: "slack", ChatID: "D1", Content: "hi",
	})
	require.ErrorContains(t, err, "disk I/O error")
}
