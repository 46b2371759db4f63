package asker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/coworker/internal/channel"
	"github.com/h1v3-io/coworker/internal/connector"
	"github.com/h1v3-io/coworker/internal/correlation"
	"github.com/h1v3-io/coworker/internal/credential"
	"github.com/h1v3-io/coworker/internal/question"
	"github.com/h1v3-io/coworker/internal/ratelimit"
	"github.com/h1v3-io/coworker/pkg/protocol"
)

type fakeDirectory struct {
	people map[string]protocol.Identity
	err    error
	tokens []string
}

func (d *fakeDirectory) ResolveIdentity(_ context.Context, token, email string) (*protocol.Identity, error) {
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return nil, d.err
	}
	id, ok := d.people[email]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func (d *fakeDirectory) ListPeople(_ context.Context, token, query string, limit int) ([]protocol.Person, error) {
	d.tokens = append(d.tokens, token)
	var out []protocol.Person
	for email, id := range d.people {
		if strings.HasPrefix(email, query) && len(out) < limit {
			out = append(out, protocol.Person{Name: id.DisplayName, Email: email})
		}
	}
	return out, nil
}

type fakeDelivery struct {
	err       error
	delivered chan connector.OutboundMessage
	handles   []protocol.ChannelHandle
	mu        sync.Mutex
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{delivered: make(chan connector.OutboundMessage, 8)}
}

func (d *fakeDelivery) Deliver(_ context.Context, handle protocol.ChannelHandle, msg connector.OutboundMessage) error {
	d.mu.Lock()
	d.handles = append(d.handles, handle)
	d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.delivered <- msg
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) ObserveAsk(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func (o *recordingObserver) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.results...)
}

type promptingSource struct{}

func (promptingSource) Silent(context.Context) (string, error) {
	return "", credential.ErrNoCachedCredential
}

func (promptingSource) Interactive(ctx context.Context, prompt func(string)) (string, error) {
	prompt("To sign in, open https://microsoft.com/devicelogin and enter ABC123.")
	<-ctx.Done()
	return "", ctx.Err()
}

type fixture struct {
	svc       *Service
	store     *question.SQLiteStore
	channels  *channel.SQLiteRegistry
	table     *correlation.Table
	directory *fakeDirectory
	delivery  *fakeDelivery
	observer  *recordingObserver
	clock     *clock.Mock
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
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

	f := &fixture{
		store:    store,
		channels: channels,
		table:    table,
		directory: &fakeDirectory{people: map[string]protocol.Identity{
			"ada@example.com": {ID: "oid-ada", Email: "ada@example.com", DisplayName: "Ada Lovelace"},
		}},
		delivery: newFakeDelivery(),
		observer: &recordingObserver{},
		clock:    clk,
	}
	deps := Deps{
		Gate:      credential.NewGate(credential.StaticSource{Token: "dir-token"}, 0, nil),
		Directory: f.directory,
		Channels:  channels,
		Store:     store,
		Waiters:   table,
		Delivery:  f.delivery,
		Observer:  f.observer,
		Clock:     clk,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.svc = New(deps, Config{}, nil)
	return f
}

func (f *fixture) registerAda(t *testing.T) {
	t.Helper()
	require.NoError(t, f.channels.PutChannel(context.Background(), channel.Registration{
		IdentityID: "oid-ada",
		Email:      "ada@example.com",
		Handle:     protocol.ChannelHandle{Connector: "slack", ChatID: "D-ada"},
	}))
}

type askOutcome struct {
	res *Result
	err error
}

func (f *fixture) askAsync(ctx context.Context, in AskInput) <-chan askOutcome {
	out := make(chan askOutcome, 1)
	go func() {
		res, err := f.svc.Ask(ctx, in)
		out <- askOutcome{res, err}
	}()
	return out
}

func (f *fixture) awaitDelivery(t *testing.T) *connector.QuestionCard {
	t.Helper()
	select {
	case msg := <-f.delivery.delivered:
		require.NotNil(t, msg.Question)
		return msg.Question
	case <-time.After(2 * time.Second):
		t.Fatal("question not delivered")
		return nil
	}
}

func awaitOutcome(t *testing.T, ch <-chan askOutcome) askOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return")
		return askOutcome{}
	}
}

func TestAsk_Replied(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAda(t)

	done := f.askAsync(context.Background(), AskInput{Question: "Is prod frozen?", TargetEmail: "Ada@Example.com"})
	card := f.awaitDelivery(t)
	require.Equal(t, "Is prod frozen?", card.Text)
	require.Equal(t, "A coworker", card.AskerName)
	require.Equal(t, []string{"dir-token"}, f.directory.tokens)

	q, err := f.store.Get(context.Background(), card.QuestionID)
	require.NoError(t, err)
	require.Equal(t, protocol.QuestionPending, q.Status)
	require.Equal(t, "oid-ada", q.TargetIdentity.ID)
	require.Equal(t, protocol.ChannelHandle{Connector: "slack", ChatID: "D-ada"}, q.TargetChannel)
	require.Equal(t, 5*time.Minute, q.TimeoutAt.Sub(q.CreatedAt))

	require.NoError(t, f.store.UpdateStatus(context.Background(), card.QuestionID, protocol.QuestionPending, protocol.QuestionReplied,
		&question.Reply{Text: "Yes", ResponderID: "U1", ResponderName: "Ada", RepliedAt: f.clock.Now()}))
	require.True(t, f.table.Resolve(card.QuestionID, protocol.ReplyPayload{Text: "Yes", ResponderID: "U1", ResponderName: "Ada"}))

	o := awaitOutcome(t, done)
	require.NoError(t, o.err)
	require.Equal(t, &Result{QuestionID: card.QuestionID, Status: protocol.QuestionReplied, Reply: "Yes", Responder: "Ada", ResponderID: "U1"}, o.res)
	require.Equal(t, []string{"replied"}, f.observer.all())
	require.Zero(t, f.table.PendingCount())
}

func TestAsk_TimesOut(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAda(t)

	done := f.askAsync(context.Background(), AskInput{Question: "ping?", TargetEmail: "ada@example.com", Timeout: 30 * time.Second})
	card := f.awaitDelivery(t)

	f.clock.Add(31 * time.Second)

	o := awaitOutcome(t, done)
	require.NoError(t, o.err)
	require.Equal(t, protocol.QuestionTimedOut, o.res.Status)

	q, err := f.store.Get(context.Background(), card.QuestionID)
	require.NoError(t, err)
	require.Equal(t, protocol.QuestionTimedOut, q.Status)
	require.Equal(t, []string{"timed_out"}, f.observer.all())
}

func TestAsk_ReplyRecordedAtDeadlineWins(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAda(t)

	done := f.askAsync(context.Background(), AskInput{Question: "ping?", TargetEmail: "ada@example.com", Timeout: 30 * time.Second})
	card := f.awaitDelivery(t)

	// The answer reached the store but the timer fired before Resolve.
	require.NoError(t, f.store.UpdateStatus(context.Background(), card.QuestionID, protocol.QuestionPending, protocol.QuestionReplied,
		&question.Reply{Text: "pong", ResponderID: "U1", ResponderName: "Ada", RepliedAt: f.clock.Now()}))
	f.clock.Add(31 * time.Second)

	o := awaitOutcome(t, done)
	require.NoError(t, o.err)
	require.Equal(t, protocol.QuestionReplied, o.res.Status)
	require.Equal(t, "pong", o.res.Reply)
}

func TestAsk_CallerGoneLeavesQuestionOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAda(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := f.askAsync(ctx, AskInput{Question: "ping?", TargetEmail: "ada@example.com"})
	card := f.awaitDelivery(t)
	cancel()

	o := awaitOutcome(t, done)
	require.ErrorIs(t, o.err, context.Canceled)
	require.Equal(t, 1, f.table.PendingCount())

	q, err := f.store.Get(context.Background(), card.QuestionID)
	require.NoError(t, err)
	require.Equal(t, protocol.QuestionPending, q.Status)
	require.Equal(t, []string{"abandoned"}, f.observer.all())
}

func TestAsk_ChannelFoundByEmail(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.channels.PutChannel(context.Background(), channel.Registration{
		IdentityID: "tg-7",
		Email:      "ada@example.com",
		Handle:     protocol.ChannelHandle{Connector: "telegram", ChatID: "7"},
	}))

	f.askAsync(context.Background(), AskInput{Question: "ping?", TargetEmail: "ada@example.com"})
	f.awaitDelivery(t)

	f.delivery.mu.Lock()
	defer f.delivery.mu.Unlock()
	require.Equal(t, []protocol.ChannelHandle{{Connector: "telegram", ChatID: "7"}}, f.delivery.handles)
}

func TestAsk_TargetNotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Ask(context.Background(), AskInput{Question: "hi", TargetEmail: "nobody@example.com"})
	require.ErrorIs(t, err, ErrTargetNotFound)
	require.Contains(t, err.Error(), "not found in the organization")

	n, err := f.store.Count(context.Background(), question.Filter{})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, []string{"target_not_found"}, f.observer.all())
}

func TestAsk_DirectoryFailureIsTargetNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.directory.err = errors.New("graph: 503")

	_, err := f.svc.Ask(context.Background(), AskInput{Question: "hi", TargetEmail: "ada@example.com"})
	require.ErrorIs(t, err, ErrTargetNotFound)
	require.ErrorContains(t, err, "graph: 503")
}

func TestAsk_ChannelNotRegistered(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Ask(context.Background(), AskInput{Question: "hi", TargetEmail: "ada@example.com"})
	require.ErrorIs(t, err, ErrChannelNotRegistered)
	require.Contains(t, err.Error(), "Ada Lovelace")
	require.Equal(t, CodeChannelNotRegistered, CodeOf(err))
}

func TestAsk_DeliveryFailedCancelsWaiter(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAda(t)
	f.delivery.err = errors.New("channel_not_found")

	_, err := f.svc.Ask(context.Background(), AskInput{Question: "hi", TargetEmail: "ada@example.com"})
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.Zero(t, f.table.PendingCount())

	status := protocol.QuestionTimedOut
	n, err := f.store.Count(context.Background(), question.Filter{Status: &status})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAsk_AuthRequired(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Gate = credential.NewGate(promptingSource{}, 200*time.Millisecond, nil)
	})

	_, err := f.svc.Ask(context.Background(), AskInput{Question: "hi", TargetEmail: "ada@example.com"})
	require.ErrorIs(t, err, ErrAuthRequired)
	prompt, ok := AuthPrompt(err)
	require.True(t, ok)
	require.Contains(t, prompt, "ABC123")
	require.Empty(t, f.directory.tokens)
}

func TestAsk_InvalidInput(t *testing.T) {
	f := newFixture(t, nil)

	for _, in := range []AskInput{
		{Question: "  ", TargetEmail: "ada@example.com"},
		{Question: "hi", TargetEmail: "ada"},
		{Question: "hi", TargetEmail: "Ada <ada@example.com>"},
		{Question: "hi", TargetEmail: "ada@example.com", Timeout: -time.Second},
	} {
		_, err := f.svc.Ask(context.Background(), in)
		require.ErrorIs(t, err, ErrInvalidInput, "input %+v", in)
	}
}

func TestAsk_RateLimitedPerTarget(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Limiter = ratelimit.New(1, 1, time.Hour)
	})

	_, err := f.svc.Ask(context.Background(), AskInput{Question: "hi", TargetEmail: "nobody@example.com"})
	require.ErrorIs(t, err, ErrTargetNotFound)

	_, err = f.svc.Ask(context.Background(), AskInput{Question: "hi again", TargetEmail: "NOBODY@example.com"})
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = f.svc.Ask(context.Background(), AskInput{Question: "hi", TargetEmail: "other@example.com"})
	require.ErrorIs(t, err, ErrTargetNotFound)
}

type fixedAccount struct {
	id protocol.Identity
	ok bool
}

func (a fixedAccount) Account() (protocol.Identity, bool) { return a.id, a.ok }

func TestAsk_AskingIdentityFromSignedInAccount(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Accounts = fixedAccount{id: protocol.Identity{ID: "oid-bob", Email: "bob@example.com"}, ok: true}
	})
	f.registerAda(t)

	f.askAsync(context.Background(), AskInput{Question: "hi", TargetEmail: "ada@example.com"})
	card := f.awaitDelivery(t)
	require.Equal(t, "bob@example.com", card.AskerName)

	q, err := f.store.Get(context.Background(), card.QuestionID)
	require.NoError(t, err)
	require.Equal(t, "oid-bob", q.AskingIdentity.ID)
}

func TestAsk_ShutdownClosesQuestion(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAda(t)

	done := f.askAsync(context.Background(), AskInput{Question: "ping?", TargetEmail: "ada@example.com", Timeout: 30 * time.Minute})
	card := f.awaitDelivery(t)
	f.table.Shutdown()

	o := awaitOutcome(t, done)
	require.NoError(t, o.err)
	require.Equal(t, protocol.QuestionTimedOut, o.res.Status)

	q, err := f.store.Get(context.Background(), card.QuestionID)
	require.NoError(t, err)
	require.Equal(t, protocol.QuestionTimedOut, q.Status)

	err = f.store.UpdateStatus(context.Background(), card.QuestionID, protocol.QuestionPending, protocol.QuestionReplied,
		&question.Reply{Text: "late", ResponderID: "U1", RepliedAt: f.clock.Now()})
	require.ErrorIs(t, err, question.ErrStatusConflict)
}

func TestClampTimeout(t *testing.T) {
	svc := New(Deps{}, Config{MinTimeout: 10 * time.Second, MaxTimeout: time.Hour}, nil)

	require.Equal(t, DefaultTimeout, svc.ClampTimeout(0))
	require.Equal(t, 10*time.Second, svc.ClampTimeout(time.Second))
	require.Equal(t, time.Hour, svc.ClampTimeout(3*time.Hour))
	require.Equal(t, 2*time.Minute, svc.ClampTimeout(2*time.Minute))
}

func TestListPeople(t *testing.T) {
	f := newFixture(t, nil)

	people, err := f.svc.ListPeople(context.Background(), "ada", 0)
	require.NoError(t, err)
	require.Equal(t, []protocol.Person{{Name: "Ada Lovelace", Email: "ada@example.com"}}, people)
	require.Equal(t, []string{"dir-token"}, f.directory.tokens)
}

func TestErrorIs(t *testing.T) {
	err := newError(CodeDeliveryFailed, "boom", errors.New("cause"))
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.NotErrorIs(t, err, ErrTargetNotFound)
	require.Equal(t, "asker: DELIVERY_FAILED (boom): cause", err.Error())
}
