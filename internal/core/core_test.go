package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/chat"
	"messaging-core/internal/errs"
	"messaging-core/internal/hub"
	"messaging-core/internal/identity"
	"messaging-core/internal/models"
	"messaging-core/internal/offline"
	"messaging-core/internal/repositories"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// feedStore lets a test inject changes committed by another process.
type feedStore struct {
	*repositories.MemoryStore
	changes chan repositories.Change
}

func (s *feedStore) Watch(ctx context.Context) (<-chan repositories.Change, error) {
	return s.changes, nil
}

type fixture struct {
	core  *Core
	store *repositories.MemoryStore
	queue *offline.Queue
	hub   *hub.Hub
}

func newFixture(t *testing.T, store repositories.RemoteStore, mem *repositories.MemoryStore, settings Settings) fixture {
	t.Helper()
	q, err := offline.Open("", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	h := hub.New(discardLogger())
	if settings.Origin == "" {
		settings.Origin = "node-a"
	}
	c := New(store, q, h, discardLogger(), settings)
	t.Cleanup(c.Close)
	return fixture{core: c, store: mem, queue: q, hub: h}
}

func memoryFixture(t *testing.T, settings Settings) fixture {
	mem := repositories.NewMemoryStore("node-a")
	return newFixture(t, mem, mem, settings)
}

func next(t *testing.T, sub *hub.Subscription) models.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.Event{}
}

func TestOfflineSendIsDeliveredAfterReconnect(t *testing.T) {
	f := memoryFixture(t, Settings{})
	ctx := context.Background()
	sub := f.hub.Subscribe(ctx, hub.ConversationTopic("alice_bob"))

	f.store.SetAvailable(false)
	msg, err := f.core.Messages.Send(ctx, chat.SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	assert.True(t, msg.Optimistic)
	assert.Equal(t, 1, f.queue.Len())

	f.core.Monitor.Check(ctx)
	assert.False(t, f.core.Monitor.Online())
	assert.Equal(t, 1, f.queue.Len())

	f.store.SetAvailable(true)
	f.core.Monitor.Check(ctx)
	assert.True(t, f.core.Monitor.Online())
	assert.Zero(t, f.queue.Len())

	evt := next(t, sub)
	assert.Equal(t, models.EventMessageCreated, evt.Type)
	assert.Equal(t, msg.ID, evt.Message.ID)
	assert.False(t, evt.Message.Optimistic)

	conv, err := f.core.Conversations.Get(ctx, "bob", "alice_bob")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.Unread("bob"))
}

func TestDeliveredThenReadScenario(t *testing.T) {
	f := memoryFixture(t, Settings{})
	ctx := context.Background()

	msg, err := f.core.Messages.Send(ctx, chat.SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hello"})
	require.NoError(t, err)

	_, err = f.core.Messages.UpdateStatus(ctx, "bob", msg.ID, models.StatusDelivered)
	require.NoError(t, err)
	_, err = f.core.Messages.UpdateStatus(ctx, "bob", msg.ID, models.StatusRead)
	require.NoError(t, err)
	_, err = f.core.Messages.UpdateStatus(ctx, "bob", msg.ID, models.StatusDelivered)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	conv, err := f.core.Conversations.Get(ctx, "alice", "alice_bob")
	require.NoError(t, err)
	assert.Zero(t, conv.Unread("bob"))
}

func TestApplyRejectsUnknownKind(t *testing.T) {
	f := memoryFixture(t, Settings{})
	err := f.core.Apply(context.Background(), models.OfflineOperation{OpID: "01X", Kind: "archive"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestStalledOperationIsReported(t *testing.T) {
	var (
		mu     sync.Mutex
		stalls []*offline.QueueStalledError
	)
	f := memoryFixture(t, Settings{OnStall: func(_ context.Context, s *offline.QueueStalledError) {
		mu.Lock()
		stalls = append(stalls, s)
		mu.Unlock()
	}})

	op, err := f.queue.Enqueue(models.OpUpdateStatus, "bob", models.StatusPayload{MessageID: "missing", Status: models.StatusRead})
	require.NoError(t, err)

	f.core.Monitor.Check(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stalls, 1)
	assert.Equal(t, op.OpID, stalls[0].OpID)
	assert.ErrorIs(t, stalls[0], errs.ErrNotFound)
	assert.Equal(t, 1, f.queue.Len())
}

func TestTrackAuthDrivesPresence(t *testing.T) {
	f := memoryFixture(t, Settings{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := f.hub.Subscribe(ctx, hub.PresenceTopic("alice"))
	session := identity.NewSession()

	done := make(chan error, 1)
	go func() { done <- f.core.TrackAuth(ctx, session) }()
	// Let TrackAuth subscribe before the first change.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, session.SignIn("alice"))
	assert.True(t, next(t, sub).Presence.IsOnline)
	session.SignOut()
	assert.False(t, next(t, sub).Presence.IsOnline)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("TrackAuth did not stop")
	}
}

// hangingStore never answers presence writes until the caller gives up.
type hangingStore struct {
	*repositories.MemoryStore
}

func (s hangingStore) PutPresence(ctx context.Context, _ models.PresenceState) error {
	<-ctx.Done()
	return errs.Connectivity("put presence", ctx.Err())
}

func TestTrackAuthDoesNotStallConnectsOnHungStore(t *testing.T) {
	mem := repositories.NewMemoryStore("node-a")
	f := newFixture(t, hangingStore{mem}, mem, Settings{PresenceWriteTimeout: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := identity.NewConnections()
	go func() { _ = f.core.TrackAuth(ctx, conns) }()
	time.Sleep(20 * time.Millisecond)

	users := make([]string, 40)
	for i := range users {
		users[i] = fmt.Sprintf("user%02d", i)
	}
	connected := make(chan struct{})
	go func() {
		for _, u := range users {
			conns.Connect(u)
		}
		close(connected)
	}()
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connects blocked behind presence writes")
	}

	last := users[len(users)-1]
	assert.Eventually(t, func() bool {
		state, err := f.core.Signals.Presence(ctx, last)
		return err == nil && state.IsOnline
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBridgeRepublishesForeignChanges(t *testing.T) {
	mem := repositories.NewMemoryStore("node-b")
	store := &feedStore{MemoryStore: mem, changes: make(chan repositories.Change, 4)}
	f := newFixture(t, store, mem, Settings{Origin: "node-a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conversation := f.hub.Subscribe(ctx, hub.ConversationTopic("alice_bob"))
	inbox := f.hub.Subscribe(ctx, hub.UserConversationsTopic("bob"))

	msg := models.Message{
		ID:              "m1",
		ConversationKey: "alice_bob",
		SenderID:        "alice",
		ReceiverID:      "bob",
		Content:         "from another node",
		Type:            models.TypeText,
		Status:          models.StatusSent,
		Timestamp:       models.Now(),
	}
	_, err := mem.InsertMessage(ctx, msg)
	require.NoError(t, err)

	go f.core.Bridge(ctx)
	store.changes <- repositories.Change{Origin: "node-a", Kind: repositories.ChangeMessageCreated, ConversationKey: "alice_bob", MessageID: "m1"}
	store.changes <- repositories.Change{Origin: "node-b", Kind: repositories.ChangeMessageCreated, ConversationKey: "alice_bob", MessageID: "m1"}

	evt := next(t, conversation)
	assert.Equal(t, models.EventMessageCreated, evt.Type)
	assert.Equal(t, "from another node", evt.Message.Content)

	evt = next(t, inbox)
	assert.Equal(t, models.EventConversationUpdated, evt.Type)
	assert.Equal(t, 1, evt.Conversation.Unread("bob"))

	// The own-origin change was skipped, so nothing else arrives.
	select {
	case extra := <-conversation.C:
		t.Fatalf("unexpected event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
