package repositories

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/convkey"
	"messaging-core/internal/db"
	"messaging-core/internal/errs"
	"messaging-core/internal/models"
)

// storeFixture hands out participants that no other run has used, so the Postgres variant
// can share a database between runs.
type storeFixture struct {
	store RemoteStore
	alice string
	bob   string
	key   string
	clock time.Time
}

func newFixture(store RemoteStore) *storeFixture {
	suffix := strings.ToLower(ulid.Make().String())
	f := &storeFixture{
		store: store,
		alice: "alice-" + suffix,
		bob:   "bob-" + suffix,
		clock: models.Now().Add(-time.Hour),
	}
	f.key = convkey.Derive(f.alice, f.bob)
	return f
}

func (f *storeFixture) message(from, to, content string) models.Message {
	f.clock = f.clock.Add(time.Millisecond)
	return models.Message{
		ID:              ulid.Make().String(),
		ConversationKey: f.key,
		SenderID:        from,
		ReceiverID:      to,
		Content:         content,
		Type:            models.TypeText,
		Status:          models.StatusSent,
		Timestamp:       f.clock,
	}
}

func (f *storeFixture) insert(t *testing.T, msg models.Message) models.Conversation {
	t.Helper()
	res, err := f.store.InsertMessage(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, res.Inserted)
	return res.Conversation
}

type storeFactory func(t *testing.T) RemoteStore

func runStoreContract(t *testing.T, open storeFactory) {
	ctx := context.Background()

	t.Run("insert is idempotent", func(t *testing.T) {
		f := newFixture(open(t))
		msg := f.message(f.alice, f.bob, "hi")
		conv := f.insert(t, msg)
		assert.Equal(t, msg.ID, conv.LastMessageID)
		assert.Equal(t, 1, conv.Unread(f.bob))
		assert.Zero(t, conv.Unread(f.alice))

		again, err := f.store.InsertMessage(ctx, msg)
		require.NoError(t, err)
		assert.False(t, again.Inserted)
		assert.Equal(t, 1, again.Conversation.Unread(f.bob))

		got, err := f.store.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "hi", got.Content)
		assert.True(t, msg.Timestamp.Equal(got.Timestamp))
	})

	t.Run("status compare and set", func(t *testing.T) {
		f := newFixture(open(t))
		msg := f.message(f.alice, f.bob, "ping")
		f.insert(t, msg)

		updated, conv, err := f.store.UpdateStatus(ctx, msg.ID, models.StatusSent, models.StatusDelivered)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDelivered, updated.Status)
		assert.Equal(t, 1, conv.Unread(f.bob))

		_, _, err = f.store.UpdateStatus(ctx, msg.ID, models.StatusSent, models.StatusRead)
		assert.ErrorIs(t, err, errs.ErrConflict)

		_, conv, err = f.store.UpdateStatus(ctx, msg.ID, models.StatusDelivered, models.StatusRead)
		require.NoError(t, err)
		assert.Zero(t, conv.Unread(f.bob))

		_, _, err = f.store.UpdateStatus(ctx, "missing", models.StatusSent, models.StatusDelivered)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("mark all read", func(t *testing.T) {
		f := newFixture(open(t))
		f.insert(t, f.message(f.alice, f.bob, "one"))
		f.insert(t, f.message(f.alice, f.bob, "two"))
		f.insert(t, f.message(f.bob, f.alice, "back"))

		changed, conv, err := f.store.MarkAllRead(ctx, f.key, f.bob)
		require.NoError(t, err)
		require.Len(t, changed, 2)
		assert.Equal(t, "two", changed[0].Content)
		assert.Zero(t, conv.Unread(f.bob))
		assert.Equal(t, 1, conv.Unread(f.alice))

		changed, _, err = f.store.MarkAllRead(ctx, f.key, f.bob)
		require.NoError(t, err)
		assert.Empty(t, changed)

		_, _, err = f.store.MarkAllRead(ctx, "nobody_nowhere", f.bob)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("soft delete", func(t *testing.T) {
		f := newFixture(open(t))
		msg := f.message(f.alice, f.bob, "oops")
		f.insert(t, msg)

		deleted, conv, err := f.store.SoftDelete(ctx, msg.ID, models.Tombstone)
		require.NoError(t, err)
		assert.True(t, deleted.IsDeleted)
		assert.Equal(t, models.Tombstone, deleted.Content)
		assert.Zero(t, conv.Unread(f.bob))

		_, _, err = f.store.SoftDelete(ctx, msg.ID, models.Tombstone)
		assert.ErrorIs(t, err, errs.ErrInvalidTransition)

		recounted, err := f.store.RecountUnread(ctx, f.key)
		require.NoError(t, err)
		assert.Zero(t, recounted.Unread(f.bob))
	})

	t.Run("paging is exclusive and newest first", func(t *testing.T) {
		f := newFixture(open(t))
		var ids []string
		for _, content := range []string{"m1", "m2", "m3", "m4"} {
			msg := f.message(f.alice, f.bob, content)
			f.insert(t, msg)
			ids = append(ids, msg.ID)
		}

		page, err := f.store.PageMessages(ctx, f.key, 2, models.PageCursor{})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, []string{ids[3], ids[2]}, []string{page[0].ID, page[1].ID})

		page, err = f.store.PageMessages(ctx, f.key, 10, models.PageCursor{BeforeID: page[1].ID})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, []string{ids[1], ids[0]}, []string{page[0].ID, page[1].ID})

		_, err = f.store.PageMessages(ctx, f.key, 10, models.PageCursor{BeforeID: "missing"})
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("conversations are listed most recent first", func(t *testing.T) {
		f := newFixture(open(t))
		f.insert(t, f.message(f.alice, f.bob, "first"))

		carol := "carol-" + strings.TrimPrefix(f.alice, "alice-")
		other := models.Message{
			ID:              ulid.Make().String(),
			ConversationKey: convkey.Derive(f.alice, carol),
			SenderID:        carol,
			ReceiverID:      f.alice,
			Content:         "later",
			Type:            models.TypeText,
			Status:          models.StatusSent,
			Timestamp:       models.Now(),
		}
		time.Sleep(2 * time.Millisecond)
		f.insert(t, other)

		convs, err := f.store.ListConversations(ctx, f.alice)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, other.ConversationKey, convs[0].Key)
		assert.Equal(t, f.key, convs[1].Key)

		convs, err = f.store.ListConversations(ctx, f.bob)
		require.NoError(t, err)
		assert.Len(t, convs, 1)
	})

	t.Run("presence", func(t *testing.T) {
		f := newFixture(open(t))
		_, err := f.store.GetPresence(ctx, f.alice)
		assert.ErrorIs(t, err, errs.ErrNotFound)

		state := models.PresenceState{UserID: f.alice, IsOnline: true, LastSeen: models.Now()}
		require.NoError(t, f.store.PutPresence(ctx, state))
		got, err := f.store.GetPresence(ctx, f.alice)
		require.NoError(t, err)
		assert.True(t, got.IsOnline)
		assert.True(t, state.LastSeen.Equal(got.LastSeen))

		require.NoError(t, f.store.PutTyping(ctx, models.TypingState{
			ConversationKey: f.key,
			UserID:          f.alice,
			IsTyping:        true,
			UpdatedAt:       models.Now(),
		}))
	})

	t.Run("watch reports origin", func(t *testing.T) {
		store := open(t)
		f := newFixture(store)
		watchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		changes, err := store.Watch(watchCtx)
		require.NoError(t, err)

		// A listener may still be connecting, so keep writing until a change shows up.
		tick := time.NewTicker(200 * time.Millisecond)
		defer tick.Stop()
		f.insert(t, f.message(f.alice, f.bob, "watched"))
		for {
			select {
			case change, ok := <-changes:
				require.True(t, ok, "watch closed")
				if change.ConversationKey != f.key {
					continue
				}
				assert.Equal(t, ChangeMessageCreated, change.Kind)
				assert.Equal(t, "contract", change.Origin)
				assert.NotEmpty(t, change.MessageID)
				return
			case <-tick.C:
				f.insert(t, f.message(f.alice, f.bob, "watched"))
			case <-watchCtx.Done():
				t.Fatal("no change observed")
			}
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(*testing.T) RemoteStore {
		return NewMemoryStore("contract")
	})
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("CHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CHAT_TEST_DATABASE_URL not set")
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn, err := db.Connect(context.Background(), dsn, log)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	runStoreContract(t, func(*testing.T) RemoteStore {
		return NewPostgresStore(conn, dsn, "contract", log)
	})
}

func TestMemoryStoreUnavailable(t *testing.T) {
	store := NewMemoryStore("test")
	store.SetAvailable(false)

	_, err := store.InsertMessage(context.Background(), models.Message{ID: "x"})
	assert.ErrorIs(t, err, errs.ErrConnectivity)
	assert.ErrorIs(t, store.Ping(context.Background()), errs.ErrConnectivity)

	store.SetAvailable(true)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestMemoryStoreWatchStopsWithContext(t *testing.T) {
	store := NewMemoryStore("test")
	ctx, cancel := context.WithCancel(context.Background())
	changes, err := store.Watch(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-changes:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch not closed")
	}
}
