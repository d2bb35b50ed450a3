package repositories

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-core/internal/convkey"
	"messaging-core/internal/errs"
	"messaging-core/internal/models"
)

const (
	changeChannel  = "chat_changes"
	messageColumns = `id, conversation_key, sender_id, receiver_id, content, type, status, created_at, is_deleted`
	convColumns    = `conversation_key, participant_a, participant_b, last_message_id, last_message_at, updated_at, unread_a, unread_b`
)

// PostgresStore is a sqlx-backed RemoteStore.
//
// Writes lock the conversation row (SELECT ... FOR UPDATE) before touching messages, so all
// mutations of one conversation are serialized across processes. Committed changes are
// announced with pg_notify inside the same transaction and surface through Watch.
type PostgresStore struct {
	db     *sqlx.DB
	dsn    string
	origin string
	log    *slog.Logger
}

// NewPostgresStore constructs a PostgresStore. The dsn is reused by Watch for its listener
// connection; origin stamps every change this process commits.
func NewPostgresStore(db *sqlx.DB, dsn, origin string, log *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, dsn: dsn, origin: origin, log: log}
}

type conversationRow struct {
	Key           string    `db:"conversation_key"`
	ParticipantA  string    `db:"participant_a"`
	ParticipantB  string    `db:"participant_b"`
	LastMessageID string    `db:"last_message_id"`
	LastMessageAt time.Time `db:"last_message_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	UnreadA       int       `db:"unread_a"`
	UnreadB       int       `db:"unread_b"`
}

func (r conversationRow) toModel() models.Conversation {
	return models.Conversation{
		Key:            r.Key,
		ParticipantIDs: [2]string{r.ParticipantA, r.ParticipantB},
		LastMessageID:  r.LastMessageID,
		LastMessageAt:  r.LastMessageAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		UnreadCount: map[string]int{
			r.ParticipantA: r.UnreadA,
			r.ParticipantB: r.UnreadB,
		},
	}
}

func normalize(msg models.Message) models.Message {
	msg.Timestamp = msg.Timestamp.UTC()
	return msg
}

// Ping checks the pool can reach the server.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InsertMessage persists msg and updates the conversation summary in one transaction.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg models.Message) (InsertResult, error) {
	var result InsertResult
	err := s.withTx(ctx, "insert message", func(tx *sqlx.Tx) error {
		a, b, err := convkey.Participants(msg.ConversationKey)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (conversation_key, participant_a, participant_b) VALUES ($1, $2, $3)
            ON CONFLICT (conversation_key) DO NOTHING`, msg.ConversationKey, a, b); err != nil {
			return err
		}
		row, err := lockConversation(ctx, tx, msg.ConversationKey)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
            ON CONFLICT (id) DO NOTHING`,
			msg.ID, msg.ConversationKey, msg.SenderID, msg.ReceiverID, msg.Content, msg.Type, msg.Status, msg.Timestamp, msg.IsDeleted)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			result = InsertResult{Conversation: row.toModel(), Inserted: false}
			return nil
		}

		if err := tx.QueryRowxContext(ctx,
			`UPDATE conversations SET
                last_message_id = CASE WHEN $2 >= last_message_at THEN $3 ELSE last_message_id END,
                last_message_at = GREATEST(last_message_at, $2),
                unread_a = unread_a + CASE WHEN participant_a = $4 THEN 1 ELSE 0 END,
                unread_b = unread_b + CASE WHEN participant_b = $4 THEN 1 ELSE 0 END,
                updated_at = $5
            WHERE conversation_key = $1
            RETURNING `+convColumns,
			msg.ConversationKey, msg.Timestamp, msg.ID, msg.ReceiverID, models.Now()).StructScan(&row); err != nil {
			return err
		}
		result = InsertResult{Conversation: row.toModel(), Inserted: true}
		return s.notify(ctx, tx, Change{Kind: ChangeMessageCreated, ConversationKey: msg.ConversationKey, MessageID: msg.ID})
	})
	return result, err
}

// GetMessage fetches a single message.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := s.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, fmt.Errorf("message %q: %w", messageID, errs.ErrNotFound)
	}
	if err != nil {
		return models.Message{}, classify("get message", err)
	}
	return normalize(msg), nil
}

// UpdateStatus is a compare-and-set of the message status.
func (s *PostgresStore) UpdateStatus(ctx context.Context, messageID string, from, to models.MessageStatus) (models.Message, models.Conversation, error) {
	var (
		msg  models.Message
		conv models.Conversation
	)
	err := s.withTx(ctx, "update status", func(tx *sqlx.Tx) error {
		key, err := messageConversationKey(ctx, tx, messageID)
		if err != nil {
			return err
		}
		row, err := lockConversation(ctx, tx, key)
		if err != nil {
			return err
		}
		err = tx.GetContext(ctx, &msg,
			`UPDATE messages SET status=$3 WHERE id=$1 AND status=$2 RETURNING `+messageColumns, messageID, from, to)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %q left status %s: %w", messageID, from, errs.ErrConflict)
		}
		if err != nil {
			return err
		}
		if to == models.StatusRead && !msg.IsDeleted {
			if err := tx.QueryRowxContext(ctx,
				`UPDATE conversations SET
                    unread_a = GREATEST(unread_a - CASE WHEN participant_a = $2 THEN 1 ELSE 0 END, 0),
                    unread_b = GREATEST(unread_b - CASE WHEN participant_b = $2 THEN 1 ELSE 0 END, 0),
                    updated_at = $3
                WHERE conversation_key = $1
                RETURNING `+convColumns, key, msg.ReceiverID, models.Now()).StructScan(&row); err != nil {
				return err
			}
		}
		conv = row.toModel()
		return s.notify(ctx, tx, Change{Kind: ChangeStatusChanged, ConversationKey: key, MessageID: messageID})
	})
	return normalize(msg), conv, err
}

// MarkAllRead moves every unread message addressed to readerID to read and zeroes its counter.
func (s *PostgresStore) MarkAllRead(ctx context.Context, conversationKey, readerID string) ([]models.Message, models.Conversation, error) {
	var (
		changed []models.Message
		conv    models.Conversation
	)
	err := s.withTx(ctx, "mark all read", func(tx *sqlx.Tx) error {
		row, err := lockConversation(ctx, tx, conversationKey)
		if err != nil {
			return err
		}
		if err := tx.SelectContext(ctx, &changed,
			`UPDATE messages SET status='read'
            WHERE conversation_key=$1 AND receiver_id=$2 AND status <> 'read'
            RETURNING `+messageColumns, conversationKey, readerID); err != nil {
			return err
		}
		if err := tx.QueryRowxContext(ctx,
			`UPDATE conversations SET
                unread_a = CASE WHEN participant_a = $2 THEN 0 ELSE unread_a END,
                unread_b = CASE WHEN participant_b = $2 THEN 0 ELSE unread_b END,
                updated_at = $3
            WHERE conversation_key = $1
            RETURNING `+convColumns, conversationKey, readerID, models.Now()).StructScan(&row); err != nil {
			return err
		}
		conv = row.toModel()
		return s.notify(ctx, tx, Change{Kind: ChangeReadAll, ConversationKey: conversationKey, UserID: readerID})
	})
	if err != nil {
		return nil, models.Conversation{}, err
	}
	for i := range changed {
		changed[i] = normalize(changed[i])
	}
	sortNewestFirst(changed)
	return changed, conv, nil
}

// SoftDelete tombstones a message; deleting twice fails with ErrInvalidTransition.
func (s *PostgresStore) SoftDelete(ctx context.Context, messageID, tombstone string) (models.Message, models.Conversation, error) {
	var (
		msg  models.Message
		conv models.Conversation
	)
	err := s.withTx(ctx, "soft delete", func(tx *sqlx.Tx) error {
		key, err := messageConversationKey(ctx, tx, messageID)
		if err != nil {
			return err
		}
		row, err := lockConversation(ctx, tx, key)
		if err != nil {
			return err
		}
		err = tx.GetContext(ctx, &msg,
			`UPDATE messages SET is_deleted=TRUE, content=$2 WHERE id=$1 AND is_deleted=FALSE RETURNING `+messageColumns,
			messageID, tombstone)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.Transition("message %q already deleted", messageID)
		}
		if err != nil {
			return err
		}
		unread := 0
		if msg.Status != models.StatusRead {
			unread = 1
		}
		if err := tx.QueryRowxContext(ctx,
			`UPDATE conversations SET
                unread_a = GREATEST(unread_a - CASE WHEN participant_a = $2 THEN $3 ELSE 0 END, 0),
                unread_b = GREATEST(unread_b - CASE WHEN participant_b = $2 THEN $3 ELSE 0 END, 0),
                updated_at = $4
            WHERE conversation_key = $1
            RETURNING `+convColumns, key, msg.ReceiverID, unread, models.Now()).StructScan(&row); err != nil {
			return err
		}
		conv = row.toModel()
		return s.notify(ctx, tx, Change{Kind: ChangeMessageDeleted, ConversationKey: key, MessageID: messageID})
	})
	return normalize(msg), conv, err
}

// PageMessages returns up to limit messages strictly older than cursor, newest first.
func (s *PostgresStore) PageMessages(ctx context.Context, conversationKey string, limit int, cursor models.PageCursor) ([]models.Message, error) {
	var before sql.NullTime
	if !cursor.BeforeTime.IsZero() {
		before = sql.NullTime{Time: cursor.BeforeTime, Valid: true}
	}
	if cursor.BeforeID != "" {
		var ts time.Time
		err := s.db.GetContext(ctx, &ts,
			`SELECT created_at FROM messages WHERE id=$1 AND conversation_key=$2`, cursor.BeforeID, conversationKey)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cursor message %q: %w", cursor.BeforeID, errs.ErrNotFound)
		}
		if err != nil {
			return nil, classify("page messages", err)
		}
		before = sql.NullTime{Time: ts, Valid: true}
	}

	var msgs []models.Message
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT `+messageColumns+` FROM messages
        WHERE conversation_key=$1 AND ($2::timestamptz IS NULL OR created_at < $2)
        ORDER BY created_at DESC, id DESC
        LIMIT $3`, conversationKey, before, limit)
	if err != nil {
		return nil, classify("page messages", err)
	}
	for i := range msgs {
		msgs[i] = normalize(msgs[i])
	}
	return msgs, nil
}

// GetConversation fetches a conversation row.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationKey string) (models.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+convColumns+` FROM conversations WHERE conversation_key=$1`, conversationKey)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("conversation %q: %w", conversationKey, errs.ErrNotFound)
	}
	if err != nil {
		return models.Conversation{}, classify("get conversation", err)
	}
	return row.toModel(), nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+convColumns+` FROM conversations
        WHERE participant_a=$1 OR participant_b=$1
        ORDER BY updated_at DESC, conversation_key ASC`, userID)
	if err != nil {
		return nil, classify("list conversations", err)
	}
	out := make([]models.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// RecountUnread recomputes both unread counters from message state.
func (s *PostgresStore) RecountUnread(ctx context.Context, conversationKey string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.withTx(ctx, "recount unread", func(tx *sqlx.Tx) error {
		row, err := lockConversation(ctx, tx, conversationKey)
		if err != nil {
			return err
		}
		if err := tx.QueryRowxContext(ctx,
			`UPDATE conversations c SET
                unread_a = (SELECT COUNT(*) FROM messages m WHERE m.conversation_key = c.conversation_key
                    AND m.receiver_id = c.participant_a AND m.status <> 'read' AND NOT m.is_deleted),
                unread_b = (SELECT COUNT(*) FROM messages m WHERE m.conversation_key = c.conversation_key
                    AND m.receiver_id = c.participant_b AND m.status <> 'read' AND NOT m.is_deleted)
            WHERE c.conversation_key = $1
            RETURNING `+convColumns, conversationKey).StructScan(&row); err != nil {
			return err
		}
		conv = row.toModel()
		return nil
	})
	return conv, err
}

// PutPresence upserts the user's presence (last write wins).
func (s *PostgresStore) PutPresence(ctx context.Context, state models.PresenceState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (user_id, is_online, last_seen) VALUES ($1, $2, $3)
        ON CONFLICT (user_id) DO UPDATE SET is_online = EXCLUDED.is_online, last_seen = EXCLUDED.last_seen`,
		state.UserID, state.IsOnline, state.LastSeen)
	if err != nil {
		return classify("put presence", err)
	}
	return nil
}

// GetPresence fetches the user's presence.
func (s *PostgresStore) GetPresence(ctx context.Context, userID string) (models.PresenceState, error) {
	var state models.PresenceState
	err := s.db.GetContext(ctx, &state, `SELECT user_id, is_online, last_seen FROM presence WHERE user_id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PresenceState{}, fmt.Errorf("presence %q: %w", userID, errs.ErrNotFound)
	}
	if err != nil {
		return models.PresenceState{}, classify("get presence", err)
	}
	state.LastSeen = state.LastSeen.UTC()
	return state, nil
}

// PutTyping upserts the typing flag.
func (s *PostgresStore) PutTyping(ctx context.Context, state models.TypingState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO typing (conversation_key, user_id, is_typing, updated_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (conversation_key, user_id) DO UPDATE SET is_typing = EXCLUDED.is_typing, updated_at = EXCLUDED.updated_at`,
		state.ConversationKey, state.UserID, state.IsTyping, state.UpdatedAt)
	if err != nil {
		return classify("put typing", err)
	}
	return nil
}

// Watch listens on the change channel with a dedicated connection until ctx is done.
func (s *PostgresStore) Watch(ctx context.Context) (<-chan Change, error) {
	listener := pq.NewListener(s.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.log.Warn("store.watch.listener", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(changeChannel); err != nil {
		_ = listener.Close()
		return nil, classify("watch", err)
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				// nil is sent after a reconnect; changes during the gap are not replayed.
				if n == nil {
					continue
				}
				var change Change
				if err := json.Unmarshal([]byte(n.Extra), &change); err != nil {
					s.log.Warn("store.watch.decode", "error", err)
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return out, nil
}

func (s *PostgresStore) notify(ctx context.Context, tx *sqlx.Tx, change Change) error {
	change.Origin = s.origin
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changeChannel, string(payload))
	return err
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

func lockConversation(ctx context.Context, tx *sqlx.Tx, key string) (conversationRow, error) {
	var row conversationRow
	err := tx.GetContext(ctx, &row, `SELECT `+convColumns+` FROM conversations WHERE conversation_key=$1 FOR UPDATE`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return conversationRow{}, fmt.Errorf("conversation %q: %w", key, errs.ErrNotFound)
	}
	return row, err
}

func messageConversationKey(ctx context.Context, tx *sqlx.Tx, messageID string) (string, error) {
	var key string
	err := tx.GetContext(ctx, &key, `SELECT conversation_key FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message %q: %w", messageID, errs.ErrNotFound)
	}
	return key, err
}

// classify maps driver failures onto the error taxonomy. Errors that already carry a
// taxonomy sentinel pass through unchanged.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrNotFound),
		errors.Is(err, errs.ErrConflict),
		errors.Is(err, errs.ErrInvalidTransition),
		errors.Is(err, errs.ErrValidation),
		errors.Is(err, errs.ErrConnectivity),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return errs.Connectivity(op, err)
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return fmt.Errorf("%s: %w: %w", op, errs.ErrConflict, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return errs.Connectivity(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
