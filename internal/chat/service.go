// Package chat implements the message store and conversation index on top of a RemoteStore.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"messaging-core/internal/convkey"
	"messaging-core/internal/errs"
	"messaging-core/internal/hub"
	"messaging-core/internal/models"
	"messaging-core/internal/observability"
	"messaging-core/internal/repositories"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200

	// conflictAttempts bounds internal retries of ErrConflict.
	conflictAttempts = 3
)

// Queue parks mutating commands while the remote store is unreachable.
type Queue interface {
	Enqueue(kind models.OperationKind, origin string, payload any) (models.OfflineOperation, error)
	Pending(origin string) bool
}

// Publisher fans events out to live subscribers.
type Publisher interface {
	Publish(topic hub.Topic, evt models.Event)
}

// SendRequest is the input of Send.
type SendRequest struct {
	SenderID   string             `json:"sender_id" validate:"required,userid"`
	ReceiverID string             `json:"receiver_id" validate:"required,userid,nefield=SenderID"`
	Content    string             `json:"content" validate:"required"`
	Type       models.MessageType `json:"type" validate:"omitempty,oneof=text image audio video"`
}

// ReadReceipt is the result of MarkAllRead.
type ReadReceipt struct {
	ConversationKey string              `json:"conversation_key"`
	ReaderID        string              `json:"reader_id"`
	Marked          int                 `json:"marked"`
	Conversation    models.Conversation `json:"conversation"`
	Queued          bool                `json:"queued,omitempty"`
}

// Service is the message store: every message mutation goes through it.
type Service struct {
	store    repositories.RemoteStore
	queue    Queue
	hub      Publisher
	locks    *KeyedMutex
	log      *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer

	pageMax  int
	onQueued func()
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithPageLimit caps the page size accepted by Page.
func WithPageLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageMax = n
		}
	}
}

// WithQueuedHook is called after a command was parked in the queue.
func WithQueuedHook(fn func()) Option {
	return func(s *Service) { s.onQueued = fn }
}

// WithIDGenerator replaces the message id source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithLocks shares a lock table with other components touching the same conversations.
func WithLocks(l *KeyedMutex) Option {
	return func(s *Service) { s.locks = l }
}

// NewService wires the message store.
func NewService(store repositories.RemoteStore, queue Queue, pub Publisher, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		queue:    queue,
		hub:      pub,
		locks:    NewKeyedMutex(),
		log:      log,
		validate: newValidator(),
		tracer:   otel.Tracer("messaging-core/chat"),
		pageMax:  maxPageLimit,
		onQueued: func() {},
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send stores a new message. When the store is unreachable, or the sender still has queued
// commands, the message is queued and returned with Optimistic set; it is published only once
// the durable write happens.
func (s *Service) Send(ctx context.Context, req SendRequest) (msg models.Message, err error) {
	ctx, span := s.start(ctx, "chat.Send")
	defer func() { end(span, err) }()

	if err := s.validate.Struct(req); err != nil {
		return models.Message{}, validationError(err)
	}
	if strings.TrimSpace(req.Content) == "" {
		return models.Message{}, errs.Validation("content", "is empty")
	}
	if req.Type == "" {
		req.Type = models.TypeText
	}

	msg = models.Message{
		ID:              s.newID(),
		ConversationKey: convkey.Derive(req.SenderID, req.ReceiverID),
		SenderID:        req.SenderID,
		ReceiverID:      req.ReceiverID,
		Content:         req.Content,
		Type:            req.Type,
		Status:          models.StatusSent,
		Timestamp:       models.Now(),
	}
	span.SetAttributes(attribute.String("conversation.key", msg.ConversationKey), attribute.String("message.id", msg.ID))

	if s.queue.Pending(req.SenderID) {
		return s.queueSend(msg, nil)
	}
	if err := s.commitSend(ctx, msg); err != nil {
		if errors.Is(err, errs.ErrConnectivity) {
			return s.queueSend(msg, err)
		}
		return models.Message{}, err
	}
	s.log.Info("message.sent", "message_id", msg.ID, "conversation_key", msg.ConversationKey)
	return msg, nil
}

func (s *Service) queueSend(msg models.Message, cause error) (models.Message, error) {
	if _, err := s.enqueue(models.OpSend, msg.SenderID, models.SendPayload{Message: msg}, cause); err != nil {
		return models.Message{}, err
	}
	msg.Optimistic = true
	return msg, nil
}

// commitSend performs the durable write and publishes. Inserting an id that already exists is
// a successful no-op.
func (s *Service) commitSend(ctx context.Context, msg models.Message) error {
	unlock := s.locks.Lock(msg.ConversationKey)
	defer unlock()

	var res repositories.InsertResult
	err := retryConflicts(ctx, "send", func() error {
		var err error
		res, err = s.store.InsertMessage(ctx, msg)
		return err
	})
	if err != nil {
		return err
	}
	if !res.Inserted {
		s.log.Debug("message.duplicate", "message_id", msg.ID)
		return nil
	}
	msg.Optimistic = false
	s.publishMessage(models.EventMessageCreated, msg, res.Conversation)
	return nil
}

// Get returns one message visible to actorID.
func (s *Service) Get(ctx context.Context, actorID, messageID string) (models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if actorID != msg.SenderID && actorID != msg.ReceiverID {
		return models.Message{}, fmt.Errorf("message %q: %w", messageID, errs.ErrForbidden)
	}
	return msg, nil
}

// UpdateStatus moves a message forward along sent -> delivered -> read. Setting the current
// status again is a no-op; moving backwards fails with ErrInvalidTransition.
func (s *Service) UpdateStatus(ctx context.Context, actorID, messageID string, status models.MessageStatus) (msg models.Message, err error) {
	ctx, span := s.start(ctx, "chat.UpdateStatus")
	defer func() { end(span, err) }()
	span.SetAttributes(attribute.String("message.id", messageID), attribute.String("message.status", string(status)))

	if err := convkey.ValidateID(actorID); err != nil {
		return models.Message{}, err
	}
	if !status.Valid() {
		return models.Message{}, errs.Validation("status", "is unknown")
	}
	if messageID == "" {
		return models.Message{}, errs.Validation("message_id", "is required")
	}

	payload := models.StatusPayload{MessageID: messageID, Status: status}
	if s.queue.Pending(actorID) {
		return s.queueStatus(actorID, payload, nil)
	}
	msg, err = s.commitStatus(ctx, actorID, messageID, status, false)
	if errors.Is(err, errs.ErrConnectivity) {
		return s.queueStatus(actorID, payload, err)
	}
	return msg, err
}

func (s *Service) queueStatus(actorID string, payload models.StatusPayload, cause error) (models.Message, error) {
	if _, err := s.enqueue(models.OpUpdateStatus, actorID, payload, cause); err != nil {
		return models.Message{}, err
	}
	return models.Message{ID: payload.MessageID, Status: payload.Status, Optimistic: true}, nil
}

// commitStatus applies a status change under the conversation lock. In replay mode a target
// status already reached or passed is treated as applied.
func (s *Service) commitStatus(ctx context.Context, actorID, messageID string, to models.MessageStatus, replay bool) (models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if actorID != msg.ReceiverID {
		return models.Message{}, fmt.Errorf("only the receiver may update the status of %q: %w", messageID, errs.ErrForbidden)
	}

	unlock := s.locks.Lock(msg.ConversationKey)
	defer unlock()

	var (
		updated models.Message
		conv    models.Conversation
		changed bool
	)
	err = retryConflicts(ctx, "update_status", func() error {
		current, err := s.store.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		switch {
		case current.Status == to:
			updated, changed = current, false
			return nil
		case to.Rank() < current.Status.Rank():
			if replay {
				updated, changed = current, false
				return nil
			}
			return errs.Transition("message %q cannot move from %s to %s", messageID, current.Status, to)
		}
		updated, conv, err = s.store.UpdateStatus(ctx, messageID, current.Status, to)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		s.log.Info("message.status.changed", "message_id", messageID, "status", to)
		s.publishMessage(models.EventMessageStatusChanged, updated, conv)
	}
	return updated, nil
}

// MarkAllRead marks every message addressed to readerID in the conversation as read and
// zeroes the reader's unread counter in the same transaction.
func (s *Service) MarkAllRead(ctx context.Context, conversationKey, readerID string) (receipt ReadReceipt, err error) {
	ctx, span := s.start(ctx, "chat.MarkAllRead")
	defer func() { end(span, err) }()
	span.SetAttributes(attribute.String("conversation.key", conversationKey))

	if err := convkey.ValidateID(readerID); err != nil {
		return ReadReceipt{}, err
	}
	if _, _, err := convkey.Participants(conversationKey); err != nil {
		return ReadReceipt{}, err
	}
	if !convkey.Includes(conversationKey, readerID) {
		return ReadReceipt{}, fmt.Errorf("conversation %q: %w", conversationKey, errs.ErrForbidden)
	}

	payload := models.MarkReadPayload{ConversationKey: conversationKey, ReaderID: readerID}
	if s.queue.Pending(readerID) {
		return s.queueMarkRead(payload, nil)
	}
	receipt, err = s.commitMarkRead(ctx, conversationKey, readerID)
	if errors.Is(err, errs.ErrConnectivity) {
		return s.queueMarkRead(payload, err)
	}
	return receipt, err
}

func (s *Service) queueMarkRead(payload models.MarkReadPayload, cause error) (ReadReceipt, error) {
	if _, err := s.enqueue(models.OpMarkRead, payload.ReaderID, payload, cause); err != nil {
		return ReadReceipt{}, err
	}
	return ReadReceipt{ConversationKey: payload.ConversationKey, ReaderID: payload.ReaderID, Queued: true}, nil
}

func (s *Service) commitMarkRead(ctx context.Context, conversationKey, readerID string) (ReadReceipt, error) {
	unlock := s.locks.Lock(conversationKey)
	defer unlock()

	var (
		changed []models.Message
		conv    models.Conversation
	)
	err := retryConflicts(ctx, "mark_all_read", func() error {
		var err error
		changed, conv, err = s.store.MarkAllRead(ctx, conversationKey, readerID)
		return err
	})
	if err != nil {
		return ReadReceipt{}, err
	}

	// Oldest first so subscribers see status changes in send order.
	for i := len(changed) - 1; i >= 0; i-- {
		s.hub.Publish(hub.ConversationTopic(conversationKey), models.Event{
			Type:    models.EventMessageStatusChanged,
			Message: &changed[i],
		})
	}
	s.publishConversation(conv, nil)
	s.log.Info("conversation.read", "conversation_key", conversationKey, "reader_id", readerID, "marked", len(changed))
	return ReadReceipt{ConversationKey: conversationKey, ReaderID: readerID, Marked: len(changed), Conversation: conv}, nil
}

// SoftDelete replaces the content of a message with the tombstone. Only the sender may delete,
// and a message can be deleted once.
func (s *Service) SoftDelete(ctx context.Context, actorID, messageID string) (msg models.Message, err error) {
	ctx, span := s.start(ctx, "chat.SoftDelete")
	defer func() { end(span, err) }()
	span.SetAttributes(attribute.String("message.id", messageID))

	if err := convkey.ValidateID(actorID); err != nil {
		return models.Message{}, err
	}
	if messageID == "" {
		return models.Message{}, errs.Validation("message_id", "is required")
	}
	payload := models.DeletePayload{MessageID: messageID}
	if s.queue.Pending(actorID) {
		return s.queueDelete(actorID, payload, nil)
	}
	msg, err = s.commitDelete(ctx, actorID, messageID, false)
	if errors.Is(err, errs.ErrConnectivity) {
		return s.queueDelete(actorID, payload, err)
	}
	return msg, err
}

func (s *Service) queueDelete(actorID string, payload models.DeletePayload, cause error) (models.Message, error) {
	if _, err := s.enqueue(models.OpSoftDelete, actorID, payload, cause); err != nil {
		return models.Message{}, err
	}
	return models.Message{ID: payload.MessageID, IsDeleted: true, Content: models.Tombstone, Optimistic: true}, nil
}

func (s *Service) commitDelete(ctx context.Context, actorID, messageID string, replay bool) (models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if actorID != msg.SenderID {
		return models.Message{}, fmt.Errorf("only the sender may delete %q: %w", messageID, errs.ErrForbidden)
	}
	if msg.IsDeleted && replay {
		return msg, nil
	}

	unlock := s.locks.Lock(msg.ConversationKey)
	defer unlock()

	var conv models.Conversation
	err = retryConflicts(ctx, "soft_delete", func() error {
		var err error
		msg, conv, err = s.store.SoftDelete(ctx, messageID, models.Tombstone)
		return err
	})
	if err != nil {
		return models.Message{}, err
	}
	s.log.Info("message.deleted", "message_id", messageID, "conversation_key", msg.ConversationKey)
	s.publishMessage(models.EventMessageDeleted, msg, conv)
	return msg, nil
}

// Page returns up to limit messages strictly older than cursor, newest first.
func (s *Service) Page(ctx context.Context, actorID, conversationKey string, limit int, cursor models.PageCursor) (page []models.Message, err error) {
	ctx, span := s.start(ctx, "chat.Page")
	defer func() { end(span, err) }()
	span.SetAttributes(attribute.String("conversation.key", conversationKey), attribute.Int("page.limit", limit))

	if _, _, err := convkey.Participants(conversationKey); err != nil {
		return nil, err
	}
	if !convkey.Includes(conversationKey, actorID) {
		return nil, fmt.Errorf("conversation %q: %w", conversationKey, errs.ErrForbidden)
	}
	switch {
	case limit < 0:
		return nil, errs.Validation("limit", "must not be negative")
	case limit == 0:
		limit = defaultPageLimit
	case limit > s.pageMax:
		limit = s.pageMax
	}
	return s.store.PageMessages(ctx, conversationKey, limit, cursor)
}

func (s *Service) enqueue(kind models.OperationKind, origin string, payload any, cause error) (models.OfflineOperation, error) {
	op, err := s.queue.Enqueue(kind, origin, payload)
	if err != nil {
		if cause != nil {
			return models.OfflineOperation{}, fmt.Errorf("queue %s after %w: %w", kind, cause, err)
		}
		return models.OfflineOperation{}, fmt.Errorf("queue %s: %w", kind, err)
	}
	if cause != nil {
		s.log.Warn("command.queued", "kind", kind, "origin", origin, "op_id", op.OpID, "error", cause)
	} else {
		s.log.Info("command.queued", "kind", kind, "origin", origin, "op_id", op.OpID, "reason", "pending")
	}
	s.onQueued()
	return op, nil
}

// publishMessage publishes evtType on the conversation topic and the conversation summary on
// both participants' list topics.
func (s *Service) publishMessage(evtType models.EventType, msg models.Message, conv models.Conversation) {
	s.hub.Publish(hub.ConversationTopic(msg.ConversationKey), models.Event{Type: evtType, Message: &msg})
	s.publishConversation(conv, &msg)
}

func (s *Service) publishConversation(conv models.Conversation, msg *models.Message) {
	if conv.Key == "" {
		return
	}
	for _, uid := range conv.ParticipantIDs {
		c := conv.Clone()
		s.hub.Publish(hub.UserConversationsTopic(uid), models.Event{
			Type:         models.EventConversationUpdated,
			Conversation: &c,
			Message:      msg,
		})
	}
}

func (s *Service) start(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// retryConflicts runs fn until it returns something other than ErrConflict, at most
// conflictAttempts times.
func retryConflicts(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		if err = fn(); !errors.Is(err, errs.ErrConflict) {
			return err
		}
		observability.IncStoreConflict(op)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
