// Package core composes the messaging components around one RemoteStore.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"messaging-core/internal/chat"
	"messaging-core/internal/errs"
	"messaging-core/internal/hub"
	"messaging-core/internal/identity"
	"messaging-core/internal/models"
	"messaging-core/internal/offline"
	"messaging-core/internal/presence"
	"messaging-core/internal/repositories"
)

// Settings tunes the composed components. Zero values keep each component's default.
type Settings struct {
	Origin          string
	TypingTTL       time.Duration
	PageLimitMax    int
	MonitorInterval time.Duration
	OnStall         offline.StallHandler

	// PresenceWriteTimeout bounds each presence write-through driven by TrackAuth.
	PresenceWriteTimeout time.Duration
}

const defaultPresenceWriteTimeout = 2 * time.Second

// Core owns the message store, conversation index, signaler and queue monitor.
type Core struct {
	Messages      *chat.Service
	Conversations *chat.Index
	Signals       *presence.Signaler
	Monitor       *offline.Monitor

	store  repositories.RemoteStore
	queue  *offline.Queue
	hub    *hub.Hub
	origin string
	log    *slog.Logger

	presenceTimeout time.Duration
}

// New wires every component on top of store, queue and h.
func New(store repositories.RemoteStore, queue *offline.Queue, h *hub.Hub, log *slog.Logger, cfg Settings) *Core {
	c := &Core{store: store, queue: queue, hub: h, origin: cfg.Origin, log: log, presenceTimeout: cfg.PresenceWriteTimeout}
	if c.presenceTimeout <= 0 {
		c.presenceTimeout = defaultPresenceWriteTimeout
	}

	locks := chat.NewKeyedMutex()
	c.Messages = chat.NewService(store, queue, h, log.With("component", "chat"),
		chat.WithLocks(locks),
		chat.WithPageLimit(cfg.PageLimitMax),
		chat.WithQueuedHook(func() { c.Monitor.RequestDrain() }),
	)
	c.Conversations = chat.NewIndex(store, h, locks, log.With("component", "index"))
	c.Signals = presence.New(store, queue, h, log.With("component", "presence"), presence.WithTypingTTL(cfg.TypingTTL))

	stall := func(ctx context.Context, s *offline.QueueStalledError) {
		c.log.Error("queue.stalled", "op_id", s.OpID, "kind", s.Kind, "origin", s.Origin, "error", s.Err)
		if cfg.OnStall != nil {
			cfg.OnStall(ctx, s)
		}
	}
	c.Monitor = offline.NewMonitor(queue, store, c.Apply, cfg.MonitorInterval, log.With("component", "queue"),
		offline.WithStallHandler(stall))
	return c
}

// Queue exposes the offline queue for inspection.
func (c *Core) Queue() *offline.Queue { return c.queue }

// Hub exposes the delivery hub.
func (c *Core) Hub() *hub.Hub { return c.hub }

// Apply replays one queued operation against the component that owns it.
func (c *Core) Apply(ctx context.Context, op models.OfflineOperation) error {
	switch op.Kind {
	case models.OpSetTyping:
		return c.Signals.Replay(ctx, op)
	case models.OpSend, models.OpUpdateStatus, models.OpMarkRead, models.OpSoftDelete:
		return c.Messages.Replay(ctx, op)
	}
	return errs.Validation("operation kind", fmt.Sprintf("%q is unknown", op.Kind))
}

// TrackAuth mirrors sign-in and sign-out into presence until ctx is done or feed closes.
// The feed blocks its emitters until read, so each store write is bounded; the local state
// and the PresenceChanged event are applied before the write either way.
func (c *Core) TrackAuth(ctx context.Context, feed identity.Feed) error {
	changes := feed.OnAuthChange(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, c.presenceTimeout)
			_, err := c.Signals.SetOnline(wctx, change.UserID, change.SignedIn)
			cancel()
			if err != nil {
				c.log.Warn("presence.persist.failed", "user_id", change.UserID, "online", change.SignedIn, "error", err)
			}
		}
	}
}

// Bridge republishes changes committed by other processes sharing the store. Changes stamped
// with this process's origin were published already and are skipped.
func (c *Core) Bridge(ctx context.Context) error {
	changes, err := c.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch store: %w", err)
	}
	c.log.Info("bridge.started", "origin", c.origin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.Origin == c.origin {
				continue
			}
			if err := c.relay(ctx, change); err != nil && ctx.Err() == nil {
				c.log.Warn("bridge.relay.failed", "kind", change.Kind, "conversation_key", change.ConversationKey, "error", err)
			}
		}
	}
}

func (c *Core) relay(ctx context.Context, change repositories.Change) error {
	conv, err := c.store.GetConversation(ctx, change.ConversationKey)
	if err != nil {
		return err
	}

	var msg *models.Message
	if change.MessageID != "" {
		m, err := c.store.GetMessage(ctx, change.MessageID)
		if err != nil {
			return err
		}
		msg = &m
		var evtType models.EventType
		switch change.Kind {
		case repositories.ChangeMessageCreated:
			evtType = models.EventMessageCreated
		case repositories.ChangeStatusChanged:
			evtType = models.EventMessageStatusChanged
		case repositories.ChangeMessageDeleted:
			evtType = models.EventMessageDeleted
		default:
			return fmt.Errorf("unexpected change kind %q", change.Kind)
		}
		c.hub.Publish(hub.ConversationTopic(conv.Key), models.Event{Type: evtType, Message: msg})
	}

	for _, uid := range conv.ParticipantIDs {
		cc := conv.Clone()
		c.hub.Publish(hub.UserConversationsTopic(uid), models.Event{
			Type:         models.EventConversationUpdated,
			Conversation: &cc,
			Message:      msg,
		})
	}
	return nil
}

// Close stops typing timers. The store and queue belong to the caller.
func (c *Core) Close() {
	c.Signals.Close()
}
