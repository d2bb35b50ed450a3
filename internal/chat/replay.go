package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"messaging-core/internal/errs"
	"messaging-core/internal/models"
)

// Replay applies a queued message command. It never queues again: a connectivity failure is
// returned so the drain halts the origin's lane. Commands whose effect is already present in
// the store are successful no-ops, so replaying after a crash between write and ack is safe.
func (s *Service) Replay(ctx context.Context, op models.OfflineOperation) (err error) {
	ctx, span := s.start(ctx, "chat.Replay")
	defer func() { end(span, err) }()

	switch op.Kind {
	case models.OpSend:
		var p models.SendPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		return s.commitSend(ctx, p.Message)
	case models.OpUpdateStatus:
		var p models.StatusPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		_, err := s.commitStatus(ctx, op.Origin, p.MessageID, p.Status, true)
		return err
	case models.OpMarkRead:
		var p models.MarkReadPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		_, err := s.commitMarkRead(ctx, p.ConversationKey, p.ReaderID)
		return err
	case models.OpSoftDelete:
		var p models.DeletePayload
		if err := decode(op, &p); err != nil {
			return err
		}
		_, err := s.commitDelete(ctx, op.Origin, p.MessageID, true)
		return err
	}
	return errs.Validation("operation kind", fmt.Sprintf("%q is not a message command", op.Kind))
}

func decode(op models.OfflineOperation, into any) error {
	if err := json.Unmarshal(op.Payload, into); err != nil {
		return fmt.Errorf("%w: decode %s payload of %s: %v", errs.ErrValidation, op.Kind, op.OpID, err)
	}
	return nil
}
