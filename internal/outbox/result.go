package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/status"
	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/zap"
)

// Result is the asynchronous outcome of a hand-off, published by the
// platform as sms.send_result.
type Result struct {
	// MessageID is the id the message was handed off with.
	MessageID int64
	// ExternalID is the id the platform store filed the message under, or 0.
	ExternalID int64
	// ThreadID is the real thread the platform filed the message in, or 0.
	ThreadID int64
	Sent     bool
	Error    string
}

// Delivery is a delivery report, published as sms.delivery_report.
type Delivery struct {
	MessageID int64
	Delivered bool
}

// HandleResult merges a send outcome into the cache by message id. The local
// id is replaced by the external one and the message follows the thread the
// platform reports. Outcomes that would move the message backwards are
// dropped.
func (p *Pipeline) HandleResult(ctx context.Context, r Result) error {
	p.mu.Lock()
	out, pending := p.pending[r.MessageID]
	delete(p.pending, r.MessageID)
	p.mu.Unlock()

	msg, err := p.lookupResult(ctx, r)
	if err != nil {
		return err
	}
	if msg == nil && pending {
		if msg, err = p.materialize(ctx, out, r.ThreadID); err != nil {
			return err
		}
	}
	if msg == nil {
		p.logger.Warn("send result for unknown message", zap.Int64("message_id", r.MessageID))
		p.bus.Emit(bus.KindRefreshRequested, nil)
		return nil
	}

	to := status.Failed
	if r.Sent {
		to = status.Sent
	}
	if err := status.ValidateSend(status.SendStateOf(msg), to); err != nil {
		p.logger.Warn("dropping send result", zap.Error(err), zap.Int64("message_id", msg.ID))
		return nil
	}

	from, target := msg.ThreadID, msg.ThreadID
	if r.ThreadID > 0 {
		target = r.ThreadID
	}
	id, err := p.applyResult(ctx, msg, r, from, target)
	if err != nil {
		return fmt.Errorf("merge result of message %d: %w", msg.ID, err)
	}

	if r.Sent {
		p.logger.Info("message sent", zap.Int64("message_id", id), zap.Int64("thread_id", target))
		p.bus.Emit(bus.KindRefreshRequested, nil)
	} else {
		p.logger.Warn("message failed", zap.Int64("message_id", id), zap.String("error", r.Error))
		p.notifier.ShowFailed(id, strings.Join(msg.Addresses(), ","), target)
	}
	if from != target {
		p.bus.Emit(bus.KindMessagesRefresh, bus.ThreadRef{ThreadID: from})
	}
	p.bus.Emit(bus.KindMessagesRefresh, bus.ThreadRef{ThreadID: target})
	p.bus.Emit(bus.KindConversationsRefresh, nil)
	return nil
}

// lookupResult finds the message a result concerns. A repeated result finds
// the row already re-keyed to the external id.
func (p *Pipeline) lookupResult(ctx context.Context, r Result) (*store.Message, error) {
	msg, err := p.db.GetMessage(ctx, r.MessageID)
	if err != nil || msg != nil || r.ExternalID <= 0 {
		return msg, err
	}
	return p.db.GetMessage(ctx, r.ExternalID)
}

// materialize inserts the row of a send that was handed off before its
// thread was known.
func (p *Pipeline) materialize(ctx context.Context, out Outgoing, threadID int64) (*store.Message, error) {
	if threadID <= 0 {
		return nil, nil
	}
	msg := p.newMessage(Draft{Recipients: out.Recipients, Body: out.Body, Attachments: out.Attachments}, threadID)
	msg.ID = out.MessageID
	msg.SubscriptionID = out.SubscriptionID
	msg.Type = store.TypeOutbox
	msg.Status = store.StatusPending
	msg.Date = p.now().Unix()
	if err := p.write(ctx, threadID, func(tx *store.Tx) error {
		if err := p.ensureConversation(ctx, tx, threadID, out.Recipients, msg.Date); err != nil {
			return err
		}
		return tx.UpsertMessage(ctx, msg)
	}); err != nil {
		return nil, fmt.Errorf("insert sent message: %w", err)
	}
	return msg, nil
}

func (p *Pipeline) applyResult(ctx context.Context, msg *store.Message, r Result, from, target int64) (int64, error) {
	unlock := p.threads.LockPair(from, target)
	defer unlock()

	id := msg.ID
	err := p.db.Transaction(ctx, func(tx *store.Tx) error {
		// Re-key first: when a reconcile already ingested the external row,
		// that row survives and the local one is dropped.
		if r.ExternalID > 0 && r.ExternalID != id {
			if err := tx.ReplaceMessageID(ctx, id, r.ExternalID); err != nil {
				return err
			}
			id = r.ExternalID
		}
		cur, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("message %d vanished: %w", id, store.ErrNotFound)
		}
		typ, st := store.TypeSent, cur.Status
		if !r.Sent {
			typ, st = store.TypeFailed, store.StatusFailed
		}
		if err := tx.UpdateType(ctx, id, typ); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, id, st); err != nil {
			return err
		}
		if from > 0 && target != from {
			if err := p.ensureConversation(ctx, tx, target, msg.Addresses(), msg.Date); err != nil {
				return err
			}
			if err := tx.MoveMessage(ctx, id, target); err != nil {
				return err
			}
			if err := tx.RefreshSnippet(ctx, from); err != nil {
				return err
			}
		}
		return tx.RefreshSnippet(ctx, target)
	})
	if err != nil {
		return 0, err
	}

	// A temporary thread folds into the real one as a whole.
	if from < 0 && target != from {
		if _, err := p.db.MigrateThread(ctx, from, target); err != nil {
			return 0, err
		}
		p.bus.Emit(bus.KindThreadMigrated, bus.ThreadMigrated{From: from, To: target})
	}
	return id, nil
}

// HandleDelivery records a delivery report on a sent message.
func (p *Pipeline) HandleDelivery(ctx context.Context, id int64, delivered bool) error {
	msg, err := p.db.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		p.logger.Debug("delivery report for unknown message", zap.Int64("message_id", id))
		return nil
	}
	if err := status.ValidateSend(status.SendStateOf(msg), status.Sent); err != nil {
		p.logger.Warn("dropping delivery report", zap.Error(err), zap.Int64("message_id", id))
		return nil
	}

	st := store.StatusComplete
	if !delivered {
		st = store.StatusFailed
	}
	if err := p.write(ctx, msg.ThreadID, func(tx *store.Tx) error {
		return tx.UpdateStatus(ctx, id, st)
	}); err != nil {
		return fmt.Errorf("record delivery of message %d: %w", id, err)
	}
	if !delivered {
		p.notifier.ShowFailed(id, strings.Join(msg.Addresses(), ","), msg.ThreadID)
	}
	return nil
}
