package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/status"
	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/zap"
)

// Schedule persists a draft as a QUEUED message dated at the target time and
// arms its timer. Recipients without a real thread get a temporary one.
func (p *Pipeline) Schedule(ctx context.Context, d Draft, at time.Time) (*store.Message, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}
	if err := p.checkScheduleTime(at); err != nil {
		return nil, err
	}
	if err := status.ValidateSend(status.Composing, status.QueuedScheduled); err != nil {
		return nil, err
	}

	threadID, err := p.resolveThread(ctx, d)
	if err != nil {
		return nil, err
	}
	if threadID == 0 {
		if threadID, err = p.temporaryThread(ctx, d.Recipients); err != nil {
			return nil, err
		}
	}

	msg := p.newMessage(d, threadID)
	msg.SubscriptionID = p.chooseChannel(ctx, d, threadID)
	msg.Type = store.TypeQueued
	msg.Status = store.StatusNone
	msg.IsScheduled = true
	msg.Date = at.Unix()

	if err := p.write(ctx, threadID, func(tx *store.Tx) error {
		if err := p.ensureConversation(ctx, tx, threadID, d.Recipients, msg.Date); err != nil {
			return err
		}
		return tx.UpsertMessage(ctx, msg)
	}); err != nil {
		return nil, fmt.Errorf("persist scheduled message: %w", err)
	}
	if err := p.scheduler.Schedule(msg.ID, at.UnixMilli()); err != nil {
		return nil, fmt.Errorf("arm scheduled message %d: %w", msg.ID, err)
	}
	p.logger.Info("message scheduled",
		zap.Int64("message_id", msg.ID),
		zap.Int64("thread_id", threadID),
		zap.Time("at", at))
	return msg, nil
}

// EditScheduled replaces the body and time of a scheduled message in place,
// keeping its id, and re-arms the timer.
func (p *Pipeline) EditScheduled(ctx context.Context, id int64, body string, at time.Time) (*store.Message, error) {
	msg, err := p.scheduledMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" && len(msg.Attachments) == 0 {
		return nil, userError(ErrEmptyMessage, "type a message or attach a file")
	}
	if err := p.checkScheduleTime(at); err != nil {
		return nil, err
	}
	if err := status.ValidateSend(status.QueuedScheduled, status.QueuedScheduled); err != nil {
		return nil, err
	}

	if err := p.write(ctx, msg.ThreadID, func(tx *store.Tx) error {
		cur, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil || !cur.IsScheduled {
			return userError(ErrNotScheduled, "the message was already sent or cancelled")
		}
		msg = cur
		msg.Body = body
		msg.Date = at.Unix()
		msg.StableID = ""
		return tx.UpsertMessage(ctx, msg)
	}); err != nil {
		return nil, err
	}
	if err := p.scheduler.Schedule(id, at.UnixMilli()); err != nil {
		return nil, fmt.Errorf("re-arm scheduled message %d: %w", id, err)
	}
	return msg, nil
}

// CancelScheduled disarms a scheduled message and deletes it. A temporary
// thread left empty is deleted with it.
func (p *Pipeline) CancelScheduled(ctx context.Context, id int64) error {
	msg, err := p.scheduledMessage(ctx, id)
	if err != nil {
		return err
	}
	p.scheduler.Cancel(id)

	// A timer already in flight may have fired it since the read above.
	return p.write(ctx, msg.ThreadID, func(tx *store.Tx) error {
		cur, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil || !cur.IsScheduled {
			return userError(ErrNotScheduled, "the message was already sent or cancelled")
		}
		if err := tx.DeleteMessage(ctx, id); err != nil {
			return err
		}
		conv, err := tx.GetConversation(ctx, msg.ThreadID)
		if err != nil || conv == nil || !conv.IsTemporary {
			return err
		}
		left, err := tx.CountThreadMessages(ctx, msg.ThreadID)
		if err != nil || left > 0 {
			return err
		}
		return tx.DeleteConversation(ctx, msg.ThreadID)
	})
}

// Fire sends a scheduled message that is due. A message cancelled or already
// fired is ignored. A temporary thread whose recipients gained a real thread
// is merged into it first.
func (p *Pipeline) Fire(ctx context.Context, id int64) error {
	msg, err := p.db.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil || !msg.IsScheduled {
		p.logger.Debug("scheduled message gone before firing", zap.Int64("message_id", id))
		return nil
	}
	if err := status.ValidateSend(status.SendStateOf(msg), status.Sending); err != nil {
		return err
	}

	from, to := msg.ThreadID, msg.ThreadID
	if from < 0 {
		realID, err := p.resolveThread(ctx, Draft{Recipients: msg.Addresses()})
		if err != nil {
			return err
		}
		if realID != 0 {
			to = realID
		}
	}

	fired, err := p.markFired(ctx, id, from, to)
	if err != nil {
		return fmt.Errorf("fire scheduled message %d: %w", id, err)
	}
	if fired == nil {
		return nil
	}
	return p.dispatch(ctx, fired)
}

func (p *Pipeline) markFired(ctx context.Context, id, from, to int64) (*store.Message, error) {
	unlock := p.threads.LockPair(from, to)
	defer unlock()

	var msg *store.Message
	err := p.db.Transaction(ctx, func(tx *store.Tx) error {
		cur, err := tx.GetMessage(ctx, id)
		if err != nil || cur == nil || !cur.IsScheduled {
			return err
		}
		msg = cur
		msg.IsScheduled = false
		msg.Type = store.TypeOutbox
		msg.Status = store.StatusPending
		msg.Date = p.now().Unix()
		msg.StableID = ""
		if err := tx.UpsertMessage(ctx, msg); err != nil {
			return err
		}
		return tx.RefreshSnippet(ctx, from)
	})
	if err != nil || msg == nil {
		return nil, err
	}

	if to != from {
		if _, err := p.db.MigrateThread(ctx, from, to); err != nil {
			return nil, err
		}
		msg.ThreadID = to
		p.bus.Emit(bus.KindThreadMigrated, bus.ThreadMigrated{From: from, To: to})
	}
	p.bus.Emit(bus.KindMessagesRefresh, bus.ThreadRef{ThreadID: msg.ThreadID})
	return msg, nil
}

// RestoreSchedules re-arms every scheduled message after a restart. Messages
// that came due while the daemon was down fire immediately.
func (p *Pipeline) RestoreSchedules(ctx context.Context) (int, error) {
	msgs, err := p.db.ScheduledMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduled messages: %w", err)
	}
	now := p.now().UnixMilli()
	for _, m := range msgs {
		at := m.Date * 1000
		if at <= now {
			if err := p.Fire(ctx, m.ID); err != nil {
				p.logger.Error("failed to fire overdue message", zap.Error(err), zap.Int64("message_id", m.ID))
			}
			continue
		}
		if err := p.scheduler.Schedule(m.ID, at); err != nil {
			p.logger.Error("failed to re-arm scheduled message", zap.Error(err), zap.Int64("message_id", m.ID))
		}
	}
	p.logger.Info("scheduled messages restored", zap.Int("count", len(msgs)))
	return len(msgs), nil
}

func (p *Pipeline) fireAsync(id int64) {
	if err := p.Fire(p.baseCtx, id); err != nil {
		p.logger.Error("failed to fire scheduled message", zap.Error(err), zap.Int64("message_id", id))
	}
}

func (p *Pipeline) scheduledMessage(ctx context.Context, id int64) (*store.Message, error) {
	msg, err := p.db.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil || !msg.IsScheduled {
		return nil, userError(ErrNotScheduled, "the message was already sent or cancelled")
	}
	return msg, nil
}

func (p *Pipeline) checkScheduleTime(at time.Time) error {
	if !at.After(p.now().Add(p.opts.MinScheduleBuffer)) {
		return userError(ErrScheduleTooSoon, "pick a time further in the future")
	}
	return nil
}

// temporaryThread returns the temporary thread already anchoring these
// recipients, or a fresh local id for a new one.
func (p *Pipeline) temporaryThread(ctx context.Context, recipients []string) (int64, error) {
	conv, err := p.db.ConversationByParticipantKey(ctx, store.ParticipantKey(recipients))
	if err != nil {
		return 0, fmt.Errorf("temporary thread: %w", err)
	}
	if conv != nil && conv.IsTemporary {
		return conv.ThreadID, nil
	}
	return store.NewLocalID(), nil
}
