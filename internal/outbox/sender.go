// Package outbox runs the outbound send pipeline: immediate sends, scheduled
// sends and the merge of their asynchronous outcomes into the cache.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/external"
	"github.com/matheus3301/sms/internal/lock"
	"github.com/matheus3301/sms/internal/notify"
	"github.com/matheus3301/sms/internal/status"
	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/zap"
)

// Draft is a message being composed.
type Draft struct {
	// ThreadID is the thread the draft was written in, or 0 to resolve it
	// from the recipients.
	ThreadID    int64
	Recipients  []string
	Body        string
	Attachments []store.Attachment
	// SubscriptionID is a channel the user picked explicitly, or nil.
	SubscriptionID *int
}

// Options configure the pipeline.
type Options struct {
	// MinScheduleBuffer is how far in the future a scheduled send must be.
	MinScheduleBuffer time.Duration
	// PinnedChannels maps a recipient address to the channel always used for
	// it.
	PinnedChannels map[string]int
}

// Pipeline sends messages and merges their outcomes into the cache. Every
// mutation of a thread runs under that thread's lock.
type Pipeline struct {
	db        *store.DB
	ext       external.Store
	transport Transport
	scheduler Scheduler
	bus       *bus.Bus
	notifier  notify.Sink
	threads   *lock.Threads
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu sync.Mutex
	// pending holds sends handed off without a known thread; their row is
	// created when the result names one.
	pending map[int64]Outgoing
}

// NewPipeline creates a send pipeline. A nil scheduler is replaced with a
// TimerScheduler firing into the pipeline.
func NewPipeline(db *store.DB, ext external.Store, t Transport, s Scheduler, b *bus.Bus,
	n notify.Sink, threads *lock.Threads, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = notify.Nop{}
	}
	if threads == nil {
		threads = lock.NewThreads()
	}
	pinned := make(map[string]int, len(opts.PinnedChannels))
	for addr, ch := range opts.PinnedChannels {
		pinned[store.NormalizeAddress(addr)] = ch
	}
	opts.PinnedChannels = pinned

	p := &Pipeline{
		db:        db,
		ext:       ext,
		transport: t,
		scheduler: s,
		bus:       b,
		notifier:  n,
		threads:   threads,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		baseCtx:   context.Background(),
		pending:   make(map[int64]Outgoing),
	}
	if p.scheduler == nil {
		p.scheduler = NewTimerScheduler(p.fireAsync)
	}
	return p
}

// Start subscribes to send results and delivery reports on the bus.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.baseCtx = ctx
	ch, unsub := p.bus.Subscribe("sms.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				p.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the pipeline loop and disarms in-process timers.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if ts, ok := p.scheduler.(*TimerScheduler); ok {
		ts.Stop()
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindSendResult:
		r, ok := evt.Payload.(Result)
		if !ok {
			return
		}
		if err := p.HandleResult(ctx, r); err != nil {
			p.logger.Error("failed to merge send result", zap.Error(err), zap.Int64("message_id", r.MessageID))
		}
	case bus.KindDeliveryReport:
		d, ok := evt.Payload.(Delivery)
		if !ok {
			return
		}
		if err := p.HandleDelivery(ctx, d.MessageID, d.Delivered); err != nil {
			p.logger.Error("failed to merge delivery report", zap.Error(err), zap.Int64("message_id", d.MessageID))
		}
	}
}

// Send validates a draft and hands it to the transport. When the thread is
// known the message is inserted first as OUTBOX/PENDING so it shows at once.
// A transport rejection marks it FAILED and is returned.
func (p *Pipeline) Send(ctx context.Context, d Draft) (*store.Message, error) {
	if err := validateDraft(d); err != nil {
		return nil, err
	}
	if err := status.ValidateSend(status.Composing, status.Sending); err != nil {
		return nil, err
	}

	threadID, err := p.resolveThread(ctx, d)
	if err != nil {
		return nil, err
	}
	msg := p.newMessage(d, threadID)
	msg.SubscriptionID = p.chooseChannel(ctx, d, threadID)
	msg.Type = store.TypeOutbox
	msg.Status = store.StatusPending
	msg.Date = p.now().Unix()

	if threadID != 0 {
		if err := p.write(ctx, threadID, func(tx *store.Tx) error {
			if err := p.ensureConversation(ctx, tx, threadID, d.Recipients, msg.Date); err != nil {
				return err
			}
			return tx.UpsertMessage(ctx, msg)
		}); err != nil {
			return nil, fmt.Errorf("insert outgoing message: %w", err)
		}
	}
	return msg, p.dispatch(ctx, msg)
}

// dispatch hands msg to the transport and records a synchronous rejection.
func (p *Pipeline) dispatch(ctx context.Context, msg *store.Message) error {
	out := Outgoing{
		MessageID:      msg.ID,
		ThreadID:       max(msg.ThreadID, 0),
		Recipients:     msg.Addresses(),
		Body:           msg.Body,
		Attachments:    msg.Attachments,
		SubscriptionID: msg.SubscriptionID,
		IsMMS:          msg.IsMMS,
	}
	if msg.ThreadID == 0 {
		p.mu.Lock()
		p.pending[msg.ID] = out
		p.mu.Unlock()
	}

	if err := p.transport.Send(ctx, out); err != nil {
		p.logger.Error("transport rejected message", zap.Error(err), zap.Int64("message_id", msg.ID))
		p.mu.Lock()
		delete(p.pending, msg.ID)
		p.mu.Unlock()
		msg.Type, msg.Status = store.TypeFailed, store.StatusFailed
		if msg.ThreadID != 0 {
			if werr := p.write(ctx, msg.ThreadID, func(tx *store.Tx) error {
				if err := tx.UpdateType(ctx, msg.ID, store.TypeFailed); err != nil {
					return err
				}
				return tx.UpdateStatus(ctx, msg.ID, store.StatusFailed)
			}); werr != nil {
				p.logger.Error("failed to record rejection", zap.Error(werr), zap.Int64("message_id", msg.ID))
			}
		}
		p.notifier.ShowFailed(msg.ID, strings.Join(out.Recipients, ","), msg.ThreadID)
		return fmt.Errorf("send message %d: %w", msg.ID, err)
	}

	if msg.ThreadID > 0 {
		unlock := p.threads.Lock(msg.ThreadID)
		err := p.db.SetArchived(ctx, msg.ThreadID, false)
		unlock()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("failed to unarchive thread", zap.Error(err), zap.Int64("thread_id", msg.ThreadID))
		}
	}
	p.logger.Info("message handed off",
		zap.Int64("message_id", msg.ID),
		zap.Int64("thread_id", msg.ThreadID),
		zap.Int("subscription_id", msg.SubscriptionID))
	p.bus.Emit(bus.KindConversationsRefresh, nil)
	return nil
}

// Resend retries a FAILED message under its existing id.
func (p *Pipeline) Resend(ctx context.Context, id int64) (*store.Message, error) {
	msg, err := p.db.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %d: %w", id, store.ErrNotFound)
	}
	if err := status.ValidateSend(status.SendStateOf(msg), status.Sending); err != nil {
		return nil, userError(ErrNotFailed, "only failed messages can be resent")
	}

	msg.Type = store.TypeOutbox
	msg.Status = store.StatusPending
	if err := p.write(ctx, msg.ThreadID, func(tx *store.Tx) error {
		if err := tx.UpdateType(ctx, id, msg.Type); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, id, msg.Status)
	}); err != nil {
		return nil, fmt.Errorf("resend message %d: %w", id, err)
	}
	return msg, p.dispatch(ctx, msg)
}

// write runs fn in a transaction under the thread lock, refreshes the thread
// snippet and signals the change.
func (p *Pipeline) write(ctx context.Context, threadID int64, fn func(tx *store.Tx) error) error {
	unlock := p.threads.Lock(threadID)
	defer unlock()
	err := p.db.Transaction(ctx, func(tx *store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return tx.RefreshSnippet(ctx, threadID)
	})
	if err != nil {
		return err
	}
	p.bus.Emit(bus.KindMessagesRefresh, bus.ThreadRef{ThreadID: threadID})
	p.bus.Emit(bus.KindConversationsRefresh, nil)
	return nil
}

// resolveThread finds the real thread of a draft: the draft's own thread,
// then the cache by participant key, then the external store. It returns 0
// when the recipients have no real thread yet.
func (p *Pipeline) resolveThread(ctx context.Context, d Draft) (int64, error) {
	if d.ThreadID > 0 {
		return d.ThreadID, nil
	}
	conv, err := p.db.ConversationByParticipantKey(ctx, store.ParticipantKey(d.Recipients))
	if err != nil {
		return 0, fmt.Errorf("resolve thread: %w", err)
	}
	if conv != nil && !conv.IsTemporary {
		return conv.ThreadID, nil
	}
	id, ok, err := p.ext.FindThread(ctx, d.Recipients)
	if err != nil {
		p.logger.Warn("external thread lookup failed", zap.Error(err))
		return 0, nil
	}
	if !ok {
		return 0, nil
	}
	return id, nil
}

// ensureConversation creates the row of a thread the cache has not listed yet.
func (p *Pipeline) ensureConversation(ctx context.Context, tx *store.Tx, threadID int64, recipients []string, date int64) error {
	conv, err := tx.GetConversation(ctx, threadID)
	if err != nil || conv != nil {
		return err
	}
	return tx.UpsertConversation(ctx, &store.Conversation{
		ThreadID:            threadID,
		PhoneNumber:         strings.Join(recipients, ","),
		ParticipantKey:      store.ParticipantKey(recipients),
		Title:               strings.Join(recipients, ", "),
		Date:                date,
		Read:                true,
		IsGroupConversation: len(recipients) > 1,
		IsTemporary:         threadID < 0,
	})
}

// chooseChannel picks the send channel: the user's explicit or pinned choice,
// then the channel of the latest inbound message, then the platform default,
// then the first available one.
func (p *Pipeline) chooseChannel(ctx context.Context, d Draft, threadID int64) int {
	available := p.transport.Channels()
	usable := func(ch int) bool {
		return ch != store.UnknownSubscription && (len(available) == 0 || slices.Contains(available, ch))
	}

	if d.SubscriptionID != nil && usable(*d.SubscriptionID) {
		return *d.SubscriptionID
	}
	if len(d.Recipients) == 1 {
		if ch, ok := p.opts.PinnedChannels[store.NormalizeAddress(d.Recipients[0])]; ok && usable(ch) {
			return ch
		}
	}
	if threadID != 0 {
		last, err := p.db.LatestInbound(ctx, threadID)
		if err != nil {
			p.logger.Warn("failed to read last inbound channel", zap.Error(err), zap.Int64("thread_id", threadID))
		} else if last != nil && usable(last.SubscriptionID) {
			return last.SubscriptionID
		}
	}
	if ch, ok := p.transport.DefaultChannel(); ok && usable(ch) {
		return ch
	}
	if len(available) > 0 {
		return available[0]
	}
	return store.UnknownSubscription
}

func (p *Pipeline) newMessage(d Draft, threadID int64) *store.Message {
	participants := make([]store.Participant, len(d.Recipients))
	for i, r := range d.Recipients {
		participants[i] = store.Participant{Address: r}
	}
	return &store.Message{
		ID:             store.NewLocalID(),
		ThreadID:       threadID,
		Body:           d.Body,
		Participants:   participants,
		SubscriptionID: store.UnknownSubscription,
		IsMMS:          len(d.Attachments) > 0 || len(d.Recipients) > 1,
		Read:           true,
		Attachments:    d.Attachments,
	}
}

func validateDraft(d Draft) error {
	if strings.TrimSpace(d.Body) == "" && len(d.Attachments) == 0 {
		return userError(ErrEmptyMessage, "type a message or attach a file")
	}
	return validateRecipients(d.Recipients)
}

func validateRecipients(recipients []string) error {
	if len(recipients) == 0 {
		return userError(ErrNoRecipients, "add at least one recipient")
	}
	for _, r := range recipients {
		if !plausibleAddress(r) {
			return userError(ErrInvalidRecipient, fmt.Sprintf("%q is not a valid recipient", r))
		}
	}
	return nil
}

// plausibleAddress accepts phone numbers and short codes of at least three
// digits and email addresses.
func plausibleAddress(addr string) bool {
	n := store.NormalizeAddress(addr)
	digits := strings.TrimPrefix(n, "+")
	if digits != "" && strings.Trim(digits, "0123456789") == "" {
		return len(digits) >= 3
	}
	at := strings.IndexByte(n, '@')
	return at > 0 && at < len(n)-1 && !strings.ContainsAny(n, " \t")
}
