package api

import (
	"context"
	"time"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/outbox"
	"github.com/matheus3301/sms/internal/pager"
	"github.com/matheus3301/sms/internal/recycle"
	"github.com/matheus3301/sms/internal/status"
	"github.com/matheus3301/sms/internal/store"
	intsync "github.com/matheus3301/sms/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Deps are the components the service drives.
type Deps struct {
	SessionName string
	Machine     *status.Machine
	DB          *store.DB
	Bus         *bus.Bus
	Engine      *intsync.Engine
	Pages       *pager.Manager
	Outbox      *outbox.Pipeline
	Bin         *recycle.Bin
	Sort        store.SortOptions
	Logger      *zap.Logger
}

// Service implements MessagingServer on top of the engine packages.
type Service struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	db          *store.DB
	bus         *bus.Bus
	engine      *intsync.Engine
	pages       *pager.Manager
	outbox      *outbox.Pipeline
	bin         *recycle.Bin
	sort        store.SortOptions
	logger      *zap.Logger
}

var _ MessagingServer = (*Service)(nil)

// NewService creates the messaging service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: d.SessionName,
		startedAt:   time.Now(),
		machine:     d.Machine,
		db:          d.DB,
		bus:         d.Bus,
		engine:      d.Engine,
		pages:       d.Pages,
		outbox:      d.Outbox,
		bin:         d.Bin,
		sort:        d.Sort,
		logger:      logger,
	}
}

func (s *Service) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{
		"session":        s.sessionName,
		"state":          string(s.machine.Current()),
		"uptime_ms":      time.Since(s.startedAt).Milliseconds(),
		"recycle_bin":    s.bin.Enabled(),
		"dropped_events": int64(s.bus.Dropped()),
	}

	// Counts are best effort; a status call never fails on them.
	if n, err := s.db.ConversationCount(ctx); err == nil {
		out["conversations"] = n
	}
	if n, err := s.db.MessageCount(ctx); err == nil {
		out["messages"] = n
	}
	if n, err := s.engine.Reconciler().RunCount(ctx); err == nil {
		out["run_count"] = n
	}
	if at, err := s.engine.Reconciler().LastReconciled(ctx); err == nil && !at.IsZero() {
		out["last_reconciled"] = at.Unix()
	}
	return reply(out, nil)
}

func (s *Service) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.engine.Reconcile(ctx)
	if err != nil {
		return reply(nil, err)
	}
	return reply(map[string]any{
		"conversations": len(res.Conversations),
		"stale":         res.Stale,
		"inserted":      res.Inserted,
		"updated":       res.Updated,
		"deleted":       res.Deleted,
		"merged":        res.Merged,
		"imported":      res.Imported,
	}, nil)
}

// KindStreamReady is the kind of the first message on an event stream.
const KindStreamReady = "stream.ready"

// WatchEvents streams bus events whose kind starts with the requested
// prefix until the client goes away. Slow clients miss events rather than
// stall the bus.
func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	prefix := argsOf(in).Str("prefix")
	ch, unsub := s.bus.Subscribe(prefix, 256)
	defer unsub()

	// The first message tells the client the subscription is live.
	ready, err := structpb.NewStruct(map[string]any{"kind": KindStreamReady})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(ready); err != nil {
		return err
	}

	for {
		select {
		case evt := <-ch:
			msg, err := structpb.NewStruct(eventMap(evt))
			if err != nil {
				s.logger.Warn("failed to encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
