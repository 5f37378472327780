// Package notify is the boundary to the platform notification surface.
// Rendering notifications is outside this module; sinks only record intent.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Sink receives notification requests from the engine and the send pipeline.
type Sink interface {
	ShowReceived(messageID int64, address, body string, threadID int64, subscriptionID int)
	ShowFailed(messageID int64, address string, threadID int64)
	Cancel(threadID int64)
}

// Nop discards every request.
type Nop struct{}

func (Nop) ShowReceived(int64, string, string, int64, int) {}
func (Nop) ShowFailed(int64, string, int64)                {}
func (Nop) Cancel(int64)                                   {}

// Log writes notification requests as structured log entries and remembers
// which threads currently have one showing.
type Log struct {
	logger *zap.Logger

	mu     sync.Mutex
	active map[int64]int
}

// NewLog creates a logging sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("notify"), active: make(map[int64]int)}
}

func (l *Log) ShowReceived(messageID int64, address, body string, threadID int64, subscriptionID int) {
	l.mu.Lock()
	l.active[threadID]++
	l.mu.Unlock()
	l.logger.Info("message received",
		zap.Int64("message_id", messageID),
		zap.String("address", address),
		zap.Int("body_len", len(body)),
		zap.Int64("thread_id", threadID),
		zap.Int("subscription_id", subscriptionID))
}

func (l *Log) ShowFailed(messageID int64, address string, threadID int64) {
	l.mu.Lock()
	l.active[threadID]++
	l.mu.Unlock()
	l.logger.Warn("message failed to send",
		zap.Int64("message_id", messageID),
		zap.String("address", address),
		zap.Int64("thread_id", threadID))
}

func (l *Log) Cancel(threadID int64) {
	l.mu.Lock()
	n := l.active[threadID]
	delete(l.active, threadID)
	l.mu.Unlock()
	if n > 0 {
		l.logger.Debug("notifications cancelled", zap.Int64("thread_id", threadID), zap.Int("count", n))
	}
}

// Active returns how many notifications are showing for a thread.
func (l *Log) Active(threadID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[threadID]
}
