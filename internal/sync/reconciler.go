package sync

import (
	"context"
	"strconv"
	"time"

	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/zap"
)

// Reconciler manages the sync checkpoints that decide first-run behavior.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// BumpRunCount records one more daemon start and returns the new count.
func (r *Reconciler) BumpRunCount(ctx context.Context) (int64, error) {
	n, err := r.db.IncrementCheckpoint(ctx, store.KeyAppRunCount)
	if err != nil {
		return 0, err
	}
	r.logger.Info("app run counted", zap.Int64("run_count", n))
	return n, nil
}

// RunCount returns how many times the daemon has started.
func (r *Reconciler) RunCount(ctx context.Context) (int64, error) {
	v, err := r.db.Checkpoint(ctx, store.KeyAppRunCount)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// BulkImported reports whether the first-run history import finished.
func (r *Reconciler) BulkImported(ctx context.Context) (bool, error) {
	v, err := r.db.Checkpoint(ctx, store.KeyBulkImported)
	return v != "", err
}

// MarkBulkImported records the first-run history import as done.
func (r *Reconciler) MarkBulkImported(ctx context.Context) error {
	return r.db.SetCheckpoint(ctx, store.KeyBulkImported, strconv.FormatInt(time.Now().Unix(), 10))
}

// MarkReconciled records when the last successful pass ended.
func (r *Reconciler) MarkReconciled(ctx context.Context, at time.Time) error {
	return r.db.SetCheckpoint(ctx, store.KeyLastReconcile, strconv.FormatInt(at.Unix(), 10))
}

// LastReconciled returns the end of the last successful pass, or the zero
// time.
func (r *Reconciler) LastReconciled(ctx context.Context) (time.Time, error) {
	v, err := r.db.Checkpoint(ctx, store.KeyLastReconcile)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}
