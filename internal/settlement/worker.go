package settlement

import (
	"context"
	"time"

	"txprocessor/pkg/logger"
)

// PendingProcessor is the part of Service the worker drives.
type PendingProcessor interface {
	ProcessPendingSettlements(ctx context.Context, asOf time.Time) (*PendingRunSummary, error)
}

// Worker periodically processes settlements that have fallen due.
type Worker struct {
	processor PendingProcessor
	interval  time.Duration
	logger    logger.Logger
	now       func() time.Time
}

func NewWorker(processor PendingProcessor, interval time.Duration, log logger.Logger) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{processor: processor, interval: interval, logger: log, now: time.Now}
}

// Run processes once at start-up, then on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Settlement worker started", map[string]interface{}{
		"interval": w.interval.String(),
	})
	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Settlement worker stopped", nil)
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	summary, err := w.processor.ProcessPendingSettlements(ctx, w.now().UTC())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("Settlement worker error", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if summary.Discovered == 0 {
		w.logger.Debug("No settlements due", nil)
		return
	}
	w.logger.Info("Settlement run finished", map[string]interface{}{
		"discovered": summary.Discovered,
		"processed":  summary.Processed,
		"failed":     summary.Failed,
	})
}
