package batchwriter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/rollup"
)

// job builds the pool job that persists batch. Every write in the batch is
// counted down exactly once, whatever the outcome.
func (w *BatchWriter) job(batch []*rollup.WriteContext) func() {
	return func() {
		defer func() {
			for range batch {
				w.ectx.DecrementWriteCounter()
			}
		}()

		start := time.Now()
		err := w.persist(batch)
		w.metrics.BatchWritten(len(batch), time.Since(start).Seconds(), err)

		if err != nil {
			w.ectx.MarkUnsuccessful(err)
			w.log.Error("batch write failed",
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			return
		}
		if w.persisted != nil {
			w.persisted(batch)
		}
	}
}

func (w *BatchWriter) persist(batch []*rollup.WriteContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch write panicked: %v", r)
		}
	}()

	ms := make([]metrics.Metric, len(batch))
	for i, wc := range batch {
		ms[i] = wc.ToMetric()
	}

	ctx := context.Background()
	if w.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
	}

	if err := w.store.Write(ctx, ms); err != nil {
		return fmt.Errorf("write %d rollups: %w", len(ms), err)
	}
	return nil
}
