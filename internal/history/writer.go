// Package history buffers observations and writes them to the store in
// time-windowed batches. History is best-effort: a failed flush drops
// its batch rather than stalling the hot path.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/metrics"
	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/persistence"
)

const flushTimeout = 30 * time.Second

// Writer coalesces observations per token and bulk-inserts them every
// flush interval. Within one window the most recent observation wins.
type Writer struct {
	tokens    persistence.TokenRepo
	history   persistence.HistoryRepo
	interval  time.Duration
	retention time.Duration
	metrics   *metrics.Metrics

	mu        sync.Mutex
	buffer    map[string]model.Observation
	lastFlush time.Time
}

// NewWriter creates a buffered history writer.
func NewWriter(tokens persistence.TokenRepo, history persistence.HistoryRepo, interval, retention time.Duration, m *metrics.Metrics) *Writer {
	return &Writer{
		tokens:    tokens,
		history:   history,
		interval:  interval,
		retention: retention,
		metrics:   m,
		buffer:    make(map[string]model.Observation),
		lastFlush: time.Now(),
	}
}

// Enqueue records an observation, overwriting any buffered entry for the
// same token, and kicks a background flush when the interval elapsed.
func (w *Writer) Enqueue(token string, obs model.Observation) {
	w.mu.Lock()
	w.buffer[token] = obs

	if time.Since(w.lastFlush) < w.interval || len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}

	batch := w.buffer
	w.buffer = make(map[string]model.Observation)
	w.lastFlush = time.Now()
	w.mu.Unlock()

	go w.flush(batch)
}

// FlushNow drains the buffer synchronously, for shutdown.
func (w *Writer) FlushNow() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = make(map[string]model.Observation)
	w.lastFlush = time.Now()
	w.mu.Unlock()

	w.flush(batch)
}

// flush resolves token ids in one query, expands each observation into
// per-DEX rows and issues a single bulk insert. Errors drop the batch.
func (w *Writer) flush(batch map[string]model.Observation) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	names := make([]string, 0, len(batch))
	for name := range batch {
		names = append(names, name)
	}

	ids, err := w.tokens.ResolveIDs(ctx, names)
	if err != nil {
		log.Error().Err(err).Int("tokens", len(names)).Msg("History flush failed resolving token ids, batch dropped")
		return
	}

	var rows []model.HistoryRow
	for name, obs := range batch {
		id, ok := ids[name]
		if !ok {
			// Token deleted since the observation was produced.
			continue
		}
		rows = append(rows, obs.Rows(id)...)
	}
	if len(rows) == 0 {
		return
	}

	if err := w.history.InsertBatch(ctx, rows); err != nil {
		log.Error().Err(err).Int("rows", len(rows)).Msg("History flush failed, batch dropped")
		return
	}

	w.metrics.HistoryRowsWritten(len(rows))
	log.Debug().Int("rows", len(rows)).Int("tokens", len(batch)).Msg("History flushed")
}

// Prune deletes rows older than the retention horizon.
func (w *Writer) Prune(ctx context.Context) {
	cutoff := float64(time.Now().Add(-w.retention).UnixNano()) / 1e9

	deleted, err := w.history.Prune(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("History prune failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Pruned old history rows")
	}
}
