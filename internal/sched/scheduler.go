// Package sched runs the streaming price-fetch loop: one pass over the
// active token set per cycle, bounded worker pool, per-token results
// published the moment they complete rather than at cycle end.
package sched

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/metrics"
	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/persistence"
	"github.com/spreadwatch/spreadwatch/internal/spread"
	"github.com/spreadwatch/spreadwatch/internal/upstream"
)

const (
	errorBackoff  = 1 * time.Second
	pruneInterval = 300 * time.Second

	pollIntervalKey = "poll_interval"
)

// TickerSource primes and serves the batched CEX top-of-book.
type TickerSource interface {
	RefreshTickers(ctx context.Context) error
	TickerFor(tok *model.TokenConfig) (bid, ask *float64)
}

// Sink receives finished observations. Implemented by the snapshot map,
// the fan-out hub and the history writer via Publisher.
type Sink interface {
	Publish(token string, obs model.Observation)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(token string, obs model.Observation)

func (f SinkFunc) Publish(token string, obs model.Observation) { f(token, obs) }

// Pruner trims aged history rows.
type Pruner interface {
	Prune(ctx context.Context)
}

// Scheduler drives the fetch cycles.
type Scheduler struct {
	tokens   persistence.TokenRepo
	settings persistence.SettingsRepo
	cex      TickerSource
	clients  map[model.DEX]upstream.Client
	engine   *spread.Engine
	sinks    []Sink
	pruner   Pruner
	metrics  *metrics.Metrics

	workers       int
	tokenDeadline time.Duration
	pollInterval  time.Duration
}

// New creates a scheduler. pollInterval is the configured minimum cycle
// delay; the stored poll_interval setting overrides it at startup.
func New(
	tokens persistence.TokenRepo,
	settings persistence.SettingsRepo,
	cex TickerSource,
	clients []upstream.Client,
	engine *spread.Engine,
	pruner Pruner,
	m *metrics.Metrics,
	workers int,
	tokenDeadline, pollInterval time.Duration,
) *Scheduler {
	byDEX := make(map[model.DEX]upstream.Client, len(clients))
	for _, c := range clients {
		byDEX[c.Name()] = c
	}
	return &Scheduler{
		tokens:        tokens,
		settings:      settings,
		cex:           cex,
		clients:       byDEX,
		engine:        engine,
		pruner:        pruner,
		metrics:       m,
		workers:       workers,
		tokenDeadline: tokenDeadline,
		pollInterval:  pollInterval,
	}
}

// AddSink registers a completion consumer. Not safe to call after Run.
func (s *Scheduler) AddSink(sink Sink) {
	s.sinks = append(s.sinks, sink)
}

// Run loops cycles until ctx is cancelled. Cycles are back to back; the
// only pauses are the configured minimum delay, a 1 s backoff after a
// failed token query and a 1 s idle wait when no tokens are active.
func (s *Scheduler) Run(ctx context.Context) {
	s.loadStoredInterval(ctx)
	log.Info().
		Int("workers", s.workers).
		Dur("token_deadline", s.tokenDeadline).
		Dur("poll_interval", s.pollInterval).
		Msg("Scheduler started")

	lastPrune := time.Now()

	for {
		if ctx.Err() != nil {
			log.Info().Msg("Scheduler stopped")
			return
		}

		start := time.Now()
		tokens, err := s.tokens.ListActive(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load active tokens, backing off")
			if !sleep(ctx, errorBackoff) {
				return
			}
			continue
		}
		if len(tokens) == 0 {
			if !sleep(ctx, errorBackoff) {
				return
			}
			continue
		}

		s.cycle(ctx, tokens)
		elapsed := time.Since(start)
		s.metrics.CycleDone(len(tokens), elapsed)
		log.Debug().Int("tokens", len(tokens)).Dur("elapsed", elapsed).Msg("Cycle complete")

		if s.pruner != nil && time.Since(lastPrune) >= pruneInterval {
			s.pruner.Prune(ctx)
			lastPrune = time.Now()
		}

		if rest := s.pollInterval - elapsed; rest > 0 {
			if !sleep(ctx, rest) {
				return
			}
		}
	}
}

// cycle primes the batched CEX snapshot once, then fans the token set
// across the bounded pool and waits for every task.
func (s *Scheduler) cycle(ctx context.Context, tokens []model.TokenConfig) {
	if err := s.cex.RefreshTickers(ctx); err != nil {
		// Tokens still run; CEX sides come back nil and spreads degrade.
		s.metrics.UpstreamError("mexc", string(upstream.KindOf(err)))
		log.Warn().Err(err).Msg("CEX ticker refresh failed, cycle runs without fresh CEX sides")
	}

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for i := range tokens {
		tok := tokens[i]
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runToken(ctx, &tok)
		}()
	}

	wg.Wait()
}

// runToken fetches every allowed DEX concurrently under the per-token
// deadline, builds the observation and publishes it immediately.
func (s *Scheduler) runToken(ctx context.Context, tok *model.TokenConfig) {
	tctx, cancel := context.WithTimeout(ctx, s.tokenDeadline)
	defer cancel()

	type result struct {
		dex   model.DEX
		price float64
		err   error
	}

	var fetches []model.DEX
	for dex, client := range s.clients {
		if tok.Allows(dex) {
			fetches = append(fetches, client.Name())
		}
	}

	results := make(chan result, len(fetches))
	for _, dex := range fetches {
		client := s.clients[dex]
		go func() {
			price, err := client.Fetch(tctx, tok)
			results <- result{dex: client.Name(), price: price, err: err}
		}()
	}

	prices := make(map[model.DEX]float64, len(fetches))
	for range fetches {
		r := <-results
		if r.err != nil {
			kind := upstream.KindOf(r.err)
			if tctx.Err() != nil {
				kind = upstream.KindDeadline
			}
			s.metrics.UpstreamError(string(r.dex), string(kind))
			log.Warn().Err(r.err).Str("token", tok.Name).Str("dex", string(r.dex)).Msg("DEX fetch failed")
			continue
		}
		prices[r.dex] = r.price
	}

	bid, ask := s.cex.TickerFor(tok)
	obs := s.engine.Build(tctx, tok, bid, ask, prices)

	s.metrics.ObservationEmitted()
	for _, sink := range s.sinks {
		sink.Publish(tok.Name, obs)
	}
}

// loadStoredInterval applies the poll_interval server setting, seconds
// as a decimal string. The stored value wins over configuration.
func (s *Scheduler) loadStoredInterval(ctx context.Context) {
	if s.settings == nil {
		return
	}
	raw, err := s.settings.Get(ctx, pollIntervalKey)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read stored poll interval, using configured value")
		return
	}
	if raw == "" {
		return
	}
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil || sec < 0 {
		log.Warn().Str("value", raw).Msg("Ignoring malformed stored poll interval")
		return
	}
	s.pollInterval = time.Duration(sec * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
