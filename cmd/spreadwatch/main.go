// Command spreadwatch runs the CEX/DEX spread monitoring engine: the
// fetch scheduler, the websocket fan-out and the history writer behind
// one HTTP listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/spreadwatch/spreadwatch/internal/config"
	"github.com/spreadwatch/spreadwatch/internal/fanout"
	"github.com/spreadwatch/spreadwatch/internal/history"
	"github.com/spreadwatch/spreadwatch/internal/httpapi"
	"github.com/spreadwatch/spreadwatch/internal/metrics"
	"github.com/spreadwatch/spreadwatch/internal/model"
	"github.com/spreadwatch/spreadwatch/internal/persistence/postgres"
	"github.com/spreadwatch/spreadwatch/internal/proxy"
	"github.com/spreadwatch/spreadwatch/internal/sched"
	"github.com/spreadwatch/spreadwatch/internal/snapshot"
	"github.com/spreadwatch/spreadwatch/internal/spread"
	"github.com/spreadwatch/spreadwatch/internal/upstream"
)

const shutdownGrace = 5 * time.Second

var (
	configPath string
	logJSON    bool
)

func main() {
	root := &cobra.Command{
		Use:   "spreadwatch",
		Short: "CEX/DEX spread monitoring engine",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs instead of console output")

	root.AddCommand(serveCmd(), probeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and HTTP listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe-proxies",
		Short: "Probe every proxy once and print the outcomes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cfg)
		},
	}
}

// setup loads configuration and initializes logging.
func setup() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	if !logJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if cfg.DatabaseURL == "" {
		return cfg, errors.New("database_url is required (config file or DATABASE_URL)")
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	tokens := postgres.NewTokensRepo(db)
	proxies := postgres.NewProxiesRepo(db)
	historyRepo := postgres.NewHistoryRepo(db)
	settings := postgres.NewSettingsRepo(db)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	pool := proxy.NewPool(proxies)
	if err := pool.Prime(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial proxy load failed, starting with empty pool")
	}
	prober := proxy.NewProber(proxies, pool, cfg.Proxy.CheckURL, cfg.Proxy.FailThreshold,
		cfg.ProbeDelay(), cfg.ProbeInterval(), m)

	mexc := upstream.NewMEXC(pool, "")
	jupiter := upstream.NewJupiter(pool, "")
	pancake := upstream.NewPancake(pool, "")
	matcha := upstream.NewMatcha(upstream.NewBrowserChallengeClient(pool), "")

	engine := spread.NewEngine(mexc)
	engine.RegisterValidator(model.DEXJupiter, jupiter)

	latest := snapshot.New()
	hub := fanout.NewHub(latest, m)
	writer := history.NewWriter(tokens, historyRepo, cfg.FlushInterval(), cfg.Retention(), m)

	scheduler := sched.New(
		tokens, settings, mexc,
		[]upstream.Client{jupiter, pancake, matcha},
		engine, writer, m,
		cfg.Scheduler.Workers, cfg.TokenDeadline(), cfg.PollInterval(),
	)
	scheduler.AddSink(sched.SinkFunc(latest.Put))
	scheduler.AddSink(sched.SinkFunc(hub.Deliver))
	scheduler.AddSink(sched.SinkFunc(writer.Enqueue))

	api := httpapi.New(hub, prober, pool, registry)
	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     api.Router(),
		IdleTimeout: 60 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		prober.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("HTTP listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		stop()
		log.Error().Err(err).Msg("HTTP listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	wg.Wait()
	hub.Shutdown()
	writer.FlushNow()

	log.Info().Msg("Engine stopped")
	return nil
}

// runProbe performs one synchronous probe pass, prints the outcomes and
// exits. Useful for validating a freshly loaded proxy list.
func runProbe(ctx context.Context, cfg config.Config) error {
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	proxies := postgres.NewProxiesRepo(db)
	pool := proxy.NewPool(proxies)
	prober := proxy.NewProber(proxies, pool, cfg.Proxy.CheckURL, cfg.Proxy.FailThreshold,
		0, cfg.ProbeInterval(), nil)

	results, err := prober.ProbeAll(ctx)
	if err != nil {
		return err
	}

	working := 0
	for _, res := range results {
		if res.Working {
			working++
			ms := int64(0)
			if res.ResponseTimeMS != nil {
				ms = *res.ResponseTimeMS
			}
			fmt.Printf("proxy %d: ok (%d ms)\n", res.ID, ms)
			continue
		}
		reason := "unknown"
		if res.Error != nil {
			reason = *res.Error
		}
		fmt.Printf("proxy %d: failed (%s)\n", res.ID, reason)
	}
	fmt.Printf("%d/%d proxies working\n", working, len(results))
	return nil
}
