// gridagent - an autonomous multi-character agent for the grid MMO.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/bank"
	"github.com/mbd888/gridagent/internal/character"
	"github.com/mbd888/gridagent/internal/clock"
	"github.com/mbd888/gridagent/internal/config"
	"github.com/mbd888/gridagent/internal/health"
	"github.com/mbd888/gridagent/internal/ledger"
	"github.com/mbd888/gridagent/internal/logging"
	"github.com/mbd888/gridagent/internal/metrics"
	"github.com/mbd888/gridagent/internal/orders"
	"github.com/mbd888/gridagent/internal/routines"
	"github.com/mbd888/gridagent/internal/scheduler"
	"github.com/mbd888/gridagent/internal/server"
	"github.com/mbd888/gridagent/internal/status"
	"github.com/mbd888/gridagent/internal/traces"
	"github.com/mbd888/gridagent/internal/world"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", envOrDefault("CONFIG_PATH", "config.json"), "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gridagent: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, raw, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting gridagent",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"characters", len(cfg.Characters),
		"sandbox", cfg.Game.Sandbox,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTraces(flushCtx)
	}()

	ck := clock.New()
	client := api.NewClient(cfg.Game.APIURL, cfg.Game.Token,
		api.WithLogger(logger),
		api.WithClock(ck),
		api.WithSandbox(cfg.Game.Sandbox),
	)

	// Order board: Postgres when DATABASE_URL is set, JSON file otherwise.
	var store orders.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		defer db.Close()
		store = orders.NewPostgresStore(db)
		logger.Info("order board store", "backend", "postgres")
	} else {
		store = orders.NewFileStore(cfg.OrderBoard.Path)
		logger.Info("order board store", "backend", "file", "path", cfg.OrderBoard.Path)
	}

	board, err := orders.Initialize(ctx, store, orders.WithClock(ck), orders.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initialize order board: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = board.Close(closeCtx)
	}()

	lg := ledger.New(client, ledger.WithClock(ck), ledger.WithLogger(logger))
	wrld := world.New(client, ck, logger)

	tiles := bank.NewTiles(client, ck, logger)
	planner := bank.NewPlanner(client, tiles, logger)
	hook := func(ctx context.Context, charName string, items []api.SimpleItem) {
		board.RecordDeposits(ctx, charName, items)
	}
	ops := bank.NewOps(client, lg, planner, hook, logger)

	// Character contexts from the live account state.
	live, err := client.GetMyCharacters(ctx)
	if err != nil {
		return fmt.Errorf("fetch characters: %w", err)
	}
	if len(live) == 0 {
		return fmt.Errorf("the account has no characters")
	}

	chars := make([]*character.Context, 0, len(live))
	for _, lc := range live {
		settings, ok := cfg.Characters[lc.Name]
		if !ok {
			logger.Warn("character has no config entry, using defaults", "char", lc.Name)
			cs := config.CharacterSettings{}
			cfgOne := config.Config{Characters: map[string]config.CharacterSettings{lc.Name: cs}}
			config.Normalize(&cfgOne)
			settings = cfgOne.Characters[lc.Name]
		}
		chars = append(chars, character.New(lc, settings, client, ck))
	}

	readers := make([]ledger.InventoryReader, len(chars))
	for i, ch := range chars {
		readers[i] = ch
	}
	lg.SetCharacters(readers)

	// Status pipeline.
	bus := status.NewBus()
	collector := status.NewCollector(chars, board, lg, bus, ck, status.DefaultInterval, logger)
	hub := status.NewHub(bus, logger)

	// Health checks.
	checks := health.NewRegistry()
	checks.Register("game-api", health.GameAPI(func(ctx context.Context) error {
		_, err := client.GetMyDetails(ctx)
		return err
	}))
	checks.Register("order-board", health.OrderBoard(board.Flush))
	reporters := make([]health.StaleReporter, len(chars))
	for i, ch := range chars {
		reporters[i] = ch
	}
	checks.Register("characters", health.Characters(reporters))

	// Control operations.
	restartCh := make(chan struct{}, 1)
	controls := server.Controls{
		Restart: func(context.Context) error {
			select {
			case restartCh <- struct{}{}:
			default: // a restart is already queued
			}
			return nil
		},
		ClearOrderBoard: board.Clear,
		ClearGearState: func(context.Context) error {
			lg.InvalidateBank("cleared via control API")
			for _, ch := range chars {
				ch.MarkStale("state cleared via control API")
			}
			return nil
		},
	}

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithHub(hub),
		server.WithHealth(checks),
		server.WithControls(controls),
		server.WithOrderBoard(board),
		server.WithConfigApplied(func(updated *config.Config) {
			for _, ch := range chars {
				if cs, ok := updated.Characters[ch.Name()]; ok {
					ch.UpdateSettings(cs)
				}
			}
		}),
	}
	if cfg.Game.Sandbox {
		serverOpts = append(serverOpts, server.WithSandbox(client))
	}
	srv := server.New(cfg, configPath, raw, bus, serverOpts...)

	lease := time.Duration(cfg.OrderBoard.LeaseMs) * time.Millisecond

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { collector.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { metrics.StartRuntimeCollector(gctx, 15*time.Second); return nil })
	g.Go(func() error {
		return superviseWorkers(gctx, restartCh, logger, func() *scheduler.Scheduler {
			workers := make([]*scheduler.Worker, 0, len(chars))
			for i, ch := range chars {
				deps := &routines.Deps{
					API:     client,
					Char:    ch,
					Bank:    ops,
					Board:   board,
					World:   wrld,
					Ledger:  lg,
					Clock:   ck,
					Logger:  logger.With("char", ch.Name()),
					Account: cfg.Game.Account,
					Lease:   lease,
				}
				seed := time.Now().UnixNano() + int64(i)
				workers = append(workers, scheduler.NewWorker(deps, routines.Defaults(seed), ck, logger))
			}
			return scheduler.New(workers, board, logger)
		})
	})

	err = g.Wait()
	logger.Info("gridagent stopped")
	return err
}

// superviseWorkers runs the scheduler and recycles it when a restart is
// requested through the control API.
func superviseWorkers(ctx context.Context, restartCh <-chan struct{}, logger *slog.Logger, build func() *scheduler.Scheduler) error {
	for {
		schedCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- build().Run(schedCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		case <-restartCh:
			logger.Info("restart requested, recycling workers")
			cancel()
			<-done
		case err := <-done:
			cancel()
			return err
		}
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
