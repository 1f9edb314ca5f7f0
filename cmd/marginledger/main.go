package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MarginLedger/internal/config"
	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"
)

func main() {
	// Env files must be loaded before the first logger reads MARGIN_LOG_*
	cfg, err := config.Load()
	log := observability.NewLogger("main")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().Msg("MarginLedger starting")

	if os.Getenv("GOGC") == "" {
		log.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	// --- Genesis ---
	genesis := &config.Genesis{}
	if cfg.GenesisFile != "" {
		if genesis, err = config.LoadGenesis(cfg.GenesisFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.GenesisFile).Msg("load genesis")
		}
	}
	state, err := genesis.State()
	if err != nil {
		log.Fatal().Err(err).Msg("build genesis state")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks (backpressure), the projection channel drops
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)
	streamChan := make(chan core.CoreOutput, cfg.PublishChanSize)
	submissions := make(chan ingestion.Submission, cfg.SubmissionChanSize)

	// --- Deterministic core + recovery ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	deterministicCore := core.NewDeterministicCore(state, 0, persistChan, projectionChan, dbChecker, metrics)
	deterministicCore.SetLogger(observability.NewLogger("core"))

	snapMgr := persistence.NewSnapshotManager(db, metrics)
	if _, err := recoverState(ctx, deterministicCore, snapMgr, cfg.ReplayBatchSize, metrics, log); err != nil {
		log.Fatal().Err(err).Msg("recovery failed")
	}

	keys, err := dbChecker.RecentKeys(ctx, cfg.WarmKeys)
	if err != nil {
		log.Warn().Err(err).Msg("load recent idempotency keys")
	} else if len(keys) > 0 {
		deterministicCore.WarmLRU(keys)
		log.Info().Int("keys", len(keys)).Msg("warmed idempotency LRU")
	}

	// Projections may have missed outputs before the restart
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics)
	if err := projWorker.Rebuild(ctx, deterministicCore.FullOutput(time.Now().Unix())); err != nil {
		log.Fatal().Err(err).Msg("rebuild projections")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawChan := make(chan ingestion.RawMessage, cfg.SubmissionChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawChan, metrics)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Health ---
	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistWorker.AddSink(publishChan)
	persistWorker.AddSink(streamChan)
	healthChecker.SetSequenceSource(persistWorker.LastSequence)

	publisher := ingestion.NewOutboundPublisher(js, publishChan)
	hub := server.NewHub(metrics)

	loop := &ledgerLoop{
		core:             deterministicCore,
		submissions:      submissions,
		admin:            make(chan func()),
		snapMgr:          snapMgr,
		projections:      projWorker,
		snapshotInterval: cfg.SnapshotInterval,
		metrics:          metrics,
		log:              observability.NewLogger("ledger"),
	}

	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.RouteDeps{
		Query:     query.NewQueryService(db),
		Submitter: timeoutSubmitter{ingestion.NewSubmitter(submissions), cfg.SubmitTimeout},
		Admin:     loop,
		Health:    healthChecker,
		Stream:    hub,
		Metrics:   metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var coreDone sync.WaitGroup

	// Persistence runs on its own context so it can drain after the core stops
	persistCtx, persistCancel := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(persistCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence: %w", err)
		}
	}()

	coreDone.Add(1)
	go func() {
		defer coreDone.Done()
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("core loop: %w", err)
		}
	}()

	runners := []struct {
		name string
		run  func(context.Context) error
	}{
		{"projection", projWorker.Run},
		{"publisher", publisher.Run},
		{"stream", func(ctx context.Context) error { return hub.Run(ctx, streamChan) }},
		{"grpc", srv.StartGRPC},
		{"http", srv.StartHTTP},
		{"metrics", func(ctx context.Context) error { return serveMetrics(ctx, cfg.MetricsAddr) }},
	}
	for _, r := range runners {
		go func() {
			if err := r.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", r.name, err)
			}
		}()
	}

	go ingestion.RunParser(ctx, rawChan, submissions, metrics)

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("MarginLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the core finish, drain persistence, then snapshot.
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	cancel()
	coreDone.Wait()

	close(persistChan)
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		log.Error().Msg("persistence did not drain in time")
	}
	persistCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := snapMgr.SaveSnapshot(shutdownCtx, deterministicCore.CreateSnapshotState()); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else if _, err := snapMgr.VerifyPending(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("verify final snapshot")
	}

	log.Info().Msg("MarginLedger shutdown complete")
}

// timeoutSubmitter bounds how long an HTTP caller waits for the core.
type timeoutSubmitter struct {
	inner   *ingestion.Submitter
	timeout time.Duration
}

func (s timeoutSubmitter) Submit(ctx context.Context, name string, payload []byte) (ingestion.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.Submit(ctx, name, payload)
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
