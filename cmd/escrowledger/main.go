package main

import (
	"EscrowLedger/internal/config"
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	rawEventBuffer        = 4096
	snapshotCheckInterval = time.Second
	snapshotPersistWait   = 5 * time.Second
)

func main() {
	logger := observability.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("escrowledger stopped")
	}
	logger.Info().Msg("escrowledger shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	programID, err := cfg.Program()
	if err != nil {
		return err
	}
	assets, err := cfg.Registry()
	if err != nil {
		return err
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Deterministic core ---
	// The persist channel blocks (backpressure); projection sends drop when full.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	c := core.NewDeterministicCore(core.Options{
		ProgramID:   programID,
		NativeAsset: ledger.AssetID(cfg.NativeAsset),
		Assets:      assets,
		Reserves:    cfg.Reserves,
		Encoder:     ingestion.EncodeEvent,
		LRUCapacity: cfg.IdempotencyLRUCapacity,
		DBChecker:   persistence.NewPostgresIdempotencyChecker(db, cfg.DBCheckTimeout),
		Metrics:     metrics,
	}, persistChan, projectionChan)

	snapMgr := persistence.NewSnapshotManager(db)
	if err := persistence.Recover(ctx, snapMgr, c, ingestion.ParseEvent, observability.NewLogger("recovery"), metrics); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	seq := core.NewSequencer(c, cfg.SequencerBuffer, observability.NewLogger("sequencer"), metrics)
	ingestor := ingestion.NewIngestor(seq, observability.NewLogger("ingest")).
		WithMaxAge(cfg.InstructionMaxAge).
		WithDurableAck()

	// --- NATS ---
	natsLogger := observability.NewLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		return err
	}

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	rawEvents := make(chan ingestion.RawEvent, rawEventBuffer)
	subscriber := ingestion.NewNATSSubscriber(js, rawEvents, natsLogger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer subscriber.Stop()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))

	// --- Workers ---
	onCommit := func(out core.CoreOutput) {
		ingestor.Committed(out.Envelope.Sequence)
		select {
		case publishChan <- ingestion.NewPublishableEvent(out):
		default:
			metrics.PublishDrops.Inc()
		}
	}
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		onCommit, metrics, observability.NewLogger("persist"))
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, observability.NewLogger("projection"))

	// --- Servers ---
	grpcServer := server.NewGRPCServer(server.Config{
		GRPCAddr:            cfg.GRPCAddr,
		HTTPAddr:            cfg.HTTPAddr,
		SubmitRatePerSecond: cfg.SubmitRatePerSecond,
		SubmitBurst:         cfg.SubmitBurst,
	}, server.Deps{
		Ingest:     ingestor,
		Live:       query.NewLiveReader(seq),
		Projection: query.NewQueryService(db),
		Deriver:    c.Program(),
	}, healthChecker, metrics, observability.NewLogger("server"))

	g, gctx := errgroup.WithContext(ctx)

	seqDone := make(chan struct{})
	g.Go(func() error {
		defer close(seqDone)
		seq.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ingestor.Run(gctx, rawEvents)
		return nil
	})

	// The persistence worker outlives the sequencer so every applied event
	// reaches the log before the final snapshot.
	persistDone := make(chan struct{})
	g.Go(func() error {
		<-seqDone
		close(persistChan)
		<-persistDone
		return nil
	})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(context.Background()); err != nil {
			logger.Error().Err(err).Msg("persistence worker")
		}
	}()

	g.Go(func() error { return ignoreCanceled(projWorker.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(publisher.Run(gctx)) })
	g.Go(func() error {
		runPeriodicSnapshots(gctx, seq, snapMgr, cfg.SnapshotInterval, metrics, observability.NewLogger("snapshot"))
		return nil
	})
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })

	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", c.GetSequence()).
		Str("program", programID.Hex()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("escrowledger ready")

	err = g.Wait()
	grpcServer.SetServing(false)

	// The sequencer has stopped and the log is flushed; the core is ours.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := saveSnapshot(shutdownCtx, c.CreateSnapshotState(), snapMgr, metrics); serr != nil {
		logger.Error().Err(serr).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// runPeriodicSnapshots snapshots the core every interval events. A snapshot
// is saved only once the log has caught up with it.
func runPeriodicSnapshots(ctx context.Context, seq *core.Sequencer, sm *persistence.SnapshotManager, interval int64, metrics *observability.Metrics, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	last := int64(-1)
	if snap, err := sm.LoadLatestSnapshot(ctx); err == nil && snap != nil {
		last = snap.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var st *core.SnapshotState
		err := seq.Do(ctx, func(c *core.DeterministicCore) {
			if c.GetSequence()-1-last >= interval {
				st = c.CreateSnapshotState()
			}
		})
		if err != nil || st == nil {
			continue
		}
		if err := waitPersisted(ctx, sm, st.Sequence); err != nil {
			logger.Warn().Err(err).Int64("sequence", st.Sequence).Msg("snapshot skipped")
			continue
		}
		if err := saveSnapshot(ctx, st, sm, metrics); err != nil {
			logger.Error().Err(err).Int64("sequence", st.Sequence).Msg("snapshot failed")
			continue
		}
		last = st.Sequence
		logger.Info().Int64("sequence", st.Sequence).Msg("snapshot saved")
	}
}

func waitPersisted(ctx context.Context, sm *persistence.SnapshotManager, sequence int64) error {
	ctx, cancel := context.WithTimeout(ctx, snapshotPersistWait)
	defer cancel()
	for {
		tip, err := sm.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if tip >= sequence {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("log tip %d behind snapshot: %w", tip, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func saveSnapshot(ctx context.Context, st *core.SnapshotState, sm *persistence.SnapshotManager, metrics *observability.Metrics) error {
	if st.Sequence < 0 {
		return nil
	}
	start := time.Now()
	size, err := sm.SaveSnapshot(ctx, persistence.NewSnapshotData(st, time.Now().UTC()))
	if err != nil {
		return err
	}
	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	return nil
}
