// Command worker runs the qserv worker daemon: it builds a BlendScheduler
// and a PriorityExecutor, the ChunkResourceManager guarding materialized
// sub-chunk tables, a Messenger, and a replicasrv.Server answering
// Replicate, Sql and Status requests. No request handler queues Tasks on
// the scheduler, and nothing sends through the Messenger.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lsst/qserv-sub025/libraries/bootstrap"
	"github.com/lsst/qserv-sub025/libraries/chunkresource"
	"github.com/lsst/qserv-sub025/libraries/messenger"
	"github.com/lsst/qserv-sub025/libraries/qerrors"
	"github.com/lsst/qserv-sub025/libraries/qexec"
	"github.com/lsst/qserv-sub025/libraries/qmeta"
	"github.com/lsst/qserv-sub025/libraries/replicasrv"
	"github.com/lsst/qserv-sub025/libraries/scheduler"
	"github.com/lsst/qserv-sub025/libraries/stats"
	"github.com/lsst/qserv-sub025/libraries/svcs"
	"github.com/lsst/qserv-sub025/libraries/task"
	"github.com/lsst/qserv-sub025/libraries/wire"
)

func main() {
	configPath := flag.String("config", "/etc/qserv/worker.yaml", "bootstrap config file")
	localDSN := flag.String("local-dsn", "", "DSN for this worker's local MySQL instance (data tables)")
	flag.Parse()

	cfg, err := bootstrap.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, *localDSN, logger); err != nil {
		logger.Fatal("worker exited with error", zap.Error(err))
	}
}

func run(cfg bootstrap.Config, localDSN string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metaStore, err := qmeta.Open(cfg.DSN)
	if err != nil {
		return err
	}
	if err := metaStore.CheckSchemaVersion(ctx); err != nil {
		return err
	}

	localDB, err := sql.Open("mysql", localDSN)
	if err != nil {
		return err
	}
	defer localDB.Close()

	memLockStore := qmeta.NewSQLMemLockStore(metaStore)
	memLock := chunkresource.NewMemLock(memLockStore, cfg.WorkerName)
	ddl := chunkresource.NewSQLDDL(localDB)
	resourceMgr := chunkresource.NewManager(ddl, memLock, logger, qerrors.ZapFatal(logger))

	queryStats := stats.New(10000)
	executor := qexec.NewPriorityExecutor(32, []qexec.QueueSpec{
		{Priority: 2, MinRunning: 4, MaxRunning: 16},
		{Priority: 1, MinRunning: 2, MaxRunning: 10},
		{Priority: 0, MinRunning: 1, MaxRunning: 6, Default: true},
	}, logger)

	sched := scheduler.NewBlendScheduler(scheduler.Config{
		InteractiveMin: 4, InteractiveMax: 8,
		SnailMin: 1, SnailMax: 2,
		Ratings: []scheduler.RatingQueues{
			{Rating: task.FASTEST, MinRunning: 4, MaxRunning: 12},
			{Rating: task.FAST, MinRunning: 2, MaxRunning: 8},
			{Rating: task.MEDIUM, MinRunning: 1, MaxRunning: 4},
			{Rating: task.SLOW, MinRunning: 1, MaxRunning: 2},
			{Rating: task.SLOWEST, MinRunning: 1, MaxRunning: 1},
		},
		MaxBootsPerQuery: 2,
		BootInterval:     5 * time.Second,
		Stats:            queryStats,
		Logger:           logger,
	})

	addrFor := func(worker string) (string, error) { return worker, nil }
	msgr := messenger.New(messenger.NewTCPTransport(addrFor, 10*time.Second), logger)

	srv := replicasrv.New(logger)
	srv.Handle(wire.Replicate, replicateHandler(resourceMgr))
	srv.Handle(wire.Sql, sqlHandler(localDB))
	srv.Handle(wire.StatusReq, statusHandler())

	ctrl := svcs.NewController()
	if err := ctrl.Register(resourceManagerService(ctx, resourceMgr, cfg.DataDir)); err != nil {
		return err
	}
	if err := ctrl.Register(executorService(executor)); err != nil {
		return err
	}
	if err := ctrl.Register(schedulerService(sched)); err != nil {
		return err
	}
	if err := ctrl.Register(messengerService(msgr)); err != nil {
		return err
	}
	if err := ctrl.Register(replicaServerService(srv, cfg.ListenAddr)); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ctrl.Stop()
	}()

	logger.Info("worker starting", zap.String("worker", cfg.WorkerName))
	return ctrl.Start(ctx)
}

func resourceManagerService(ctx context.Context, mgr *chunkresource.Manager, dataDir string) *svcs.AnonService {
	fslockPath := ""
	if dataDir != "" {
		fslockPath = filepath.Join(dataDir, ".qserv.lock")
	}
	return &svcs.AnonService{
		InitF: func(ctx context.Context) error { return mgr.Startup(ctx, "Subchunks_", fslockPath) },
		RunF:  func(ctx context.Context) { <-ctx.Done() },
		StopF: func() error { return mgr.Shutdown(context.Background()) },
	}
}

func executorService(pe *qexec.PriorityExecutor) *svcs.AnonService {
	return &svcs.AnonService{
		RunF:  func(ctx context.Context) { <-ctx.Done() },
		StopF: func() error { pe.Shutdown(); return nil },
	}
}

func schedulerService(b *scheduler.BlendScheduler) *svcs.AnonService {
	return &svcs.AnonService{
		InitF: func(context.Context) error { b.Start(); return nil },
		RunF:  func(ctx context.Context) { <-ctx.Done() },
		StopF: func() error { b.Stop(); return nil },
	}
}

func messengerService(m *messenger.Messenger) *svcs.AnonService {
	return &svcs.AnonService{
		RunF:  func(ctx context.Context) { <-ctx.Done() },
		StopF: func() error { m.Close(); return nil },
	}
}

// replicaServerService answers the Replicate/Sql/Status requests a replica
// or czar process issues against this worker (spec.md §4.4's fan-out
// targets), via a replicasrv.Server listening on addr.
func replicaServerService(srv *replicasrv.Server, addr string) *svcs.AnonService {
	return &svcs.AnonService{
		RunF:  func(ctx context.Context) { _ = srv.Serve(ctx, addr) },
		StopF: func() error { return srv.Close() },
	}
}

func newLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
