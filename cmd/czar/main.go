// Command czar runs the qserv czar daemon. It runs a Messenger, a periodic
// ClusterHealthJob poller over the enabled workers, and a merge gateway
// that merges result dumps handed to its Submit method with ResultMerger.
// It does not accept user queries or dispatch them to workers, and nothing
// in this command calls Submit.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gocraft/dbr/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lsst/qserv-sub025/libraries/admission"
	"github.com/lsst/qserv-sub025/libraries/bootstrap"
	"github.com/lsst/qserv-sub025/libraries/messenger"
	"github.com/lsst/qserv-sub025/libraries/qerrors"
	"github.com/lsst/qserv-sub025/libraries/qjob"
	"github.com/lsst/qserv-sub025/libraries/qmeta"
	"github.com/lsst/qserv-sub025/libraries/qrequest"
	"github.com/lsst/qserv-sub025/libraries/stats"
	"github.com/lsst/qserv-sub025/libraries/svcs"
	"github.com/lsst/qserv-sub025/libraries/wire"
)

func main() {
	configPath := flag.String("config", "/etc/qserv/czar.yaml", "bootstrap config file")
	resultDSN := flag.String("result-dsn", "", "DSN for the czar's local result-merge MySQL instance")
	healthInterval := flag.Duration("health-interval", 30*time.Second, "ClusterHealthJob polling interval")
	flag.Parse()

	cfg, err := bootstrap.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := run(cfg, *resultDSN, *healthInterval, logger); err != nil {
		logger.Fatal("czar exited with error", zap.Error(err))
	}
}

func run(cfg bootstrap.Config, resultDSN string, healthInterval time.Duration, logger *zap.Logger) error {
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

	resultDB, err := sql.Open("mysql", resultDSN)
	if err != nil {
		return err
	}
	defer resultDB.Close()
	resultSess := (&dbr.Connection{DB: resultDB, Dialect: dbr.MySQL}).NewSession(nil)

	addrFor := func(worker string) (string, error) {
		for _, w := range workerConfigs {
			if w.Name == worker {
				return fmt.Sprintf("%s:%d", w.SvcHost, w.SvcPort), nil
			}
		}
		return "", fmt.Errorf("czar: unknown worker %s", worker)
	}
	msgr := messenger.New(messenger.NewTCPTransport(addrFor, 10*time.Second), logger)

	queryStats := stats.New(10000)
	persister := qmeta.NewInMemoryPersister()

	restartTransport := admission.NewQueueTransport(func(id string) {
		logger.Info("admission: restarting blocked stream", zap.String("stream", id))
	})
	admissionMgr := admission.New(restartTransport, 4)
	gateway := newMergeGateway(resultSess, admissionMgr, restartTransport, logger)

	ctrl := svcs.NewController()
	if err := ctrl.Register(messengerService(msgr)); err != nil {
		return err
	}
	if err := ctrl.Register(healthPollerService(msgr, lister, persister, queryStats, healthInterval, logger)); err != nil {
		return err
	}
	if err := ctrl.Register(mergeGatewayService(gateway)); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ctrl.Stop()
	}()

	logger.Info("czar starting", zap.Int("workers", len(workerConfigs)))
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

func mergeGatewayService(g *mergeGateway) *svcs.AnonService {
	return &svcs.AnonService{
		RunF: func(ctx context.Context) { g.run(ctx) },
	}
}

// healthPollerService wraps a ticking ClusterHealthJob loop in a Service so
// the Controller owns its lifecycle like every other long-lived goroutine
// in the process.
func healthPollerService(msgr *messenger.Messenger, lister qjob.StaticWorkerLister, persister qmeta.Persister,
	queryStats *stats.QueryStatistics, interval time.Duration, logger *zap.Logger) *svcs.AnonService {

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
					pollOnce(ctx, msgr, lister, persister, logger)
				}
			}
		},
		StopF: func() error { close(stopCh); return nil },
	}
}

func pollOnce(ctx context.Context, msgr *messenger.Messenger, lister qjob.StaticWorkerLister,
	persister qmeta.Persister, logger *zap.Logger) {

	id := uuid.NewString()
	done := make(chan *qjob.Base, 1)
	probe := func(worker string) qrequest.Reply {
		replyCh := make(chan qrequest.Reply, 1)
		msgr.Send(ctx, worker, id+"/"+worker, int(wire.StatusReq), nil, func(success bool, payload []byte) {
			if success {
				replyCh <- qrequest.Reply{Extended: qerrors.SUCCESS}
			} else {
				replyCh <- qrequest.Reply{Extended: qerrors.SERVER_ERROR}
			}
		})
		select {
		case r := <-replyCh:
			return r
		case <-time.After(5 * time.Second):
			return qrequest.Reply{Extended: qerrors.SERVER_ERROR, ServerMsg: "health probe timed out"}
		}
	}
	qjob.NewClusterHealthJob(ctx, id, lister, true, persister, probe,
		func(j *qjob.Base) { done <- j }, logger)

	select {
	case j := <-done:
		logger.Debug("cluster health poll complete", zap.String("job", j.ID), zap.Int("state", int(j.State())))
	case <-time.After(10 * time.Second):
		logger.Warn("cluster health poll timed out", zap.String("job", id))
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
