package qjob

import (
	"context"

	"go.uber.org/zap"

	"github.com/lsst/qserv-sub025/libraries/qmeta"
	"github.com/lsst/qserv-sub025/libraries/qrequest"
)

// WorkerLister enumerates the workers a Job should fan out to, either the
// enabled subset or every known worker (spec.md §4.4).
type WorkerLister interface {
	Workers(enabledOnly bool) []string
}

// StaticWorkerLister is the in-memory WorkerLister used by tests and by
// small deployments that don't consult qmeta for worker enablement.
type StaticWorkerLister struct {
	All     []string
	Enabled []string
}

func (l StaticWorkerLister) Workers(enabledOnly bool) []string {
	if enabledOnly {
		return l.Enabled
	}
	return l.All
}

// childBuilder constructs one child Request for worker, wired to call
// onFinish when it completes. Returning an already-Started request is the
// caller's responsibility; FanOut only tracks and registers it.
type childBuilder func(worker string, onFinish func(*qrequest.Base)) *qrequest.Base

// fanOut enumerates lister's workers, builds one child Request per worker
// via build, and registers each with job before returning. This is the
// shared "startImpl(lock) enumerates workers and creates one Request per
// worker" step from spec.md §4.4, reused by every Job flavor below.
func fanOut(job *Base, lister WorkerLister, enabledOnly bool, build childBuilder) {
	workers := lister.Workers(enabledOnly)
	job.BeginFanOut(len(workers))
	for _, w := range workers {
		cb := job.TrackChild(w)
		req := build(w, cb)
		job.RegisterChild(req)
	}
}

// ClusterHealthJob pings every worker's status endpoint, grounded on
// original_source/core/modules/replica/ClusterHealthJob.{cc,h}.
type ClusterHealthJob struct {
	*Base
}

// NewClusterHealthJob builds and starts a Job that probes every (or every
// enabled) worker's health and reports per-worker liveness via Results().
// probe is invoked synchronously per worker and stands in for the
// Messenger round trip a production deployment would perform.
func NewClusterHealthJob(ctx context.Context, id string, lister WorkerLister, enabledOnly bool,
	persister qmeta.Persister, probe func(worker string) qrequest.Reply,
	onFinish func(*Base), logger *zap.Logger) *ClusterHealthJob {

	job := &ClusterHealthJob{Base: NewBase(id, "ClusterHealth", 0, onFinish, logger)}
	fanOut(job.Base, lister, enabledOnly, func(worker string, onChildFinish func(*qrequest.Base)) *qrequest.Base {
		req := qrequest.NewBase(id+"/"+worker, "Status", worker, 0, false, false, qrequest.Config{
			Persister: persister,
			Logger:    logger,
			OnFinish:  onChildFinish,
		})
		_ = req.Start(ctx, id, 0)
		req.Deliver(ctx, probe(worker))
		return req
	})
	return job
}

// QservSyncJob reconciles a target chunk-disposition map against live
// worker state, grounded on
// original_source/core/modules/replica/QservSyncJob.{cc,h}.
type QservSyncJob struct {
	*Base
}

// NewQservSyncJob builds and starts a Job that pushes a replicate/remove
// instruction to every targeted worker. apply performs the reconciliation
// for one worker and stands in for the Messenger round trip.
func NewQservSyncJob(ctx context.Context, id string, lister WorkerLister, enabledOnly bool,
	persister qmeta.Persister, apply func(worker string) qrequest.Reply,
	onFinish func(*Base), logger *zap.Logger) *QservSyncJob {

	job := &QservSyncJob{Base: NewBase(id, "QservSync", 0, onFinish, logger)}
	fanOut(job.Base, lister, enabledOnly, func(worker string, onChildFinish func(*qrequest.Base)) *qrequest.Base {
		req := qrequest.NewBase(id+"/"+worker, "Replicate", worker, 0, false, false, qrequest.Config{
			Persister: persister,
			Logger:    logger,
			OnFinish:  onChildFinish,
		})
		_ = req.Start(ctx, id, 0)
		req.Deliver(ctx, apply(worker))
		return req
	})
	return job
}

// SqlBroadcastJob runs one SQL statement on every worker's control
// connection, grounded on original_source/core/modules/replica/SqlJob.cc.
type SqlBroadcastJob struct {
	*Base
	Statement string
}

// NewSqlBroadcastJob builds and starts a Job that runs statement against
// every targeted worker's control connection. exec performs the execution
// for one worker and stands in for the Messenger round trip.
func NewSqlBroadcastJob(ctx context.Context, id, statement string, lister WorkerLister, enabledOnly bool,
	persister qmeta.Persister, exec func(worker, statement string) qrequest.Reply,
	onFinish func(*Base), logger *zap.Logger) *SqlBroadcastJob {

	job := &SqlBroadcastJob{Base: NewBase(id, "SqlBroadcast", 0, onFinish, logger), Statement: statement}
	fanOut(job.Base, lister, enabledOnly, func(worker string, onChildFinish func(*qrequest.Base)) *qrequest.Base {
		req := qrequest.NewBase(id+"/"+worker, "Sql", worker, 0, false, false, qrequest.Config{
			Persister: persister,
			Logger:    logger,
			OnFinish:  onChildFinish,
		})
		_ = req.Start(ctx, id, 0)
		req.Deliver(ctx, exec(worker, statement))
		return req
	})
	return job
}
