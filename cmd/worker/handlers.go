package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lsst/qserv-sub025/libraries/chunkresource"
	"github.com/lsst/qserv-sub025/libraries/wire"
)

// replicateHandler materializes the sub-chunk table named in body
// ("database|table|chunkId|subChunkId"), the worker-side effect of a
// replica-issued QservSyncJob (spec.md §4.4/§4.6).
func replicateHandler(mgr *chunkresource.Manager) func(context.Context, []byte) ([]byte, wire.Status, wire.ExtendedStatus) {
	return func(ctx context.Context, body []byte) ([]byte, wire.Status, wire.ExtendedStatus) {
		k, err := parseChunkKey(body)
		if err != nil {
			return []byte(err.Error()), wire.BAD, wire.ExtNone
		}
		h, err := mgr.Acquire(ctx, []chunkresource.Key{k})
		if err != nil {
			return []byte(err.Error()), wire.FAILED, wire.ExtNone
		}
		_ = h.Release(ctx)
		return nil, wire.SUCCESS, wire.ExtNone
	}
}

// sqlHandler runs body verbatim as a statement on this worker's local
// MySQL connection, the worker-side effect of a replica-issued
// SqlBroadcastJob (administrative commands, spec.md §4.4).
func sqlHandler(db *sql.DB) func(context.Context, []byte) ([]byte, wire.Status, wire.ExtendedStatus) {
	return func(ctx context.Context, body []byte) ([]byte, wire.Status, wire.ExtendedStatus) {
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return []byte(err.Error()), wire.FAILED, wire.ExtNone
		}
		return nil, wire.SUCCESS, wire.ExtNone
	}
}

// statusHandler answers a ClusterHealthJob probe with a bare SUCCESS,
// standing in for a real worker liveness/load report.
func statusHandler() func(context.Context, []byte) ([]byte, wire.Status, wire.ExtendedStatus) {
	return func(ctx context.Context, body []byte) ([]byte, wire.Status, wire.ExtendedStatus) {
		return []byte("OK"), wire.SUCCESS, wire.ExtNone
	}
}

func parseChunkKey(body []byte) (chunkresource.Key, error) {
	parts := strings.Split(string(body), "|")
	if len(parts) != 4 {
		return chunkresource.Key{}, fmt.Errorf("worker: malformed Replicate body %q", body)
	}
	chunkID, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return chunkresource.Key{}, fmt.Errorf("worker: bad chunk id in %q: %w", body, err)
	}
	subChunkID, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return chunkresource.Key{}, fmt.Errorf("worker: bad sub-chunk id in %q: %w", body, err)
	}
	return chunkresource.Key{
		Database:   parts[0],
		Table:      parts[1],
		ChunkID:    uint32(chunkID),
		SubChunkID: uint32(subChunkID),
	}, nil
}
