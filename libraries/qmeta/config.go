// Package qmeta is the thin control-database access layer named in
// spec.md §6: typed readers/writers over the config*, QMetadata,
// QStatsTmp/QProgress and memLock tables, built on database/sql plus
// github.com/gocraft/dbr/v2 for statement composition rather than a full
// ORM.
package qmeta

import "time"

// WorkerConfig is one row of config_worker, per spec.md §6.
type WorkerConfig struct {
	Name           string `db:"name"`
	IsEnabled      bool   `db:"is_enabled"`
	IsReadOnly     bool   `db:"is_read_only"`
	SvcHost        string `db:"svc_host"`
	SvcPort        int    `db:"svc_port"`
	FsHost         string `db:"fs_host"`
	FsPort         int    `db:"fs_port"`
	DataDir        string `db:"data_dir"`
	LoaderHost     string `db:"loader_host"`
	LoaderPort     int    `db:"loader_port"`
	ExporterHost   string `db:"exporter_host"`
	ExporterPort   int    `db:"exporter_port"`
	HTTPLoaderHost string `db:"http_loader_host"`
	HTTPLoaderPort int    `db:"http_loader_port"`
}

// DefaultsConfig supplies the fallback host/port values missing worker
// rows inherit, per spec.md §6.
type DefaultsConfig struct {
	SvcPort        int `db:"svc_port"`
	FsPort         int `db:"fs_port"`
	LoaderPort     int `db:"loader_port"`
	ExporterPort   int `db:"exporter_port"`
	HTTPLoaderPort int `db:"http_loader_port"`
}

// ApplyDefaults fills any zero-valued port field on w from d.
func (w *WorkerConfig) ApplyDefaults(d DefaultsConfig) {
	if w.SvcPort == 0 {
		w.SvcPort = d.SvcPort
	}
	if w.FsPort == 0 {
		w.FsPort = d.FsPort
	}
	if w.LoaderPort == 0 {
		w.LoaderPort = d.LoaderPort
	}
	if w.ExporterPort == 0 {
		w.ExporterPort = d.ExporterPort
	}
	if w.HTTPLoaderPort == 0 {
		w.HTTPLoaderPort = d.HTTPLoaderPort
	}
}

// QueryProgress is the row shape of the QStatsTmp/QProgress in-memory
// table: one row per in-flight user query (spec.md §3, "supplementary
// types" in SPEC_FULL.md §3). No component in this module reads or writes
// these rows.
type QueryProgress struct {
	QueryID         uint64
	TotalChunks     int
	CompletedChunks int
	QueryBegin      time.Time
	LastUpdate      time.Time
}

// Done reports whether every chunk of the query has completed.
func (p QueryProgress) Done() bool {
	return p.TotalChunks > 0 && p.CompletedChunks >= p.TotalChunks
}
