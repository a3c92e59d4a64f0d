package qmeta

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gocraft/dbr/v2"
	_ "github.com/go-sql-driver/mysql"
)

// ExpectedSchemaVersion is the QMetadata sentinel this build requires. A
// mismatch at startup is fatal per spec.md §7.
const ExpectedSchemaVersion = 1

// Store is the control-database reader/writer used at process startup and
// by the components that consult config_* tables. It wraps database/sql
// with github.com/gocraft/dbr/v2 for statement composition, matching the
// "thin connection wrapper" in spec.md §6 — never a full ORM.
type Store struct {
	sess *dbr.Session
}

// Open connects to the control database at dsn using the MySQL driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("qmeta: open control db: %w", err)
	}
	conn := &dbr.Connection{DB: db, Dialect: dbr.MySQL}
	return &Store{sess: conn.NewSession(nil)}, nil
}

// NewFromSession builds a Store around an already-open dbr session instead
// of opening one from a DSN.
func NewFromSession(sess *dbr.Session) *Store {
	return &Store{sess: sess}
}

// CheckSchemaVersion reads QMetadata and fails fast on a version mismatch,
// per spec.md §7 ("bad schema version... fatal at startup").
func (s *Store) CheckSchemaVersion(ctx context.Context) error {
	var version int
	err := s.sess.SelectBySql("SELECT value FROM QMetadata WHERE metakey = 'version'").
		LoadContext(ctx, &version)
	if err != nil {
		return fmt.Errorf("qmeta: read schema version: %w", err)
	}
	if version != ExpectedSchemaVersion {
		return fmt.Errorf("qmeta: schema version mismatch: got %d, want %d", version, ExpectedSchemaVersion)
	}
	return nil
}

// LoadWorkerConfigs reads every config_worker row joined against the
// system defaults row, applying fallbacks per spec.md §6.
func (s *Store) LoadWorkerConfigs(ctx context.Context) ([]WorkerConfig, error) {
	var rows []WorkerConfig
	_, err := s.sess.Select(
		"name", "is_enabled", "is_read_only", "svc_host", "svc_port",
		"fs_host", "fs_port", "data_dir", "loader_host", "loader_port",
		"exporter_host", "exporter_port", "http_loader_host", "http_loader_port",
	).From("config_worker").LoadContext(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("qmeta: load worker configs: %w", err)
	}

	defaults, err := s.LoadDefaults(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].ApplyDefaults(defaults)
	}
	return rows, nil
}

// LoadDefaults reads the single defaults record referenced by spec.md §6.
func (s *Store) LoadDefaults(ctx context.Context) (DefaultsConfig, error) {
	var d DefaultsConfig
	err := s.sess.Select("svc_port", "fs_port", "loader_port", "exporter_port", "http_loader_port").
		From("config").LoadContext(ctx, &d)
	if err != nil {
		return DefaultsConfig{}, fmt.Errorf("qmeta: load defaults: %w", err)
	}
	return d, nil
}
