// Package bootstrap loads the minimum file-based configuration a qserv
// daemon needs before it can reach the control database, per spec.md's
// Non-goal that full configuration-file loading is out of scope: just
// enough to find the control DB and know this process's own identity.
package bootstrap

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the bootstrap file read by cmd/czar, cmd/worker and
// cmd/replica at startup.
type Config struct {
	// DSN is the control database connection string, passed to
	// qmeta.Open.
	DSN string `yaml:"dsn"`

	// WorkerName is this worker's name; cmd/worker uses it as the memLock
	// owner uid and in its startup log. cmd/czar and cmd/replica ignore it.
	WorkerName string `yaml:"worker_name"`

	// DataDir is the base directory of materialized sub-chunk tables and
	// batch files this worker owns.
	DataDir string `yaml:"data_dir"`

	// LogLevel is a zapcore.Level name ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level"`

	// ListenAddr is the "host:port" cmd/worker and cmd/replica bind their
	// replicasrv.Server to, for incoming Replicate/Sql/Status requests.
	// Unused by cmd/czar, which only dials out.
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads and parses a Config from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("bootstrap: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootstrap: parse %s: %w", path, err)
	}
	if cfg.DSN == "" {
		return Config{}, fmt.Errorf("bootstrap: %s: dsn is required", path)
	}
	return cfg, nil
}
