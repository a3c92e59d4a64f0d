package chunkresource

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLDDL is the production DDL: a worker's local MySQL connection used to
// materialize and drop the per-sub-chunk tables named by Key.TableName.
type SQLDDL struct {
	db *sql.DB
}

// NewSQLDDL wraps an already-open worker-local MySQL connection.
func NewSQLDDL(db *sql.DB) *SQLDDL {
	return &SQLDDL{db: db}
}

// CreateSubChunkTables materializes k's database and one table created
// LIKE k.Database.k.Table, the worker-side equivalent of the czar's
// "LOAD DATA INFILE into a freshly CREATE TABLE LIKE" dispatch step. No
// overlap table is created alongside it.
func (d *SQLDDL) CreateSubChunkTables(ctx context.Context, k Key) error {
	database, table := k.TableName()
	if _, err := d.db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)); err != nil {
		return fmt.Errorf("chunkresource: create database %s: %w", database, err)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.`%s` LIKE `%s`.`%s`", database, table, k.Database, k.Table)
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("chunkresource: create table %s.%s: %w", database, table, err)
	}
	return nil
}

// DropSubChunkTables drops k's materialized table.
func (d *SQLDDL) DropSubChunkTables(ctx context.Context, k Key) error {
	database, table := k.TableName()
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS `%s`.`%s`", database, table)
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("chunkresource: drop table %s.%s: %w", database, table, err)
	}
	return nil
}

// DropDatabasesWithPrefix removes every Subchunks_* database matching
// prefix, used at startup recovery (spec.md §4.6) to clear tables left
// behind by a worker that crashed mid-query.
func (d *SQLDDL) DropDatabasesWithPrefix(ctx context.Context, prefix string) error {
	rows, err := d.db.QueryContext(ctx, "SHOW DATABASES LIKE ?", prefix+"%")
	if err != nil {
		return fmt.Errorf("chunkresource: list databases: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("chunkresource: scan database name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		if _, err := d.db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)); err != nil {
			return fmt.Errorf("chunkresource: drop database %s: %w", name, err)
		}
	}
	return nil
}

// Mlock runs MySQL's MEMORY-engine LOAD INDEX INTO CACHE equivalent for
// table, pinning it into the InnoDB buffer pool / MEMORY engine rows so
// scans against it don't pay a cold-cache penalty (spec.md §4.6's mlock).
func (d *SQLDDL) Mlock(ctx context.Context, table string) error {
	stmt := fmt.Sprintf("LOAD INDEX INTO CACHE `%s`", table)
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("chunkresource: mlock %s: %w", table, err)
	}
	return nil
}

var _ DDL = (*SQLDDL)(nil)
