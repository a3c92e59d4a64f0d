package task

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// TaskQueryRunner hides the database/sql + MySQL driver plumbing behind a
// narrow interface so the scheduler and executor can be tested without a
// live server (spec.md §4.7).
type TaskQueryRunner interface {
	Exec(ctx context.Context, stmt string) error
	ConnectionID() uint32
	Kill(ctx context.Context) error
}

// MySQLRunner is a TaskQueryRunner backed by one reserved *sql.Conn, so its
// connection id is stable for the lifetime of a Task and KILL QUERY can
// target it from a side connection.
type MySQLRunner struct {
	db   *sql.DB
	conn *sql.Conn
	id   uint32
}

// NewMySQLRunner reserves a connection from db and reads its MySQL
// connection id via CONNECTION_ID().
func NewMySQLRunner(ctx context.Context, db *sql.DB) (*MySQLRunner, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var id uint32
	if err := conn.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&id); err != nil {
		conn.Close()
		return nil, err
	}
	return &MySQLRunner{db: db, conn: conn, id: id}, nil
}

func (r *MySQLRunner) Exec(ctx context.Context, stmt string) error {
	_, err := r.conn.ExecContext(ctx, stmt)
	return err
}

func (r *MySQLRunner) ConnectionID() uint32 {
	return r.id
}

// Kill issues KILL QUERY <connection id> on a side connection, the standard
// MySQL cancellation idiom (spec.md §4.7, §5).
func (r *MySQLRunner) Kill(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf("KILL QUERY %d", r.id))
	return err
}

// Close releases the reserved connection back to the pool.
func (r *MySQLRunner) Close() error {
	return r.conn.Close()
}
