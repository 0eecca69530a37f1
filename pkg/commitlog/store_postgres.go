package commitlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
)

// PostgresLog persists the commit tape in Postgres, for nodes whose
// supervisor runs server-side rather than in a browser sandbox. Same
// schema discipline as SQLiteLog.
type PostgresLog struct {
	db *sql.DB

	mu     sync.Mutex
	lastID uint64
	chain  string
}

// OpenPostgresLog connects to the given URL and migrates the schema.
func OpenPostgresLog(url string) (*PostgresLog, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("commitlog: open postgres: %w", err)
	}
	l, err := NewPostgresLog(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewPostgresLog wraps an existing database handle.
func NewPostgresLog(db *sql.DB) (*PostgresLog, error) {
	l := &PostgresLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	if err := l.loadHead(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS commits (
		commit_id   BIGINT PRIMARY KEY,
		commit_type SMALLINT NOT NULL,
		payload     BYTEA NOT NULL,
		pre_state   BYTEA NOT NULL,
		post_state  BYTEA NOT NULL,
		chain_hash  TEXT NOT NULL
	);`
	if _, err := l.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("commitlog: migrate: %w", err)
	}
	return nil
}

func (l *PostgresLog) loadHead() error {
	row := l.db.QueryRowContext(context.Background(),
		`SELECT commit_id, chain_hash FROM commits ORDER BY commit_id DESC LIMIT 1`)
	var id uint64
	var chain string
	switch err := row.Scan(&id, &chain); {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("commitlog: load head: %w", err)
	}
	l.lastID = id
	l.chain = chain
	return nil
}

// Append implements Log.
func (l *PostgresLog) Append(ctx context.Context, c *Commit) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c.CommitID = l.lastID + 1
	next, err := chainStep(l.chain, c)
	if err != nil {
		return 0, fmt.Errorf("commitlog: chain hash: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO commits (commit_id, commit_type, payload, pre_state, post_state, chain_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.CommitID, uint8(c.Type), []byte(c.Payload), c.PreState[:], c.PostState[:], next)
	if err != nil {
		return 0, fmt.Errorf("commitlog: insert commit %d: %w", c.CommitID, err)
	}
	l.lastID = c.CommitID
	l.chain = next
	return c.CommitID, nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, id uint64) (*Commit, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT commit_id, commit_type, payload, pre_state, post_state FROM commits WHERE commit_id = $1`, id)
	return scanCommit(row)
}

// Range implements Log.
func (l *PostgresLog) Range(ctx context.Context, start, end uint64) ([]*Commit, error) {
	if start == 0 || start > end {
		return nil, fmt.Errorf("commitlog: invalid range [%d, %d]", start, end)
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT commit_id, commit_type, payload, pre_state, post_state
		 FROM commits WHERE commit_id BETWEEN $1 AND $2 ORDER BY commit_id`, start, end)
	if err != nil {
		return nil, fmt.Errorf("commitlog: range query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var commits []*Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commitlog: range rows: %w", err)
	}
	return commits, nil
}

// Len implements Log.
func (l *PostgresLog) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// ChainHash implements Log.
func (l *PostgresLog) ChainHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain
}

// Close releases the underlying database handle.
func (l *PostgresLog) Close() error { return l.db.Close() }
