package commitlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteLog persists the commit tape in a SQLite database. It implements
// Log; the hash chain is stored per row so an interrupted node can resume
// appending after reopening the file.
type SQLiteLog struct {
	db *sql.DB

	mu     sync.Mutex
	lastID uint64
	chain  string
}

// OpenSQLiteLog opens (and migrates) a commit log at the given DSN, for
// example "file:commits.db" or ":memory:".
func OpenSQLiteLog(dsn string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("commitlog: open sqlite: %w", err)
	}
	l, err := NewSQLiteLog(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLiteLog wraps an existing database handle.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	if err := l.loadHead(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS commits (
		commit_id   INTEGER PRIMARY KEY,
		commit_type INTEGER NOT NULL,
		payload     BLOB NOT NULL,
		pre_state   BLOB NOT NULL,
		post_state  BLOB NOT NULL,
		chain_hash  TEXT NOT NULL
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("commitlog: migrate: %w", err)
	}
	return nil
}

func (l *SQLiteLog) loadHead() error {
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
func (l *SQLiteLog) Append(ctx context.Context, c *Commit) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c.CommitID = l.lastID + 1
	next, err := chainStep(l.chain, c)
	if err != nil {
		return 0, fmt.Errorf("commitlog: chain hash: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO commits (commit_id, commit_type, payload, pre_state, post_state, chain_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.CommitID, uint8(c.Type), []byte(c.Payload), c.PreState[:], c.PostState[:], next)
	if err != nil {
		return 0, fmt.Errorf("commitlog: insert commit %d: %w", c.CommitID, err)
	}
	l.lastID = c.CommitID
	l.chain = next
	return c.CommitID, nil
}

// Get implements Log.
func (l *SQLiteLog) Get(ctx context.Context, id uint64) (*Commit, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT commit_id, commit_type, payload, pre_state, post_state FROM commits WHERE commit_id = ?`, id)
	return scanCommit(row)
}

// Range implements Log.
func (l *SQLiteLog) Range(ctx context.Context, start, end uint64) ([]*Commit, error) {
	if start == 0 || start > end {
		return nil, fmt.Errorf("commitlog: invalid range [%d, %d]", start, end)
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT commit_id, commit_type, payload, pre_state, post_state
		 FROM commits WHERE commit_id BETWEEN ? AND ? ORDER BY commit_id`, start, end)
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
func (l *SQLiteLog) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// ChainHash implements Log.
func (l *SQLiteLog) ChainHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain
}

// Close releases the underlying database handle.
func (l *SQLiteLog) Close() error { return l.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(row rowScanner) (*Commit, error) {
	var c Commit
	var ctype uint8
	var pre, post []byte
	if err := row.Scan(&c.CommitID, &ctype, (*[]byte)(&c.Payload), &pre, &post); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommitNotFound
		}
		return nil, fmt.Errorf("commitlog: scan commit: %w", err)
	}
	c.Type = CommitType(ctype)
	if len(pre) != len(c.PreState) || len(post) != len(c.PostState) {
		return nil, fmt.Errorf("commitlog: commit %d has malformed state hashes", c.CommitID)
	}
	copy(c.PreState[:], pre)
	copy(c.PostState[:], post)
	return &c, nil
}
