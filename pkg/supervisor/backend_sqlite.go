package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores one channel in a SQLite key/value table.
type SQLiteBackend struct {
	db    *sql.DB
	table string
}

// OpenSQLiteBackend opens (and migrates) a backend at the given DSN.
// table separates channels sharing one database file, for example
// "storage" and "keystore".
func OpenSQLiteBackend(dsn, table string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open sqlite: %w", err)
	}
	b, err := NewSQLiteBackend(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLiteBackend wraps an existing database handle.
func NewSQLiteBackend(db *sql.DB, table string) (*SQLiteBackend, error) {
	if table == "" {
		table = "kv"
	}
	b := &SQLiteBackend{db: db, table: table}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`, b.table)
	if _, err := b.db.Exec(query); err != nil {
		return fmt.Errorf("supervisor: migrate %s: %w", b.table, err)
	}
	return nil
}

func (b *SQLiteBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, b.table)
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("supervisor: read %q: %w", key, err)
	}
	return value, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, key string, data []byte) error {
	query := fmt.Sprintf(`
	INSERT INTO %s (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, b.table)
	if _, err := b.db.ExecContext(ctx, query, key, data); err != nil {
		return fmt.Errorf("supervisor: write %q: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, b.table)
	if _, err := b.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("supervisor: delete %q: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE key = ?`, b.table)
	err := b.db.QueryRowContext(ctx, query, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("supervisor: exists %q: %w", key, err)
	}
	return true, nil
}

func (b *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	query := fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, b.table)
	args := []any{}
	if prefix != "" {
		query = fmt.Sprintf(`SELECT key FROM %s WHERE key >= ? AND key < ? ORDER BY key`, b.table)
		args = append(args, prefix, prefixUpperBound(prefix))
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("supervisor: list %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, or a sentinel past all keys for an empty or
// maximal prefix.
func prefixUpperBound(prefix string) string {
	bs := []byte(prefix)
	for i := len(bs) - 1; i >= 0; i-- {
		if bs[i] < 0xff {
			bs[i]++
			return string(bs[:i+1])
		}
	}
	return string([]byte{0xff, 0xff, 0xff, 0xff})
}
