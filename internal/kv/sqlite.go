package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// tableNamespace seeds the deterministic SQL identifiers of logical tables.
var tableNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mxcache:kv"))

const catalogSchema = `
CREATE TABLE IF NOT EXISTS kv_tables (
    name TEXT PRIMARY KEY,
    ident TEXT NOT NULL
);
`

// SQLiteEnv is an Env stored in a single SQLite database in WAL mode.
// Writes go through a one-connection pool opened with BEGIN IMMEDIATE, so
// there is exactly one write transaction at a time; reads use a separate
// query-only pool and see a snapshot.
type SQLiteEnv struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

// OpenSQLite opens (or creates) the SQLite environment inside dir.
func OpenSQLite(dir string, opts Options) (*SQLiteEnv, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	path := filepath.Join(dir, FileName(EngineSQLite))

	synchronous := "NORMAL"
	if opts.NoSync {
		synchronous = "OFF"
	}

	writer, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_synchronous="+synchronous)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer at a time.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if _, err := writer.Exec(catalogSchema); err != nil {
		writer.Close()
		return nil, mapSQLiteError(fmt.Errorf("failed to create table catalog: %w", err))
	}

	reader, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_query_only=1")
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, mapSQLiteError(fmt.Errorf("failed to connect to database: %w", err))
	}

	return &SQLiteEnv{path: path, writer: writer, reader: reader}, nil
}

// mapSQLiteError turns "this is not a database we can read" into ErrIncompatible.
func mapSQLiteError(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrNotADB || serr.Code == sqlite3.ErrCorrupt) {
		return fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	return err
}

// Path returns the database file.
func (e *SQLiteEnv) Path() string {
	return e.path
}

// Close closes both connection pools.
func (e *SQLiteEnv) Close() error {
	rerr := e.reader.Close()
	if err := e.writer.Close(); err != nil {
		return err
	}
	return rerr
}

// View runs fn in a read transaction.
func (e *SQLiteEnv) View(fn func(Txn) error) error {
	tx, err := e.reader.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	return fn(newSQLiteTxn(tx, false))
}

// Update runs fn in the write transaction.
func (e *SQLiteEnv) Update(fn func(Txn) error) error {
	tx, err := e.writer.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin write transaction: %w", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer tx.Rollback()

	if err := fn(newSQLiteTxn(tx, true)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqliteTxn struct {
	tx       *sql.Tx
	writable bool
	tables   map[string]Table
}

func newSQLiteTxn(tx *sql.Tx, writable bool) *sqliteTxn {
	return &sqliteTxn{tx: tx, writable: writable, tables: make(map[string]Table)}
}

// tableIdent returns the SQL identifier backing a logical table name.
func tableIdent(name string) string {
	id := uuid.NewSHA1(tableNamespace, []byte(name))
	return "t_" + strings.ReplaceAll(id.String(), "-", "")
}

func (t *sqliteTxn) Writable() bool {
	return t.writable
}

func (t *sqliteTxn) Table(name string) (Table, error) {
	if tbl, ok := t.tables[name]; ok {
		return tbl, nil
	}

	ident := tableIdent(name)
	if t.writable {
		if _, err := t.tx.Exec(`CREATE TABLE IF NOT EXISTS ` + ident + ` (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", name, err)
		}
		if _, err := t.tx.Exec(`INSERT INTO kv_tables (name, ident) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, name, ident); err != nil {
			return nil, fmt.Errorf("failed to register table %s: %w", name, err)
		}
	} else {
		var found string
		err := t.tx.QueryRow(`SELECT ident FROM kv_tables WHERE name = ?`, name).Scan(&found)
		if err == sql.ErrNoRows {
			t.tables[name] = emptyTable{}
			return emptyTable{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up table %s: %w", name, err)
		}
	}

	tbl := &sqliteTable{txn: t, ident: ident}
	t.tables[name] = tbl
	return tbl, nil
}

func (t *sqliteTxn) DropTable(name string) error {
	if !t.writable {
		return ErrReadOnly
	}
	if _, err := t.tx.Exec(`DROP TABLE IF EXISTS ` + tableIdent(name)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	if _, err := t.tx.Exec(`DELETE FROM kv_tables WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to unregister table %s: %w", name, err)
	}
	delete(t.tables, name)
	return nil
}

type sqliteTable struct {
	txn   *sqliteTxn
	ident string
}

func (t *sqliteTable) Get(key []byte) ([]byte, error) {
	var v []byte
	err := t.txn.tx.QueryRow(`SELECT v FROM `+t.ident+` WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *sqliteTable) Put(key, value []byte) error {
	if !t.txn.writable {
		return ErrReadOnly
	}
	if value == nil {
		// A nil slice binds as NULL.
		value = []byte{}
	}
	_, err := t.txn.tx.Exec(`
		INSERT INTO `+t.ident+` (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v
	`, key, value)
	return err
}

func (t *sqliteTable) Delete(key []byte) error {
	if !t.txn.writable {
		return ErrReadOnly
	}
	_, err := t.txn.tx.Exec(`DELETE FROM `+t.ident+` WHERE k = ?`, key)
	return err
}

func (t *sqliteTable) Len() (int, error) {
	var n int
	err := t.txn.tx.QueryRow(`SELECT COUNT(*) FROM ` + t.ident).Scan(&n)
	return n, err
}

func (t *sqliteTable) Cursor() Cursor {
	return &sqliteCursor{table: t}
}

// sqliteCursor positions by key, so every step is an indexed lookup
// relative to the last key seen. Deleting the current row therefore needs no
// bookkeeping: the next step still starts from the deleted key.
type sqliteCursor struct {
	table *sqliteTable
	key   []byte
	err   error
}

func (c *sqliteCursor) row(query string, args ...any) ([]byte, []byte) {
	if c.err != nil {
		return nil, nil
	}
	var k, v []byte
	err := c.table.txn.tx.QueryRow(query, args...).Scan(&k, &v)
	if err == sql.ErrNoRows {
		c.key = nil
		return nil, nil
	}
	if err != nil {
		c.err = err
		c.key = nil
		return nil, nil
	}
	if v == nil {
		v = []byte{}
	}
	c.key = k
	return k, v
}

func (c *sqliteCursor) First() ([]byte, []byte) {
	return c.row(`SELECT k, v FROM ` + c.table.ident + ` ORDER BY k ASC LIMIT 1`)
}

func (c *sqliteCursor) Last() ([]byte, []byte) {
	return c.row(`SELECT k, v FROM ` + c.table.ident + ` ORDER BY k DESC LIMIT 1`)
}

func (c *sqliteCursor) Next() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	return c.row(`SELECT k, v FROM `+c.table.ident+` WHERE k > ? ORDER BY k ASC LIMIT 1`, c.key)
}

func (c *sqliteCursor) Prev() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	return c.row(`SELECT k, v FROM `+c.table.ident+` WHERE k < ? ORDER BY k DESC LIMIT 1`, c.key)
}

func (c *sqliteCursor) Seek(key []byte) ([]byte, []byte) {
	return c.row(`SELECT k, v FROM `+c.table.ident+` WHERE k >= ? ORDER BY k ASC LIMIT 1`, key)
}

func (c *sqliteCursor) Delete() error {
	if c.key == nil {
		return errors.New("kv: cursor is not positioned")
	}
	return c.table.Delete(c.key)
}

func (c *sqliteCursor) Err() error {
	return c.err
}

var _ Env = (*SQLiteEnv)(nil)
