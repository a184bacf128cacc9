// Package kv defines the embedded key-value engine used by the cache.
//
// An Env holds a set of named tables. All access goes through a scoped
// transaction: View for read-only snapshots, Update for the single writer.
// Tables are ordered by byte-wise key comparison and are created lazily the
// first time a write transaction opens them.
package kv

import (
	"errors"
	"fmt"
)

// Engine names accepted by Open.
const (
	EngineSQLite = "sqlite"
	EngineBolt   = "bolt"
)

var (
	// ErrNotFound is returned by Table.Get when the key is absent.
	ErrNotFound = errors.New("kv: key not found")
	// ErrReadOnly is returned when a read transaction attempts a mutation.
	ErrReadOnly = errors.New("kv: transaction is read-only")
	// ErrIncompatible is returned by Open when the on-disk environment was
	// written by an incompatible engine version or is not readable.
	ErrIncompatible = errors.New("kv: incompatible environment")
)

// Env is an open engine environment.
type Env interface {
	// View runs fn inside a read-only snapshot transaction.
	View(fn func(Txn) error) error
	// Update runs fn inside the write transaction. The transaction is
	// committed if fn returns nil and aborted otherwise, including on panic.
	Update(fn func(Txn) error) error
	// Path returns the file backing the environment.
	Path() string
	Close() error
}

// Txn is a transaction scoped to a View or Update callback.
// It must not be retained after the callback returns.
type Txn interface {
	// Table opens the named table. Write transactions create it if missing;
	// read transactions return an empty table instead.
	Table(name string) (Table, error)
	// DropTable removes the named table and all of its entries.
	DropTable(name string) error
	Writable() bool
}

// Table is a named, ordered collection of entries.
type Table interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Len() (int, error)
	Cursor() Cursor
}

// Cursor walks a table in key order. Every positioning method returns a nil
// key once the cursor moves past either end.
type Cursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
	// Seek positions the cursor at the first key >= key.
	Seek(key []byte) (k, v []byte)
	// Delete removes the current entry. A following Next or Prev continues
	// from the deleted entry's neighbour.
	Delete() error
	// Err returns the first error encountered while iterating.
	Err() error
}

// Options configures an engine environment.
type Options struct {
	// NoSync disables fsync on commit. Only meant for tests.
	NoSync bool
}

// Open opens the environment for the named engine inside dir.
func Open(engine, dir string, opts Options) (Env, error) {
	switch engine {
	case "", EngineSQLite:
		env, err := OpenSQLite(dir, opts)
		if err != nil {
			return nil, err
		}
		return env, nil
	case EngineBolt:
		env, err := OpenBolt(dir, opts)
		if err != nil {
			return nil, err
		}
		return env, nil
	default:
		return nil, fmt.Errorf("unknown kv engine %q", engine)
	}
}

// FileName returns the name of the file an engine keeps inside its directory.
func FileName(engine string) string {
	if engine == EngineBolt {
		return "cache.bolt"
	}
	return "cache.db"
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// emptyTable stands in for a table that does not exist in a read transaction.
type emptyTable struct{}

func (emptyTable) Get([]byte) ([]byte, error) { return nil, ErrNotFound }
func (emptyTable) Put(_, _ []byte) error { return ErrReadOnly }
func (emptyTable) Delete([]byte) error { return ErrReadOnly }
func (emptyTable) Len() (int, error) { return 0, nil }
func (emptyTable) Cursor() Cursor { return emptyCursor{} }

type emptyCursor struct{}

func (emptyCursor) First() ([]byte, []byte) { return nil, nil }
func (emptyCursor) Last() ([]byte, []byte) { return nil, nil }
func (emptyCursor) Next() ([]byte, []byte) { return nil, nil }
func (emptyCursor) Prev() ([]byte, []byte) { return nil, nil }
func (emptyCursor) Seek([]byte) ([]byte, []byte) { return nil, nil }
func (emptyCursor) Delete() error { return ErrReadOnly }
func (emptyCursor) Err() error { return nil }
