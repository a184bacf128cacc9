package kv

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BoltEnv is an Env stored in a single bbolt file, one bucket per table.
type BoltEnv struct {
	path string
	db   *bbolt.DB
}

// OpenBolt opens (or creates) the bbolt environment inside dir.
func OpenBolt(dir string, opts Options) (*BoltEnv, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	path := filepath.Join(dir, FileName(EngineBolt))

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrInvalid) || errors.Is(err, bbolt.ErrVersionMismatch) || errors.Is(err, bbolt.ErrChecksum) {
			return nil, fmt.Errorf("%w: %v", ErrIncompatible, err)
		}
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	return &BoltEnv{path: path, db: db}, nil
}

// Path returns the database file.
func (e *BoltEnv) Path() string {
	return e.path
}

// Close closes the database.
func (e *BoltEnv) Close() error {
	return e.db.Close()
}

// View runs fn in a read transaction.
func (e *BoltEnv) View(fn func(Txn) error) error {
	return e.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

// Update runs fn in the write transaction.
func (e *BoltEnv) Update(fn func(Txn) error) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		txn := &boltTxn{tx: tx}
		if err := fn(txn); err != nil {
			return err
		}
		return txn.flushAll()
	})
}

// boltTxn defers cursor deletes. bbolt leaves emptied leaf pages in place
// until commit and Cursor.Prev stops at such a page, so a backward scan that
// deletes as it goes would end early. Keys deleted through a cursor are
// hidden from every table handle of the transaction and removed from the
// bucket on the next mutation of that table or before commit.
type boltTxn struct {
	tx      *bbolt.Tx
	pending map[string]map[string]struct{}
	// gen counts bucket mutations; cursors re-seek when it moves.
	gen uint64
}

func (t *boltTxn) Writable() bool {
	return t.tx.Writable()
}

func (t *boltTxn) Table(name string) (Table, error) {
	if !t.tx.Writable() {
		b := t.tx.Bucket([]byte(name))
		if b == nil {
			return emptyTable{}, nil
		}
		return &boltTable{txn: t, name: name, bucket: b}, nil
	}

	b, err := t.tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return &boltTable{txn: t, name: name, bucket: b}, nil
}

func (t *boltTxn) DropTable(name string) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	delete(t.pending, name)
	t.gen++
	err := t.tx.DeleteBucket([]byte(name))
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("failed to drop bucket %s: %w", name, err)
	}
	return nil
}

func (t *boltTxn) isPending(name string, key []byte) bool {
	_, ok := t.pending[name][string(key)]
	return ok
}

func (t *boltTxn) hide(name string, key []byte) {
	if t.pending == nil {
		t.pending = make(map[string]map[string]struct{})
	}
	keys, ok := t.pending[name]
	if !ok {
		keys = make(map[string]struct{})
		t.pending[name] = keys
	}
	keys[string(key)] = struct{}{}
}

func (t *boltTxn) flush(name string, bucket *bbolt.Bucket) error {
	keys := t.pending[name]
	if len(keys) == 0 {
		return nil
	}
	delete(t.pending, name)
	t.gen++
	for k := range keys {
		if err := bucket.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) flushAll() error {
	for name := range t.pending {
		b := t.tx.Bucket([]byte(name))
		if b == nil {
			delete(t.pending, name)
			continue
		}
		if err := t.flush(name, b); err != nil {
			return err
		}
	}
	return nil
}

type boltTable struct {
	txn    *boltTxn
	name   string
	bucket *bbolt.Bucket
}

// Get seeks instead of calling Bucket.Get so that an empty value is still
// distinguishable from a missing key.
func (t *boltTable) Get(key []byte) ([]byte, error) {
	if t.txn.isPending(t.name, key) {
		return nil, ErrNotFound
	}
	k, v := t.bucket.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, ErrNotFound
	}
	return ownValue(v), nil
}

func (t *boltTable) Put(key, value []byte) error {
	if !t.bucket.Writable() {
		return ErrReadOnly
	}
	if value == nil {
		value = []byte{}
	}
	if err := t.txn.flush(t.name, t.bucket); err != nil {
		return err
	}
	t.txn.gen++
	return t.bucket.Put(key, value)
}

func (t *boltTable) Delete(key []byte) error {
	if !t.bucket.Writable() {
		return ErrReadOnly
	}
	if err := t.txn.flush(t.name, t.bucket); err != nil {
		return err
	}
	t.txn.gen++
	return t.bucket.Delete(key)
}

// Len counts with a cursor. Bucket.Stats reads committed pages only and
// misses writes made earlier in the same transaction.
func (t *boltTable) Len() (int, error) {
	n := 0
	c := t.bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if !t.txn.isPending(t.name, k) {
			n++
		}
	}
	return n, nil
}

func (t *boltTable) Cursor() Cursor {
	return &boltCursor{table: t, c: t.bucket.Cursor(), gen: t.txn.gen}
}

// boltCursor remembers the current key so it can re-seek with a fresh bbolt
// cursor after the bucket was mutated under it. Keys with a deferred delete
// are skipped.
type boltCursor struct {
	table   *boltTable
	c       *bbolt.Cursor
	gen     uint64
	key     []byte
	deleted bool
}

func (c *boltCursor) hidden(k []byte) bool {
	return k != nil && c.table.txn.isPending(c.table.name, k)
}

func (c *boltCursor) forward(k, v []byte) ([]byte, []byte) {
	for c.hidden(k) {
		k, v = c.c.Next()
	}
	return c.set(k, v)
}

func (c *boltCursor) backward(k, v []byte) ([]byte, []byte) {
	for c.hidden(k) {
		k, v = c.c.Prev()
	}
	return c.set(k, v)
}

func (c *boltCursor) set(k, v []byte) ([]byte, []byte) {
	c.deleted = false
	if k == nil {
		c.key = nil
		return nil, nil
	}
	c.key = copyBytes(k)
	return c.key, ownValue(v)
}

// fresh replaces a stale bbolt cursor and positions it on the current key or,
// if that key is gone, on its successor.
func (c *boltCursor) fresh() (k, v []byte, stale bool) {
	if c.gen == c.table.txn.gen {
		return nil, nil, false
	}
	c.c = c.table.bucket.Cursor()
	c.gen = c.table.txn.gen
	k, v = c.c.Seek(c.key)
	return k, v, true
}

func (c *boltCursor) reset() {
	c.c = c.table.bucket.Cursor()
	c.gen = c.table.txn.gen
}

func (c *boltCursor) First() ([]byte, []byte) {
	c.reset()
	return c.forward(c.c.First())
}

func (c *boltCursor) Last() ([]byte, []byte) {
	c.reset()
	return c.backward(c.c.Last())
}

func (c *boltCursor) Next() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	if k, v, stale := c.fresh(); stale && (k == nil || !bytes.Equal(k, c.key)) {
		return c.forward(k, v)
	}
	return c.forward(c.c.Next())
}

func (c *boltCursor) Prev() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	if k, _, stale := c.fresh(); stale && k == nil {
		return c.backward(c.c.Last())
	}
	return c.backward(c.c.Prev())
}

func (c *boltCursor) Seek(key []byte) ([]byte, []byte) {
	c.reset()
	return c.forward(c.c.Seek(key))
}

// Delete hides the current key and defers its removal from the bucket, so
// the bbolt cursor keeps a valid position for Next and Prev.
func (c *boltCursor) Delete() error {
	if !c.table.bucket.Writable() {
		return ErrReadOnly
	}
	if c.key == nil || c.deleted {
		return errors.New("kv: cursor is not positioned")
	}
	c.table.txn.hide(c.table.name, c.key)
	c.deleted = true
	return nil
}

func (c *boltCursor) Err() error {
	return nil
}

func ownValue(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return copyBytes(v)
}

var _ Env = (*BoltEnv)(nil)
