// Package store persists extension rows in pebble.
//
// A row is the only stable on-disk shape: a name, a canonical payload
// and a monotonic version. Put is the sole source of version
// assignment; a caller supplies the version it observed and the store
// either advances it by one or fails with a conflict.
package store

import (
	"context"
	"encoding/binary"
	"iter"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/utils"
)

// Row is the persisted (name, data, version) tuple.
type Row struct {
	Name    string
	Data    []byte
	Version int64
}

type Store struct {
	db    *pebble.DB
	wo    *pebble.WriteOptions
	log   utils.Logger
	locks *xsync.MapOf[string, *sync.Mutex]
}

func New(db *pebble.DB, wo *pebble.WriteOptions, log utils.Logger) *Store {
	return &Store{
		db:    db,
		wo:    wo,
		log:   log,
		locks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// RowKey prefixes every row with 'O', so rows and index entries ('I')
// share one keyspace without colliding.
func RowKey(name string) []byte {
	return append([]byte{'O'}, name...)
}

func rowKeyName(key []byte) string {
	return string(key[1:])
}

// The row value is a TLV envelope: a 'V' record carrying the version
// and a 'D' record carrying the canonical payload. A value without a
// 'V' record is a legacy row and decodes with version 0.
func encodeValue(data []byte, version int64) []byte {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(version))
	return toytlv.Concat(toytlv.Record('V', v[:]), toytlv.Record('D', data))
}

func decodeValue(value []byte) (data []byte, version int64, err error) {
	lit, body, rest := toytlv.TakeAny(value)
	if lit == 'V' {
		if len(body) != 8 {
			return nil, 0, errors.Wrap(anvil_errors.ErrDecodingFailure, "bad version record")
		}
		version = int64(binary.BigEndian.Uint64(body))
		lit, body, rest = toytlv.TakeAny(rest)
	}
	if lit != 'D' || len(rest) != 0 {
		return nil, 0, errors.Wrap(anvil_errors.ErrDecodingFailure, "bad row envelope")
	}
	return body, version, nil
}

func (s *Store) lockName(name string) func() {
	lock, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	lock.Lock()
	return lock.Unlock
}

// Get returns the row or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (Row, error) {
	return s.GetFrom(ctx, s.db, name)
}

// GetFrom reads through an arbitrary pebble reader, typically a
// snapshot taken for a paginated list.
func (s *Store) GetFrom(ctx context.Context, reader pebble.Reader, name string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	value, closer, err := reader.Get(RowKey(name))
	if closer != nil {
		defer closer.Close()
	}
	if err == pebble.ErrNotFound {
		return Row{}, anvil_errors.ErrNotFound
	}
	if err != nil {
		return Row{}, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	data, version, err := decodeValue(value)
	if err != nil {
		return Row{}, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return Row{Name: name, Data: cp, Version: version}, nil
}

// Put CAS-writes the row. expected=0 demands the row be absent and
// assigns version 1; otherwise the current version must equal expected
// and the new version is expected+1. On mismatch nothing is mutated.
func (s *Store) Put(ctx context.Context, name string, data []byte, expected int64) (int64, error) {
	unlock := s.lockName(name)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	current, err := s.version(name)
	if err != nil {
		return 0, err
	}
	if current != expected {
		return 0, errors.Wrapf(anvil_errors.ErrConflict,
			"%s: expected version %d, current %d", name, expected, current)
	}
	next := expected + 1
	if err := s.db.Set(RowKey(name), encodeValue(data, next), s.wo); err != nil {
		return 0, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	return next, nil
}

// Remove deletes the row under CAS. expected=0 skips the version check.
func (s *Store) Remove(ctx context.Context, name string, expected int64) error {
	unlock := s.lockName(name)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := s.version(name)
	if err != nil {
		return err
	}
	if current == 0 {
		return anvil_errors.ErrNotFound
	}
	if expected != 0 && current != expected {
		return errors.Wrapf(anvil_errors.ErrConflict,
			"%s: expected version %d, current %d", name, expected, current)
	}
	if err := s.db.Delete(RowKey(name), s.wo); err != nil {
		return errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	return nil
}

// Restore rewrites a row to prior bytes bypassing CAS, or deletes it
// when version is 0. Only the index manager calls this, to undo a row
// write whose index maintenance failed.
func (s *Store) Restore(name string, data []byte, version int64) error {
	unlock := s.lockName(name)
	defer unlock()

	var err error
	if version == 0 {
		err = s.db.Delete(RowKey(name), s.wo)
	} else {
		err = s.db.Set(RowKey(name), encodeValue(data, version), s.wo)
	}
	if err != nil {
		return errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	return nil
}

func (s *Store) version(name string) (int64, error) {
	value, closer, err := s.db.Get(RowKey(name))
	if closer != nil {
		defer closer.Close()
	}
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	_, version, err := decodeValue(value)
	return version, err
}

// Scan yields rows whose name starts with prefix, in name order.
func (s *Store) Scan(ctx context.Context, prefix string) iter.Seq2[Row, error] {
	return s.ScanFrom(ctx, s.db, prefix)
}

func (s *Store) ScanFrom(ctx context.Context, reader pebble.Reader, prefix string) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		it, err := reader.NewIter(&pebble.IterOptions{
			LowerBound: RowKey(prefix),
			UpperBound: prefixUpperBound(RowKey(prefix)),
		})
		if err != nil {
			yield(Row{}, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error()))
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			if err := ctx.Err(); err != nil {
				yield(Row{}, err)
				return
			}
			data, version, err := decodeValue(it.Value())
			if err != nil {
				if !yield(Row{}, errors.Wrapf(err, "row %s", rowKeyName(it.Key()))) {
					return
				}
				continue
			}
			cp := make([]byte, len(data))
			copy(cp, data)
			if !yield(Row{Name: rowKeyName(it.Key()), Data: cp, Version: version}, nil) {
				return
			}
		}
	}
}

// Snapshot pins the current state for a snapshot-consistent list.
func (s *Store) Snapshot() *pebble.Snapshot {
	return s.db.NewSnapshot()
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
