// Package anvil is a versioned, indexable object store with a typed
// client façade. Rows live in pebble under group/version/localName
// names; secondary indexes, label selectors, watches and an optional
// fulltext binding sit on top.
package anvil

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/indexes"
	"github.com/anvilcms/anvil/schema"
	"github.com/anvilcms/anvil/search"
	"github.com/anvilcms/anvil/store"
	"github.com/anvilcms/anvil/utils"
)

// DB is an open store. One DB per directory; typed clients share it.
type DB struct {
	dir  string
	opts Options
	log  utils.Logger

	db      *pebble.DB
	st      *store.Store
	reg     *indexes.Registry
	man     *indexes.Manager
	binding *search.Binding
	hub     *hub

	cancel context.CancelFunc
	closed atomic.Bool
}

// Open opens (or creates) the store directory and wires the whole
// stack: row store, index registry and manager, watch hub, search
// binding, background rebuild scanner.
func Open(dir string, opts Options) (*DB, error) {
	opts.SetDefaults()
	pdb, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}

	reg := indexes.NewRegistry()
	for _, d := range opts.Indexes {
		if err := reg.Register(d); err != nil {
			_ = pdb.Close()
			return nil, err
		}
	}
	reg.Freeze()

	st := store.New(pdb, opts.PebbleWriteOptions, opts.Logger)
	man := indexes.NewManager(pdb, opts.PebbleWriteOptions, st, reg, opts.Logger, opts.RebuildParallelism)
	if err := man.LoadDirty(); err != nil {
		_ = pdb.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	db := &DB{
		dir:     dir,
		opts:    opts,
		log:     opts.Logger,
		db:      pdb,
		st:      st,
		reg:     reg,
		man:     man,
		binding: search.NewBinding(opts.Search, opts.SearchRoutes, opts.Logger),
		hub:     newHub(opts.WatchBuffer),
		cancel:  cancel,
	}
	man.SetEventSink(func(ev indexes.Event) {
		db.hub.publish(ev)
		db.binding.HandleEvent(ctx, ev)
	})

	if opts.Metrics != nil {
		collectors := append(indexes.Collectors(), watchCollectors()...)
		collectors = append(collectors, NewPebbleCollector(pdb))
		for _, c := range collectors {
			if err := opts.Metrics.Register(c); err != nil {
				if _, dup := err.(prometheus.AlreadyRegisteredError); !dup {
					_ = pdb.Close()
					cancel()
					return nil, err
				}
			}
		}
	}

	go man.RunTaskScanner(ctx)
	return db, nil
}

// Close stops background work and closes the substrate. Watches end.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.cancel()
	db.hub.closeAll()
	if err := db.db.Close(); err != nil {
		return errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	return nil
}

func (db *DB) DirName() string {
	return db.dir
}

// Rebuild recomputes the kind's indexes online; see indexes.Manager.
func (db *DB) Rebuild(ctx context.Context, kind schema.GVK) error {
	if db.closed.Load() {
		return anvil_errors.ErrClosed
	}
	return db.man.Rebuild(ctx, kind)
}

// IsDirty reports whether the kind currently refuses writes pending a
// rebuild.
func (db *DB) IsDirty(kind schema.GVK) bool {
	return db.man.IsDirty(kind)
}

// Search runs a raw fulltext query through the binding. Most callers
// want Client.List with a Search clause instead.
func (db *DB) Search(ctx context.Context, q search.Query) ([]search.Hit, error) {
	if db.closed.Load() {
		return nil, anvil_errors.ErrClosed
	}
	return db.binding.Query(ctx, q)
}
