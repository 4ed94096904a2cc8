package indexes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/schema"
	"github.com/anvilcms/anvil/store"
	"github.com/anvilcms/anvil/utils"
)

// Op tags a post-commit event.
type Op string

const (
	OpCreated  Op = "Created"
	OpUpdated  Op = "Updated"
	OpDeleting Op = "Deleting"
	OpDeleted  Op = "Deleted"
)

// Event is emitted after a mutation commits. Data carries the
// committed payload; for OpDeleted it carries the last stored bytes.
type Event struct {
	Kind       schema.GVK
	Name       string
	Op         Op
	OldVersion int64
	NewVersion int64
	Data       []byte
}

type EventSink func(Event)

const indexRetries = 3

// Manager owns write-side index coherence. Writers to the same row
// serialize on a per-name mutex; different names proceed in parallel.
// A rebuild takes the kind lock exclusively for its final sweep,
// which is the only moment writes to a kind block.
type Manager struct {
	db  *pebble.DB
	wo  *pebble.WriteOptions
	st  *store.Store
	reg *Registry
	log utils.Logger

	nameLocks *xsync.MapOf[string, *sync.Mutex]
	kindLocks *xsync.MapOf[uint64, *sync.RWMutex]
	idxLocks  *xsync.MapOf[string, *sync.Mutex]

	docCache    *lru.Cache[string, schema.Doc]
	uniqueCache *lru.Cache[string, string]

	dirty   *xsync.MapOf[uint64, string]
	running *xsync.MapOf[uint64, bool]

	sink EventSink

	rebuildParallelism int
}

func NewManager(db *pebble.DB, wo *pebble.WriteOptions, st *store.Store, reg *Registry, log utils.Logger, rebuildParallelism int) *Manager {
	docCache, _ := lru.New[string, schema.Doc](10000)
	uniqueCache, _ := lru.New[string, string](100000)
	if rebuildParallelism < 1 {
		rebuildParallelism = 1
	}
	return &Manager{
		db:                 db,
		wo:                 wo,
		st:                 st,
		reg:                reg,
		log:                log,
		nameLocks:          xsync.NewMapOf[string, *sync.Mutex](),
		kindLocks:          xsync.NewMapOf[uint64, *sync.RWMutex](),
		idxLocks:           xsync.NewMapOf[string, *sync.Mutex](),
		docCache:           docCache,
		uniqueCache:        uniqueCache,
		dirty:              xsync.NewMapOf[uint64, string](),
		running:            xsync.NewMapOf[uint64, bool](),
		rebuildParallelism: rebuildParallelism,
	}
}

// SetEventSink wires the post-commit event consumer. Set once during
// boot, before the first write.
func (m *Manager) SetEventSink(sink EventSink) {
	m.sink = sink
}

func (m *Manager) emit(ev Event) {
	if m.sink != nil {
		m.sink(ev)
	}
}

func (m *Manager) kindLock(kid uint64) *sync.RWMutex {
	lock, _ := m.kindLocks.LoadOrStore(kid, &sync.RWMutex{})
	return lock
}

func (m *Manager) lockName(name string) func() {
	lock, _ := m.nameLocks.LoadOrStore(name, &sync.Mutex{})
	lock.Lock()
	return lock.Unlock
}

func uniqueCacheKey(kid, iid uint64, v Value) string {
	return fmt.Sprintf("%d:%d:%s", kid, iid, v.raw)
}

// Put runs the write path: read previous row, diff extracted index
// values, validate uniqueness, CAS-write through the store, then
// apply the index diffs. expected is the version the caller observed
// (0 on create).
func (m *Manager) Put(ctx context.Context, row store.Row, expected int64, op Op) (int64, error) {
	doc, err := schema.DecodeDoc(row.Data)
	if err != nil {
		return 0, err
	}
	gvk, err := schema.DocGVK(doc)
	if err != nil {
		return 0, err
	}
	meta, err := schema.DocMetadata(doc)
	if err != nil {
		return 0, err
	}
	kid := KindID(gvk)
	if reason, dirty := m.dirty.Load(kid); dirty {
		return 0, errors.Wrapf(anvil_errors.ErrDirtyKind, "%s: %s", gvk, reason)
	}

	kl := m.kindLock(kid)
	kl.RLock()
	defer kl.RUnlock()
	unlock := m.lockName(row.Name)
	defer unlock()

	prev, err := m.st.Get(ctx, row.Name)
	hadPrev := err == nil
	if err != nil && !errors.Is(err, anvil_errors.ErrNotFound) {
		return 0, err
	}
	var prevDoc schema.Doc
	var prevMeta schema.Metadata
	if hadPrev {
		if prevDoc, err = m.prevDoc(prev); err != nil {
			return 0, err
		}
		if prevMeta, err = schema.DocMetadata(prevDoc); err != nil {
			return 0, err
		}
	}

	descs := m.reg.Descriptors(gvk)
	olds := make([][]Value, len(descs))
	news := make([][]Value, len(descs))
	for i, d := range descs {
		if hadPrev {
			olds[i] = d.extract(prevDoc)
		}
		news[i] = d.extract(doc)
	}

	local := schema.LocalName(row.Name)
	release, err := m.checkUnique(gvk, kid, local, descs, olds, news)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	newVersion, err := m.st.Put(ctx, row.Name, row.Data, expected)
	if err != nil {
		if errors.Is(err, anvil_errors.ErrConflict) && expected == 0 {
			return 0, errors.Wrap(anvil_errors.ErrAlreadyExists, row.Name)
		}
		return 0, err
	}

	// once CAS succeeded, index maintenance runs to completion even if
	// the caller's context expires
	err = m.commitWithRetry(func(batch *pebble.Batch) error {
		if !hadPrev {
			if err := batch.Set(membershipKey(kid, local), nil, nil); err != nil {
				return err
			}
		}
		if err := applyLabelDiff(batch, kid, local, prevMeta.Labels, meta.Labels); err != nil {
			return err
		}
		for i, d := range descs {
			if err := applyValueDiff(batch, kid, IndexID(d.Name), local, olds[i], news[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.rollbackRow(ctx, gvk, kid, row.Name, prev, hadPrev)
		return 0, errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}

	m.docCache.Add(row.Name, doc)
	m.refreshUniqueCache(kid, local, descs, olds, news)
	m.emit(Event{
		Kind:       gvk,
		Name:       local,
		Op:         op,
		OldVersion: prev.Version,
		NewVersion: newVersion,
		Data:       row.Data,
	})
	return newVersion, nil
}

// Delete hard-removes the row and all its index entries.
func (m *Manager) Delete(ctx context.Context, name string, expected int64, op Op) error {
	prev, err := m.st.Get(ctx, name)
	if err != nil {
		return err
	}
	prevDoc, err := m.prevDoc(prev)
	if err != nil {
		return err
	}
	gvk, err := schema.DocGVK(prevDoc)
	if err != nil {
		return err
	}
	prevMeta, err := schema.DocMetadata(prevDoc)
	if err != nil {
		return err
	}
	kid := KindID(gvk)
	if reason, dirty := m.dirty.Load(kid); dirty {
		return errors.Wrapf(anvil_errors.ErrDirtyKind, "%s: %s", gvk, reason)
	}

	kl := m.kindLock(kid)
	kl.RLock()
	defer kl.RUnlock()
	unlock := m.lockName(name)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.st.Remove(ctx, name, expected); err != nil {
		return err
	}

	local := schema.LocalName(name)
	descs := m.reg.Descriptors(gvk)
	err = m.commitWithRetry(func(batch *pebble.Batch) error {
		if err := batch.Delete(membershipKey(kid, local), nil); err != nil {
			return err
		}
		if err := applyLabelDiff(batch, kid, local, prevMeta.Labels, nil); err != nil {
			return err
		}
		for _, d := range descs {
			if err := applyValueDiff(batch, kid, IndexID(d.Name), local, d.extract(prevDoc), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.rollbackRow(ctx, gvk, kid, name, prev, true)
		return errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}

	m.docCache.Remove(name)
	for _, d := range descs {
		for _, v := range d.extract(prevDoc) {
			m.uniqueCache.Remove(uniqueCacheKey(kid, IndexID(d.Name), v))
		}
	}
	m.emit(Event{
		Kind:       gvk,
		Name:       local,
		Op:         op,
		OldVersion: prev.Version,
		Data:       prev.Data,
	})
	return nil
}

func (m *Manager) prevDoc(prev store.Row) (schema.Doc, error) {
	if doc, ok := m.docCache.Get(prev.Name); ok {
		return doc, nil
	}
	return schema.DecodeDoc(prev.Data)
}

// checkUnique serializes unique-index writers per (kind, index) and
// validates every newly introduced value. The returned release runs
// after the index batch landed, so two writers cannot both pass the
// precheck.
func (m *Manager) checkUnique(gvk schema.GVK, kid uint64, local string, descs []*Descriptor, olds, news [][]Value) (func(), error) {
	var held []*sync.Mutex
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
	for i, d := range descs {
		if !d.Unique {
			continue
		}
		iid := IndexID(d.Name)
		lock, _ := m.idxLocks.LoadOrStore(fmt.Sprintf("%d:%d", kid, iid), &sync.Mutex{})
		lock.Lock()
		held = append(held, lock)
		oldSet := make(map[string]struct{}, len(olds[i]))
		for _, v := range olds[i] {
			oldSet[v.raw] = struct{}{}
		}
		for _, v := range news[i] {
			if _, had := oldSet[v.raw]; had {
				continue
			}
			owner, found := m.uniqueCache.Get(uniqueCacheKey(kid, iid, v))
			if !found {
				var err error
				owner, found, err = uniqueOwner(m.db, kid, iid, v)
				if err != nil {
					release()
					return nil, err
				}
			}
			if found && owner != local {
				release()
				return nil, errors.Wrapf(anvil_errors.ErrUniqueViolation,
					"%s index %s: value %q held by %s", gvk, d.Name, v.raw, owner)
			}
		}
	}
	return release, nil
}

func (m *Manager) refreshUniqueCache(kid uint64, local string, descs []*Descriptor, olds, news [][]Value) {
	for i, d := range descs {
		if !d.Unique {
			continue
		}
		iid := IndexID(d.Name)
		for _, v := range olds[i] {
			m.uniqueCache.Remove(uniqueCacheKey(kid, iid, v))
		}
		for _, v := range news[i] {
			m.uniqueCache.Add(uniqueCacheKey(kid, iid, v), local)
		}
	}
}

// commitWithRetry builds and commits a fresh batch per attempt, with
// bounded backoff between attempts.
func (m *Manager) commitWithRetry(fill func(*pebble.Batch) error) error {
	var err error
	for attempt := 0; attempt < indexRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(10*(1<<attempt)) * time.Millisecond)
		}
		batch := m.db.NewBatch()
		if err = fill(batch); err != nil {
			_ = batch.Close()
			continue
		}
		if err = batch.Commit(m.wo); err == nil {
			return nil
		}
	}
	return err
}

// rollbackRow undoes a row write whose index maintenance failed. A
// failed rollback leaves row and indices disagreeing, so the kind
// goes dirty and refuses writes until rebuilt.
func (m *Manager) rollbackRow(ctx context.Context, gvk schema.GVK, kid uint64, name string, prev store.Row, hadPrev bool) {
	var err error
	if hadPrev {
		err = m.st.Restore(name, prev.Data, prev.Version)
	} else {
		err = m.st.Restore(name, nil, 0)
	}
	if err != nil {
		RollbackCount.WithLabelValues(gvk.String(), "failed").Inc()
		m.log.ErrorCtx(ctx, "rollback failed, marking kind dirty", "kind", gvk.String(), "name", name, "error", err.Error())
		m.MarkDirty(ctx, gvk, fmt.Sprintf("rollback of %s failed: %s", name, err))
		return
	}
	RollbackCount.WithLabelValues(gvk.String(), "ok").Inc()
	m.docCache.Remove(name)
}

// MarkDirty flags the kind, persists the marker and enqueues a
// rebuild task so the background scanner heals it.
func (m *Manager) MarkDirty(ctx context.Context, gvk schema.GVK, reason string) {
	kid := KindID(gvk)
	m.dirty.Store(kid, reason)
	DirtyKinds.WithLabelValues(gvk.String()).Set(1)
	if err := m.db.Set(dirtyKey(kid), encodeDirty(gvk, reason), m.wo); err != nil {
		m.log.ErrorCtx(ctx, "failed to persist dirty marker", "kind", gvk.String(), "error", err.Error())
	}
	task := &rebuildTask{State: taskPending, Kind: gvk, LastUpdate: time.Now()}
	if err := m.db.Set(task.Key(), task.Value(), m.wo); err != nil {
		m.log.ErrorCtx(ctx, "failed to enqueue rebuild task", "kind", gvk.String(), "error", err.Error())
	}
	RebuildTaskCount.WithLabelValues(gvk.String(), "dirty").Inc()
}

func (m *Manager) IsDirty(gvk schema.GVK) bool {
	_, dirty := m.dirty.Load(KindID(gvk))
	return dirty
}

func (m *Manager) clearDirty(gvk schema.GVK) error {
	kid := KindID(gvk)
	m.dirty.Delete(kid)
	DirtyKinds.WithLabelValues(gvk.String()).Set(0)
	return m.db.Delete(dirtyKey(kid), m.wo)
}

// LoadDirty restores persisted dirty markers at open.
func (m *Manager) LoadDirty() error {
	it, err := m.db.NewIter(&pebble.IterOptions{
		LowerBound: dirtyRangeStart,
		UpperBound: dirtyRangeEnd,
	})
	if err != nil {
		return errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		gvk, reason, err := decodeDirty(it.Value())
		if err != nil {
			m.log.Error("skipping bad dirty marker", "error", err.Error())
			continue
		}
		m.dirty.Store(KindID(gvk), reason)
		DirtyKinds.WithLabelValues(gvk.String()).Set(1)
	}
	return nil
}
