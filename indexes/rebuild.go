package indexes

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/schema"
)

type taskState byte

const (
	taskPending    taskState = 'P'
	taskInProgress taskState = 'I'
	taskDone       taskState = 'D'
)

// staleAfter is how long an in-progress task may sit untouched before
// the scanner assumes the process died mid-rebuild and reruns it.
const staleAfter = time.Minute

type rebuildTask struct {
	State      taskState
	Kind       schema.GVK
	LastUpdate time.Time
}

func (t *rebuildTask) Key() []byte {
	return taskKey(KindID(t.Kind))
}

func (t *rebuildTask) Value() []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.LastUpdate.Unix()))
	return toytlv.Concat(
		toytlv.Record('S', []byte{byte(t.State)}),
		toytlv.Record('T', ts[:]),
		toytlv.Record('K', []byte(t.Kind.String())),
	)
}

func parseRebuildTask(value []byte) (*rebuildTask, error) {
	state, rest := toytlv.Take('S', value)
	ts, rest := toytlv.Take('T', rest)
	kind, _ := toytlv.Take('K', rest)
	if len(state) != 1 || len(ts) != 8 || kind == nil {
		return nil, errors.Wrap(anvil_errors.ErrDecodingFailure, "bad rebuild task record")
	}
	group, version, k, err := schema.SplitRowName(string(kind))
	if err != nil {
		return nil, err
	}
	return &rebuildTask{
		State:      taskState(state[0]),
		Kind:       schema.GVK{Group: group, Version: version, Kind: k},
		LastUpdate: time.Unix(int64(binary.BigEndian.Uint64(ts)), 0),
	}, nil
}

func encodeDirty(gvk schema.GVK, reason string) []byte {
	return toytlv.Concat(
		toytlv.Record('K', []byte(gvk.String())),
		toytlv.Record('R', []byte(reason)),
	)
}

func decodeDirty(value []byte) (schema.GVK, string, error) {
	kind, rest := toytlv.Take('K', value)
	reason, _ := toytlv.Take('R', rest)
	if kind == nil {
		return schema.GVK{}, "", errors.Wrap(anvil_errors.ErrDecodingFailure, "bad dirty marker")
	}
	group, version, k, err := schema.SplitRowName(string(kind))
	if err != nil {
		return schema.GVK{}, "", err
	}
	return schema.GVK{Group: group, Version: version, Kind: k}, string(reason), nil
}

func (m *Manager) saveTask(task *rebuildTask) error {
	task.LastUpdate = time.Now()
	return m.db.Set(task.Key(), task.Value(), m.wo)
}

// Rebuild recomputes every index of the kind from the store. It runs
// online: phase one repairs missing entries from a snapshot while
// reads and writes proceed; phase two takes the kind lock, sweeps
// stale entries against the then-current rows and clears the dirty
// marker. Writes to the kind block only for phase two.
func (m *Manager) Rebuild(ctx context.Context, gvk schema.GVK) error {
	kid := KindID(gvk)
	if _, already := m.running.LoadOrStore(kid, true); already {
		return nil
	}
	defer m.running.Delete(kid)

	start := time.Now()
	ctx = m.log.WithDefaultArgs(ctx, "kind", gvk.String(), "process", "rebuild")
	task := &rebuildTask{State: taskInProgress, Kind: gvk}
	if err := m.saveTask(task); err != nil {
		RebuildResults.WithLabelValues(gvk.String(), "fail_to_save_task").Inc()
		return errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}

	// phase 1: repair from a snapshot, concurrent with everything
	snap := m.db.NewSnapshot()
	err := m.repairFrom(ctx, snap, gvk, kid)
	_ = snap.Close()
	if err != nil {
		RebuildResults.WithLabelValues(gvk.String(), "repair_failed").Inc()
		m.log.ErrorCtx(ctx, "rebuild repair phase failed, will retry", "error", err.Error())
		return err
	}

	// phase 2: exclusive sweep against current state
	kl := m.kindLock(kid)
	kl.Lock()
	err = m.sweep(ctx, gvk, kid)
	if err == nil {
		m.docCache.Purge()
		m.uniqueCache.Purge()
		err = m.clearDirty(gvk)
	}
	kl.Unlock()
	if err != nil {
		RebuildResults.WithLabelValues(gvk.String(), "sweep_failed").Inc()
		m.log.ErrorCtx(ctx, "rebuild sweep phase failed, will retry", "error", err.Error())
		return err
	}

	task.State = taskDone
	if err := m.saveTask(task); err != nil {
		RebuildResults.WithLabelValues(gvk.String(), "fail_to_save_task").Inc()
		return errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
	}
	RebuildResults.WithLabelValues(gvk.String(), "rebuilt").Inc()
	RebuildDuration.WithLabelValues(gvk.String()).Observe(time.Since(start).Seconds())
	return nil
}

// repairFrom writes every entry the kind's rows imply. Sets are
// idempotent, so entries that already exist are simply rewritten.
func (m *Manager) repairFrom(ctx context.Context, reader pebble.Reader, gvk schema.GVK, kid uint64) error {
	descs := m.reg.Descriptors(gvk)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.rebuildParallelism)
	for row, err := range m.st.ScanFrom(gctx, reader, gvk.GroupVersionPrefix()) {
		if err != nil {
			_ = g.Wait()
			return err
		}
		row := row
		g.Go(func() error {
			doc, err := schema.DecodeDoc(row.Data)
			if err != nil {
				m.log.ErrorCtx(gctx, "skipping undecodable row", "name", row.Name, "error", err.Error())
				return nil
			}
			if rowGVK, err := schema.DocGVK(doc); err != nil || rowGVK != gvk {
				return nil
			}
			meta, err := schema.DocMetadata(doc)
			if err != nil {
				m.log.ErrorCtx(gctx, "skipping row with bad metadata", "name", row.Name, "error", err.Error())
				return nil
			}
			local := schema.LocalName(row.Name)
			batch := m.db.NewBatch()
			if err := batch.Set(membershipKey(kid, local), nil, nil); err != nil {
				return err
			}
			if err := applyLabelDiff(batch, kid, local, nil, meta.Labels); err != nil {
				return err
			}
			for _, d := range descs {
				if err := applyValueDiff(batch, kid, IndexID(d.Name), local, nil, d.extract(doc)); err != nil {
					return err
				}
			}
			return batch.Commit(m.wo)
		})
	}
	return g.Wait()
}

// sweep drops index entries the current rows no longer imply, and
// adds entries for rows written since the repair snapshot. Runs under
// the exclusive kind lock.
func (m *Manager) sweep(ctx context.Context, gvk schema.GVK, kid uint64) error {
	descs := m.reg.Descriptors(gvk)
	desired := make(map[string]struct{})
	for row, err := range m.st.ScanFrom(ctx, m.db, gvk.GroupVersionPrefix()) {
		if err != nil {
			return err
		}
		doc, err := schema.DecodeDoc(row.Data)
		if err != nil {
			continue
		}
		if rowGVK, err := schema.DocGVK(doc); err != nil || rowGVK != gvk {
			continue
		}
		meta, err := schema.DocMetadata(doc)
		if err != nil {
			continue
		}
		local := schema.LocalName(row.Name)
		desired[string(membershipKey(kid, local))] = struct{}{}
		for k, v := range meta.Labels {
			desired[string(labelKey(kid, k, v, local))] = struct{}{}
		}
		for _, d := range descs {
			for _, v := range d.extract(doc) {
				desired[string(valueKey(kid, IndexID(d.Name), v, local))] = struct{}{}
			}
		}
	}

	batch := m.db.NewBatch()
	for _, prefix := range [][]byte{membershipPrefix(kid), labelPrefix(kid), kindValuePrefix(kid)} {
		it, err := m.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
		if err != nil {
			return errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
		}
		for valid := it.First(); valid; valid = it.Next() {
			key := it.Key()
			if _, want := desired[string(key)]; !want {
				cp := make([]byte, len(key))
				copy(cp, key)
				if err := batch.Delete(cp, nil); err != nil {
					_ = it.Close()
					return err
				}
			}
			delete(desired, string(key))
		}
		if err := it.Close(); err != nil {
			return errors.Wrap(anvil_errors.ErrStorageUnavailable, err.Error())
		}
	}
	// leftovers belong to rows written after the repair snapshot; a
	// write that raced the dirty marker may have skipped its entries
	for key := range desired {
		if err := batch.Set([]byte(key), nil, nil); err != nil {
			return err
		}
	}
	return batch.Commit(m.wo)
}

// RunTaskScanner monitors persisted rebuild tasks: pending tasks run,
// in-progress tasks whose owner apparently died rerun after a
// staleness window.
func (m *Manager) RunTaskScanner(ctx context.Context) {
	cycle := func() {
		it, err := m.db.NewIter(&pebble.IterOptions{
			LowerBound: taskRangeStart,
			UpperBound: taskRangeEnd,
		})
		if err != nil {
			m.log.ErrorCtx(ctx, "failed to scan rebuild tasks", "error", err.Error())
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			task, err := parseRebuildTask(it.Value())
			if err != nil {
				m.log.ErrorCtx(ctx, "failed to parse rebuild task", "error", err.Error())
				continue
			}
			RebuildTaskStates.WithLabelValues(task.Kind.String()).Set(float64(task.State))
			switch task.State {
			case taskPending:
				go m.runTask(ctx, task.Kind)
			case taskInProgress:
				if time.Since(task.LastUpdate) > staleAfter {
					go m.runTask(ctx, task.Kind)
				}
			case taskDone:
				// nothing to do
			}
		}
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		cycle()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) runTask(ctx context.Context, gvk schema.GVK) {
	if err := m.Rebuild(ctx, gvk); err != nil && ctx.Err() == nil {
		m.log.ErrorCtx(ctx, "rebuild task failed", "kind", gvk.String(), "error", err.Error())
	}
}
