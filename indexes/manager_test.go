package indexes

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/schema"
	"github.com/anvilcms/anvil/selector"
	"github.com/anvilcms/anvil/store"
)

var (
	tagKind  = schema.GVK{Group: "blog.anvil.dev", Version: "v1", Kind: "Tag"}
	postKind = schema.GVK{Group: "blog.anvil.dev", Version: "v1", Kind: "Post"}
)

type fixture struct {
	db  *pebble.DB
	st  *store.Store
	reg *Registry
	man *Manager
}

func newFixture(t *testing.T, descs ...Descriptor) *fixture {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := testLogger()
	reg := NewRegistry()
	for _, d := range descs {
		require.NoError(t, reg.Register(d))
	}
	reg.Freeze()
	st := store.New(db, pebble.NoSync, log)
	return &fixture{
		db:  db,
		st:  st,
		reg: reg,
		man: NewManager(db, pebble.NoSync, st, reg, log, 2),
	}
}

func tagRow(t *testing.T, name, slug string, labels map[string]string) store.Row {
	t.Helper()
	doc := map[string]any{
		"apiVersion": "blog.anvil.dev/v1",
		"kind":       "Tag",
		"metadata":   map[string]any{"name": name, "labels": labels},
		"spec":       map[string]any{"slug": slug},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return store.Row{Name: "blog.anvil.dev/v1/" + name, Data: data}
}

func postRow(t *testing.T, name string, labels map[string]string, tags []string, rank float64) store.Row {
	t.Helper()
	spec := map[string]any{"title": name}
	if tags != nil {
		spec["tags"] = tags
	}
	if rank != 0 {
		spec["rank"] = rank
	}
	doc := map[string]any{
		"apiVersion": "blog.anvil.dev/v1",
		"kind":       "Post",
		"metadata":   map[string]any{"name": name, "labels": labels},
		"spec":       spec,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return store.Row{Name: "blog.anvil.dev/v1/" + name, Data: data}
}

func fieldSel(t *testing.T, expr string) selector.Selector {
	t.Helper()
	sel, err := selector.ParseFields(expr)
	require.NoError(t, err)
	return sel
}

func labelSel(t *testing.T, expr string) selector.Selector {
	t.Helper()
	sel, err := selector.Parse(expr)
	require.NoError(t, err)
	return sel
}

func slugIndex() Descriptor {
	return Descriptor{Kind: tagKind, Name: "spec.slug", Extract: Field("spec.slug"), Unique: true}
}

func tagsIndex() Descriptor {
	return Descriptor{Kind: postKind, Name: "spec.tags", Extract: Field("spec.tags"), Multi: true}
}

func rankIndex() Descriptor {
	return Descriptor{Kind: postKind, Name: "spec.rank", Extract: Field("spec.rank")}
}

func TestPutMaintainsAllIndexFamilies(t *testing.T) {
	f := newFixture(t, slugIndex())
	ctx := context.Background()
	kid := KindID(tagKind)

	v, err := f.man.Put(ctx, tagRow(t, "welcome", "welcome", map[string]string{"visible": "true"}), 0, OpCreated)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	member, err := scanMembership(f.db, kid)
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, member)

	byLabel, err := labelEquals(f.db, kid, "visible", "true")
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, byLabel)

	bySlug, err := valueEq(f.db, kid, IndexID("spec.slug"), NewValue("welcome"))
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, bySlug)
}

func TestUpdateDiffsIndexEntries(t *testing.T) {
	f := newFixture(t, slugIndex())
	ctx := context.Background()
	kid := KindID(tagKind)

	_, err := f.man.Put(ctx, tagRow(t, "welcome", "old-slug", map[string]string{"visible": "true"}), 0, OpCreated)
	require.NoError(t, err)
	_, err = f.man.Put(ctx, tagRow(t, "welcome", "new-slug", map[string]string{"visible": "false"}), 1, OpUpdated)
	require.NoError(t, err)

	stale, err := valueEq(f.db, kid, IndexID("spec.slug"), NewValue("old-slug"))
	require.NoError(t, err)
	assert.Empty(t, stale)
	fresh, err := valueEq(f.db, kid, IndexID("spec.slug"), NewValue("new-slug"))
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, fresh)

	staleLabel, err := labelEquals(f.db, kid, "visible", "true")
	require.NoError(t, err)
	assert.Empty(t, staleLabel)
}

func TestCreateConflictIsAlreadyExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.man.Put(ctx, tagRow(t, "welcome", "welcome", nil), 0, OpCreated)
	require.NoError(t, err)
	_, err = f.man.Put(ctx, tagRow(t, "welcome", "welcome", nil), 0, OpCreated)
	assert.ErrorIs(t, err, anvil_errors.ErrAlreadyExists)
}

func TestUniqueViolation(t *testing.T) {
	f := newFixture(t, slugIndex())
	ctx := context.Background()

	_, err := f.man.Put(ctx, tagRow(t, "first", "welcome", nil), 0, OpCreated)
	require.NoError(t, err)
	_, err = f.man.Put(ctx, tagRow(t, "second", "welcome", nil), 0, OpCreated)
	assert.ErrorIs(t, err, anvil_errors.ErrUniqueViolation)

	// the losing row must not exist
	_, err = f.st.Get(ctx, "blog.anvil.dev/v1/second")
	assert.ErrorIs(t, err, anvil_errors.ErrNotFound)
}

func TestUniqueValueFreedByDelete(t *testing.T) {
	f := newFixture(t, slugIndex())
	ctx := context.Background()

	_, err := f.man.Put(ctx, tagRow(t, "first", "welcome", nil), 0, OpCreated)
	require.NoError(t, err)
	require.NoError(t, f.man.Delete(ctx, "blog.anvil.dev/v1/first", 1, OpDeleted))

	_, err = f.man.Put(ctx, tagRow(t, "second", "welcome", nil), 0, OpCreated)
	assert.NoError(t, err)
}

func TestUniqueValueKeptBySameRow(t *testing.T) {
	f := newFixture(t, slugIndex())
	ctx := context.Background()

	_, err := f.man.Put(ctx, tagRow(t, "first", "welcome", nil), 0, OpCreated)
	require.NoError(t, err)
	// rewriting the same row with the same slug is not a violation
	_, err = f.man.Put(ctx, tagRow(t, "first", "welcome", map[string]string{"touched": "yes"}), 1, OpUpdated)
	assert.NoError(t, err)
}

func TestMultiValueQuery(t *testing.T) {
	f := newFixture(t, tagsIndex())
	ctx := context.Background()

	_, err := f.man.Put(ctx, postRow(t, "hello", nil, []string{"a", "b", "c"}, 0), 0, OpCreated)
	require.NoError(t, err)

	ids, residual, err := f.reg.IdsMatching(f.db, postKind, nil, fieldSel(t, "spec.tags in (b)"))
	require.NoError(t, err)
	assert.Empty(t, residual)
	assert.Equal(t, []string{"hello"}, ids)

	_, err = f.man.Put(ctx, postRow(t, "hello", nil, []string{"a", "c"}, 0), 1, OpUpdated)
	require.NoError(t, err)

	ids, _, err = f.reg.IdsMatching(f.db, postKind, nil, fieldSel(t, "spec.tags in (b)"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIdsMatchingLabelPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	categories := []string{"news", "tech", "news", "tech", "news"}
	for i, cat := range categories {
		visible := "false"
		if i%2 == 0 {
			visible = "true"
		}
		name := fmt.Sprintf("post-%d", i)
		_, err := f.man.Put(ctx, postRow(t, name, map[string]string{"visible": visible, "category": cat}, nil, 0), 0, OpCreated)
		require.NoError(t, err)
	}

	ids, residual, err := f.reg.IdsMatching(f.db, postKind, labelSel(t, "visible=true,category in (news,tech)"), nil)
	require.NoError(t, err)
	assert.Empty(t, residual)
	assert.Equal(t, []string{"post-0", "post-2", "post-4"}, ids)

	// negatives subtract from the membership universe
	ids, _, err = f.reg.IdsMatching(f.db, postKind, labelSel(t, "category!=news"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"post-1", "post-3"}, ids)

	// empty selector pair yields every member
	ids, _, err = f.reg.IdsMatching(f.db, postKind, nil, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 5)
}

func TestIdsMatchingResidual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.man.Put(ctx, postRow(t, "hello", nil, nil, 3), 0, OpCreated)
	require.NoError(t, err)

	// no index on spec.rank: equality clause comes back as residual
	ids, residual, err := f.reg.IdsMatching(f.db, postKind, nil, fieldSel(t, "spec.rank=3"))
	require.NoError(t, err)
	require.Len(t, residual, 1)
	assert.Equal(t, "spec.rank", residual[0].Key)
	assert.Equal(t, []string{"hello"}, ids)
}

func TestRangeQueriesNeedSingleValueIndex(t *testing.T) {
	f := newFixture(t, tagsIndex(), rankIndex())
	ctx := context.Background()

	for i, rank := range []float64{5, 10, 2} {
		name := fmt.Sprintf("post-%d", i)
		_, err := f.man.Put(ctx, postRow(t, name, nil, []string{"x"}, rank), 0, OpCreated)
		require.NoError(t, err)
	}

	// numeric range through the ordered index: 5 <= rank, so not post-2
	ids, residual, err := f.reg.IdsMatching(f.db, postKind, nil, fieldSel(t, "spec.rank>=5"))
	require.NoError(t, err)
	assert.Empty(t, residual)
	assert.Equal(t, []string{"post-0", "post-1"}, ids)

	// a range over the multi-valued index is not executable
	_, _, err = f.reg.IdsMatching(f.db, postKind, nil, fieldSel(t, "spec.tags>a"))
	assert.ErrorIs(t, err, anvil_errors.ErrMalformedSelector)
}

func TestOrderBy(t *testing.T) {
	f := newFixture(t, rankIndex())
	ctx := context.Background()

	ranks := map[string]float64{"aa": 10, "bb": 2, "cc": 5, "dd": 0}
	for name, rank := range ranks {
		_, err := f.man.Put(ctx, postRow(t, name, nil, nil, rank), 0, OpCreated)
		require.NoError(t, err)
	}

	member := []string{"aa", "bb", "cc", "dd"}
	ordered, ok, err := f.reg.OrderBy(f.db, postKind, "spec.rank", false, member)
	require.NoError(t, err)
	require.True(t, ok)
	// dd has no rank field and trails
	assert.Equal(t, []string{"bb", "cc", "aa", "dd"}, ordered)

	ordered, ok, err = f.reg.OrderBy(f.db, postKind, "spec.rank", true, member)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"aa", "cc", "bb", "dd"}, ordered)

	_, ok, err = f.reg.OrderBy(f.db, postKind, "spec.missing", false, member)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRemovesAllEntries(t *testing.T) {
	f := newFixture(t, slugIndex())
	ctx := context.Background()
	kid := KindID(tagKind)

	_, err := f.man.Put(ctx, tagRow(t, "welcome", "welcome", map[string]string{"visible": "true"}), 0, OpCreated)
	require.NoError(t, err)
	require.NoError(t, f.man.Delete(ctx, "blog.anvil.dev/v1/welcome", 1, OpDeleted))

	member, err := scanMembership(f.db, kid)
	require.NoError(t, err)
	assert.Empty(t, member)
	byLabel, err := labelEquals(f.db, kid, "visible", "true")
	require.NoError(t, err)
	assert.Empty(t, byLabel)
	bySlug, err := valueEq(f.db, kid, IndexID("spec.slug"), NewValue("welcome"))
	require.NoError(t, err)
	assert.Empty(t, bySlug)
}

func TestEventsCarryVersionsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var events []Event
	f.man.SetEventSink(func(ev Event) { events = append(events, ev) })

	row := tagRow(t, "welcome", "welcome", nil)
	_, err := f.man.Put(ctx, row, 0, OpCreated)
	require.NoError(t, err)
	_, err = f.man.Put(ctx, row, 1, OpUpdated)
	require.NoError(t, err)
	require.NoError(t, f.man.Delete(ctx, row.Name, 2, OpDeleted))

	require.Len(t, events, 3)
	assert.Equal(t, OpCreated, events[0].Op)
	assert.Equal(t, int64(1), events[0].NewVersion)
	assert.Equal(t, OpUpdated, events[1].Op)
	assert.Equal(t, int64(1), events[1].OldVersion)
	assert.Equal(t, int64(2), events[1].NewVersion)
	assert.Equal(t, OpDeleted, events[2].Op)
	assert.Equal(t, int64(2), events[2].OldVersion)
	for _, ev := range events {
		assert.Equal(t, tagKind, ev.Kind)
		assert.Equal(t, "welcome", ev.Name)
	}
}

func TestDirtyKindRefusesWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.man.MarkDirty(ctx, tagKind, "test corruption")
	_, err := f.man.Put(ctx, tagRow(t, "welcome", "welcome", nil), 0, OpCreated)
	assert.ErrorIs(t, err, anvil_errors.ErrDirtyKind)

	// the marker survives a restart
	again := NewManager(f.db, pebble.NoSync, f.st, f.reg, testLogger(), 1)
	require.NoError(t, again.LoadDirty())
	assert.True(t, again.IsDirty(tagKind))
}

func TestRebuildRestoresCoherence(t *testing.T) {
	f := newFixture(t, slugIndex())
	ctx := context.Background()
	kid := KindID(tagKind)

	_, err := f.man.Put(ctx, tagRow(t, "first", "one", map[string]string{"visible": "true"}), 0, OpCreated)
	require.NoError(t, err)
	_, err = f.man.Put(ctx, tagRow(t, "second", "two", map[string]string{"visible": "false"}), 0, OpCreated)
	require.NoError(t, err)

	// corrupt the label index: drop a live entry, plant a stale one
	require.NoError(t, f.db.Delete(labelKey(kid, "visible", "true", "first"), pebble.NoSync))
	require.NoError(t, f.db.Set(labelKey(kid, "visible", "true", "ghost"), nil, pebble.NoSync))
	require.NoError(t, f.db.Set(valueKey(kid, IndexID("spec.slug"), NewValue("stale"), "ghost"), nil, pebble.NoSync))
	f.man.MarkDirty(ctx, tagKind, "simulated corruption")

	_, err = f.man.Put(ctx, tagRow(t, "third", "three", nil), 0, OpCreated)
	require.ErrorIs(t, err, anvil_errors.ErrDirtyKind)

	require.NoError(t, f.man.Rebuild(ctx, tagKind))
	assert.False(t, f.man.IsDirty(tagKind))

	byLabel, err := labelEquals(f.db, kid, "visible", "true")
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, byLabel)
	stale, err := valueEq(f.db, kid, IndexID("spec.slug"), NewValue("stale"))
	require.NoError(t, err)
	assert.Empty(t, stale)
	member, err := scanMembership(f.db, kid)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, member)

	// writes flow again
	_, err = f.man.Put(ctx, tagRow(t, "third", "three", nil), 0, OpCreated)
	assert.NoError(t, err)
}

func TestRebuildTaskRoundTrip(t *testing.T) {
	task := &rebuildTask{State: taskInProgress, Kind: tagKind}
	parsed, err := parseRebuildTask(task.Value())
	require.NoError(t, err)
	assert.Equal(t, taskInProgress, parsed.State)
	assert.Equal(t, tagKind, parsed.Kind)
}

func TestDirtyMarkerRoundTrip(t *testing.T) {
	gvk, reason, err := decodeDirty(encodeDirty(tagKind, "rollback failed"))
	require.NoError(t, err)
	assert.Equal(t, tagKind, gvk)
	assert.Equal(t, "rollback failed", reason)
}

func testLogger() *testutilLogger {
	return &testutilLogger{}
}

// testutilLogger keeps test output quiet.
type testutilLogger struct{}

func (l *testutilLogger) Debug(string, ...any)                          {}
func (l *testutilLogger) Info(string, ...any)                           {}
func (l *testutilLogger) Warn(string, ...any)                           {}
func (l *testutilLogger) Error(string, ...any)                          {}
func (l *testutilLogger) DebugCtx(context.Context, string, ...any)      {}
func (l *testutilLogger) InfoCtx(context.Context, string, ...any)       {}
func (l *testutilLogger) WarnCtx(context.Context, string, ...any)       {}
func (l *testutilLogger) ErrorCtx(context.Context, string, ...any)      {}
func (l *testutilLogger) WithDefaultArgs(ctx context.Context, _ ...any) context.Context {
	return ctx
}
