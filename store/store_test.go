package store

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvilcms/anvil/anvil_errors"
	"github.com/anvilcms/anvil/utils"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, pebble.NoSync, utils.NewDefaultLogger(slog.LevelWarn))
}

func TestPutAssignsVersions(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	v, err := st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{"a":1}`), 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), v)

	row, err := st.Get(ctx, "blog.anvil.dev/v1/hello")
	assert.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), row.Data)
	assert.Equal(t, int64(1), row.Version)

	v, err = st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{"a":2}`), 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestPutCreateConflict(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{}`), 0)
	require.NoError(t, err)
	_, err = st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{}`), 0)
	assert.ErrorIs(t, err, anvil_errors.ErrConflict)
}

func TestPutStaleVersionLeavesRowUntouched(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{"v":1}`), 0)
	require.NoError(t, err)
	_, err = st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{"v":9}`), 7)
	assert.ErrorIs(t, err, anvil_errors.ErrConflict)

	row, err := st.Get(ctx, "blog.anvil.dev/v1/hello")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), row.Data)
	assert.Equal(t, int64(1), row.Version)
}

func TestConcurrentCASExactlyOneWins(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{}`), 0)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{"w":1}`), 1)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, anvil_errors.ErrConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestGetMissing(t *testing.T) {
	st := testStore(t)
	_, err := st.Get(context.Background(), "blog.anvil.dev/v1/nope")
	assert.ErrorIs(t, err, anvil_errors.ErrNotFound)
}

func TestRemove(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	err := st.Remove(ctx, "blog.anvil.dev/v1/hello", 0)
	assert.ErrorIs(t, err, anvil_errors.ErrNotFound)

	_, err = st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{}`), 0)
	require.NoError(t, err)

	err = st.Remove(ctx, "blog.anvil.dev/v1/hello", 5)
	assert.ErrorIs(t, err, anvil_errors.ErrConflict)

	err = st.Remove(ctx, "blog.anvil.dev/v1/hello", 1)
	assert.NoError(t, err)
	_, err = st.Get(ctx, "blog.anvil.dev/v1/hello")
	assert.ErrorIs(t, err, anvil_errors.ErrNotFound)
}

func TestScanPrefixOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for _, name := range []string{
		"blog.anvil.dev/v1/bravo",
		"blog.anvil.dev/v1/alpha",
		"blog.anvil.dev/v2/other",
		"news.anvil.dev/v1/zulu",
	} {
		_, err := st.Put(ctx, name, []byte(`{}`), 0)
		require.NoError(t, err)
	}

	var names []string
	for row, err := range st.Scan(ctx, "blog.anvil.dev/v1/") {
		require.NoError(t, err)
		names = append(names, row.Name)
	}
	assert.Equal(t, []string{"blog.anvil.dev/v1/alpha", "blog.anvil.dev/v1/bravo"}, names)
}

func TestRestore(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{"v":1}`), 0)
	require.NoError(t, err)
	_, err = st.Put(ctx, "blog.anvil.dev/v1/hello", []byte(`{"v":2}`), 1)
	require.NoError(t, err)

	require.NoError(t, st.Restore("blog.anvil.dev/v1/hello", []byte(`{"v":1}`), 1))
	row, err := st.Get(ctx, "blog.anvil.dev/v1/hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version)
	assert.Equal(t, []byte(`{"v":1}`), row.Data)

	require.NoError(t, st.Restore("blog.anvil.dev/v1/hello", nil, 0))
	_, err = st.Get(ctx, "blog.anvil.dev/v1/hello")
	assert.ErrorIs(t, err, anvil_errors.ErrNotFound)
}

func TestValueEnvelope(t *testing.T) {
	data, version, err := decodeValue(encodeValue([]byte(`{"x":1}`), 3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, []byte(`{"x":1}`), data)

	// legacy rows carry only the payload record
	data, version, err = decodeValue(toytlv.Record('D', []byte(`{"x":1}`)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
	assert.Equal(t, []byte(`{"x":1}`), data)

	_, _, err = decodeValue([]byte("garbage"))
	assert.Error(t, err)
}
