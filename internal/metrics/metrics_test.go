package metrics

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/store"
)

func TestSetGetOwnAndGroup(t *testing.T) {
	r := New()
	r.SetOwn("processed", 3)
	r.SetGroup("processed", 7)
	assert.EqualValues(t, 3, r.GetOwn("processed"))
	assert.EqualValues(t, 7, r.GetGroup("processed"))
}

func TestMergeGroupAdoptsNewNameAtZero(t *testing.T) {
	r := New()
	r.MergeGroup(map[string]int64{"new_metric": 5})
	assert.EqualValues(t, 5, r.GetGroup("new_metric"))

	r.MergeGroup(map[string]int64{"new_metric": 2})
	assert.EqualValues(t, 7, r.GetGroup("new_metric"))
}

func TestDumpOwnIsolatesScopes(t *testing.T) {
	r := New()
	r.SetOwn("a", 1)
	r.SetGroup("a", 99)
	own := r.DumpOwn()
	assert.Equal(t, map[string]int64{"a": 1}, own)
}

func TestSyncWritesOnlyDirtyEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, store.Register[gatortype.Metric](s))

	r := New()
	r.SetOwn("m", 1)
	require.NoError(t, r.Sync(s))

	rows, err := store.Get[gatortype.Metric](s)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0].Value)

	r.SetOwn("m", 2)
	require.NoError(t, r.Sync(s))
	rows, err = store.Get[gatortype.Metric](s)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0].Value)
}
