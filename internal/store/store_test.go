package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightlogic-io/gator/internal/gatortype"
)

func TestPushGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, Register[gatortype.LogEntry](s))

	entry := &gatortype.LogEntry{Severity: gatortype.SeverityInfo, Message: "hi", Timestamp: time.Now()}
	uid, err := Push(s, entry)
	require.NoError(t, err)
	require.NotZero(t, uid)

	got, err := Get[gatortype.LogEntry](s, Where(Exact("uid", uid)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "hi", got[0].Message)
}

func TestUpdateOverwritesNonUidFields(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, Register[gatortype.ChildEntry](s))

	rec := &gatortype.ChildEntry{Ident: "a", Result: gatortype.ResultUnknown}
	uid, err := Push(s, rec)
	require.NoError(t, err)

	rec.Result = gatortype.ResultSuccess
	require.NoError(t, Update(s, rec))

	got, err := Get[gatortype.ChildEntry](s, Where(Exact("uid", uid)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, gatortype.ResultSuccess, got[0].Result)
}

func TestReopenIsDurable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, Register[gatortype.Metric](s))
	_, err = Push(s, &gatortype.Metric{Scope: gatortype.ScopeOwn, Name: "m", Value: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := Get[gatortype.Metric](reopened)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestOrderByUidAscendingDefault(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, Register[gatortype.Attribute](s))

	for _, v := range []string{"first", "second", "third"} {
		_, err := Push(s, &gatortype.Attribute{Name: "k", Value: v})
		require.NoError(t, err)
	}

	got, err := Get[gatortype.Attribute](s)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "first", got[0].Value)
	require.Equal(t, "third", got[2].Value)
}

func TestCount(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, Register[gatortype.Metric](s))

	for i := 0; i < 5; i++ {
		_, err := Push(s, &gatortype.Metric{Scope: gatortype.ScopeOwn, Name: "m", Value: int64(i)})
		require.NoError(t, err)
	}
	n, err := Count[gatortype.Metric](s, Gte("value", 2))
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}
