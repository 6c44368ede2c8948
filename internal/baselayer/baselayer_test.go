package baselayer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/logging"
	"github.com/lightlogic-io/gator/internal/rpclink"
	"github.com/lightlogic-io/gator/internal/store"
	"github.com/lightlogic-io/gator/internal/summary"
)

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(logging.Options{Quiet: true})
	require.NoError(t, err)
	return l
}

func TestRootSetupAssignsZeroIdentity(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(Config{
		ID:          "root",
		TrackingDir: filepath.Join(dir, "root"),
		Interval:    50 * time.Millisecond,
		Logger:      newTestLogger(t),
	}, Callbacks{})

	require.NoError(t, b.Setup(ctx, []byte("!Job\nid: root\ncommand: echo\n")))
	uidx, root, path := b.Identity()
	assert.Equal(t, "0", uidx)
	assert.Equal(t, "0", root)
	assert.Equal(t, "0", path)

	result := b.Teardown(0, false)
	assert.Equal(t, gatortype.ResultSuccess, result)

	rows, err := func() ([]gatortype.Attribute, error) {
		s, err := store.Open(filepath.Join(dir, "root", "db.sqlite"))
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return store.Get[gatortype.Attribute](s, store.Where(store.Exact("name", "result")))
	}()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "SUCCESS", rows[0].Value)
}

func TestChildRegistersWithParent(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parentBase := New(Config{
		ID:          "parent",
		TrackingDir: filepath.Join(dir, "parent"),
		Interval:    50 * time.Millisecond,
		Logger:      newTestLogger(t),
	}, Callbacks{Summarise: func() summary.Summary { return summary.New() }})
	require.NoError(t, parentBase.Setup(ctx, nil))

	var registeredID string
	parentBase.Router.Handle("register", func(_ *rpclink.Peer, payload map[string]interface{}) (map[string]interface{}, error) {
		registeredID, _ = payload["id"].(string)
		return map[string]interface{}{"uidx": "0.0", "root": "0", "path": "0.0"}, nil
	})
	parentBase.Router.Handle("update", func(_ *rpclink.Peer, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})
	parentBase.Router.Handle("complete", func(_ *rpclink.Peer, _ map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	childBase := New(Config{
		ID:          "child",
		ParentAddr:  parentBase.Server.Addr(),
		TrackingDir: filepath.Join(dir, "child"),
		Interval:    50 * time.Millisecond,
		Logger:      newTestLogger(t),
	}, Callbacks{Summarise: func() summary.Summary { return summary.New() }})
	require.NoError(t, childBase.Setup(ctx, nil))

	uidx, root, path := childBase.Identity()
	assert.Equal(t, "0.0", uidx)
	assert.Equal(t, "0", root)
	assert.Equal(t, "0.0", path)
	assert.Equal(t, "child", registeredID)

	childBase.Teardown(0, false)
	parentBase.Teardown(0, false)
}
