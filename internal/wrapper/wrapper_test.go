package wrapper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightlogic-io/gator/internal/baselayer"
	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/logging"
	"github.com/lightlogic-io/gator/internal/spec"
	"github.com/lightlogic-io/gator/internal/store"
)

func newWrapper(t *testing.T, job *spec.Job) *Wrapper {
	t.Helper()
	l, err := logging.New(logging.Options{Quiet: true})
	require.NoError(t, err)
	cfg := Config{
		Base: baselayer.Config{
			ID:          job.ID(),
			TrackingDir: filepath.Join(t.TempDir(), job.ID()),
			Interval:    30 * time.Millisecond,
			Logger:      l,
		},
		SampleInterval: time.Second,
	}
	return New(cfg, job)
}

// reopenStore opens w's store file again: Launch closes its own handle
// during teardown.
func reopenStore(t *testing.T, w *Wrapper) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(w.cfg.Base.TrackingDir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLaunchSuccessWritesSuccessResult(t *testing.T) {
	job := &spec.Job{Common: spec.Common{IDField: "ok"}, Command: "bash", Args: []string{"-c", "exit 0"}}
	w := newWrapper(t, job)

	code, err := w.Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	rows, err := store.Get[gatortype.Attribute](reopenStore(t, w), store.Where(store.Exact("name", "result")))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "SUCCESS", rows[0].Value)
}

func TestLaunchFailureWritesFailureResult(t *testing.T) {
	job := &spec.Job{Common: spec.Common{IDField: "bad"}, Command: "bash", Args: []string{"-c", "exit 1"}}
	w := newWrapper(t, job)

	code, err := w.Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	rows, err := store.Get[gatortype.Attribute](reopenStore(t, w), store.Where(store.Exact("name", "result")))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "FAILURE", rows[0].Value)
}

func TestSummariseReportsPassedAfterSuccessfulExit(t *testing.T) {
	job := &spec.Job{Common: spec.Common{IDField: "ok"}, Command: "bash", Args: []string{"-c", "exit 0"}}
	w := newWrapper(t, job)
	_, err := w.Launch(context.Background())
	require.NoError(t, err)

	s := w.summarise()
	assert.Equal(t, 1, s.SubPassed)
	assert.Equal(t, 0, s.SubFailed)
	assert.Equal(t, 0, s.SubActive)
	assert.Equal(t, 1, s.SubTotal)
}

func TestSummariseReportsFailedAfterNonZeroExit(t *testing.T) {
	job := &spec.Job{Common: spec.Common{IDField: "bad"}, Command: "bash", Args: []string{"-c", "exit 1"}}
	w := newWrapper(t, job)
	_, err := w.Launch(context.Background())
	require.NoError(t, err)

	s := w.summarise()
	assert.Equal(t, 0, s.SubPassed)
	assert.Equal(t, 1, s.SubFailed)
}

func TestSummariseReportsActiveMidRun(t *testing.T) {
	job := &spec.Job{Common: spec.Common{IDField: "sleeper"}, Command: "sleep", Args: []string{"5"}}
	w := newWrapper(t, job)

	done := make(chan struct{})
	go func() {
		_, _ = w.Launch(context.Background())
		close(done)
	}()
	defer func() {
		w.Stop()
		<-done
	}()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		return started
	}, 2*time.Second, 10*time.Millisecond)

	s := w.summarise()
	assert.Equal(t, 1, s.SubActive)
	assert.Equal(t, 0, s.SubPassed)
	assert.Equal(t, 0, s.SubFailed)
}

func TestStdoutAndStderrBecomeLogEntries(t *testing.T) {
	job := &spec.Job{
		Common:  spec.Common{IDField: "logs"},
		Command: "bash",
		Args:    []string{"-c", "echo out-line; echo err-line 1>&2"},
	}
	w := newWrapper(t, job)
	_, err := w.Launch(context.Background())
	require.NoError(t, err)

	entries, err := store.Get[gatortype.LogEntry](reopenStore(t, w))
	require.NoError(t, err)

	var sawInfo, sawError bool
	for _, e := range entries {
		if e.Message == "out-line" && e.Severity == gatortype.SeverityInfo {
			sawInfo = true
		}
		if e.Message == "err-line" && e.Severity == gatortype.SeverityError {
			sawError = true
		}
	}
	assert.True(t, sawInfo)
	assert.True(t, sawError)
}

func TestArrayIndexPropagatedToExitCode(t *testing.T) {
	job := &spec.Job{
		Common:  spec.Common{IDField: "arr_1"},
		Command: "bash",
		Args:    []string{"-c", "exit $GATOR_ARRAY_INDEX"},
	}
	l, err := logging.New(logging.Options{Quiet: true})
	require.NoError(t, err)
	cfg := Config{
		Base: baselayer.Config{
			ID:          "arr_1",
			TrackingDir: filepath.Join(t.TempDir(), "arr_1"),
			Interval:    30 * time.Millisecond,
			Logger:      l,
		},
		ArrayIndex:    1,
		HasArrayIndex: true,
		SampleInterval: time.Second,
	}
	w := New(cfg, job)
	code, err := w.Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestStopTerminatesLongRunningProcess(t *testing.T) {
	job := &spec.Job{Common: spec.Common{IDField: "sleeper"}, Command: "sleep", Args: []string{"60"}}
	w := newWrapper(t, job)

	done := make(chan struct{})
	var code int
	go func() {
		code, _ = w.Launch(context.Background())
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	w.Stop()

	select {
	case <-done:
		assert.NotEqual(t, 0, code)
	case <-time.After(8 * time.Second):
		t.Fatal("wrapper did not terminate after Stop")
	}
}
