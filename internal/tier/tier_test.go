package tier

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightlogic-io/gator/internal/baselayer"
	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/logging"
	"github.com/lightlogic-io/gator/internal/spec"
)

func newTestTier(t *testing.T, s spec.Spec) *Tier {
	t.Helper()
	l, err := logging.New(logging.Options{Quiet: true})
	require.NoError(t, err)
	cfg := Config{
		Base: baselayer.Config{
			ID:          s.ID(),
			TrackingDir: filepath.Join(t.TempDir(), s.ID()),
			Interval:    30 * time.Millisecond,
			Logger:      l,
		},
		SchedulerName: "local",
	}
	return New(cfg, s, nil)
}

func jobSpec(id, command string, args ...string) *spec.Job {
	return &spec.Job{Common: spec.Common{IDField: id}, Command: command, Args: args}
}

func TestBuildGraphRejectsSelfDependency(t *testing.T) {
	names := []string{"a"}
	siblings := map[string]bool{"a": true}
	edges := map[string]depEdges{"a": {"pass": {"a"}}}
	err := buildGraph(names, siblings, edges)
	require.Error(t, err)
}

func TestBuildGraphRejectsUnknownSibling(t *testing.T) {
	names := []string{"a"}
	siblings := map[string]bool{"a": true}
	edges := map[string]depEdges{"a": {"pass": {"nonexistent"}}}
	err := buildGraph(names, siblings, edges)
	require.Error(t, err)
}

func TestBuildGraphRejectsLongerCycle(t *testing.T) {
	names := []string{"a", "b", "c"}
	siblings := map[string]bool{"a": true, "b": true, "c": true}
	edges := map[string]depEdges{
		"a": {"pass": {"b"}},
		"b": {"pass": {"c"}},
		"c": {"pass": {"a"}},
	}
	err := buildGraph(names, siblings, edges)
	require.Error(t, err)
}

func TestBuildGraphAcceptsDiamond(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	siblings := map[string]bool{"a": true, "b": true, "c": true, "d": true}
	edges := map[string]depEdges{
		"a": {},
		"b": {"pass": {"a"}},
		"c": {"pass": {"a"}},
		"d": {"pass": {"b", "c"}},
	}
	err := buildGraph(names, siblings, edges)
	require.NoError(t, err)
}

func TestExpandAssignsBlankIDsAndRepeatSuffixes(t *testing.T) {
	group := &spec.JobGroup{Jobs: []spec.Spec{jobSpec("", "echo"), jobSpec("named", "echo")}}
	group.SetID("g")
	tr := newTestTier(t, group)
	require.NoError(t, tr.expand())

	assert.Len(t, tr.order, 2)
	assert.Contains(t, tr.children, "T0")
	assert.Contains(t, tr.children, "named")
}

func TestExpandJobArraySuffixesEachRepeat(t *testing.T) {
	arr := &spec.JobArray{Repeats: 3, Jobs: []spec.Spec{jobSpec("worker", "echo")}}
	arr.SetID("a")
	tr := newTestTier(t, arr)
	require.NoError(t, tr.expand())

	assert.Len(t, tr.order, 3)
	assert.Contains(t, tr.children, "worker_0")
	assert.Contains(t, tr.children, "worker_1")
	assert.Contains(t, tr.children, "worker_2")
	assert.Equal(t, "worker", tr.children["worker_1"].SiblingName)
	assert.True(t, tr.children["worker_1"].HasArray)
	assert.Equal(t, 1, tr.children["worker_1"].ArrayIndex)
}

func TestExpandRejectsDuplicateSiblingIDs(t *testing.T) {
	group := &spec.JobGroup{Jobs: []spec.Spec{jobSpec("dup", "echo"), jobSpec("dup", "echo")}}
	group.SetID("g")
	tr := newTestTier(t, group)
	require.Error(t, tr.expand())
}

func TestEvaluateGatesOnPassRequiresAllInstancesToSucceed(t *testing.T) {
	a0 := newChild("a_0", "a", jobSpec("a_0", "echo"), t.TempDir())
	a1 := newChild("a_1", "a", jobSpec("a_1", "echo"), t.TempDir())
	a0.Result, a1.Result = gatortype.ResultSuccess, gatortype.ResultFailure
	bySibling := map[string][]*Child{"a": {a0, a1}}

	assert.False(t, evaluateGates(bySibling, []string{"a"}, nil))

	a1.Result = gatortype.ResultSuccess
	assert.True(t, evaluateGates(bySibling, []string{"a"}, nil))
}

func TestEvaluateGatesOnFailRequiresNoInstanceSucceeded(t *testing.T) {
	a0 := newChild("a_0", "a", jobSpec("a_0", "echo"), t.TempDir())
	a0.Result = gatortype.ResultFailure
	bySibling := map[string][]*Child{"a": {a0}}
	assert.True(t, evaluateGates(bySibling, nil, []string{"a"}))

	a0.Result = gatortype.ResultSuccess
	assert.False(t, evaluateGates(bySibling, nil, []string{"a"}))
}

func TestSummariseCountsPassFailActiveFromChildState(t *testing.T) {
	group := &spec.JobGroup{Jobs: []spec.Spec{jobSpec("a", "echo"), jobSpec("b", "echo"), jobSpec("c", "echo")}}
	group.SetID("g")
	tr := newTestTier(t, group)
	require.NoError(t, tr.expand())

	tr.children["a"].State = gatortype.JobComplete
	tr.children["a"].Result = gatortype.ResultSuccess
	tr.children["b"].State = gatortype.JobComplete
	tr.children["b"].Result = gatortype.ResultFailure
	tr.children["c"].State = gatortype.JobStarted

	s := tr.summarise()
	assert.Equal(t, 1, s.SubPassed)
	assert.Equal(t, 1, s.SubFailed)
	assert.Equal(t, 1, s.SubActive)
	assert.Equal(t, 3, s.SubTotal)
}

func TestSummariseExcludesPrunedChildrenFromCounts(t *testing.T) {
	group := &spec.JobGroup{Jobs: []spec.Spec{jobSpec("a", "echo"), jobSpec("b", "echo")}}
	group.SetID("g")
	tr := newTestTier(t, group)
	require.NoError(t, tr.expand())

	tr.children["a"].State = gatortype.JobComplete
	tr.children["a"].Result = gatortype.ResultSuccess
	tr.children["b"].Pruned = true
	tr.children["b"].State = gatortype.JobComplete

	s := tr.summarise()
	assert.Equal(t, 1, s.SubPassed)
	assert.Equal(t, 0, s.SubFailed)
	assert.Equal(t, 0, s.SubActive)
}

func TestSummariseClampsSubTotalToExpectedJobs(t *testing.T) {
	group := &spec.JobGroup{Jobs: []spec.Spec{jobSpec("a", "echo")}}
	group.SetID("g")
	tr := newTestTier(t, group)
	require.NoError(t, tr.expand())
	// no child has reached a countable state yet, but expected_jobs is 1.

	s := tr.summarise()
	assert.Equal(t, 0, s.SubPassed+s.SubFailed+s.SubActive)
	assert.Equal(t, 1, s.SubTotal)
}

func TestChildPassedAndNotSuccessAccountForPruning(t *testing.T) {
	c := newChild("x", "x", jobSpec("x", "echo"), t.TempDir())
	c.Result = gatortype.ResultSuccess
	assert.True(t, c.passed())
	assert.False(t, c.notSuccess())

	c.Pruned = true
	assert.False(t, c.passed())
	assert.True(t, c.notSuccess())
}
