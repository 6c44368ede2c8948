// Package tier implements the composite node of the job tree (§4.4): a
// Tier owns a set of Children (each its own OS process), launches them
// subject to their dependency lists via a pluggable Scheduler, and rolls
// their summaries up through an embedded baselayer.Base the same way
// wrapper.Wrapper does for a single leaf process.
package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lightlogic-io/gator/internal/baselayer"
	"github.com/lightlogic-io/gator/internal/gatorerr"
	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/rpclink"
	"github.com/lightlogic-io/gator/internal/scheduler"
	"github.com/lightlogic-io/gator/internal/spec"
	"github.com/lightlogic-io/gator/internal/store"
	"github.com/lightlogic-io/gator/internal/summary"
)

// Config configures one Tier instance.
type Config struct {
	Base          baselayer.Config
	SchedulerName string
	SchedulerArgs map[string]string
	Quiet         bool
}

// Tier owns a composite spec (JobArray or JobGroup) and everything
// needed to expand, gate, and launch its Children.
type Tier struct {
	*baselayer.Base
	cfg   Config
	spec  spec.Spec
	sched scheduler.Scheduler

	mu           sync.Mutex
	children     map[string]*Child
	bySibling    map[string][]*Child
	order        []string
	childCounter int
}

// New builds a Tier for s (which must be a JobArray or JobGroup), not yet
// launched.
func New(cfg Config, s spec.Spec, sched scheduler.Scheduler) *Tier {
	t := &Tier{
		cfg:       cfg,
		spec:      s,
		sched:     sched,
		children:  map[string]*Child{},
		bySibling: map[string][]*Child{},
	}
	t.Base = baselayer.New(cfg.Base, baselayer.Callbacks{
		Summarise:   t.summarise,
		FinalResult: t.finalResult,
	})
	return t
}

// Launch performs §4.4's launch(): expand the spec into Children, wire
// the downward RPC surface, bring the base layer online, submit every
// dependency-free Child immediately and gate the rest behind their
// dependency waiters, then block until every Child has reached a
// terminal state before tearing down.
func (t *Tier) Launch(ctx context.Context) (int, error) {
	if !spec.IsComposite(t.spec.Kind()) {
		return 1, gatorerr.Spec("launch", fmt.Errorf("tier requires a composite spec, got %s", t.spec.Kind()))
	}
	if err := t.spec.Check(); err != nil {
		return 1, gatorerr.Spec("launch", err)
	}
	if err := t.expand(); err != nil {
		return 1, err
	}

	t.Router.Handle("register", t.handleRegister)
	t.Router.Handle("update", t.handleUpdate)
	t.Router.Handle("complete", t.handleComplete)
	t.Router.Handle("spec", t.handleSpec)
	t.Router.Handle("children", t.handleChildren)

	dump, err := spec.Dump(t.spec)
	if err != nil {
		return 1, fmt.Errorf("tier: dump spec: %w", err)
	}
	if err := t.Base.Setup(ctx, dump); err != nil {
		return 1, err
	}
	// Override the base layer's default stop handler so an incoming stop
	// fans out to live Children instead of only setting this layer's own
	// termination flag.
	t.Router.Handle("stop", func(_ *rpclink.Peer, _ map[string]interface{}) (map[string]interface{}, error) {
		t.Stop()
		return map[string]interface{}{}, nil
	})

	t.mu.Lock()
	var ready, waiting []*Child
	for _, id := range t.order {
		c := t.children[id]
		onPass, onFail, onDone := c.Spec.Deps()
		if len(onPass)+len(onFail)+len(onDone) == 0 {
			ready = append(ready, c)
		} else {
			waiting = append(waiting, c)
		}
	}
	t.mu.Unlock()

	for _, c := range ready {
		t.submit(ctx, c)
	}
	for _, c := range waiting {
		go t.awaitDependencies(ctx, c)
	}

	for _, id := range t.order {
		select {
		case <-t.children[id].Done():
		case <-ctx.Done():
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*t.cfg.Base.Interval+30*time.Second)
	_ = t.sched.WaitForAll(waitCtx)
	cancel()

	limitsExceeded := t.Logger.Exceeded(t.cfg.Base.Limits)
	result := t.finalResult(0, limitsExceeded)
	code := 0
	if result != gatortype.ResultSuccess {
		code = 1
	}
	t.Base.Teardown(code, limitsExceeded)
	return code, nil
}

// Stop requests cooperative termination: the base layer's termination
// flag is set, and every still-live Child is posted a "stop" over the RPC
// link it registered with.
func (t *Tier) Stop() {
	t.Base.Stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order {
		c := t.children[id]
		if c.Peer != nil && c.State != gatortype.JobComplete {
			_ = c.Peer.Post("stop", nil)
		}
	}
}

// expand walks the composite spec's immediate Jobs list (repeated
// Repeats times for a JobArray) into Children, synthesising blank ids
// as T<index> and suffixing repeats as "<id>_<repeat>" so dependency
// references by sibling name still resolve to every repeated instance,
// per §4.4. It validates the dependency graph before creating any
// Children.
func (t *Tier) expand() error {
	var jobs []spec.Spec
	repeats := 1
	switch v := t.spec.(type) {
	case *spec.JobArray:
		jobs = v.Jobs
		repeats = v.Repeats
		if repeats < 1 {
			repeats = 1
		}
	case *spec.JobGroup:
		jobs = v.Jobs
	default:
		return gatorerr.Spec("expand", fmt.Errorf("unsupported composite kind %s", t.spec.Kind()))
	}

	siblingNames := map[string]bool{}
	edgesByChild := map[string]depEdges{}
	names := make([]string, 0, len(jobs))
	for i, j := range jobs {
		if j.ID() == "" {
			j.SetID(fmt.Sprintf("T%d", i))
		}
		name := j.ID()
		if siblingNames[name] {
			return gatorerr.Spec("expand", fmt.Errorf("duplicate sibling id %q", name))
		}
		siblingNames[name] = true
		names = append(names, name)
		onPass, onFail, onDone := j.Deps()
		edgesByChild[name] = depEdges{"pass": onPass, "fail": onFail, "done": onDone}
	}
	if err := buildGraph(names, siblingNames, edgesByChild); err != nil {
		return err
	}

	hasArray := repeats > 1
	for i := 0; i < repeats; i++ {
		for _, j := range jobs {
			siblingName := j.ID()
			childSpec := j.Clone()
			id := siblingName
			if hasArray {
				id = fmt.Sprintf("%s_%d", siblingName, i)
			}
			childSpec.SetID(id)
			env := mergeEnv(t.spec.GetEnv(), childSpec.GetEnv())
			if hasArray {
				env["GATOR_ARRAY_INDEX"] = fmt.Sprintf("%d", i)
			}
			childSpec.SetEnv(env)
			if childSpec.GetCwd() == "" {
				childSpec.SetCwd(t.spec.GetCwd())
			}

			trackingDir := filepath.Join(t.cfg.Base.TrackingDir, id)
			c := newChild(id, siblingName, childSpec, trackingDir)
			c.ArrayIndex = i
			c.HasArray = hasArray

			t.children[id] = c
			t.bySibling[siblingName] = append(t.bySibling[siblingName], c)
			t.order = append(t.order, id)
		}
	}
	return nil
}

func mergeEnv(parent, child map[string]string) map[string]string {
	out := make(map[string]string, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		out[k] = v
	}
	return out
}

// awaitDependencies blocks until every instance of every sibling c
// depends on has reached Done, evaluates the on_pass/on_fail gates, and
// either submits c for launch or prunes it.
func (t *Tier) awaitDependencies(ctx context.Context, c *Child) {
	onPass, onFail, onDone := c.Spec.Deps()
	refs := map[string]bool{}
	for _, d := range onPass {
		refs[d] = true
	}
	for _, d := range onFail {
		refs[d] = true
	}
	for _, d := range onDone {
		refs[d] = true
	}

	t.mu.Lock()
	var waitFor []*Child
	for name := range refs {
		waitFor = append(waitFor, t.bySibling[name]...)
	}
	t.mu.Unlock()

	for _, dep := range waitFor {
		select {
		case <-dep.Done():
		case <-ctx.Done():
			return
		}
	}

	t.mu.Lock()
	satisfied := evaluateGates(t.bySibling, onPass, onFail)
	terminated := t.Terminated()
	t.mu.Unlock()

	if terminated || !satisfied {
		t.mu.Lock()
		c.Pruned = true
		c.State = gatortype.JobComplete
		c.Result = gatortype.ResultUnknown
		t.mu.Unlock()
		c.markDone()
		return
	}

	t.submit(ctx, c)
}

// evaluateGates reports whether every on_pass-referenced sibling
// instance passed and every on_fail-referenced sibling instance did
// not succeed. on_done carries no outcome gate beyond completion, which
// the caller has already waited for.
func evaluateGates(bySibling map[string][]*Child, onPass, onFail []string) bool {
	for _, name := range onPass {
		for _, dep := range bySibling[name] {
			if !dep.passed() {
				return false
			}
		}
	}
	for _, name := range onFail {
		for _, dep := range bySibling[name] {
			if !dep.notSuccess() {
				return false
			}
		}
	}
	return true
}

// submit hands c to the Scheduler: writes its spec to its tracking
// directory (so the spawned subprocess can bootstrap without an RPC
// round-trip), then dispatches a LaunchSpec with an OnExit callback that
// observes the raw subprocess exit independent of any RPC-reported
// completion, per §4.6.
func (t *Tier) submit(ctx context.Context, c *Child) {
	t.mu.Lock()
	c.State = gatortype.JobLaunched
	t.mu.Unlock()

	dump, err := spec.Dump(c.Spec)
	if err != nil {
		t.Logger.Error("tier: failed to dump child spec", zap.String("child", c.ID), zap.Error(err))
		t.finishChild(c, 1, gatortype.ResultFailure)
		return
	}
	if err := os.MkdirAll(c.TrackingDir, 0o755); err != nil {
		t.Logger.Error("tier: failed to create child tracking dir", zap.String("child", c.ID), zap.Error(err))
		t.finishChild(c, 1, gatortype.ResultFailure)
		return
	}
	if err := os.WriteFile(filepath.Join(c.TrackingDir, "spec.yaml"), dump, 0o644); err != nil {
		t.Logger.Warn("tier: failed to write child spec dump", zap.String("child", c.ID), zap.Error(err))
	}

	intervalSeconds := int(t.cfg.Base.Interval / time.Second)
	if intervalSeconds < 1 {
		intervalSeconds = 1
	}
	ls := scheduler.LaunchSpec{
		ChildID:       c.ID,
		TrackingDir:   c.TrackingDir,
		ParentAddr:    t.Server.Addr(),
		Interval:      intervalSeconds,
		ExpectedJobs:  c.Spec.ExpectedJobs(),
		BackendName:   t.cfg.SchedulerName,
		BackendArgs:   t.cfg.SchedulerArgs,
		LimitWarning:  t.cfg.Base.Limits.Warning,
		LimitError:    t.cfg.Base.Limits.Error,
		LimitCritical: t.cfg.Base.Limits.Critical,
		AllMsg:        t.cfg.Base.AllMsg,
		Quiet:         t.cfg.Quiet,
		OnExit:        func(code int) { t.onChildExit(c, code) },
	}
	if err := t.sched.Launch(ctx, []scheduler.LaunchSpec{ls}); err != nil {
		t.Logger.Error("tier: scheduler launch failed", zap.String("child", c.ID), zap.Error(err))
		t.finishChild(c, 1, gatortype.ResultFailure)
	}
}

// onChildExit observes the raw subprocess exit code. If the child never
// registered (or registered but never reported "complete"), this is the
// only signal the Tier ever gets and it synthesizes a result from the
// exit code, per §4.6's "orthogonal to the Tier's RPC-observed
// completion" rule.
func (t *Tier) onChildExit(c *Child, code int) {
	t.mu.Lock()
	already := c.State == gatortype.JobComplete
	t.mu.Unlock()
	if already {
		return
	}
	result := gatortype.ResultFailure
	if code == 0 {
		result = gatortype.ResultSuccess
	}
	t.finishChild(c, code, result)
}

func (t *Tier) finishChild(c *Child, code int, result gatortype.JobResult) {
	t.mu.Lock()
	if c.State == gatortype.JobComplete {
		t.mu.Unlock()
		return
	}
	c.State = gatortype.JobComplete
	c.Code = code
	c.Result = result
	t.mu.Unlock()
	c.markDone()
}

func (t *Tier) handleRegister(peer *rpclink.Peer, payload map[string]interface{}) (map[string]interface{}, error) {
	id, _ := payload["id"].(string)
	t.mu.Lock()
	c, ok := t.children[id]
	if !ok {
		t.mu.Unlock()
		return nil, gatorerr.ChildState("register", fmt.Errorf("unknown child id %q", id))
	}
	if c.Registered {
		t.mu.Unlock()
		return nil, gatorerr.ChildState("register", fmt.Errorf("child %q already registered", id))
	}
	c.Registered = true
	c.Peer = peer
	c.State = gatortype.JobStarted
	c.ServerAddr, _ = payload["server"].(string)
	t.childCounter++
	uidx := fmt.Sprintf("%s.%d", t.uidxSafe(), t.childCounter)
	path := id
	if p := t.pathSafe(); p != "" {
		path = p + "/" + id
	}
	now := unixFloat()
	c.Entry = gatortype.ChildEntry{
		Ident:            id,
		ServerURL:        c.ServerAddr,
		ExpectedChildren: c.Spec.ExpectedJobs(),
		Result:           gatortype.ResultUnknown,
		Started:          &now,
	}
	t.mu.Unlock()

	uid, err := store.Push(t.Store, &c.Entry)
	t.mu.Lock()
	if err == nil {
		c.Entry.Uid = uid
	}
	t.mu.Unlock()

	return map[string]interface{}{"uidx": uidx, "root": t.rootSafe(), "path": path}, nil
}

func (t *Tier) handleUpdate(_ *rpclink.Peer, payload map[string]interface{}) (map[string]interface{}, error) {
	id, _ := payload["id"].(string)
	t.mu.Lock()
	c, ok := t.children[id]
	if !ok {
		t.mu.Unlock()
		return nil, gatorerr.ChildState("update", fmt.Errorf("unknown child id %q", id))
	}
	if c.State == gatortype.JobComplete {
		t.mu.Unlock()
		return nil, gatorerr.ChildState("update", fmt.Errorf("child %q already complete", id))
	}
	if raw, ok := payload["summary"]; ok {
		c.Summary = decodeSummary(raw)
	}
	now := unixFloat()
	c.Entry.Updated = &now
	entry := c.Entry
	t.mu.Unlock()

	if entry.Uid != 0 {
		_ = store.Update(t.Store, &entry)
	}
	return map[string]interface{}{}, nil
}

func (t *Tier) handleComplete(_ *rpclink.Peer, payload map[string]interface{}) (map[string]interface{}, error) {
	id, _ := payload["id"].(string)
	t.mu.Lock()
	c, ok := t.children[id]
	t.mu.Unlock()
	if !ok {
		return nil, gatorerr.ChildState("complete", fmt.Errorf("unknown child id %q", id))
	}

	code := 0
	if v, ok := payload["code"].(float64); ok {
		code = int(v)
	}
	result := gatortype.ParseResult(fmt.Sprint(payload["result"]))
	if raw, ok := payload["summary"]; ok {
		t.mu.Lock()
		c.Summary = decodeSummary(raw)
		t.mu.Unlock()
	}
	t.finishChild(c, code, result)

	t.mu.Lock()
	now := unixFloat()
	c.Entry.Stopped = &now
	c.Entry.Updated = &now
	c.Entry.Result = result
	entry := c.Entry
	t.mu.Unlock()
	if entry.Uid != 0 {
		_ = store.Update(t.Store, &entry)
	}
	return map[string]interface{}{}, nil
}

func (t *Tier) handleSpec(_ *rpclink.Peer, payload map[string]interface{}) (map[string]interface{}, error) {
	id, _ := payload["id"].(string)
	t.mu.Lock()
	target := t.spec
	if id != "" {
		c, ok := t.children[id]
		if !ok {
			t.mu.Unlock()
			return nil, gatorerr.ChildState("spec", fmt.Errorf("unknown child id %q", id))
		}
		target = c.Spec
	}
	t.mu.Unlock()

	dump, err := spec.Dump(target)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"yaml": string(dump)}, nil
}

func (t *Tier) handleChildren(_ *rpclink.Peer, _ map[string]interface{}) (map[string]interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(t.order))
	for _, id := range t.order {
		c := t.children[id]
		out = append(out, map[string]interface{}{
			"id":     c.ID,
			"state":  c.State.String(),
			"result": c.Result.String(),
			"pruned": c.Pruned,
		})
	}
	return map[string]interface{}{"children": out}, nil
}

// unixFloat returns the current time as a Unix-epoch float, matching the
// store's ChildEntry.Started/Updated/Stopped representation.
func unixFloat() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (t *Tier) uidxSafe() string { u, _, _ := t.Identity(); return u }
func (t *Tier) rootSafe() string { _, r, _ := t.Identity(); return r }
func (t *Tier) pathSafe() string { _, _, p := t.Identity(); return p }

func decodeSummary(v interface{}) summary.Summary {
	out := summary.New()
	data, err := json.Marshal(v)
	if err != nil {
		return out
	}
	var s summary.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return out
	}
	if s.Metrics == nil {
		s.Metrics = map[string]int64{}
	}
	if s.FailedIDs == nil {
		s.FailedIDs = [][]string{}
	}
	return s
}

// summarise folds every Child's latest reported Summary into one,
// prefixing each Child's failed-id chains with its own id per §4.4's
// merge rule. The pass/fail/active counts are derived directly from the
// Tier's own Child records rather than from the merged Summaries: a
// Child whose process is reaped via onChildExit before it posts a final
// "complete" never updates c.Summary past its last heartbeat, so relying
// on the merged numbers alone would under-report.
func (t *Tier) summarise() summary.Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := summary.New()
	var passed, failed, active int
	for _, id := range t.order {
		c := t.children[id]
		contextualised := summary.Contextualise(c.ID, c.Summary)
		for name, val := range contextualised.Metrics {
			out.Metrics[name] += val
		}
		out.FailedIDs = append(out.FailedIDs, contextualised.FailedIDs...)

		switch {
		case c.Pruned:
		case c.State == gatortype.JobComplete && c.Result == gatortype.ResultSuccess:
			passed++
		case c.State == gatortype.JobComplete:
			failed++
		case c.State == gatortype.JobStarted:
			active++
		}
	}

	out.SubPassed = passed
	out.SubFailed = failed
	out.SubActive = active
	out.SubTotal = passed + failed + active
	if expected := t.spec.ExpectedJobs(); expected > out.SubTotal {
		out.SubTotal = expected
	}
	return out
}

// finalResult is FAILURE if the message limits were exceeded or any
// non-pruned Child did not succeed, SUCCESS if every non-pruned Child
// succeeded, and UNKNOWN if every Child was pruned.
func (t *Tier) finalResult(_ int, limitsExceeded bool) gatortype.JobResult {
	if limitsExceeded {
		return gatortype.ResultFailure
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sawAny := false
	for _, id := range t.order {
		c := t.children[id]
		if c.Pruned {
			continue
		}
		sawAny = true
		if c.Result != gatortype.ResultSuccess {
			return gatortype.ResultFailure
		}
	}
	if !sawAny {
		return gatortype.ResultUnknown
	}
	return gatortype.ResultSuccess
}
