package tier

import (
	"sync"

	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/rpclink"
	"github.com/lightlogic-io/gator/internal/spec"
	"github.com/lightlogic-io/gator/internal/summary"
)

// Child is a Tier's record of one of its owned sub-layers, per §3. It is
// owned exclusively by its parent Tier; all field access outside of
// Child's own methods must hold the owning Tier's mutex.
type Child struct {
	ID          string
	SiblingName string // pre-array-suffix id, used to resolve dependency references
	Spec        spec.Spec
	TrackingDir string
	ArrayIndex  int
	HasArray    bool

	State      gatortype.JobState
	Code       int
	Result     gatortype.JobResult
	Summary    summary.Summary
	ServerAddr string
	Pruned     bool
	Registered bool

	// Entry mirrors this Child's row in the store's child_entries table.
	// It is captured whole on registration (store.Update overwrites the
	// full row keyed on Entry.Uid) so later stamps only ever touch their
	// own field before writing the record back.
	Entry gatortype.ChildEntry

	// Peer is the registering side of the child's RPC link, captured from
	// its "register" call so the Tier can post downward to it later (e.g.
	// "stop") without a separate outbound dial.
	Peer *rpclink.Peer

	doneOnce sync.Once
	done     chan struct{}
}

func newChild(id, siblingName string, s spec.Spec, trackingDir string) *Child {
	return &Child{
		ID:          id,
		SiblingName: siblingName,
		Spec:        s,
		TrackingDir: trackingDir,
		State:       gatortype.JobPending,
		Result:      gatortype.ResultUnknown,
		Summary:     summary.New(),
		done:        make(chan struct{}),
	}
}

// Done returns a channel closed once this Child reaches COMPLETE or is
// pruned, the event other Children's dependency waiters block on.
func (c *Child) Done() <-chan struct{} { return c.done }

func (c *Child) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// passed reports whether c should satisfy an on_pass dependency.
func (c *Child) passed() bool {
	return !c.Pruned && c.Result == gatortype.ResultSuccess
}

// notSuccess reports whether c should satisfy an on_fail dependency.
func (c *Child) notSuccess() bool {
	return c.Pruned || c.Result != gatortype.ResultSuccess
}
