// Package scheduler defines the plug-point from §4.6 that turns ready
// Children into live subprocesses subject to a concurrency budget. The
// local backend (internal/scheduler/local) is the reference
// implementation; internal/scheduler/slurmlike demonstrates an
// alternative cluster-submission backend behind the same interface.
package scheduler

import "context"

// LaunchSpec is everything the scheduler needs to spawn one Child's
// subprocess: the command-line is synthesised from these fields per
// §4.6's "command synthesis" rule.
type LaunchSpec struct {
	ChildID      string
	TrackingDir  string
	ParentAddr   string
	Interval     int
	ExpectedJobs int
	BackendName  string
	BackendArgs  map[string]string
	LimitWarning *int
	LimitError   int
	LimitCritical int
	AllMsg       bool
	Quiet        bool

	// OnExit is invoked exactly once when the spawned subprocess exits,
	// with its observed exit code. This is orthogonal to the Tier's
	// RPC-observed completion, per §4.6.
	OnExit func(code int)
}

// Scheduler is the interface the core depends on.
type Scheduler interface {
	// Launch dispatches every spec in children, returning once all have
	// been handed off (not once they have completed).
	Launch(ctx context.Context, children []LaunchSpec) error
	// WaitForAll blocks until every previously dispatched Child has
	// exited.
	WaitForAll(ctx context.Context) error
}
