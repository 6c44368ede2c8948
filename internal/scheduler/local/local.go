// Package local implements the reference scheduler backend from §4.6:
// one driver goroutine per Child, each gated on a concurrency budget
// modelled as slot tokens, spawning one subprocess per Child running this
// same program recursively. Driver goroutines are started in arrival
// order, but the order in which waiting Children obtain slots is not
// defined.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lightlogic-io/gator/internal/scheduler"
)

// Scheduler is the local, single-machine backend. It holds a fixed
// concurrency budget and spawns subprocess Children against it, the way
// the teacher's jobs.Worker claims work against a ticker except the
// gating primitive here is slot tokens rather than a claimed-row lock.
type Scheduler struct {
	concurrency int
	binaryPath  string
	log         *zap.Logger

	tokens chan struct{}

	g errgroup.Group
}

// New builds a local Scheduler with the given concurrency budget
// (minimum 1, per §4.6) using binaryPath as the subprocess to spawn for
// each Child (normally os.Args[0], this process's own binary).
func New(concurrency int, binaryPath string, log *zap.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	tokens := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		tokens <- struct{}{}
	}
	return &Scheduler{concurrency: concurrency, binaryPath: binaryPath, log: log, tokens: tokens}
}

// Launch starts a driver goroutine per Child, in arrival order: each
// awaits one free slot token, takes further tokens that are free at that
// moment (1 in total for a leaf Job, up to min(available, expected_jobs)
// for a composite Child), then spawns the subprocess. Which waiting
// driver gets a freed slot first is not defined.
// Launch itself returns once every Child has been handed to its own
// driver goroutine — it does not wait for any of them to finish.
func (s *Scheduler) Launch(ctx context.Context, children []scheduler.LaunchSpec) error {
	for _, c := range children {
		c := c
		s.g.Go(func() error {
			s.driveOne(ctx, c)
			return nil
		})
	}
	return nil
}

func (s *Scheduler) driveOne(ctx context.Context, c scheduler.LaunchSpec) {
	want := 1
	if c.ExpectedJobs > 1 {
		want = c.ExpectedJobs
		if want > s.concurrency {
			want = s.concurrency
		}
	}

	granted := s.acquire(ctx, want)
	defer s.release(granted)

	code, err := s.spawn(ctx, c, granted)
	if err != nil {
		s.log.Warn("local scheduler: spawn failed", zap.String("child", c.ChildID), zap.Error(err))
		code = 1
	}
	if c.OnExit != nil {
		c.OnExit(code)
	}
}

// acquire blocks until one token is free (or ctx ends, granting 0), then
// takes up to n-1 further tokens that are free right now without
// waiting, returning how many were granted in total.
func (s *Scheduler) acquire(ctx context.Context, n int) int {
	select {
	case <-s.tokens:
	case <-ctx.Done():
		return 0
	}
	granted := 1
	for granted < n {
		select {
		case <-s.tokens:
			granted++
		default:
			return granted
		}
	}
	return granted
}

func (s *Scheduler) release(n int) {
	for i := 0; i < n; i++ {
		s.tokens <- struct{}{}
	}
}

func (s *Scheduler) spawn(ctx context.Context, c scheduler.LaunchSpec, grantedSlots int) (int, error) {
	args := []string{
		"--id", c.ChildID,
		"--parent", c.ParentAddr,
		"--interval", strconv.Itoa(c.Interval),
		"--tracking", c.TrackingDir,
		"--scheduler", "local",
		"--sched-arg", fmt.Sprintf("concurrency=%d", maxInt(grantedSlots, 1)),
		"--limit-error", strconv.Itoa(c.LimitError),
		"--limit-critical", strconv.Itoa(c.LimitCritical),
	}
	if c.LimitWarning != nil {
		args = append(args, "--limit-warning", strconv.Itoa(*c.LimitWarning))
	}
	if c.AllMsg {
		args = append(args, "--all-msg")
	}
	if c.Quiet {
		args = append(args, "--quiet")
	}
	for k, v := range c.BackendArgs {
		args = append(args, "--sched-arg", k+"="+v)
	}

	cmd := exec.CommandContext(ctx, s.binaryPath, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	err := cmd.Wait()
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}

// WaitForAll blocks until every dispatched Child's driver goroutine has
// returned.
func (s *Scheduler) WaitForAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = s.g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
