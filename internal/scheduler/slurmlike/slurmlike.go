// Package slurmlike is an alternative scheduler backend demonstrating
// the cluster-submission shape §1's non-goals describe as out of scope
// for the core but worth specifying the interface for: it builds a
// submission command from a configurable template instead of spawning
// the subprocess directly, the way a site would wrap `sbatch` or
// `qsub`. It is not wired as the CLI default.
package slurmlike

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lightlogic-io/gator/internal/scheduler"
)

// Scheduler submits each Child via an external submission command built
// from Template, where "{binary}", "{args}" are substituted with the
// child's invocation of this program and its flattened flag list.
type Scheduler struct {
	Template   string
	BinaryPath string

	g errgroup.Group
}

// New builds a Scheduler that runs submitTemplate (e.g.
// "sbatch --wrap '{binary} {args}'") per dispatched Child.
func New(submitTemplate, binaryPath string) *Scheduler {
	return &Scheduler{Template: submitTemplate, BinaryPath: binaryPath}
}

// Launch submits each child via the configured template, in arrival
// order, without any concurrency gating of its own — the cluster
// scheduler referenced by Template owns admission control.
func (s *Scheduler) Launch(ctx context.Context, children []scheduler.LaunchSpec) error {
	for _, c := range children {
		c := c
		s.g.Go(func() error {
			code, err := s.submit(ctx, c)
			if err != nil {
				code = 1
			}
			if c.OnExit != nil {
				c.OnExit(code)
			}
			return nil
		})
	}
	return nil
}

func (s *Scheduler) submit(ctx context.Context, c scheduler.LaunchSpec) (int, error) {
	args := buildArgs(c)
	cmdline := strings.NewReplacer(
		"{binary}", s.BinaryPath,
		"{args}", strings.Join(args, " "),
	).Replace(s.Template)

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("slurmlike: submit: %w", err)
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

func buildArgs(c scheduler.LaunchSpec) []string {
	args := []string{"--id", c.ChildID, "--parent", c.ParentAddr, "--tracking", c.TrackingDir, "--scheduler", "slurmlike"}
	for k, v := range c.BackendArgs {
		args = append(args, "--sched-arg", k+"="+v)
	}
	return args
}

// WaitForAll blocks until every submitted Child's monitor goroutine has
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
