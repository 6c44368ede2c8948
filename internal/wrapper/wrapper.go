// Package wrapper implements the leaf node of the job tree (§4.3): it
// executes one external command, turns its stdio into structured log
// entries, samples its process tree on a fixed cadence, and reports
// final exit status upward through an embedded baselayer.Base.
package wrapper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lightlogic-io/gator/internal/baselayer"
	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/rpclink"
	"github.com/lightlogic-io/gator/internal/spec"
	"github.com/lightlogic-io/gator/internal/store"
	"github.com/lightlogic-io/gator/internal/summary"
)

// terminationGrace bounds the time between SIGTERM and a hard SIGKILL,
// resolving the SIGTERM->SIGKILL Open Question from §9 at a fixed 5s.
const terminationGrace = 5 * time.Second

// defaultSampleInterval is §4.3's default process-sampling cadence.
const defaultSampleInterval = 5 * time.Second

// minSampleInterval is §4.3's floor on the sampling cadence.
const minSampleInterval = 1 * time.Second

// Config configures one Wrapper instance.
type Config struct {
	Base          baselayer.Config
	ArrayIndex    int
	HasArrayIndex bool
	SampleInterval time.Duration
}

// Wrapper owns exactly one external process.
type Wrapper struct {
	*baselayer.Base
	cfg  Config
	spec *spec.Job

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	finished bool
	result   gatortype.JobResult
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Wrapper for job, not yet launched.
func New(cfg Config, job *spec.Job) *Wrapper {
	if cfg.SampleInterval < minSampleInterval {
		cfg.SampleInterval = defaultSampleInterval
	}
	w := &Wrapper{cfg: cfg, spec: job, stopCh: make(chan struct{})}
	w.Base = baselayer.New(cfg.Base, baselayer.Callbacks{
		Summarise:   w.summarise,
		FinalResult: w.finalResult,
	})
	return w
}

// Launch performs §4.3's launch() operation: base-layer setup, then spawn
// the child process and block until it exits or Stop is called. It
// returns the process's exit code (0 if never started).
func (w *Wrapper) Launch(ctx context.Context) (int, error) {
	dump, err := spec.Dump(w.spec)
	if err != nil {
		return 0, fmt.Errorf("wrapper: dump spec: %w", err)
	}
	if err := w.Base.Setup(ctx, dump); err != nil {
		return 0, err
	}
	// Override the base layer's default "stop" handler (which only flips
	// the termination flag) so a parent's RPC stop actually signals the
	// subprocess, the same way Tier overrides it for its own Stop().
	w.Router.Handle("stop", func(_ *rpclink.Peer, _ map[string]interface{}) (map[string]interface{}, error) {
		w.Stop()
		return map[string]interface{}{}, nil
	})

	w.writeResourceAttributes()

	code, runErr := w.run(ctx)

	limitsExceeded := w.Logger.Exceeded(w.cfg.Base.Limits)
	w.Base.Teardown(code, limitsExceeded)
	return code, runErr
}

// Stop requests cooperative termination: SIGTERM first, escalating to
// SIGKILL after terminationGrace if the process has not exited.
func (w *Wrapper) Stop() {
	w.Base.Stop()
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Wrapper) run(ctx context.Context) (int, error) {
	args := append([]string{}, w.spec.Args...)
	cmd := exec.CommandContext(ctx, w.spec.Command, args...)
	cmd.Dir = w.spec.GetCwd()
	cmd.Env = w.buildEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("wrapper: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("wrapper: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Logger.Error("wrapper: failed to start process", zap.Error(err))
		return 0, nil
	}

	w.mu.Lock()
	w.cmd = cmd
	w.started = true
	w.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error { w.ingest(stdout, gatortype.SeverityInfo); return nil })
	g.Go(func() error { w.ingest(stderr, gatortype.SeverityError); return nil })

	samplerDone := make(chan struct{})
	g.Go(func() error { w.sampleLoop(cmd, samplerDone); return nil })

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		close(samplerDone)
		_ = g.Wait()
		return exitCodeFromError(cmd, err), nil
	case <-w.stopCh:
		w.terminate(cmd)
		err := <-waitDone
		close(samplerDone)
		_ = g.Wait()
		return exitCodeFromError(cmd, err), nil
	}
}

func (w *Wrapper) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(terminationGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		_ = cmd.Process.Kill()
	case <-w.processGone(cmd):
	}
}

func (w *Wrapper) processGone(cmd *exec.Cmd) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			if cmd.ProcessState != nil {
				close(ch)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return ch
}

func (w *Wrapper) ingest(r io.Reader, sev gatortype.LogSeverity) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch sev {
		case gatortype.SeverityError:
			w.Logger.Error(line)
		default:
			w.Logger.Info(line)
		}
	}
}

func (w *Wrapper) sampleLoop(cmd *exec.Cmd, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if cmd.Process == nil {
				continue
			}
			sample(w, int32(cmd.Process.Pid))
		case <-done:
			return
		}
	}
}

func (w *Wrapper) buildEnv() []string {
	env := os.Environ()
	for k, v := range w.spec.GetEnv() {
		env = append(env, k+"="+v)
	}
	if addr := w.cfg.Base.ParentAddr; addr != "" {
		env = append(env, "GATOR_PARENT="+addr)
	}
	if w.Server != nil {
		env = append(env, "GATOR_SERVER="+w.Server.Addr())
	}
	if w.cfg.HasArrayIndex {
		env = append(env, "GATOR_ARRAY_INDEX="+strconv.Itoa(w.cfg.ArrayIndex))
	}
	return env
}

func (w *Wrapper) writeResourceAttributes() {
	res := w.spec.Resources
	_, _ = store.Push(w.Store, &gatortype.Attribute{Name: "cores", Value: strconv.Itoa(res.Cores)})
	_, _ = store.Push(w.Store, &gatortype.Attribute{Name: "memory_mb", Value: fmt.Sprintf("%g", res.Memory.MB())})
	if flat := spec.Flatten(res.Licenses); flat != "" {
		_, _ = store.Push(w.Store, &gatortype.Attribute{Name: "licenses", Value: flat})
	}
	if flat := spec.Flatten(res.Features); flat != "" {
		_, _ = store.Push(w.Store, &gatortype.Attribute{Name: "features", Value: flat})
	}
}

// summarise reports this Wrapper as one unit of the job tree. Teardown
// calls finalResult before it calls summarise for the final "complete"
// payload, so by the time that last snapshot is taken w.result already
// holds the outcome finalResult computed and SubPassed/SubFailed reflect
// it instead of the mid-run SubActive=1 fallback.
func (w *Wrapper) summarise() summary.Summary {
	s := summary.New()
	for _, sev := range gatortype.AllSeverities() {
		s.Metrics["messages_"+sev.String()] = int64(w.Logger.Count(sev))
	}
	w.mu.Lock()
	started, finished, result := w.started, w.finished, w.result
	w.mu.Unlock()
	s.SubTotal = 1
	switch {
	case finished && result == gatortype.ResultSuccess:
		s.SubPassed = 1
	case finished && result == gatortype.ResultFailure:
		s.SubFailed = 1
	case started:
		s.SubActive = 1
	}
	return s
}

func (w *Wrapper) finalResult(exitCode int, limitsExceeded bool) gatortype.JobResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	result := gatortype.ResultUnknown
	if w.started {
		result = gatortype.ResultFailure
		if exitCode == 0 && !limitsExceeded {
			result = gatortype.ResultSuccess
		}
	}
	w.finished = true
	w.result = result
	return result
}

func exitCodeFromError(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	return 1
}

func sample(w *Wrapper, pid int32) {
	s, err := sampleFn(pid)
	if err != nil {
		return
	}
	_, _ = store.Push(w.Store, &s)
}

// sampleFn is a package variable so tests can stub process sampling
// without spawning a real process tree.
var sampleFn = defaultSample
