// Command gator runs one node of a Gator job tree: either a Wrapper
// around a single external command or a Tier supervising a set of
// Children, depending on the Kind of the spec it is given. Every node in
// the tree, including the one the user invokes directly, is this same
// binary invoked with different flags — composite nodes recursively spawn
// more copies of themselves through a Scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lightlogic-io/gator/internal/baselayer"
	"github.com/lightlogic-io/gator/internal/logging"
	"github.com/lightlogic-io/gator/internal/scheduler"
	"github.com/lightlogic-io/gator/internal/scheduler/local"
	"github.com/lightlogic-io/gator/internal/scheduler/slurmlike"
	"github.com/lightlogic-io/gator/internal/spec"
	"github.com/lightlogic-io/gator/internal/tier"
	"github.com/lightlogic-io/gator/internal/wrapper"
)

// stringMap collects repeated "--sched-arg key=value" flags into a map.
type stringMap map[string]string

func (m stringMap) String() string { return fmt.Sprintf("%v", map[string]string(m)) }

func (m stringMap) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	m[k] = v
	return nil
}

// stoppable is satisfied by both *wrapper.Wrapper and *tier.Tier.
type stoppable interface {
	Stop()
}

func main() {
	os.Exit(run())
}

func run() int {
	id := flag.String("id", "", "identifier of this node, assigned by its parent")
	parentAddr := flag.String("parent", "", "RPC address of the parent node; empty means this node is the root")
	interval := flag.Int("interval", 5, "heartbeat interval in seconds")
	tracking := flag.String("tracking", "", "tracking directory for this node's artifact store and logs")
	hubAddr := flag.String("hub", "", "address of the external monitoring hub; root node only")
	quiet := flag.Bool("quiet", false, "suppress console log output")
	verbose := flag.Bool("verbose", false, "emit DEBUG-level console log output")
	allMsg := flag.Bool("all-msg", false, "tee every log message to the tracking directory's message log")
	schedulerName := flag.String("scheduler", "local", "scheduler backend for a composite node: local or slurmlike")
	limitWarning := flag.Int("limit-warning", -1, "max WARNING messages before a failing result; -1 means unbounded")
	limitError := flag.Int("limit-error", 0, "max ERROR messages before a failing result")
	limitCritical := flag.Int("limit-critical", 0, "max CRITICAL messages before a failing result")
	arrayIndex := flag.Int("array-index", -1, "repeat index within a JobArray, if applicable")

	schedArgs := stringMap{}
	flag.Var(schedArgs, "sched-arg", "backend-specific scheduler argument as key=value; may be repeated")

	flag.Parse()

	if *tracking == "" {
		fmt.Fprintln(os.Stderr, "gator: --tracking is required")
		return 1
	}
	if *id == "" {
		*id = filepath.Base(*tracking)
	}

	sp, err := loadSpec(flag.Arg(0), *tracking)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gator: %v\n", err)
		return 1
	}

	var messageLogPath string
	if *allMsg {
		messageLogPath = filepath.Join(*tracking, "messages.log")
	}
	logger, err := logging.New(logging.Options{Quiet: *quiet, Verbose: *verbose, MessageLogPath: messageLogPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gator: %v\n", err)
		return 1
	}
	defer logger.Sync()

	var warningLimit *int
	if *limitWarning >= 0 {
		warningLimit = limitWarning
	}

	base := baselayer.Config{
		ID:          *id,
		ParentAddr:  *parentAddr,
		Interval:    time.Duration(*interval) * time.Second,
		TrackingDir: *tracking,
		HubAddr:     *hubAddr,
		Limits:      logging.MessageLimits{Warning: warningLimit, Error: *limitError, Critical: *limitCritical},
		AllMsg:      *allMsg,
		Logger:      logger,
		ZapLogger:   logger.Zap(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var layer stoppable
	var launch func(context.Context) (int, error)

	if spec.IsComposite(sp.Kind()) {
		sched, err := buildScheduler(*schedulerName, schedArgs, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gator: %v\n", err)
			return 1
		}
		t := tier.New(tier.Config{Base: base, SchedulerName: *schedulerName, SchedulerArgs: schedArgs, Quiet: *quiet}, sp, sched)
		layer, launch = t, t.Launch
	} else {
		job, ok := sp.(*spec.Job)
		if !ok {
			fmt.Fprintf(os.Stderr, "gator: leaf spec has unexpected type %T\n", sp)
			return 1
		}
		w := wrapper.New(wrapper.Config{
			Base:          base,
			ArrayIndex:    *arrayIndex,
			HasArrayIndex: *arrayIndex >= 0,
		}, job)
		layer, launch = w, w.Launch
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		layer.Stop()
	}()

	code, err := launch(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("gator: run failed: %v", err))
		if code == 0 {
			code = 1
		}
	}
	return code
}

// loadSpec reads a job spec either from an explicit path (the root
// invocation, given on the command line) or from the spec.yaml the
// parent already wrote into this node's tracking directory before
// spawning it — avoiding an RPC round-trip just to bootstrap.
func loadSpec(path, trackingDir string) (spec.Spec, error) {
	if path == "" {
		path = filepath.Join(trackingDir, "spec.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	sp, err := spec.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}
	if err := sp.Check(); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}
	return sp, nil
}

func buildScheduler(name string, args stringMap, logger *logging.Logger) (scheduler.Scheduler, error) {
	binary, err := os.Executable()
	if err != nil {
		binary = os.Args[0]
	}
	switch name {
	case "", "local":
		concurrency := 1
		if v, ok := args["concurrency"]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				concurrency = n
			}
		}
		return local.New(concurrency, binary, logger.Zap()), nil
	case "slurmlike":
		tmpl, ok := args["template"]
		if !ok {
			return nil, fmt.Errorf("slurmlike scheduler requires --sched-arg template=...")
		}
		return slurmlike.New(tmpl, binary), nil
	default:
		return nil, fmt.Errorf("unknown scheduler backend %q", name)
	}
}
