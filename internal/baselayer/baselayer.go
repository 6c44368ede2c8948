// Package baselayer implements the lifecycle shared by every layer of the
// job tree per §4.5: setup (store/server/client/hub registration),
// heartbeat loop, and teardown. Both tier.Tier and wrapper.Wrapper embed
// a *Base rather than duplicating this sequence, and each is constructed
// explicitly by its caller — no package-level singletons for the hub
// client, the RPC client, or the logger, per the Global-state-hazard
// Design Note in §9.
package baselayer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lightlogic-io/gator/internal/gatortype"
	"github.com/lightlogic-io/gator/internal/hub"
	"github.com/lightlogic-io/gator/internal/logging"
	"github.com/lightlogic-io/gator/internal/metrics"
	"github.com/lightlogic-io/gator/internal/rpclink"
	"github.com/lightlogic-io/gator/internal/store"
	"github.com/lightlogic-io/gator/internal/summary"
)

// Config carries every setting the base layer needs, independent of
// whether the owning layer is a Tier or a Wrapper.
type Config struct {
	ID          string
	ParentAddr  string // empty => this layer is the root
	BindAddr    string // address the local RPC server listens on; "127.0.0.1:0" picks a free port
	Interval    time.Duration
	TrackingDir string
	HubAddr     string // empty => no hub registered
	Limits      logging.MessageLimits
	AllMsg      bool
	Logger      *logging.Logger
	ZapLogger   *zap.Logger
}

// Callbacks lets the owning layer (Tier or Wrapper) supply the
// behaviour Base cannot know about generically: how to compute a
// point-in-time Summary, and how to decide the final result once the
// process is winding down.
type Callbacks struct {
	Summarise   func() summary.Summary
	FinalResult func(exitCode int, limitsExceeded bool) gatortype.JobResult
}

// Base is the shared lifecycle state embedded by both layer kinds.
type Base struct {
	cfg Config
	cb  Callbacks

	Store   *store.Store
	Logger  *logging.Logger
	Metrics *metrics.Register
	Router  *rpclink.Router
	Server  *rpclink.Server
	Client  *rpclink.Link // nil at the root
	Hub     *hub.Client

	mu          sync.Mutex
	terminated  bool
	uidx        string
	root        string
	path        string

	heartbeatDone chan struct{}
	heartbeatStop chan struct{}
}

// New constructs a Base. It does not perform any I/O; call Setup to
// bring the layer online.
func New(cfg Config, cb Callbacks) *Base {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:0"
	}
	return &Base{
		cfg:     cfg,
		cb:      cb,
		Logger:  cfg.Logger,
		Metrics: metrics.New(),
		Router:  rpclink.NewRouter(),
	}
}

// Setup performs §4.5 step 1: ensure the tracking directory exists,
// write specDump to it, open the store, register the standard record
// types, wire the logger to it, start the local server, register
// downward handlers, and (if linked) register upward or (if root)
// best-effort register with the hub.
func (b *Base) Setup(ctx context.Context, specDump []byte) error {
	if err := os.MkdirAll(b.cfg.TrackingDir, 0o755); err != nil {
		return fmt.Errorf("baselayer: create tracking dir: %w", err)
	}
	if len(specDump) > 0 {
		if err := os.WriteFile(filepath.Join(b.cfg.TrackingDir, "spec.yaml"), specDump, 0o644); err != nil {
			return fmt.Errorf("baselayer: write spec dump: %w", err)
		}
	}

	st, err := store.Open(filepath.Join(b.cfg.TrackingDir, "db.sqlite"))
	if err != nil {
		return err
	}
	b.Store = st
	if err := registerRecordTypes(st); err != nil {
		return err
	}

	if b.Logger != nil {
		b.Logger.SetHook(func(sev gatortype.LogSeverity, msg string, ts time.Time) {
			_, _ = store.Push(b.Store, &gatortype.LogEntry{Severity: sev, Message: msg, Timestamp: ts})
		})
	}

	rpclink.RegisterPingHandler(b.Router)
	b.Router.Handle("stop", func(_ *rpclink.Peer, _ map[string]interface{}) (map[string]interface{}, error) {
		b.Stop()
		return map[string]interface{}{}, nil
	})
	b.Router.Handle("resolve", func(_ *rpclink.Peer, payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"path": b.path}, nil
	})

	srv, err := rpclink.NewServer(b.cfg.BindAddr, b.Router, b.cfg.ZapLogger)
	if err != nil {
		return err
	}
	b.Server = srv
	go func() { _ = srv.Serve(ctx) }()

	if b.cfg.ParentAddr != "" {
		client, err := rpclink.Dial(ctx, b.cfg.ParentAddr, b.Router, b.cfg.ZapLogger)
		if err != nil {
			return fmt.Errorf("baselayer: dial parent: %w", err)
		}
		b.Client = client
		go func() { _ = client.Serve(ctx) }()

		if _, err := client.Ping(ctx); err != nil {
			return fmt.Errorf("baselayer: ping parent: %w", err)
		}
		resp, err := client.Call(ctx, "register", map[string]interface{}{
			"id":     b.cfg.ID,
			"server": srv.Addr(),
		})
		if err != nil {
			return fmt.Errorf("baselayer: register with parent: %w", err)
		}
		b.uidx, _ = resp["uidx"].(string)
		b.root, _ = resp["root"].(string)
		b.path, _ = resp["path"].(string)
	} else {
		b.registerWithHub(ctx)
	}

	b.persistIdentity()

	b.heartbeatDone = make(chan struct{})
	b.heartbeatStop = make(chan struct{})
	go b.heartbeatLoop()

	return nil
}

func (b *Base) registerWithHub(ctx context.Context) {
	if b.cfg.HubAddr == "" {
		b.uidx, b.root, b.path = "0", "0", "0"
		return
	}
	client := hub.New(b.cfg.HubAddr)
	b.Hub = client
	uidx, err := client.Register(ctx, b.cfg.ID, b.Server.Addr())
	if err != nil {
		if b.Logger != nil {
			b.Logger.Warn("baselayer: hub registration failed, continuing standalone", zap.Error(err))
		}
		uidx = "0"
	}
	b.uidx, b.root, b.path = uidx, uidx, uidx
}

func (b *Base) persistIdentity() {
	for name, val := range map[string]string{"ident": b.cfg.ID, "uidx": b.uidx, "root": b.root, "path": b.path} {
		_, _ = store.Push(b.Store, &gatortype.Attribute{Name: name, Value: val})
	}
}

// Identity returns the uidx/root/path triple assigned at registration.
func (b *Base) Identity() (uidx, root, path string) { return b.uidx, b.root, b.path }

func (b *Base) heartbeatLoop() {
	defer close(b.heartbeatDone)
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.beat()
		case <-b.heartbeatStop:
			b.beat() // mandatory final pass, per §4.5 step 2
			return
		}
	}
}

func (b *Base) beat() {
	for _, sev := range gatortype.AllSeverities() {
		b.Metrics.SetOwn("messages_"+sev.String(), int64(b.Logger.Count(sev)))
	}

	snap := summary.New()
	if b.cb.Summarise != nil {
		snap = b.cb.Summarise()
	}
	for name, val := range snap.Metrics {
		b.Metrics.SetGroup(name, val)
	}
	if err := b.Metrics.Sync(b.Store); err != nil && b.Logger != nil {
		b.Logger.Warn("baselayer: metrics sync failed", zap.Error(err))
	}

	if b.Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Interval)
		_, _ = b.Client.Call(ctx, "update", map[string]interface{}{
			"id":      b.cfg.ID,
			"summary": snap,
			"result":  gatortype.ResultUnknown.String(),
		})
		cancel()
	}

	if b.Hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Interval)
		if err := b.Hub.Heartbeat(ctx, b.cfg.ID, snap); err != nil && b.Logger != nil {
			b.Logger.Warn("baselayer: hub heartbeat failed", zap.Error(err))
		}
		cancel()
	}
}

// Stop is cooperative and idempotent: it only sets the termination flag.
// The heartbeat keeps ticking until Teardown stops it after its final
// pass.
func (b *Base) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated {
		return
	}
	b.terminated = true
}

// Terminated reports whether Stop has been called.
func (b *Base) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

// Teardown performs §4.5 step 3: stop the heartbeat (bounded wait of
// 2*interval), compute the final result, persist it, send a final
// complete upstream, and release the server/store. It also notifies the
// hub if this layer registered with one.
func (b *Base) Teardown(exitCode int, limitsExceeded bool) gatortype.JobResult {
	close(b.heartbeatStop)
	select {
	case <-b.heartbeatDone:
	case <-time.After(2 * b.cfg.Interval):
		if b.Logger != nil {
			b.Logger.Warn("baselayer: heartbeat did not finish final pass within bound")
		}
	}

	result := gatortype.ResultFailure
	if b.cb.FinalResult != nil {
		result = b.cb.FinalResult(exitCode, limitsExceeded)
	} else if exitCode == 0 && !limitsExceeded {
		result = gatortype.ResultSuccess
	}
	_, _ = store.Push(b.Store, &gatortype.Attribute{Name: "result", Value: result.String()})

	if b.Client != nil {
		snap := summary.New()
		if b.cb.Summarise != nil {
			snap = b.cb.Summarise()
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Interval)
		_, _ = b.Client.Call(ctx, "complete", map[string]interface{}{
			"id":      b.cfg.ID,
			"code":    exitCode,
			"result":  result.String(),
			"summary": snap,
		})
		cancel()
		_ = b.Client.Close()
	}

	if b.Hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Interval)
		_ = b.Hub.Complete(ctx, b.cfg.ID, result.String())
		cancel()
	}

	_ = b.Server.Close()
	if b.Logger != nil {
		b.Logger.Sync()
	}
	_ = b.Store.Close()
	return result
}

func registerRecordTypes(s *store.Store) error {
	if err := store.Register[gatortype.Attribute](s); err != nil {
		return err
	}
	if err := store.Register[gatortype.LogEntry](s); err != nil {
		return err
	}
	if err := store.Register[gatortype.ProcStat](s); err != nil {
		return err
	}
	if err := store.Register[gatortype.Metric](s); err != nil {
		return err
	}
	if err := store.Register[gatortype.ChildEntry](s); err != nil {
		return err
	}
	return nil
}
