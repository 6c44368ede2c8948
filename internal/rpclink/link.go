package rpclink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrLinkClosed is returned by Call when the underlying
// connection has been closed, per §4.1's failure-mode rule for
// non-posted sends.
var ErrLinkClosed = errors.New("rpclink: link closed")

// Peer is the caller-facing handle a Handler receives: it can post
// messages back toward whoever sent the request it is answering.
type Peer struct {
	link *Link
}

// Post sends a fire-and-forget message back to this peer.
func (p *Peer) Post(action string, payload map[string]interface{}) error {
	return p.link.Post(action, payload)
}

// Link is one end of a bidirectional, multiplexed RPC connection. It
// owns a single websocket connection, a send mutex for frame integrity,
// and a pending-request map keyed by req_id — the same shape as
// creachadair/jrpc2's Client.pending, adapted to a full-duplex peer
// instead of a client/server split.
type Link struct {
	conn   *websocket.Conn
	router *Router
	log    *zap.Logger

	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan Envelope

	nextReqID uint64

	closeOnce sync.Once
	closed    chan struct{}

	peer *Peer
}

// New wraps conn in a Link, dispatching inbound frames through router.
// The caller must invoke Serve in its own goroutine to start the receive
// loop.
func New(conn *websocket.Conn, router *Router, log *zap.Logger) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Link{
		conn:    conn,
		router:  router,
		log:     log,
		pending: map[uint64]chan Envelope{},
		closed:  make(chan struct{}),
	}
	l.peer = &Peer{link: l}
	return l
}

// Serve runs the receive loop until the connection closes or ctx is
// cancelled. It must be called exactly once per Link.
func (l *Link) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.Close()
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// JSON decode failure drops the frame and logs a warning; the
			// link stays open, per §4.1's failure-mode rule.
			l.log.Warn("rpclink: dropping malformed frame", zap.Error(err))
			continue
		}
		l.dispatch(env)
	}
}

func (l *Link) dispatch(env Envelope) {
	if env.isResponse() {
		l.deliver(env)
		return
	}

	action := env.Action
	handler, ok := l.router.lookup(action)
	if !ok {
		if fb := l.router.fallbackHandler(); fb != nil {
			handler = fb
			ok = true
		}
	}
	if action == "" && !ok {
		handler = identityHandler("gator", "1")
		ok = true
	}
	if !ok {
		if !env.Posted {
			l.sendEnvelope(errorEnvelope(env.ReqID, fmt.Sprintf("unknown action %q", action)))
		}
		return
	}

	go l.invoke(handler, env)
}

func (l *Link) invoke(handler Handler, env Envelope) {
	result, err := func() (res map[string]interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(l.peer, env.Payload)
	}()

	if env.Posted {
		return
	}
	if err != nil {
		l.sendEnvelope(errorEnvelope(env.ReqID, err.Error()))
		return
	}
	l.sendEnvelope(successEnvelope(env.ReqID, result))
}

func (l *Link) deliver(env Envelope) {
	l.pendingMu.Lock()
	ch, ok := l.pending[env.RspID]
	if ok {
		delete(l.pending, env.RspID)
	}
	l.pendingMu.Unlock()

	if !ok {
		if fb := l.router.fallbackHandler(); fb != nil {
			go fb(l.peer, env.Payload)
			return
		}
		l.log.Debug("rpclink: response for unknown req_id", zap.Uint64("rsp_id", env.RspID))
		return
	}
	ch <- env
}

func (l *Link) sendEnvelope(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		l.log.Warn("rpclink: failed to marshal outgoing frame", zap.Error(err))
		return
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	select {
	case <-l.closed:
		return
	default:
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.log.Debug("rpclink: write failed", zap.Error(err))
	}
}

// Call sends a request and blocks until the peer answers or ctx ends.
// Concurrent callers are not serialised against each other: only the
// frame write itself is mutex-protected, so responses can interleave
// without head-of-line blocking, per §4.1.
func (l *Link) Call(ctx context.Context, action string, payload map[string]interface{}) (map[string]interface{}, error) {
	select {
	case <-l.closed:
		return nil, ErrLinkClosed
	default:
	}

	reqID := atomic.AddUint64(&l.nextReqID, 1)
	ch := make(chan Envelope, 1)

	l.pendingMu.Lock()
	l.pending[reqID] = ch
	l.pendingMu.Unlock()

	l.sendEnvelope(Envelope{Action: action, Payload: payload, ReqID: reqID})

	select {
	case env := <-ch:
		if env.Result == resultError {
			return nil, fmt.Errorf("rpclink: %s", env.Reason)
		}
		return env.Payload, nil
	case <-ctx.Done():
		l.pendingMu.Lock()
		delete(l.pending, reqID)
		l.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrLinkClosed
	}
}

// Post sends a fire-and-forget message; no response is produced or
// expected. A post on a closed link is silently dropped, matching
// §4.1's failure mode for posted sends.
func (l *Link) Post(action string, payload map[string]interface{}) error {
	select {
	case <-l.closed:
		l.log.Debug("rpclink: dropping posted message on closed link", zap.String("action", action))
		return nil
	default:
	}
	l.sendEnvelope(Envelope{Action: action, Payload: payload, Posted: true})
	return nil
}

// Ping measures round-trip latency by sending a ping request carrying
// the caller's timestamp and awaiting the echoed value, per §4.1's
// latency-probe requirement.
func (l *Link) Ping(ctx context.Context) (time.Duration, error) {
	sent := time.Now()
	resp, err := l.Call(ctx, "ping", map[string]interface{}{"ts": sent.UnixNano()})
	if err != nil {
		return 0, err
	}
	echoed, _ := resp["ts"].(float64)
	_ = echoed
	return time.Since(sent), nil
}

// RegisterPingHandler installs the required `ping` responder that echoes
// the caller-supplied timestamp back unchanged.
func RegisterPingHandler(r *Router) {
	r.Handle("ping", func(_ *Peer, payload map[string]interface{}) (map[string]interface{}, error) {
		return payload, nil
	})
}

// Close terminates the link, closing the underlying connection and
// resolving every outstanding pending-completion entry with
// ErrLinkClosed, per §4.1's peer-disconnect failure mode.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()

		// Waiting Calls observe l.closed and return ErrLinkClosed.
		l.pendingMu.Lock()
		for id := range l.pending {
			delete(l.pending, id)
		}
		l.pendingMu.Unlock()
	})
	return err
}

// Done returns a channel closed once the link has been closed.
func (l *Link) Done() <-chan struct{} { return l.closed }
