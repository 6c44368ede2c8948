package rpclink

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server accepts inbound Links over a single websocket endpoint. Each
// layer runs exactly one Server so its children have somewhere to
// register, per §4.5's setup step.
type Server struct {
	router   *Router
	log      *zap.Logger
	listener net.Listener
	http     *http.Server

	onConnect func(*Link)
}

// NewServer builds a Server bound to addr (":0" picks a free port). Call
// Addr after Serve starts to learn the actual bound address.
func NewServer(addr string, router *Router, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpclink: listen %s: %w", addr, err)
	}
	s := &Server{router: router, log: log, listener: ln}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleUpgrade)
	s.http = &http.Server{Handler: mux}
	return s, nil
}

// OnConnect registers a callback invoked with every newly accepted Link,
// before its Serve loop starts, for callers that need the Link itself
// (e.g. to post messages proactively).
func (s *Server) OnConnect(fn func(*Link)) { s.onConnect = fn }

// Addr returns the bound "host:port" string.
func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("rpclink: upgrade failed", zap.Error(err))
		return
	}
	link := New(conn, s.router, s.log)
	if s.onConnect != nil {
		s.onConnect(link)
	}
	go func() {
		_ = link.Serve(context.Background())
	}()
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.http.Close()
	}()
	err := s.http.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the server down immediately.
func (s *Server) Close() error {
	return s.http.Close()
}
