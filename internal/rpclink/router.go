package rpclink

import (
	"strings"
	"sync"
)

// Handler answers one action. peer identifies the caller so a handler can
// address the originator of a request without threading the Link through
// application code. Payload and the return value are the envelope's
// nested parameter/result mappings.
type Handler func(peer *Peer, payload map[string]interface{}) (map[string]interface{}, error)

// Router dispatches inbound actions to registered Handlers. The same
// Router type serves both directions of a link, matching the source's
// "server and client use the same router" rule in §4.1.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: map[string]Handler{}}
}

// Handle registers handler for action, case-insensitively.
func (r *Router) Handle(action string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(action)] = handler
}

// Fallback sets the handler invoked for an unregistered action, or for a
// response whose rsp_id matches no pending request.
func (r *Router) Fallback(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

func (r *Router) lookup(action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(action)]
	return h, ok
}

func (r *Router) fallbackHandler() Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// identityHandler answers an empty/actionless message with {tool,
// version}, per §4.1's default routing rule.
func identityHandler(tool, version string) Handler {
	return func(*Peer, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"tool": tool, "version": version}, nil
	}
}
