package rpclink

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dial connects to a Server's "/rpc" endpoint at addr ("host:port") and
// returns a ready-to-serve Link. The caller must invoke Serve in its own
// goroutine.
func Dial(ctx context.Context, addr string, router *Router, log *zap.Logger) (*Link, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/rpc"}
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("rpclink: dial %s: %w", addr, err)
	}
	return New(conn, router, log), nil
}
