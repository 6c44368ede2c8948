package rpclink

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialPair wires a Server and one Client Link together in-process, per
// the test-harness Design Note in §9 ("wiring a loopback RPC link").
func dialPair(t *testing.T, serverRouter, clientRouter *Router) (server *Link, client *Link) {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", serverRouter, nil)
	require.NoError(t, err)

	var accepted *Link
	done := make(chan struct{})
	srv.OnConnect(func(l *Link) {
		accepted = l
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	c, err := Dial(ctx, srv.Addr(), clientRouter, nil)
	require.NoError(t, err)
	go c.Serve(ctx)

	<-done
	t.Cleanup(func() { srv.Close() })
	return accepted, c
}

func TestCallRequestResponse(t *testing.T) {
	serverRouter := NewRouter()
	serverRouter.Handle("echo", func(_ *Peer, payload map[string]interface{}) (map[string]interface{}, error) {
		return payload, nil
	})
	server, client := dialPair(t, serverRouter, NewRouter())
	_ = server

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Call(ctx, "echo", map[string]interface{}{"x": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, float64(1), resp["x"])
}

func TestCallUnknownActionReturnsError(t *testing.T) {
	_, client := dialPair(t, NewRouter(), NewRouter())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Call(ctx, "nonexistent", nil)
	assert.Error(t, err)
}

func TestPostedMessageGetsNoResponse(t *testing.T) {
	var received chan struct{} = make(chan struct{}, 1)
	serverRouter := NewRouter()
	serverRouter.Handle("notify", func(_ *Peer, _ map[string]interface{}) (map[string]interface{}, error) {
		received <- struct{}{}
		return nil, fmt.Errorf("should never be observed by caller")
	})
	_, client := dialPair(t, serverRouter, NewRouter())

	err := client.Post("notify", map[string]interface{}{"a": "b"})
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestPingEchoesTimestamp(t *testing.T) {
	serverRouter := NewRouter()
	RegisterPingHandler(serverRouter)
	_, client := dialPair(t, serverRouter, NewRouter())

	rtt, err := client.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))

	resp, err := client.Call(context.Background(), "ping", map[string]interface{}{"ts": float64(42)})
	require.NoError(t, err)
	assert.Equal(t, float64(42), resp["ts"])
}

func TestConcurrentCallsDoNotBlockEachOther(t *testing.T) {
	serverRouter := NewRouter()
	serverRouter.Handle("slow", func(_ *Peer, payload map[string]interface{}) (map[string]interface{}, error) {
		delay, _ := payload["delay_ms"].(float64)
		time.Sleep(time.Duration(delay) * time.Millisecond)
		return payload, nil
	})
	_, client := dialPair(t, serverRouter, NewRouter())

	var wg sync.WaitGroup
	results := make([]float64, 3)
	delays := []float64{150, 10, 80}
	for i, d := range delays {
		wg.Add(1)
		go func(i int, d float64) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			resp, err := client.Call(ctx, "slow", map[string]interface{}{"delay_ms": d})
			require.NoError(t, err)
			results[i] = resp["delay_ms"].(float64)
		}(i, d)
	}
	wg.Wait()
	assert.Equal(t, delays, results)
}

func TestLinkCloseResolvesPendingRequests(t *testing.T) {
	serverRouter := NewRouter()
	block := make(chan struct{})
	serverRouter.Handle("block", func(_ *Peer, _ map[string]interface{}) (map[string]interface{}, error) {
		<-block
		return map[string]interface{}{}, nil
	})
	_, client := dialPair(t, serverRouter, NewRouter())

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "block", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())
	close(block)

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never resolved after close")
	}
}

func TestMalformedFrameDoesNotCloseLink(t *testing.T) {
	serverRouter := NewRouter()
	serverRouter.Handle("echo", func(_ *Peer, payload map[string]interface{}) (map[string]interface{}, error) {
		return payload, nil
	})
	server, client := dialPair(t, serverRouter, NewRouter())

	// Write a malformed frame directly on the underlying connection.
	require.NoError(t, server.conn.WriteMessage(1, []byte("{not json")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Call(ctx, "echo", map[string]interface{}{"still": "alive"})
	require.NoError(t, err)
	assert.Equal(t, "alive", resp["still"])
}
