package solana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeNode runs handle for every websocket connection; n counts connections from 1.
func fakeNode(t *testing.T, handle func(n int, c *websocket.Conn)) string {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handle(int(conns.Add(1)), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readSubscribe(t *testing.T, c *websocket.Conn) (wsRequest, bool) {
	var req wsRequest
	_, msg, err := c.ReadMessage()
	if err != nil {
		return req, false
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		t.Errorf("unmarshal request: %v", err)
		return req, false
	}
	return req, true
}

func confirm(c *websocket.Conn, reqID uint64, subID int64) error {
	return c.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": reqID, "result": subID})
}

func notify(c *websocket.Conn, subID, slot int64, txErr any) error {
	return c.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "signatureNotification",
		"params": map[string]any{
			"subscription": subID,
			"result": map[string]any{
				"context": map[string]any{"slot": slot},
				"value":   map[string]any{"err": txErr},
			},
		},
	})
}

func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func fastConfig() *WSClientConfig {
	cfg := DefaultWSConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	cfg.SubscribeTimeout = 2 * time.Second
	return &cfg
}

func receive(t *testing.T, ch <-chan SignatureNotification) SignatureNotification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed without notification")
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for notification")
	}
	return SignatureNotification{}
}

func TestWSClient_SubscribeSignature(t *testing.T) {
	url := fakeNode(t, func(_ int, c *websocket.Conn) {
		req, ok := readSubscribe(t, c)
		if !ok {
			return
		}
		assert.Equal(t, "signatureSubscribe", req.Method)
		assert.Equal(t, "testsig", req.Params[0])
		if confirm(c, req.ID, 12345) != nil || notify(c, 12345, 100, nil) != nil {
			return
		}
		drain(c)
	})

	client, err := NewWSClient(context.Background(), url, fastConfig())
	require.NoError(t, err)
	defer client.Close()

	ch, err := client.SubscribeSignature(context.Background(), "testsig")
	require.NoError(t, err)

	n := receive(t, ch)
	assert.Equal(t, "testsig", n.Signature)
	assert.Nil(t, n.Err)
	assert.Equal(t, int64(100), n.Slot)

	_, open := <-ch
	assert.False(t, open, "signature subscriptions are one-shot")
}

func TestWSClient_FailedTransaction(t *testing.T) {
	url := fakeNode(t, func(_ int, c *websocket.Conn) {
		req, ok := readSubscribe(t, c)
		if !ok {
			return
		}
		_ = confirm(c, req.ID, 1)
		_ = notify(c, 1, 7, map[string]any{"InstructionError": []any{0, "Custom"}})
		drain(c)
	})

	client, err := NewWSClient(context.Background(), url, fastConfig())
	require.NoError(t, err)
	defer client.Close()

	ch, err := client.SubscribeSignature(context.Background(), "failing")
	require.NoError(t, err)
	assert.NotNil(t, receive(t, ch).Err)
}

func TestWSClient_ResubscribesAfterReconnect(t *testing.T) {
	url := fakeNode(t, func(n int, c *websocket.Conn) {
		req, ok := readSubscribe(t, c)
		if !ok {
			return
		}
		if n == 1 {
			// confirm, then drop the connection before the transaction lands
			_ = confirm(c, req.ID, 1)
			return
		}
		assert.Equal(t, "sig", req.Params[0], "resubscription carries the same signature")
		if confirm(c, req.ID, 2) != nil || notify(c, 2, 200, nil) != nil {
			return
		}
		drain(c)
	})

	client, err := NewWSClient(context.Background(), url, fastConfig())
	require.NoError(t, err)
	defer client.Close()

	ch, err := client.SubscribeSignature(context.Background(), "sig")
	require.NoError(t, err)

	n := receive(t, ch)
	assert.Equal(t, "sig", n.Signature)
	assert.Equal(t, int64(200), n.Slot)
}

func TestWSClient_SubscribeErrors(t *testing.T) {
	t.Run("error response", func(t *testing.T) {
		url := fakeNode(t, func(_ int, c *websocket.Conn) {
			for {
				req, ok := readSubscribe(t, c)
				if !ok {
					return
				}
				_ = c.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"error":   map[string]any{"code": -32602, "message": "Invalid params"},
				})
			}
		})
		client, err := NewWSClient(context.Background(), url, fastConfig())
		require.NoError(t, err)
		defer client.Close()

		_, err = client.SubscribeSignature(context.Background(), "bad")
		var rpcErr *RPCError
		require.True(t, errors.As(err, &rpcErr), "got %v", err)
		assert.Equal(t, -32602, rpcErr.Code)

		// a rejected signature can be retried
		_, err = client.SubscribeSignature(context.Background(), "bad")
		require.True(t, errors.As(err, &rpcErr), "got %v", err)
	})

	t.Run("timeout", func(t *testing.T) {
		url := fakeNode(t, func(_ int, c *websocket.Conn) { drain(c) })
		cfg := fastConfig()
		cfg.SubscribeTimeout = 50 * time.Millisecond
		client, err := NewWSClient(context.Background(), url, cfg)
		require.NoError(t, err)
		defer client.Close()

		_, err = client.SubscribeSignature(context.Background(), "slow")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("duplicate", func(t *testing.T) {
		url := fakeNode(t, func(_ int, c *websocket.Conn) {
			req, ok := readSubscribe(t, c)
			if !ok {
				return
			}
			_ = confirm(c, req.ID, 9)
			drain(c)
		})
		client, err := NewWSClient(context.Background(), url, fastConfig())
		require.NoError(t, err)
		defer client.Close()

		_, err = client.SubscribeSignature(context.Background(), "dup")
		require.NoError(t, err)
		_, err = client.SubscribeSignature(context.Background(), "dup")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already subscribed")
	})

	t.Run("dial failure", func(t *testing.T) {
		_, err := NewWSClient(context.Background(), "ws://127.0.0.1:1", fastConfig())
		require.Error(t, err)
	})
}

func TestWSClient_Close(t *testing.T) {
	url := fakeNode(t, func(_ int, c *websocket.Conn) {
		req, ok := readSubscribe(t, c)
		if !ok {
			return
		}
		_ = confirm(c, req.ID, 3)
		drain(c)
	})

	client, err := NewWSClient(context.Background(), url, fastConfig())
	require.NoError(t, err)

	ch, err := client.SubscribeSignature(context.Background(), "open")
	require.NoError(t, err)

	require.NoError(t, client.Close())
	_, ok := <-ch
	assert.False(t, ok, "open subscriptions are closed")
	assert.True(t, client.closed.Load())

	require.NoError(t, client.Close(), "double close is a no-op")

	_, err = client.SubscribeSignature(context.Background(), "late")
	require.ErrorIs(t, err, errClientClosed)
}

func TestDefaultWSConfig(t *testing.T) {
	cfg := &WSClientConfig{PingInterval: 5 * time.Second}
	url := fakeNode(t, func(_ int, c *websocket.Conn) { drain(c) })

	client, err := NewWSClient(context.Background(), url, cfg)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, 5*time.Second, client.config.PingInterval)
	assert.Equal(t, 30*time.Second, client.config.SubscribeTimeout, "zero durations fall back to defaults")
	assert.Equal(t, time.Second, client.config.ReconnectDelay)
}
