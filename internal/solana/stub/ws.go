package stub

import (
	"context"
	"errors"
	"sync"

	"solana-gas-relay/internal/solana"
)

// WSClient implements solana.WSClient for testing. Notify delivers a result.
type WSClient struct {
	mu     sync.Mutex
	subs   map[string]chan solana.SignatureNotification
	closed bool
}

// NewWSClient creates a new stub websocket client.
func NewWSClient() *WSClient {
	return &WSClient{subs: make(map[string]chan solana.SignatureNotification)}
}

// SubscribeSignature registers a one-shot channel for signature.
func (c *WSClient) SubscribeSignature(_ context.Context, signature string) (<-chan solana.SignatureNotification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client closed")
	}
	ch := make(chan solana.SignatureNotification, 1)
	c.subs[signature] = ch
	return ch, nil
}

// Subscribed reports whether a subscription for signature is waiting.
func (c *WSClient) Subscribed(signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[signature]
	return ok
}

// Notify delivers a notification to the signature's subscriber, if any.
func (c *WSClient) Notify(signature string, txErr interface{}) bool {
	c.mu.Lock()
	ch, ok := c.subs[signature]
	delete(c.subs, signature)
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- solana.SignatureNotification{Signature: signature, Err: txErr}
	close(ch)
	return true
}

// Close closes all pending subscriptions.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for sig, ch := range c.subs {
		close(ch)
		delete(c.subs, sig)
	}
	return nil
}

var _ solana.WSClient = (*WSClient)(nil)
