package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	errClientClosed = errors.New("websocket client closed")
	errNotConnected = errors.New("websocket not connected")
	errConnLost     = errors.New("websocket connection lost")
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is the first backoff step after a connection drops.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff.
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	// ReadTimeout is extended by every message and pong.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription confirmation.
	SubscribeTimeout time.Duration
	Logger           zerolog.Logger
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		Logger:            zerolog.Nop(),
	}
}

// subscription is one open signatureSubscribe. id is the server-side id on the
// current connection and is zero until confirmed.
type subscription struct {
	signature string
	ch        chan SignatureNotification
	id        int64
}

type pendingSub struct {
	sub  *subscription
	done chan error // nil for resubscriptions after a reconnect
}

// WSClientImpl implements WSClient using gorilla/websocket. One goroutine owns
// the connection: it dials, resubscribes open signatures after a reconnect and
// dispatches every message.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig
	log      zerolog.Logger

	requestID atomic.Uint64
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup

	writeMu sync.Mutex // gorilla allows a single concurrent writer

	mu      sync.Mutex
	conn    *websocket.Conn
	bySig   map[string]*subscription
	bySub   map[int64]*subscription
	pending map[uint64]pendingSub
}

// NewWSClient connects to endpoint. Later connection losses are retried with
// backoff until Close.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClientImpl, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	def := DefaultWSConfig()
	for _, d := range []struct{ v, fallback *time.Duration }{
		{&cfg.ReconnectDelay, &def.ReconnectDelay},
		{&cfg.PingInterval, &def.PingInterval},
		{&cfg.ReadTimeout, &def.ReadTimeout},
		{&cfg.WriteTimeout, &def.WriteTimeout},
		{&cfg.SubscribeTimeout, &def.SubscribeTimeout},
	} {
		if *d.v <= 0 {
			*d.v = *d.fallback
		}
	}
	cfg.MaxReconnectDelay = max(cfg.MaxReconnectDelay, cfg.ReconnectDelay)

	c := &WSClientImpl{
		endpoint: endpoint,
		config:   cfg,
		log:      cfg.Logger,
		done:     make(chan struct{}),
		bySig:    make(map[string]*subscription),
		bySub:    make(map[int64]*subscription),
		pending:  make(map[uint64]pendingSub),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.attach(conn)

	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

func (c *WSClientImpl) dial(ctx context.Context) (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := d.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// attach installs conn and returns the subscriptions to renew on it. It
// reports false, closing conn, when the client was closed meanwhile.
func (c *WSClientImpl) attach(conn *websocket.Conn) ([]*subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		conn.Close()
		return nil, false
	}
	c.conn = conn
	subs := make([]*subscription, 0, len(c.bySig))
	for _, s := range c.bySig {
		subs = append(subs, s)
	}
	return subs, true
}

// detach drops the connection. Server subscription ids die with it and
// waiters get errConnLost; open signatures stay in bySig for renewal.
func (c *WSClientImpl) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	for _, s := range c.bySub {
		s.id = 0
	}
	clear(c.bySub)
	for id, p := range c.pending {
		if p.done != nil {
			p.done <- errConnLost
		}
		delete(c.pending, id)
	}
}

func (c *WSClientImpl) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		c.serve(conn)
		if c.closed.Load() {
			return
		}
		c.detach()

		delay := c.config.ReconnectDelay
		for {
			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			next, err := c.dial(ctx)
			cancel()
			if err == nil {
				conn = next
				break
			}
			c.log.Warn().Err(err).Str("endpoint", c.endpoint).Dur("retry_in", delay).Msg("websocket reconnect failed")
			delay = min(delay*2, c.config.MaxReconnectDelay)
		}

		subs, ok := c.attach(conn)
		if !ok {
			return
		}
		c.log.Info().Str("endpoint", c.endpoint).Int("resubscribing", len(subs)).Msg("websocket reconnected")
		for _, s := range subs {
			if err := c.subscribe(s, nil); err != nil {
				c.log.Warn().Err(err).Str("signature", s.signature).Msg("resubscribe failed")
			}
		}
	}
}

// serve reads from conn until it fails or the client is closed.
func (c *WSClientImpl) serve(conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	c.wg.Add(1)
	go c.pingLoop(conn, stop)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})
	for {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.log.Warn().Err(err).Str("endpoint", c.endpoint).Msg("websocket read failed")
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *WSClientImpl) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			// a dead peer surfaces as a read error in serve
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
		}
	}
}

// SubscribeSignature subscribes to a signature's confirmation.
func (c *WSClientImpl) SubscribeSignature(ctx context.Context, signature string) (<-chan SignatureNotification, error) {
	if c.closed.Load() {
		return nil, errClientClosed
	}

	// one notification per subscription; the buffer keeps dispatch non-blocking
	sub := &subscription{signature: signature, ch: make(chan SignatureNotification, 1)}
	c.mu.Lock()
	if _, dup := c.bySig[signature]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("signature %s already subscribed", signature)
	}
	c.bySig[signature] = sub
	c.mu.Unlock()

	done := make(chan error, 1)
	err := c.subscribe(sub, done)
	if err == nil {
		select {
		case err = <-done:
		case <-time.After(c.config.SubscribeTimeout):
			err = fmt.Errorf("subscription timeout after %s", c.config.SubscribeTimeout)
		case <-ctx.Done():
			err = ctx.Err()
		case <-c.done:
			err = errClientClosed
		}
	}
	if err != nil {
		c.forget(sub)
		return nil, err
	}
	return sub.ch, nil
}

// subscribe sends signatureSubscribe for sub. The confirmation is matched in
// handleResponse, which reports to done when it is non-nil.
func (c *WSClientImpl) subscribe(sub *subscription, done chan error) error {
	reqID := c.requestID.Add(1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return errNotConnected
	}
	c.pending[reqID] = pendingSub{sub: sub, done: done}
	c.mu.Unlock()

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "signatureSubscribe",
		Params:  []any{sub.signature, map[string]string{"commitment": "confirmed"}},
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// forget removes a subscription that was never handed to the caller.
func (c *WSClientImpl) forget(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bySig[sub.signature] == sub {
		delete(c.bySig, sub.signature)
	}
	if sub.id != 0 && c.bySub[sub.id] == sub {
		delete(c.bySub, sub.id)
	}
	for id, p := range c.pending {
		if p.sub == sub {
			delete(c.pending, id)
		}
	}
}

func (c *WSClientImpl) handleMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug().Err(err).Msg("unparseable websocket message")
		return
	}
	switch {
	case msg.Method == "signatureNotification" && msg.Params != nil:
		c.handleSignatureNotification(msg.Params)
	case msg.ID != 0:
		c.handleResponse(&msg)
	}
}

// handleResponse registers a confirmed subscription id. Responses precede any
// notification for that id on the connection, so registration here cannot
// miss one.
func (c *WSClientImpl) handleResponse(msg *wsMessage) {
	c.mu.Lock()
	p, ok := c.pending[msg.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, msg.ID)

	var (
		subID int64
		err   error
	)
	switch {
	case msg.Error != nil:
		err = msg.Error
	case json.Unmarshal(msg.Result, &subID) != nil:
		err = fmt.Errorf("unexpected subscribe result %s", msg.Result)
	default:
		p.sub.id = subID
		c.bySub[subID] = p.sub
	}
	c.mu.Unlock()

	if p.done != nil {
		p.done <- err
	} else if err != nil {
		c.log.Warn().Err(err).Str("signature", p.sub.signature).Msg("resubscribe rejected")
	}
}

// handleSignatureNotification delivers the notification and retires the
// subscription. The node drops signature subscriptions after one notification.
func (c *WSClientImpl) handleSignatureNotification(params *wsNotificationParams) {
	c.mu.Lock()
	sub, ok := c.bySub[params.Subscription]
	if ok {
		delete(c.bySub, params.Subscription)
		delete(c.bySig, sub.signature)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	n := SignatureNotification{Signature: sub.signature, Err: params.Result.Value.Err}
	if params.Result.Context != nil {
		n.Slot = params.Result.Context.Slot
	}
	sub.ch <- n
	close(sub.ch)
}

// Close closes the connection and every open subscription channel.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	for id, p := range c.pending {
		if p.done != nil {
			p.done <- errClientClosed
		}
		delete(c.pending, id)
	}
	for sig, s := range c.bySig {
		close(s.ch)
		delete(c.bySig, sig)
	}
	clear(c.bySub)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// wsMessage is any server frame: a response carries ID, a notification Method.
type wsMessage struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      uint64                `json:"id,omitempty"`
	Result  json.RawMessage       `json:"result,omitempty"`
	Error   *RPCError             `json:"error,omitempty"`
	Method  string                `json:"method,omitempty"`
	Params  *wsNotificationParams `json:"params,omitempty"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext       `json:"context,omitempty"`
	Value   wsSignatureValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsSignatureValue struct {
	Err any `json:"err"`
}

var _ WSClient = (*WSClientImpl)(nil)
