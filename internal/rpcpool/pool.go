// Package rpcpool multiplexes Solana RPC calls over several endpoints with
// health tracking and failover.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"solana-gas-relay/internal/domain"
	"solana-gas-relay/internal/observability"
	"solana-gas-relay/internal/solana"
)

// ErrNoHealthyEndpoint is returned when every endpoint is cooling down.
var ErrNoHealthyEndpoint = errors.New("no healthy rpc endpoint")

// Config configures the pool.
type Config struct {
	CallTimeout      time.Duration // bound on a single attempt
	MaxAttempts      int           // attempts per logical call, across endpoints
	FailureThreshold int           // consecutive failures before an endpoint is skipped
	Cooldown         time.Duration // minimum time an unhealthy endpoint is skipped
	RecheckInterval  time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      10 * time.Second,
		MaxAttempts:      3,
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		RecheckInterval:  15 * time.Second,
	}
}

// Endpoint pairs an endpoint URL with its client.
type Endpoint struct {
	URL    string
	Client solana.RPCClient
}

// endpoint holds per-endpoint health. Its mutex is never held across a remote call.
type endpoint struct {
	url    string
	client solana.RPCClient

	mu             sync.Mutex
	failures       int
	healthy        bool
	unhealthyUntil time.Time
	latency        time.Duration
}

// Pool implements solana.RPCClient over several endpoints.
type Pool struct {
	endpoints []*endpoint
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a pool over the given endpoints.
func New(endpoints []Endpoint, cfg Config, log zerolog.Logger) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpcpool: at least one endpoint required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}

	p := &Pool{cfg: cfg, log: log, now: time.Now}
	for _, e := range endpoints {
		p.endpoints = append(p.endpoints, &endpoint{url: e.URL, client: e.Client, healthy: true})
		observability.SetEndpointHealth(e.URL, true)
	}
	return p, nil
}

// Dial creates a pool of HTTP clients. Client-side retries are disabled so that
// every retry is a failover decision made by the pool.
func Dial(urls []string, cfg Config, log zerolog.Logger) (*Pool, error) {
	endpoints := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		endpoints = append(endpoints, Endpoint{
			URL:    u,
			Client: solana.NewHTTPClient(u, solana.WithMaxRetries(0), solana.WithTimeout(cfg.CallTimeout)),
		})
	}
	return New(endpoints, cfg, log)
}

// candidates returns healthy endpoints ordered by failures, then latency.
func (p *Pool) candidates() []*endpoint {
	type ranked struct {
		e        *endpoint
		failures int
		latency  time.Duration
	}

	var list []ranked
	for _, e := range p.endpoints {
		e.mu.Lock()
		if e.healthy {
			list = append(list, ranked{e: e, failures: e.failures, latency: e.latency})
		}
		e.mu.Unlock()
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].failures != list[j].failures {
			return list[i].failures < list[j].failures
		}
		return list[i].latency < list[j].latency
	})

	out := make([]*endpoint, len(list))
	for i, r := range list {
		out[i] = r.e
	}
	return out
}

func (p *Pool) recordSuccess(e *endpoint, latency time.Duration) {
	e.mu.Lock()
	e.failures = 0
	e.latency = latency
	e.mu.Unlock()
}

func (p *Pool) recordFailure(e *endpoint, err error) {
	e.mu.Lock()
	e.failures++
	tripped := e.healthy && e.failures >= p.cfg.FailureThreshold
	if tripped {
		e.healthy = false
		e.unhealthyUntil = p.now().Add(p.cfg.Cooldown)
	}
	failures := e.failures
	e.mu.Unlock()

	if tripped {
		observability.SetEndpointHealth(e.url, false)
		p.log.Warn().
			Str("endpoint", e.url).
			Int("failures", failures).
			Err(err).
			Msg("rpc endpoint marked unhealthy")
	}
}

// shouldFailover reports whether err is an endpoint failure worth trying elsewhere.
// JSON-RPC error objects and client-side 4xx responses describe the request,
// not the endpoint.
func shouldFailover(err error) bool {
	if solana.IsRPCError(err) {
		return false
	}
	var statusErr *solana.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return true
}

// do runs fn against the best endpoint, failing over on endpoint failures.
func do[T any](ctx context.Context, p *Pool, method string, fn func(context.Context, solana.RPCClient) (T, error)) (T, error) {
	var zero T

	cands := p.candidates()
	if len(cands) == 0 {
		return zero, domain.WrapError(domain.KindExhausted, domain.CodeRPCUnavailable, "all rpc endpoints unhealthy", ErrNoHealthyEndpoint)
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		e := pick(cands, attempt)
		if e == nil {
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		start := p.now()
		result, err := fn(callCtx, e.client)
		elapsed := p.now().Sub(start)
		cancel()

		observability.RecordRPCLatency(method, e.url, elapsed.Seconds())

		if err == nil {
			p.recordSuccess(e, elapsed)
			return result, nil
		}

		// The caller gave up; the endpoint is not to blame.
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		if !shouldFailover(err) {
			p.recordSuccess(e, elapsed)
			return zero, err
		}

		lastErr = err
		p.recordFailure(e, err)
		observability.RecordRPCFailover(method)
		p.log.Debug().
			Str("method", method).
			Str("endpoint", e.url).
			Int("attempt", attempt+1).
			Err(err).
			Msg("rpc attempt failed")
	}

	return zero, domain.WrapError(domain.KindExhausted, domain.CodeRPCUnavailable,
		fmt.Sprintf("%s failed on every endpoint tried", method), lastErr)
}

// pick returns the next candidate, starting at attempt, that is still healthy.
func pick(cands []*endpoint, attempt int) *endpoint {
	for i := 0; i < len(cands); i++ {
		e := cands[(attempt+i)%len(cands)]
		e.mu.Lock()
		healthy := e.healthy
		e.mu.Unlock()
		if healthy {
			return e
		}
	}
	return nil
}

// Run rechecks unhealthy endpoints until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.RecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Recheck(ctx)
		}
	}
}

// Recheck checks every unhealthy endpoint whose cooldown elapsed and restores it on success.
func (p *Pool) Recheck(ctx context.Context) {
	for _, e := range p.endpoints {
		e.mu.Lock()
		due := !e.healthy && !p.now().Before(e.unhealthyUntil)
		e.mu.Unlock()
		if !due {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		err := e.client.GetHealth(checkCtx)
		cancel()

		e.mu.Lock()
		if err == nil {
			e.healthy = true
			e.failures = 0
		} else {
			e.unhealthyUntil = p.now().Add(p.cfg.Cooldown)
		}
		e.mu.Unlock()

		if err == nil {
			observability.SetEndpointHealth(e.url, true)
			p.log.Info().Str("endpoint", e.url).Msg("rpc endpoint restored")
		} else {
			p.log.Debug().Str("endpoint", e.url).Err(err).Msg("rpc endpoint recheck failed")
		}
	}
}

// Status returns a snapshot of every endpoint.
func (p *Pool) Status() []domain.EndpointStatus {
	out := make([]domain.EndpointStatus, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		e.mu.Lock()
		out = append(out, domain.EndpointStatus{
			URL:                 e.url,
			Healthy:             e.healthy,
			ConsecutiveFailures: e.failures,
			LatencyMs:           e.latency.Milliseconds(),
		})
		e.mu.Unlock()
	}
	return out
}
