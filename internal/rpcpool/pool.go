// Package rpcpool multiplexes a pool of chain RPC endpoints: an ordered list
// of HTTP request endpoints with rotation and retry, plus resilient push
// connections over the websocket endpoints (see pushclient.go).
package rpcpool

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"launchwatch/internal/config"
	"launchwatch/internal/errs"
	"launchwatch/internal/models"
)

// Backend is the read surface of one chain endpoint. *ethclient.Client
// satisfies it; tests substitute fakes.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	probeTimeout   = 5 * time.Second
)

// Pool owns the ordered HTTP endpoint list. Client bindings are cached per
// endpoint and must be re-fetched after every rotation; no caller may hold a
// binding across one.
type Pool struct {
	mu      sync.Mutex
	http    []string
	wss     []string
	active  int
	clients map[string]Backend

	dial func(url string) (Backend, error)

	pushEndpoint  string
	pushConnected bool
}

// New builds a pool over the configured endpoint lists. The first HTTP
// endpoint starts active.
func New(httpEndpoints, wssEndpoints []string) *Pool {
	return &Pool{
		http:    httpEndpoints,
		wss:     wssEndpoints,
		clients: make(map[string]Backend),
		dial: func(url string) (Backend, error) {
			return ethclient.Dial(url)
		},
	}
}

// NewWithDialer builds a pool with a custom dial function. Tests use it to
// substitute fake backends.
func NewWithDialer(httpEndpoints, wssEndpoints []string, dial func(url string) (Backend, error)) *Pool {
	p := New(httpEndpoints, wssEndpoints)
	p.dial = dial
	return p
}

// Current returns the active HTTP request endpoint.
func (p *Pool) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.http[p.active]
}

// Rotate advances the active endpoint, wrapping around the list.
func (p *Pool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = (p.active + 1) % len(p.http)
	log.Printf("[rpc_pool] rotated to %s", config.RedactURL(p.http[p.active]))
}

// Backend returns a client bound to the current endpoint, dialing lazily.
func (p *Pool) Backend() (Backend, error) {
	p.mu.Lock()
	endpoint := p.http[p.active]
	if c, ok := p.clients[endpoint]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dial(endpoint)
	if err != nil {
		return nil, &errs.RPCError{Endpoint: config.RedactURL(endpoint), Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[endpoint]; ok {
		c.Close()
		return existing, nil
	}
	p.clients[endpoint] = c
	return c, nil
}

// Call runs fn under the pool's retry discipline: max attempts equals the
// endpoint list length, each failure rotates to the next endpoint, and the
// backoff doubles from 500ms up to 5s. The error surfaces only after the
// whole list is exhausted.
func (p *Pool) Call(ctx context.Context, fn func(Backend) error) error {
	p.mu.Lock()
	attempts := len(p.http)
	p.mu.Unlock()

	delay := retryBaseDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		backend, err := p.Backend()
		if err == nil {
			if err = fn(backend); err == nil {
				return nil
			}
		}
		lastErr = err
		endpoint := p.Current()
		log.Printf("[rpc_pool] call failed on %s (attempt %d/%d): %v",
			config.RedactURL(endpoint), i+1, attempts, err)
		p.Rotate()

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return &errs.RPCError{Endpoint: config.RedactURL(p.Current()), Err: lastErr}
}

// SelectFastest races a block-height probe across every HTTP endpoint with a
// 5s per-endpoint timeout and activates the lowest-latency one.
func (p *Pool) SelectFastest(ctx context.Context) {
	p.mu.Lock()
	endpoints := append([]string(nil), p.http...)
	p.mu.Unlock()

	type probe struct {
		index   int
		latency time.Duration
		err     error
	}

	results := make(chan probe, len(endpoints))
	for i, endpoint := range endpoints {
		go func(i int, endpoint string) {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			c, err := p.dialEndpoint(endpoint)
			if err != nil {
				results <- probe{index: i, err: err}
				return
			}
			_, err = c.BlockNumber(pctx)
			results <- probe{index: i, latency: time.Since(start), err: err}
		}(i, endpoint)
	}

	best := -1
	var bestLatency time.Duration
	for range endpoints {
		r := <-results
		if r.err != nil {
			log.Printf("[rpc_pool] probe failed for %s: %v", config.RedactURL(endpoints[r.index]), r.err)
			continue
		}
		if best == -1 || r.latency < bestLatency {
			best = r.index
			bestLatency = r.latency
		}
	}
	if best == -1 {
		log.Printf("[rpc_pool] no endpoint answered the latency probe; keeping %s", config.RedactURL(p.Current()))
		return
	}

	p.mu.Lock()
	p.active = best
	p.mu.Unlock()
	log.Printf("[rpc_pool] selected fastest endpoint %s (%s)", config.RedactURL(endpoints[best]), bestLatency)
}

// dialEndpoint returns the cached binding for an arbitrary endpoint, dialing
// on first use.
func (p *Pool) dialEndpoint(endpoint string) (Backend, error) {
	p.mu.Lock()
	if c, ok := p.clients[endpoint]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dial(endpoint)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[endpoint]; ok {
		c.Close()
		return existing, nil
	}
	p.clients[endpoint] = c
	return c, nil
}

// ReportPush records the most recent push connection state, surfaced by
// Health.
func (p *Pool) ReportPush(endpoint string, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushEndpoint = endpoint
	p.pushConnected = connected
}

// WSSEndpoints returns the configured push endpoint list.
func (p *Pool) WSSEndpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.wss...)
}

// Health measures a single-call latency on the current endpoint and reports
// the last observed push connection flag.
func (p *Pool) Health(ctx context.Context) models.RPCHealth {
	p.mu.Lock()
	endpoint := p.http[p.active]
	pushEndpoint := p.pushEndpoint
	pushConnected := p.pushConnected
	p.mu.Unlock()

	h := models.RPCHealth{
		HTTPEndpoint:  config.RedactURL(endpoint),
		PushEndpoint:  config.RedactURL(pushEndpoint),
		PushConnected: pushConnected,
	}

	backend, err := p.Backend()
	if err != nil {
		return h
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	start := time.Now()
	if _, err := backend.BlockNumber(pctx); err != nil {
		return h
	}
	h.Healthy = true
	h.LatencyMs = time.Since(start).Milliseconds()
	return h
}

// Shutdown closes every cached client binding.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for endpoint, c := range p.clients {
		c.Close()
		delete(p.clients, endpoint)
	}
}
