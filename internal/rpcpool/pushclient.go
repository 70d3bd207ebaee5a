package rpcpool

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"launchwatch/internal/config"
)

// LogHandler receives one live log emission.
type LogHandler func(types.Log)

// SubscribeBackend is the push surface of one websocket endpoint.
// *ethclient.Client satisfies it.
type SubscribeBackend interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 60 * time.Second
	subscribeTimeout   = 10 * time.Second
)

// subscription is an immutable (query, handler) pair registered by a
// monitor. The reconnect logic re-binds it against each new transport; it
// never replays historical events — missed ranges are the block scanner's
// concern.
type subscription struct {
	query   ethereum.FilterQuery
	handler LogHandler
	cancel  context.CancelFunc
}

// PushClient holds one logical long-lived websocket connection. Each monitor
// owns its own instance.
type PushClient struct {
	mu        sync.Mutex
	endpoints []string
	idx       int
	dial      func(ctx context.Context, url string) (SubscribeBackend, error)
	report    func(endpoint string, connected bool)

	conn            SubscribeBackend
	subs            []*subscription
	connected       bool
	connecting      chan struct{}
	shouldReconnect bool
	delay           time.Duration
	destroyed       bool
}

// NewPushClient builds a client over the pool's websocket endpoints. The
// pool receives connection-state reports for its health snapshot.
func NewPushClient(pool *Pool) *PushClient {
	return &PushClient{
		endpoints: pool.WSSEndpoints(),
		dial: func(ctx context.Context, url string) (SubscribeBackend, error) {
			return ethclient.DialContext(ctx, url)
		},
		report:          pool.ReportPush,
		shouldReconnect: true,
		delay:           reconnectBaseDelay,
	}
}

func (c *PushClient) currentEndpoint() string {
	return c.endpoints[c.idx%len(c.endpoints)]
}

// Connect establishes the websocket connection. It is idempotent: if already
// connected it returns immediately, and concurrent callers block on the
// in-progress attempt.
func (c *PushClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errors.New("push client destroyed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		wait := c.connecting
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		ok := c.connected
		c.mu.Unlock()
		if !ok {
			return errors.New("push connect failed")
		}
		return nil
	}
	done := make(chan struct{})
	c.connecting = done
	endpoint := c.currentEndpoint()
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	conn, err := c.dial(dctx, endpoint)
	cancel()

	c.mu.Lock()
	c.connecting = nil
	if err != nil || c.destroyed {
		close(done)
		if c.destroyed {
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return errors.New("push client destroyed")
		}
		// Try the next endpoint on the following attempt.
		c.idx++
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		log.Printf("[push_client] dial %s failed: %v", config.RedactURL(endpoint), err)
		return err
	}

	c.conn = conn
	c.connected = true
	c.delay = reconnectBaseDelay
	subs := append([]*subscription(nil), c.subs...)
	c.mu.Unlock()

	if c.report != nil {
		c.report(endpoint, true)
	}
	log.Printf("[push_client] connected to %s (%d subscription(s) to restore)",
		config.RedactURL(endpoint), len(subs))

	for _, sub := range subs {
		c.attach(sub)
	}
	close(done)
	return nil
}

// AddSubscription registers a (query, handler) pair and, when connected,
// attaches it to the live transport immediately. A later reconnect
// re-attaches it automatically.
func (c *PushClient) AddSubscription(q ethereum.FilterQuery, handler LogHandler) {
	sub := &subscription{query: q, handler: handler}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	live := c.connected
	c.mu.Unlock()
	if live {
		c.attach(sub)
	}
}

// attach binds one subscription to the current transport and pumps its logs
// until the transport fails or the subscription is cancelled.
func (c *PushClient) attach(sub *subscription) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return
	}
	sctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	c.mu.Unlock()

	logs := make(chan types.Log, 256)
	ectx, ecancel := context.WithTimeout(sctx, subscribeTimeout)
	ethSub, err := conn.SubscribeFilterLogs(ectx, sub.query, logs)
	ecancel()
	if err != nil {
		log.Printf("[push_client] subscribe failed: %v", err)
		c.onTransportError()
		return
	}

	go func() {
		for {
			select {
			case <-sctx.Done():
				ethSub.Unsubscribe()
				return
			case lg := <-logs:
				sub.handler(lg)
			case err := <-ethSub.Err():
				if sctx.Err() != nil {
					return
				}
				if err != nil {
					log.Printf("[push_client] subscription error: %v", err)
				}
				c.onTransportError()
				return
			}
		}
	}()
}

// onTransportError tears the connection down and, while reconnect is
// enabled, schedules a redial with exponential backoff.
func (c *PushClient) onTransportError() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	endpoint := c.currentEndpoint()
	conn := c.conn
	c.conn = nil
	for _, sub := range c.subs {
		if sub.cancel != nil {
			sub.cancel()
			sub.cancel = nil
		}
	}
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if c.report != nil {
		c.report(endpoint, false)
	}
}

// scheduleReconnectLocked arms the redial timer and doubles the delay, capped
// at 60s. The delay resets to 1s on the next successful connect.
func (c *PushClient) scheduleReconnectLocked() {
	if !c.shouldReconnect || c.destroyed {
		return
	}
	d := c.delay
	c.delay *= 2
	if c.delay > reconnectMaxDelay {
		c.delay = reconnectMaxDelay
	}
	log.Printf("[push_client] reconnecting in %s", d)
	time.AfterFunc(d, func() {
		c.mu.Lock()
		skip := c.destroyed || c.connected || c.connecting != nil
		c.mu.Unlock()
		if skip {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			log.Printf("[push_client] reconnect attempt failed: %v", err)
		}
	})
}

// Connected reports whether a live transport is up.
func (c *PushClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Destroy disables reconnect, detaches all handlers and closes the
// transport. The client cannot be reused afterwards.
func (c *PushClient) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.shouldReconnect = false
	endpoint := c.currentEndpoint()
	wasConnected := c.connected
	c.connected = false
	conn := c.conn
	c.conn = nil
	for _, sub := range c.subs {
		if sub.cancel != nil {
			sub.cancel()
			sub.cancel = nil
		}
	}
	c.subs = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected && c.report != nil {
		c.report(endpoint, false)
	}
}
