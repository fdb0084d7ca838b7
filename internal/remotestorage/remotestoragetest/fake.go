// Package remotestoragetest provides an in-memory remotestorage.Client for
// exercising the orchestrator and the middleware without a live Redis
// instance — the same role testify's mock package plays for the pack's
// HTTP-handler tests, but hand-rolled since the fake only needs to honor a
// handful of ordering/echo invariants.
package remotestoragetest

import (
	"context"
	"sort"
	"sync"

	"github.com/hpkv-io/zustand-multiplayer-sub001/internal/remotestorage"
)

// Fake is one shared in-memory key space; it does not separate
// namespaces, so keys of every namespace live side by side. Multiple Clients
// backed by the same Fake simulate multiple peers observing one remote
// store — useful for exercising hydration convergence, echo suppression,
// and namespace isolation without a live Redis instance.
type Fake struct {
	mu   sync.Mutex
	data map[string][]byte
	subs map[*Client]func(remotestorage.Notification)
}

func NewFake() *Fake {
	return &Fake{
		data: make(map[string][]byte),
		subs: make(map[*Client]func(remotestorage.Notification)),
	}
}

// Snapshot returns a copy of every key currently stored, for test
// assertions.
func (f *Fake) Snapshot() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.data))
	for k, v := range f.data {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Client is one peer's handle onto a shared Fake.
type Client struct {
	fake  *Fake
	state remotestorage.ConnectionState

	mu        sync.Mutex
	listeners []func(remotestorage.ConnectionState)
	handler   func(remotestorage.Notification)
	closed    bool
}

var _ remotestorage.Client = (*Client)(nil)

// NewClient returns a peer handle onto fake.
func (f *Fake) NewClient() *Client {
	return &Client{fake: f, state: remotestorage.Disconnected}
}

func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	handler, closed := c.handler, c.closed
	c.mu.Unlock()
	if handler != nil && !closed {
		// Resume the subscription a previous Disconnect suspended.
		c.fake.mu.Lock()
		c.fake.subs[c] = handler
		c.fake.mu.Unlock()
	}
	c.setState(remotestorage.Connected)
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.fake.mu.Lock()
	delete(c.fake.subs, c)
	c.fake.mu.Unlock()
	c.setState(remotestorage.Disconnected)
	return nil
}

func (c *Client) Close() error {
	_ = c.Disconnect(context.Background())
	c.mu.Lock()
	c.closed = true
	c.listeners = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) Set(ctx context.Context, key string, wrappedJSON []byte, replace bool) error {
	c.fake.mu.Lock()
	if !replace {
		if _, exists := c.fake.data[key]; exists {
			c.fake.mu.Unlock()
			return remotestorage.ErrProtocol
		}
	}
	c.fake.data[key] = append([]byte(nil), wrappedJSON...)
	subs := c.snapshotSubsLocked()
	c.fake.mu.Unlock()

	c.notify(subs, remotestorage.Notification{Key: key, Value: wrappedJSON})
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	c.fake.mu.Lock()
	delete(c.fake.data, key)
	subs := c.snapshotSubsLocked()
	c.fake.mu.Unlock()

	c.notify(subs, remotestorage.Notification{Key: key, Value: nil})
	return nil
}

// snapshotSubsLocked must be called with c.fake.mu held.
func (c *Client) snapshotSubsLocked() map[*Client]func(remotestorage.Notification) {
	out := make(map[*Client]func(remotestorage.Notification), len(c.fake.subs))
	for k, v := range c.fake.subs {
		out[k] = v
	}
	return out
}

func (c *Client) notify(subs map[*Client]func(remotestorage.Notification), n remotestorage.Notification) {
	for _, handler := range subs {
		handler(n)
	}
}

func (c *Client) Range(ctx context.Context, startKey, endKey string, pageSize int) (remotestorage.RangeResult, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	var keys []string
	for k := range c.fake.data {
		if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if pageSize <= 0 {
		pageSize = len(keys)
	}
	truncated := len(keys) > pageSize
	if truncated {
		keys = keys[:pageSize]
	}

	items := make([]remotestorage.KV, 0, len(keys))
	for _, k := range keys {
		items = append(items, remotestorage.KV{Key: k, Value: c.fake.data[k]})
	}

	result := remotestorage.RangeResult{Items: items, Truncated: truncated}
	if truncated {
		result.LastKey = keys[len(keys)-1]
	}
	return result, nil
}

func (c *Client) Subscribe(ctx context.Context, handler func(remotestorage.Notification)) (string, error) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	c.fake.mu.Lock()
	c.fake.subs[c] = handler
	c.fake.mu.Unlock()
	return "fake-sub", nil
}

func (c *Client) Unsubscribe(subscriptionID string) error {
	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()

	c.fake.mu.Lock()
	delete(c.fake.subs, c)
	c.fake.mu.Unlock()
	return nil
}

func (c *Client) ConnectionStats() remotestorage.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return remotestorage.Stats{ConnectionState: c.state}
}

func (c *Client) OnStateChange(fn func(remotestorage.ConnectionState)) func() {
	c.mu.Lock()
	idx := len(c.listeners)
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if idx < len(c.listeners) {
			c.listeners[idx] = nil
		}
		c.mu.Unlock()
	}
}

func (c *Client) setState(s remotestorage.ConnectionState) {
	c.mu.Lock()
	c.state = s
	listeners := append([]func(remotestorage.ConnectionState){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn(s)
		}
	}
}
