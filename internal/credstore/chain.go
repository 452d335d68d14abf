package credstore

import (
	"context"
	"sync"
)

// chain runs queued writes one at a time in submission order.
type chain struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	idle    chan struct{} // closed when the queue drains
}

func (c *chain) push(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	if !c.running {
		c.running = true
		c.idle = make(chan struct{})
		go c.drain()
	}
	c.mu.Unlock()
}

func (c *chain) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running = false
			close(c.idle)
			c.mu.Unlock()
			return
		}
		fn := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()
		fn()
	}
}

// wait blocks until every queued write has run.
func (c *chain) wait(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drop discards writes that have not started yet.
func (c *chain) drop() int {
	c.mu.Lock()
	n := len(c.queue)
	c.queue = nil
	c.mu.Unlock()
	return n
}

func (c *chain) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
