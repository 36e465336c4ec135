package cancel

import (
	"context"
	"sync"
	"time"
)

// MemoryChannel is an in-process cancellation channel.
// It is only visible to executors running in the same process.
type MemoryChannel struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewMemoryChannel creates a channel and starts a janitor that purges expired
// tokens every sweep interval. A zero interval disables the janitor.
func NewMemoryChannel(sweep time.Duration) *MemoryChannel {
	c := &MemoryChannel{
		tokens: make(map[string]time.Time),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	if sweep > 0 {
		go c.janitor(sweep)
	}
	return c
}

// RequestCancel stores a token under key that expires after ttl.
// A repeated request replaces the previous token and extends its lifetime.
func (c *MemoryChannel) RequestCancel(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	c.tokens[key] = c.now().Add(ttl)
	c.mu.Unlock()
	return nil
}

// PollAndConsume reports whether an unexpired token exists for key and
// consumes it. Concurrent pollers observe true at most once per token.
func (c *MemoryChannel) PollAndConsume(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	expiresAt, ok := c.tokens[key]
	if ok {
		delete(c.tokens, key)
	}
	c.mu.Unlock()

	return ok && c.now().Before(expiresAt), nil
}

// Len returns the number of stored tokens, expired or not.
func (c *MemoryChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

// Close stops the janitor.
func (c *MemoryChannel) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryChannel) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *MemoryChannel) purge() {
	now := c.now()
	c.mu.Lock()
	for key, expiresAt := range c.tokens {
		if !now.Before(expiresAt) {
			delete(c.tokens, key)
		}
	}
	c.mu.Unlock()
}
