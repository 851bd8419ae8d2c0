package collection

import "sync"

// RefCounter is a thread-safe non-negative counter. It gates change
// notification suppression: a non-zero count means a batch is open.
type RefCounter struct {
	mu sync.Mutex
	n  int
}

// Increment adds one and returns the new count.
func (c *RefCounter) Increment() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// Decrement subtracts one and returns the new count. The count never
// drops below zero; decrementing at zero is a no-op.
func (c *RefCounter) Decrement() int {
	n, _ := c.release()
	return n
}

// Reset sets the count back to zero.
func (c *RefCounter) Reset() {
	c.mu.Lock()
	c.n = 0
	c.mu.Unlock()
}

// Count returns the current count.
func (c *RefCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// release decrements and reports whether the count was positive before.
func (c *RefCounter) release() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		return 0, false
	}
	c.n--
	return c.n, true
}
