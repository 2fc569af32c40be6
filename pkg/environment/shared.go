package environment

import "sync"

// SharedServices is a reference-counted view over an environment: each
// consumer tracks the tags it obtained, and a service is closed only
// when its last consumer releases it.
type SharedServices struct {
	env *Environment

	mu       sync.Mutex
	refcount map[Tag]int
}

// NewShared wraps an environment with reference counting.
func NewShared(env *Environment) *SharedServices {
	return &SharedServices{env: env, refcount: make(map[Tag]int)}
}

// Consumer is one client's handle onto the shared view.
type Consumer struct {
	shared *SharedServices

	mu       sync.Mutex
	acquired map[Tag]bool
	closed   bool
}

// Consumer creates a handle; release it with Close.
func (s *SharedServices) Consumer() *Consumer {
	return &Consumer{shared: s, acquired: make(map[Tag]bool)}
}

// Get resolves a tag and takes a reference on it.
func (c *Consumer) Get(tag Tag) (Service, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	already := c.acquired[tag]
	c.mu.Unlock()

	svc, err := c.shared.env.Get(tag)
	if err != nil {
		return nil, err
	}
	if !already {
		c.mu.Lock()
		c.acquired[tag] = true
		c.mu.Unlock()
		c.shared.mu.Lock()
		c.shared.refcount[tag]++
		c.shared.mu.Unlock()
	}
	return svc, nil
}

// Release drops this consumer's reference on one tag, closing the
// service when it was the last.
func (c *Consumer) Release(tag Tag) error {
	c.mu.Lock()
	if !c.acquired[tag] {
		c.mu.Unlock()
		return nil
	}
	delete(c.acquired, tag)
	c.mu.Unlock()
	return c.shared.release(tag)
}

// Close releases every tag this consumer holds.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tags := make([]Tag, 0, len(c.acquired))
	for tag := range c.acquired {
		tags = append(tags, tag)
	}
	c.acquired = nil
	c.mu.Unlock()

	var firstErr error
	for _, tag := range tags {
		if err := c.shared.release(tag); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *SharedServices) release(tag Tag) error {
	s.mu.Lock()
	s.refcount[tag]--
	last := s.refcount[tag] <= 0
	if last {
		delete(s.refcount, tag)
	}
	s.mu.Unlock()
	if last {
		return s.env.CloseService(tag)
	}
	return nil
}

// Refcount returns the live reference count for a tag.
func (s *SharedServices) Refcount(tag Tag) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount[tag]
}
