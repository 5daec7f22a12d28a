package errorcounter

import (
	"strings"
	"sync"
)

// New creates and returns a Counter with an initialised internal store ready for use.
func New() *Counter {
	return &Counter{
		store: make(map[string]int),
	}
}

// Counter counts failures keyed by a set of labels such as workflow id and stage name.
type Counter struct {
	mu    sync.Mutex
	store map[string]int
}

func key(labels []string) string {
	return strings.Join(labels, "/")
}

func (c *Counter) Add(labels ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(labels)
	c.store[k] += 1
	return c.store[k]
}

func (c *Counter) Count(labels ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.store[key(labels)]
}

// ClearPrefix removes every count whose labels start with the given labels.
func (c *Counter) ClearPrefix(labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := key(labels)
	for k := range c.store {
		if k == prefix || strings.HasPrefix(k, prefix+"/") {
			delete(c.store, k)
		}
	}
}
