package engine

import "sync"

// claimSet hands out exclusive per-resource claims. The holder string names
// who owns the claim so a rejected caller can report it.
type claimSet struct {
	mu      sync.Mutex
	holders map[string]string
}

func newClaimSet() *claimSet {
	return &claimSet{holders: make(map[string]string)}
}

// acquire claims key for holder. When the key is taken it returns the
// current holder and false.
func (c *claimSet) acquire(key, holder string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.holders[key]; ok {
		return current, false
	}
	c.holders[key] = holder
	return holder, true
}

// release drops the claim if holder still owns it.
func (c *claimSet) release(key, holder string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.holders[key] == holder {
		delete(c.holders, key)
	}
}

// holder returns the current holder of key.
func (c *claimSet) holder(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.holders[key]
	return h, ok
}

func (c *claimSet) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.holders)
}
