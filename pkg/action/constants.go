package action

import "sync"

// Constants holds per-type tunables shared by every execution of a type.
// Writes are honored until SetImmutable is called and silently ignored
// afterwards.
type Constants struct {
	mu     sync.RWMutex
	sealed bool
	max    int64
	values map[string]any
}

// NewConstants returns a mutable bag with Max set to max.
func NewConstants(max int64) *Constants {
	return &Constants{max: max, values: make(map[string]any)}
}

func (c *Constants) Max() int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.max
}

func (c *Constants) SetMax(max int64) *Constants {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed {
		c.max = max
	}
	return c
}

// Set stores a named value.
func (c *Constants) Set(name string, v any) *Constants {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed {
		if c.values == nil {
			c.values = make(map[string]any)
		}
		c.values[name] = v
	}
	return c
}

// Value returns the raw named value.
func (c *Constants) Value(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Int returns a named integer, or def when the value is missing or not
// numeric. YAML and JSON decoders produce int and float64 respectively;
// both are accepted.
func (c *Constants) Int(name string, def int64) int64 {
	v, ok := c.Value(name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return def
	}
}

func (c *Constants) Float(name string, def float64) float64 {
	v, ok := c.Value(name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return def
	}
}

func (c *Constants) Text(name, def string) string {
	v, ok := c.Value(name)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// SetImmutable seals the bag.
func (c *Constants) SetImmutable() *Constants {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
	return c
}

func (c *Constants) Immutable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}
