package dedup

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultMemorySize = 100_000
	DefaultMemoryTTL  = 24 * time.Hour
)

// Memory keeps batch ids in a bounded, expiring LRU. Ids evicted before a
// redelivery are applied again, which the stores tolerate.
type Memory struct {
	mu  sync.Mutex
	ids *expirable.LRU[string, struct{}]
}

// NewMemory holds up to size ids for ttl; non-positive values take the
// defaults.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	return &Memory{ids: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (d *Memory) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids.Get(key); ok {
		return true
	}
	d.ids.Add(key, struct{}{})
	return false
}

func (d *Memory) Forget(key string) {
	d.mu.Lock()
	d.ids.Remove(key)
	d.mu.Unlock()
}

// Len is the number of ids currently remembered.
func (d *Memory) Len() int { return d.ids.Len() }
