// Package coverage remembers which ports were attempted against each scan
// target so summaries can report ports scanned rather than ports found open.
package coverage

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gustycube/spyder-atlas/internal/types"
)

const (
	maxPort        = 65535
	DefaultTargets = 4096
	DefaultTTL     = 24 * time.Hour
)

// PortSet is a bitmap over ports 1..65535.
type PortSet [(maxPort + 64) / 64]uint64

func (p *PortSet) add(lo, hi int) {
	for port := lo; port <= hi; port++ {
		p[port/64] |= 1 << (port % 64)
	}
}

func (p *PortSet) union(o *PortSet) {
	for i := range p {
		p[i] |= o[i]
	}
}

// Len returns the number of ports in the set.
func (p *PortSet) Len() int {
	n := 0
	for _, w := range p {
		n += bits.OnesCount64(w)
	}
	return n
}

// Has reports whether port is in the set.
func (p *PortSet) Has(port int) bool {
	if port < 1 || port > maxPort {
		return false
	}
	return p[port/64]&(1<<(port%64)) != 0
}

// ParsePortRange parses expressions such as "1-1000,8080" or "-" (every
// port). Overlapping ranges are counted once.
func ParsePortRange(expr string) (*PortSet, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty port range: %w", types.ErrInvalidShape)
	}
	set := &PortSet{}
	if expr == "-" {
		set.add(1, maxPort)
		return set, nil
	}
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		b := a
		if isRange {
			if b, err = parsePort(hi); err != nil {
				return nil, err
			}
		}
		if a > b {
			return nil, fmt.Errorf("port range %q is reversed: %w", part, types.ErrInvalidShape)
		}
		set.add(a, b)
	}
	return set, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > maxPort {
		return 0, fmt.Errorf("port %q: %w", s, types.ErrInvalidShape)
	}
	return n, nil
}

// Registry keeps a TTL-bounded port set per target. Entries expire together
// with the scan data they describe.
type Registry struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *PortSet]
}

func New(size int, ttl time.Duration) *Registry {
	if size <= 0 {
		size = DefaultTargets
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{lru: expirable.NewLRU[string, *PortSet](size, nil, ttl)}
}

func key(target string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(target)), ".")
}

// Record merges the ports in portRange into target's coverage and returns
// the new total.
func (r *Registry) Record(target, portRange string) (int, error) {
	if key(target) == "" {
		return 0, fmt.Errorf("coverage target is required: %w", types.ErrInvalidShape)
	}
	set, err := ParsePortRange(portRange)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := &PortSet{}
	if cur, ok := r.lru.Get(key(target)); ok {
		*merged = *cur
	}
	merged.union(set)
	r.lru.Add(key(target), merged)
	return merged.Len(), nil
}

// PortsScanned returns how many distinct ports were attempted against
// target, or 0 when nothing is known.
func (r *Registry) PortsScanned(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.lru.Get(key(target)); ok {
		return cur.Len()
	}
	return 0
}
