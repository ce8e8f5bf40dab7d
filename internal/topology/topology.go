// Package topology stores discovered assets and their directed relationships.
//
// Nodes are immutable once added. Name uniqueness is enforced per scan target
// under a striped lock, so inserts for different names proceed in parallel.
// Each node keeps its own incoming and outgoing adjacency lists, which makes
// Neighbors O(degree).
package topology

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gustycube/spyder-atlas/internal/metrics"
	"github.com/gustycube/spyder-atlas/internal/shard"
	"github.com/gustycube/spyder-atlas/internal/types"
)

type nameStripe struct {
	mu    sync.RWMutex
	names map[string]types.NodeID
}

type vertex struct {
	node types.Node

	mu  sync.RWMutex
	in  []types.EdgeID
	out []types.EdgeID
}

// scope indexes the nodes and edges of one scan target.
type scope struct {
	mu    sync.RWMutex
	nodes []types.NodeID
	edges []types.EdgeID
}

type Store struct {
	stripes  []nameStripe
	vertices sync.Map // types.NodeID -> *vertex
	edges    sync.Map // types.EdgeID -> types.Edge
	scopes   sync.Map // target -> *scope

	nextNode atomic.Uint64
	nextEdge atomic.Uint64

	now func() time.Time
}

// New creates an empty store with n name stripes.
func New(n int) *Store {
	n = shard.Normalize(n)
	s := &Store{stripes: make([]nameStripe, n), now: func() time.Time { return time.Now().UTC() }}
	for i := range s.stripes {
		s.stripes[i].names = make(map[string]types.NodeID)
	}
	return s
}

// NormalizeTarget folds a scan target into its namespace key.
func NormalizeTarget(target string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(target), "."))
}

func nameKey(target, name string) string {
	return NormalizeTarget(target) + "\x00" + strings.ToLower(strings.TrimSpace(name))
}

// Validate checks the kind/ip/port invariant of a node before insertion.
func Validate(n types.Node) error {
	if strings.TrimSpace(n.Target) == "" {
		return fmt.Errorf("node %q has no target: %w", n.Name, types.ErrInvalidShape)
	}
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("node has no name: %w", types.ErrInvalidShape)
	}
	if _, err := types.ParseNodeKind(string(n.Kind)); err != nil {
		return err
	}
	if n.Kind == types.KindService {
		if n.IPAddress != "" {
			return fmt.Errorf("service %q carries an ip address: %w", n.Name, types.ErrInvalidShape)
		}
		if n.Port < 1 || n.Port > 65535 {
			return fmt.Errorf("service %q needs a port in 1-65535: %w", n.Name, types.ErrInvalidShape)
		}
		return nil
	}
	if n.Port != 0 {
		return fmt.Errorf("%s %q cannot carry a port: %w", n.Kind, n.Name, types.ErrInvalidShape)
	}
	if n.IPAddress != "" {
		if _, err := netip.ParseAddr(n.IPAddress); err != nil {
			return fmt.Errorf("%s %q has malformed ip %q: %w", n.Kind, n.Name, n.IPAddress, types.ErrInvalidShape)
		}
	}
	return nil
}

// AddNode validates and inserts a node, returning its id.
func (s *Store) AddNode(ctx context.Context, n types.Node) (types.NodeID, error) {
	_, span := otel.Tracer("atlas/topology").Start(ctx, "AddNode")
	defer span.End()

	if err := Validate(n); err != nil {
		return 0, err
	}
	n.Target = NormalizeTarget(n.Target)
	n.Name = strings.TrimSpace(n.Name)
	key := nameKey(n.Target, n.Name)
	st := &s.stripes[shard.Of(key, len(s.stripes))]

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.names[key]; ok {
		return 0, fmt.Errorf("node %q in %s: %w", n.Name, n.Target, types.ErrDuplicateName)
	}

	n.ID = types.NodeID(s.nextNode.Add(1))
	n.CreatedAt = s.now()
	s.vertices.Store(n.ID, &vertex{node: n})

	sc := s.scope(n.Target)
	sc.mu.Lock()
	sc.nodes = append(sc.nodes, n.ID)
	sc.mu.Unlock()

	// The name becomes resolvable last, once the node is fully indexed.
	st.names[key] = n.ID
	span.SetAttributes(attribute.Int64("node.id", int64(n.ID)), attribute.String("node.kind", string(n.Kind)))
	metrics.NodesTotal.WithLabelValues(string(n.Kind)).Inc()
	return n.ID, nil
}

// AddEdge links two existing nodes. Adding an edge identical to an existing
// one returns the existing id.
func (s *Store) AddEdge(ctx context.Context, src, dst types.NodeID, kind types.EdgeKind) (types.EdgeID, error) {
	_, span := otel.Tracer("atlas/topology").Start(ctx, "AddEdge")
	defer span.End()

	if _, err := types.ParseEdgeKind(string(kind)); err != nil {
		return 0, err
	}
	if src == dst {
		return 0, fmt.Errorf("edge %d->%d: %w", src, dst, types.ErrSelfLoop)
	}
	from, ok := s.vertex(src)
	if !ok {
		return 0, fmt.Errorf("edge source %d: %w", src, types.ErrUnknownNode)
	}
	to, ok := s.vertex(dst)
	if !ok {
		return 0, fmt.Errorf("edge target %d: %w", dst, types.ErrUnknownNode)
	}

	// Lock both endpoints in id order. Edge ids are drawn while both are
	// held, so each adjacency list stays in ascending id order.
	first, second := from, to
	if dst < src {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	for _, id := range from.out {
		if e, ok := s.Edge(id); ok && e.Dest == dst && e.Kind == kind {
			return id, nil
		}
	}

	e := types.Edge{
		ID:         types.EdgeID(s.nextEdge.Add(1)),
		ScanTarget: from.node.Target,
		Source:     src,
		Dest:       dst,
		Kind:       kind,
		CreatedAt:  s.now(),
	}
	// stored before indexed: any id a reader finds resolves
	s.edges.Store(e.ID, e)
	from.out = append(from.out, e.ID)
	to.in = append(to.in, e.ID)

	sc := s.scope(e.ScanTarget)
	sc.mu.Lock()
	sc.edges = append(sc.edges, e.ID)
	sc.mu.Unlock()

	metrics.EdgesTotal.WithLabelValues(string(kind)).Inc()
	return e.ID, nil
}

// GetNode returns the node with the given id.
func (s *Store) GetNode(id types.NodeID) (types.Node, error) {
	v, ok := s.vertex(id)
	if !ok {
		return types.Node{}, fmt.Errorf("node %d: %w", id, types.ErrNotFound)
	}
	return v.node, nil
}

// GetNodeByName resolves a node by name within a scan target.
func (s *Store) GetNodeByName(target, name string) (types.Node, error) {
	key := nameKey(target, name)
	st := &s.stripes[shard.Of(key, len(s.stripes))]
	st.mu.RLock()
	id, ok := st.names[key]
	st.mu.RUnlock()
	if !ok {
		return types.Node{}, fmt.Errorf("node %q in %s: %w", name, NormalizeTarget(target), types.ErrNotFound)
	}
	return s.GetNode(id)
}

// Edge returns an edge by id.
func (s *Store) Edge(id types.EdgeID) (types.Edge, bool) {
	v, ok := s.edges.Load(id)
	if !ok {
		return types.Edge{}, false
	}
	return v.(types.Edge), true
}

// Neighbors lists the connections of a node. Incoming connections come
// before outgoing ones; within each, edges are in insertion order.
func (s *Store) Neighbors(id types.NodeID, dir types.Direction) ([]types.Connection, error) {
	if _, err := types.ParseDirection(string(dir)); err != nil {
		return nil, err
	}
	v, ok := s.vertex(id)
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, types.ErrNotFound)
	}

	v.mu.RLock()
	var in, out []types.EdgeID
	if dir != types.DirOutgoing {
		in = append(in, v.in...)
	}
	if dir != types.DirIncoming {
		out = append(out, v.out...)
	}
	v.mu.RUnlock()

	conns := make([]types.Connection, 0, len(in)+len(out))
	for _, eid := range in {
		if c, ok := s.connection(eid, types.DirIncoming); ok {
			conns = append(conns, c)
		}
	}
	for _, eid := range out {
		if c, ok := s.connection(eid, types.DirOutgoing); ok {
			conns = append(conns, c)
		}
	}
	return conns, nil
}

func (s *Store) connection(eid types.EdgeID, dir types.Direction) (types.Connection, bool) {
	e, ok := s.Edge(eid)
	if !ok {
		return types.Connection{}, false
	}
	other := e.Dest
	if dir == types.DirIncoming {
		other = e.Source
	}
	v, ok := s.vertex(other)
	if !ok {
		return types.Connection{}, false
	}
	return types.Connection{Node: v.node, EdgeID: eid, Kind: e.Kind, Direction: dir}, true
}

// Stats aggregates the nodes and edges of one scan target.
func (s *Store) Stats(target string) types.TopologyStats {
	target = NormalizeTarget(target)
	st := types.TopologyStats{Target: target}
	for _, n := range s.Nodes(target) {
		st.NodeCount++
		switch n.Kind {
		case types.KindHost:
			st.HostCount++
		case types.KindSubdomain:
			st.SubdomainCount++
		case types.KindService:
			st.ServiceCount++
		case types.KindGateway:
			st.GatewayCount++
		}
	}
	if v, ok := s.scopes.Load(target); ok {
		sc := v.(*scope)
		sc.mu.RLock()
		st.EdgeCount = len(sc.edges)
		sc.mu.RUnlock()
	}
	return st
}

// Nodes returns the nodes of a target, or of every target when target is
// empty, in ascending id order.
func (s *Store) Nodes(target string) []types.Node {
	var ids []types.NodeID
	s.eachScope(target, func(sc *scope) {
		ids = append(ids, sc.nodes...)
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]types.Node, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.vertex(id); ok {
			out = append(out, v.node)
		}
	}
	return out
}

// Edges returns the edges of a target, or of every target when target is
// empty, in ascending id order.
func (s *Store) Edges(target string) []types.Edge {
	var ids []types.EdgeID
	s.eachScope(target, func(sc *scope) {
		ids = append(ids, sc.edges...)
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]types.Edge, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.Edge(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Targets lists the known scan targets in lexical order.
func (s *Store) Targets() []string {
	var out []string
	s.scopes.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (s *Store) eachScope(target string, fn func(*scope)) {
	visit := func(sc *scope) {
		sc.mu.RLock()
		fn(sc)
		sc.mu.RUnlock()
	}
	if target != "" {
		if v, ok := s.scopes.Load(NormalizeTarget(target)); ok {
			visit(v.(*scope))
		}
		return
	}
	s.scopes.Range(func(_, v any) bool {
		visit(v.(*scope))
		return true
	})
}

func (s *Store) vertex(id types.NodeID) (*vertex, bool) {
	v, ok := s.vertices.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*vertex), true
}

func (s *Store) scope(target string) *scope {
	if v, ok := s.scopes.Load(target); ok {
		return v.(*scope)
	}
	v, _ := s.scopes.LoadOrStore(target, &scope{})
	return v.(*scope)
}
