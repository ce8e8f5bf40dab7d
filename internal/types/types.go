package types

import (
	"fmt"
	"regexp"
	"time"
)

// NodeKind is the closed set of asset kinds in the topology.
type NodeKind string

const (
	KindHost      NodeKind = "host"
	KindSubdomain NodeKind = "subdomain"
	KindService   NodeKind = "service"
	KindGateway   NodeKind = "gateway"
)

// ParseNodeKind validates a node kind.
func ParseNodeKind(s string) (NodeKind, error) {
	switch NodeKind(s) {
	case KindHost, KindSubdomain, KindService, KindGateway:
		return NodeKind(s), nil
	}
	return "", fmt.Errorf("node kind %q: %w", s, ErrInvalidEnum)
}

// EdgeKind labels a relationship. The set is open; the constants are the
// kinds scanners emit today.
type EdgeKind string

const (
	EdgeDirect  EdgeKind = "direct"
	EdgeService EdgeKind = "service"
	EdgeGateway EdgeKind = "gateway"
)

var edgeKindPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ParseEdgeKind accepts any lower-case identifier.
func ParseEdgeKind(s string) (EdgeKind, error) {
	if !edgeKindPattern.MatchString(s) {
		return "", fmt.Errorf("edge kind %q: %w", s, ErrInvalidEnum)
	}
	return EdgeKind(s), nil
}

// NodeID and EdgeID are assigned by the topology store, monotonically.
type NodeID uint64

type EdgeID uint64

// Node represents a discovered asset
type Node struct {
	ID        NodeID    `json:"id"`
	Target    string    `json:"target"`
	Name      string    `json:"name"`
	Kind      NodeKind  `json:"kind"`
	IPAddress string    `json:"ip_address,omitempty"`
	Port      int       `json:"port,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Edge represents a directed relationship between two nodes
type Edge struct {
	ID         EdgeID    `json:"id"`
	ScanTarget string    `json:"scan_target"`
	Source     NodeID    `json:"source"`
	Dest       NodeID    `json:"target"`
	Kind       EdgeKind  `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
}

// Direction selects which adjacency of a node to traverse.
type Direction string

const (
	DirIncoming Direction = "incoming"
	DirOutgoing Direction = "outgoing"
	DirBoth     Direction = "both"
)

// ParseDirection validates a traversal direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirIncoming, DirOutgoing, DirBoth:
		return Direction(s), nil
	}
	return "", fmt.Errorf("direction %q: %w", s, ErrInvalidEnum)
}

// Connection is one entry of a node's neighborhood.
type Connection struct {
	Node      Node      `json:"node"`
	EdgeID    EdgeID    `json:"edge_id"`
	Kind      EdgeKind  `json:"type"`
	Direction Direction `json:"direction"`
}

// TopologyStats aggregates one target's topology.
type TopologyStats struct {
	Target         string `json:"target"`
	NodeCount      int    `json:"node_count"`
	HostCount      int    `json:"host_count"`
	SubdomainCount int    `json:"subdomain_count"`
	ServiceCount   int    `json:"service_count"`
	GatewayCount   int    `json:"gateway_count"`
	EdgeCount      int    `json:"edge_count"`
}
