package query

import (
	"fmt"
	"strings"

	"github.com/gustycube/spyder-atlas/internal/types"
)

// StatusFilter selects findings by lifecycle state.
type StatusFilter string

const (
	StatusAll    StatusFilter = "all"
	StatusActive StatusFilter = "active"
	StatusFixed  StatusFilter = "fixed"
)

// SortField names a finding sort key.
type SortField string

const (
	SortSeverity     SortField = "severity"
	SortDiscoveredAt SortField = "discovered_at"
	SortTarget       SortField = "target"
)

// NodeSortField names a node sort key.
type NodeSortField string

const (
	NodeSortID   NodeSortField = "id"
	NodeSortName NodeSortField = "name"
	NodeSortKind NodeSortField = "kind"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter is a conjunction of finding predicates. Zero values match
// everything: no severities means all severities, empty target means any
// target, empty status means all.
type Filter struct {
	Severities []types.Severity `json:"severity,omitempty"`
	Target     string           `json:"target,omitempty"`
	// Scope keeps findings on the named host or its subdomains.
	Scope      string           `json:"scope,omitempty"`
	Status     StatusFilter     `json:"status,omitempty"`
	Sources    []string         `json:"source,omitempty"`
	Expr       string           `json:"expr,omitempty"`
}

type Sort struct {
	Field     SortField `json:"field"`
	Direction Direction `json:"direction"`
}

type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// NodeFilter selects topology nodes.
type NodeFilter struct {
	Target string           `json:"target,omitempty"`
	Kinds  []types.NodeKind `json:"kind,omitempty"`
	Name   string           `json:"name,omitempty"`
}

type NodeSort struct {
	Field     NodeSortField `json:"field"`
	Direction Direction     `json:"direction"`
}

// EdgeFilter selects topology edges. Node matches either endpoint.
type EdgeFilter struct {
	Target string           `json:"target,omitempty"`
	Kinds  []types.EdgeKind `json:"kind,omitempty"`
	Node   types.NodeID     `json:"node,omitempty"`
}

// Result is one page of an ordered query.
type Result[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"total_count"`
	Offset     int `json:"offset"`
	Limit      int `json:"limit"`
}

// ParseStatusFilter accepts "", "all", "active" and "fixed".
func ParseStatusFilter(s string) (StatusFilter, error) {
	switch StatusFilter(s) {
	case "", StatusAll:
		return StatusAll, nil
	case StatusActive, StatusFixed:
		return StatusFilter(s), nil
	}
	return "", fmt.Errorf("status filter %q: %w", s, types.ErrInvalidEnum)
}

// ParseSortField accepts the finding sort keys. "date" is kept as an alias
// of discovered_at for older clients.
func ParseSortField(s string) (SortField, error) {
	switch s {
	case "", string(SortSeverity):
		return SortSeverity, nil
	case string(SortDiscoveredAt), "date":
		return SortDiscoveredAt, nil
	case string(SortTarget):
		return SortTarget, nil
	}
	return "", fmt.Errorf("sort field %q: %w", s, types.ErrInvalidEnum)
}

// ParseNodeSortField accepts the node sort keys.
func ParseNodeSortField(s string) (NodeSortField, error) {
	switch NodeSortField(s) {
	case "":
		return NodeSortID, nil
	case NodeSortID, NodeSortName, NodeSortKind:
		return NodeSortField(s), nil
	}
	return "", fmt.Errorf("node sort field %q: %w", s, types.ErrInvalidEnum)
}

// ParseDirection accepts "asc" and "desc"; empty means def.
func ParseDirection(s string, def Direction) (Direction, error) {
	switch Direction(s) {
	case "":
		return def, nil
	case Asc, Desc:
		return Direction(s), nil
	}
	return "", fmt.Errorf("sort direction %q: %w", s, types.ErrInvalidEnum)
}

// ParseSeverities parses a comma-separated severity list. Empty input and
// the "all" sentinel both mean every severity.
func ParseSeverities(s string) ([]types.Severity, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "all" || s == "all-severities" {
		return nil, nil
	}
	var out []types.Severity
	for _, part := range strings.Split(s, ",") {
		sev, err := types.ParseSeverity(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, sev)
	}
	return out, nil
}

// ParseNodeKinds parses a comma-separated node kind list.
func ParseNodeKinds(s string) ([]types.NodeKind, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []types.NodeKind
	for _, part := range strings.Split(s, ",") {
		k, err := types.ParseNodeKind(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// ParseEdgeKinds parses a comma-separated edge kind list.
func ParseEdgeKinds(s string) ([]types.EdgeKind, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []types.EdgeKind
	for _, part := range strings.Split(s, ",") {
		k, err := types.ParseEdgeKind(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func (f *Filter) normalize() error {
	st, err := ParseStatusFilter(string(f.Status))
	if err != nil {
		return err
	}
	f.Status = st
	for _, sev := range f.Severities {
		if !sev.IsValid() {
			return fmt.Errorf("severity %q: %w", string(sev), types.ErrInvalidEnum)
		}
	}
	f.Target = strings.ToLower(strings.TrimSpace(f.Target))
	f.Scope = strings.TrimSpace(f.Scope)
	return nil
}

func (s *Sort) normalize() error {
	field, err := ParseSortField(string(s.Field))
	if err != nil {
		return err
	}
	dir, err := ParseDirection(string(s.Direction), Desc)
	if err != nil {
		return err
	}
	s.Field, s.Direction = field, dir
	return nil
}
