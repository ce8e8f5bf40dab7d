// Package query serves filtered, sorted and paginated views over the finding
// and topology stores. Every ordering falls back to ascending id, so a given
// store state and parameter set always yields the same page.
package query

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gustycube/spyder-atlas/internal/extract"
	"github.com/gustycube/spyder-atlas/internal/metrics"
	"github.com/gustycube/spyder-atlas/internal/types"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// FindingSource yields consistent copies of findings, optionally narrowed
// to a set of severities.
type FindingSource interface {
	Collect(sevs []types.Severity) []types.Finding
}

// TopologySource yields the nodes and edges of a scan target, or of all
// targets when target is empty.
type TopologySource interface {
	Nodes(target string) []types.Node
	Edges(target string) []types.Edge
}

type Options struct {
	DefaultLimit int
	MaxLimit     int
	ExprCache    int
}

type Engine struct {
	findings FindingSource
	topo     TopologySource
	defLimit int
	maxLimit int
	exprs    *exprCache
}

func New(f FindingSource, t TopologySource, opts Options) (*Engine, error) {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = MaxLimit
	}
	if opts.DefaultLimit <= 0 || opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = min(DefaultLimit, opts.MaxLimit)
	}
	if opts.ExprCache <= 0 {
		opts.ExprCache = 256
	}
	exprs, err := newExprCache(opts.ExprCache)
	if err != nil {
		return nil, err
	}
	return &Engine{findings: f, topo: t, defLimit: opts.DefaultLimit, maxLimit: opts.MaxLimit, exprs: exprs}, nil
}

// ClampPage applies the default and maximum page sizes.
func (e *Engine) ClampPage(p Page) Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = e.defLimit
	}
	if p.Limit > e.maxLimit {
		p.Limit = e.maxLimit
	}
	return p
}

// List returns one page of findings matching filter in the requested order,
// with the pre-pagination match count.
func (e *Engine) List(ctx context.Context, filter Filter, sort Sort, page Page) (Result[types.Finding], error) {
	_, span := otel.Tracer("atlas/query").Start(ctx, "List")
	defer span.End()
	metrics.QueriesTotal.WithLabelValues("findings").Inc()

	matched, err := e.match(filter)
	if err != nil {
		return Result[types.Finding]{}, err
	}
	if err := sort.normalize(); err != nil {
		return Result[types.Finding]{}, err
	}
	slices.SortFunc(matched, findingOrder(sort))

	span.SetAttributes(attribute.Int("query.matched", len(matched)))
	return paginate(matched, e.ClampPage(page)), nil
}

// Count returns how many findings match filter.
func (e *Engine) Count(ctx context.Context, filter Filter) (int, error) {
	_, span := otel.Tracer("atlas/query").Start(ctx, "Count")
	defer span.End()
	metrics.QueriesTotal.WithLabelValues("count").Inc()

	matched, err := e.match(filter)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (e *Engine) match(filter Filter) ([]types.Finding, error) {
	if err := filter.normalize(); err != nil {
		return nil, err
	}
	var prog interface{ matches(types.Finding) (bool, error) }
	if strings.TrimSpace(filter.Expr) != "" {
		p, err := e.exprs.program(filter.Expr)
		if err != nil {
			return nil, err
		}
		prog = celMatcher{p}
	}

	candidates := e.findings.Collect(filter.Severities)
	out := candidates[:0]
	for _, f := range candidates {
		if filter.Target != "" && !strings.Contains(strings.ToLower(f.Target), filter.Target) {
			continue
		}
		if filter.Scope != "" && !extract.InScope(filter.Scope, f.Target) {
			continue
		}
		if filter.Status == StatusActive && f.Status != types.StatusActive {
			continue
		}
		if filter.Status == StatusFixed && f.Status != types.StatusFixed {
			continue
		}
		if len(filter.Sources) > 0 && !slices.Contains(filter.Sources, f.Source) {
			continue
		}
		if prog != nil {
			ok, err := prog.matches(f)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// findingOrder builds a total order: the requested key, then id ascending.
// "desc" on severity means most severe first.
func findingOrder(s Sort) func(a, b types.Finding) int {
	return func(a, b types.Finding) int {
		var c int
		switch s.Field {
		case SortSeverity:
			// ascending means least severe first
			c = types.CompareSeverity(b.Severity, a.Severity)
		case SortDiscoveredAt:
			c = a.DiscoveredAt.Compare(b.DiscoveredAt)
		case SortTarget:
			c = strings.Compare(strings.ToLower(a.Target), strings.ToLower(b.Target))
			if c == 0 {
				c = strings.Compare(a.Target, b.Target)
			}
		}
		if s.Direction == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	}
}

// ListNodes returns one page of topology nodes.
func (e *Engine) ListNodes(ctx context.Context, filter NodeFilter, sort NodeSort, page Page) (Result[types.Node], error) {
	_, span := otel.Tracer("atlas/query").Start(ctx, "ListNodes")
	defer span.End()
	metrics.QueriesTotal.WithLabelValues("nodes").Inc()

	field, err := ParseNodeSortField(string(sort.Field))
	if err != nil {
		return Result[types.Node]{}, err
	}
	dir, err := ParseDirection(string(sort.Direction), Asc)
	if err != nil {
		return Result[types.Node]{}, err
	}
	for _, k := range filter.Kinds {
		if _, err := types.ParseNodeKind(string(k)); err != nil {
			return Result[types.Node]{}, err
		}
	}
	name := strings.ToLower(strings.TrimSpace(filter.Name))

	var matched []types.Node
	for _, n := range e.topo.Nodes(filter.Target) {
		if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, n.Kind) {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(n.Name), name) {
			continue
		}
		matched = append(matched, n)
	}

	slices.SortFunc(matched, func(a, b types.Node) int {
		var c int
		switch field {
		case NodeSortName:
			c = strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		case NodeSortKind:
			c = strings.Compare(string(a.Kind), string(b.Kind))
		case NodeSortID:
			c = cmp.Compare(a.ID, b.ID)
		}
		if dir == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return paginate(matched, e.ClampPage(page)), nil
}

// ListEdges returns one page of topology edges in ascending id order.
func (e *Engine) ListEdges(ctx context.Context, filter EdgeFilter, page Page) (Result[types.Edge], error) {
	_, span := otel.Tracer("atlas/query").Start(ctx, "ListEdges")
	defer span.End()
	metrics.QueriesTotal.WithLabelValues("edges").Inc()

	var matched []types.Edge
	for _, edge := range e.topo.Edges(filter.Target) {
		if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, edge.Kind) {
			continue
		}
		if filter.Node != 0 && edge.Source != filter.Node && edge.Dest != filter.Node {
			continue
		}
		matched = append(matched, edge)
	}
	slices.SortFunc(matched, func(a, b types.Edge) int { return cmp.Compare(a.ID, b.ID) })
	return paginate(matched, e.ClampPage(page)), nil
}

func paginate[T any](items []T, p Page) Result[T] {
	res := Result[T]{TotalCount: len(items), Offset: p.Offset, Limit: p.Limit, Items: []T{}}
	if p.Offset >= len(items) {
		return res
	}
	end := min(p.Offset+p.Limit, len(items))
	res.Items = append(res.Items, items[p.Offset:end]...)
	return res
}
