// Package ingest applies scanner batches to the topology and finding
// stores with a fixed pool of workers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gustycube/spyder-atlas/internal/coverage"
	"github.com/gustycube/spyder-atlas/internal/dedup"
	"github.com/gustycube/spyder-atlas/internal/extract"
	"github.com/gustycube/spyder-atlas/internal/findings"
	"github.com/gustycube/spyder-atlas/internal/metrics"
	"github.com/gustycube/spyder-atlas/internal/rate"
	"github.com/gustycube/spyder-atlas/internal/topology"
	"github.com/gustycube/spyder-atlas/internal/types"
)

// ErrStopped is returned by Submit once Run has begun shutting down.
var ErrStopped = errors.New("ingest pool stopped")

// Source hands out batches one at a time; see queue.RedisQueue.
type Source interface {
	Lease(ctx context.Context) (*types.Batch, func() error, error)
}

type Options struct {
	Workers    int
	RatePerSec float64
	Burst      int
	QueueSize  int
	Dedup      dedup.Interface
	Logger     *zap.SugaredLogger
}

// Result tallies what one batch changed.
type Result struct {
	BatchID         string `json:"batch_id"`
	Duplicate       bool   `json:"duplicate"`
	NodesCreated    int    `json:"nodes_created"`
	NodesExisting   int    `json:"nodes_existing"`
	EdgesAdded      int    `json:"edges_added"`
	FindingsCreated int    `json:"findings_created"`
	FindingsUpdated int    `json:"findings_updated"`
	Stale           int    `json:"stale"`
	Suppressed      int    `json:"suppressed"`
	PortsScanned    int    `json:"ports_scanned,omitempty"`
}

type task struct {
	batch types.Batch
	ack   func() error
}

type Pool struct {
	topo    *topology.Store
	finds   *findings.Store
	cov     *coverage.Registry
	dedup   dedup.Interface
	lim     *rate.PerSource
	log     *zap.SugaredLogger
	workers int
	tasks   chan task
	running atomic.Int32
	busy    atomic.Int32

	mu       sync.Mutex
	closed   bool
	stopped  chan struct{}
	inflight sync.WaitGroup
}

func New(topo *topology.Store, fs *findings.Store, cov *coverage.Registry, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 4
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.NewMemory(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Pool{
		topo: topo, finds: fs, cov: cov, dedup: opts.Dedup,
		lim: rate.New(opts.RatePerSec, opts.Burst), log: opts.Logger,
		workers: opts.Workers, tasks: make(chan task, opts.QueueSize),
		stopped: make(chan struct{}),
	}
}

// Workers is the configured pool size.
func (p *Pool) Workers() int { return p.workers }

// Running is the number of live worker goroutines.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Busy is the number of workers currently applying a batch.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Close releases the rate limiter. Run must have returned.
func (p *Pool) Close() { p.lim.Close() }

// Run starts the workers and blocks until ctx is done. It then refuses new
// submissions and applies whatever was already accepted before returning.
// Run is called once.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.workers; i++ {
		p.running.Add(1)
		go func() {
			defer func() {
				p.running.Add(-1)
				done <- struct{}{}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-p.tasks:
					p.handle(ctx, t)
				}
			}
		}()
	}
	for i := 0; i < p.workers; i++ {
		<-done
	}

	p.mu.Lock()
	p.closed = true
	close(p.stopped)
	p.mu.Unlock()
	p.inflight.Wait()

	drain := context.WithoutCancel(ctx)
	for n := 0; ; n++ {
		select {
		case t := <-p.tasks:
			p.handle(drain, t)
		default:
			if n > 0 {
				p.log.Infow("drained buffered batches", "count", n)
			}
			return
		}
	}
}

// Submit queues a batch for the workers. ack, when non-nil, runs after the
// batch was applied or rejected as invalid. A nil error means the batch will
// be applied even if Run is stopping.
func (p *Pool) Submit(ctx context.Context, b types.Batch, ack func() error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrStopped
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	select {
	case p.tasks <- task{batch: b, ack: ack}:
		return nil
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume leases batches from src and submits them until ctx is done.
func (p *Pool) Consume(ctx context.Context, src Source) {
	for ctx.Err() == nil {
		b, ack, err := src.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warnw("lease failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if b == nil {
			continue
		}
		if err := p.Submit(ctx, *b, ack); err != nil {
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, t task) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	res, err := p.Apply(ctx, t.batch)
	if err != nil && ctx.Err() != nil {
		if t.ack != nil {
			// leave it leased; the queue recovers it on restart
			return
		}
		// nothing would redeliver it
		res, err = p.Apply(context.WithoutCancel(ctx), t.batch)
	}
	if err != nil {
		p.log.Warnw("batch rejected", "batch", t.batch.BatchID, "source", t.batch.Source, "err", err)
	} else {
		p.log.Debugw("batch applied", "batch", res.BatchID, "duplicate", res.Duplicate,
			"nodes", res.NodesCreated, "edges", res.EdgesAdded,
			"created", res.FindingsCreated, "updated", res.FindingsUpdated)
	}
	if t.ack != nil {
		if err := t.ack(); err != nil {
			p.log.Warnw("ack failed", "batch", t.batch.BatchID, "err", err)
		}
	}
}

// Apply validates a batch as a whole and then applies it: nodes (an existing
// name resolves to the stored node), edges by node name, findings, coverage.
// A batch id seen before is skipped.
func (p *Pool) Apply(ctx context.Context, b types.Batch) (Result, error) {
	ctx, span := otel.Tracer("atlas/ingest").Start(ctx, "Apply",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("batch.id", b.BatchID), attribute.String("batch.source", b.Source)))
	defer span.End()

	res := Result{BatchID: b.BatchID}
	plan, err := p.prepare(b)
	if err != nil {
		span.SetStatus(codes.Error, "invalid batch")
		metrics.BatchesTotal.WithLabelValues("invalid").Inc()
		return res, err
	}
	if b.BatchID != "" && p.dedup.Seen(b.BatchID) {
		metrics.BatchesTotal.WithLabelValues("duplicate").Inc()
		res.Duplicate = true
		return res, nil
	}
	if err := p.lim.Wait(ctx, plan.source); err != nil {
		p.forget(b.BatchID)
		return res, err
	}
	if err := p.apply(ctx, plan, &res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		p.forget(b.BatchID)
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		return res, err
	}
	metrics.BatchesTotal.WithLabelValues("applied").Inc()
	return res, nil
}

func (p *Pool) forget(id string) {
	if id != "" {
		p.dedup.Forget(id)
	}
}

type plan struct {
	target   string
	source   string
	nodes    []types.Node
	edges    []edgePlan
	findings []findingPlan
	ports    string
}

type edgePlan struct {
	src, dst string
	kind     types.EdgeKind
}

type findingPlan struct {
	finding types.Finding
	node    string
}

func nodeName(kind types.NodeKind, name string) string {
	if kind == types.KindHost || kind == types.KindSubdomain {
		return extract.NormalizeHost(name)
	}
	return strings.TrimSpace(name)
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// prepare checks every item so an invalid batch changes nothing.
func (p *Pool) prepare(b types.Batch) (*plan, error) {
	pl := &plan{target: topology.NormalizeTarget(b.Target), source: strings.TrimSpace(b.Source)}
	if pl.source == "" {
		pl.source = findings.DefaultSource
	}
	if pl.target == "" {
		for _, n := range b.Nodes {
			if types.NodeKind(n.Kind) == types.KindHost {
				pl.target = extract.Apex(n.Name)
				break
			}
		}
	}
	if pl.target == "" {
		return nil, fmt.Errorf("batch %q has no target: %w", b.BatchID, types.ErrInvalidShape)
	}

	// declared spellings and their normalised forms both resolve to the stored name
	known := make(map[string]string, 2*len(b.Nodes))
	for i, spec := range b.Nodes {
		kind, err := types.ParseNodeKind(spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		n := types.Node{Target: pl.target, Name: nodeName(kind, spec.Name), Kind: kind, IPAddress: spec.IPAddress, Port: spec.Port}
		if err := topology.Validate(n); err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		known[key(spec.Name)] = n.Name
		known[key(n.Name)] = n.Name
		pl.nodes = append(pl.nodes, n)
	}
	resolve := func(ref string) (string, bool) {
		if name, ok := known[key(ref)]; ok {
			return name, true
		}
		for _, name := range []string{strings.TrimSpace(ref), extract.NormalizeHost(ref)} {
			if n, err := p.topo.GetNodeByName(pl.target, name); err == nil {
				return n.Name, true
			}
		}
		return "", false
	}
	for i, spec := range b.Edges {
		kind, err := types.ParseEdgeKind(spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		src, okSrc := resolve(spec.Source)
		dst, okDst := resolve(spec.Target)
		if !okSrc || !okDst {
			return nil, fmt.Errorf("edge %d %s->%s: %w", i, spec.Source, spec.Target, types.ErrUnknownNode)
		}
		if key(src) == key(dst) {
			return nil, fmt.Errorf("edge %d on %s: %w", i, spec.Source, types.ErrSelfLoop)
		}
		pl.edges = append(pl.edges, edgePlan{src: src, dst: dst, kind: kind})
	}
	for i, spec := range b.Findings {
		sev, err := types.ParseSeverity(spec.Severity)
		if err != nil {
			return nil, fmt.Errorf("finding %d: %w", i, err)
		}
		if strings.TrimSpace(spec.Type) == "" {
			return nil, fmt.Errorf("finding %d has no type: %w", i, types.ErrInvalidShape)
		}
		target := spec.Target
		if strings.TrimSpace(target) == "" {
			target = pl.target
		}
		at := spec.DiscoveredAt
		if at.IsZero() {
			at = b.Timestamp
		}
		node := spec.Node
		if name, ok := resolve(node); ok {
			node = name
		}
		pl.findings = append(pl.findings, findingPlan{node: node, finding: types.Finding{
			Target: target, Name: spec.Name, Severity: sev, Type: spec.Type,
			Description: spec.Description, Evidence: spec.Evidence, EvidenceLocation: spec.EvidenceLocation,
			Source: pl.source, DiscoveredAt: at,
		}})
	}
	if b.Coverage != nil && strings.TrimSpace(b.Coverage.PortRange) != "" {
		if _, err := coverage.ParsePortRange(b.Coverage.PortRange); err != nil {
			return nil, fmt.Errorf("coverage: %w", err)
		}
		pl.ports = b.Coverage.PortRange
	}
	return pl, nil
}

func (p *Pool) apply(ctx context.Context, pl *plan, res *Result) error {
	ids := make(map[string]types.NodeID, len(pl.nodes))
	for _, n := range pl.nodes {
		id, err := p.topo.AddNode(ctx, n)
		if errors.Is(err, types.ErrDuplicateName) {
			existing, gerr := p.topo.GetNodeByName(pl.target, n.Name)
			if gerr != nil {
				return gerr
			}
			id, err = existing.ID, nil
			res.NodesExisting++
		} else if err == nil {
			res.NodesCreated++
		}
		if err != nil {
			return err
		}
		ids[key(n.Name)] = id
	}
	resolve := func(name string) (types.NodeID, error) {
		if id, ok := ids[key(name)]; ok {
			return id, nil
		}
		n, err := p.topo.GetNodeByName(pl.target, name)
		if err != nil {
			return 0, err
		}
		return n.ID, nil
	}

	for _, e := range pl.edges {
		src, err := resolve(e.src)
		if err != nil {
			return err
		}
		dst, err := resolve(e.dst)
		if err != nil {
			return err
		}
		if _, err := p.topo.AddEdge(ctx, src, dst, e.kind); err != nil {
			return err
		}
		res.EdgesAdded++
	}

	for _, fp := range pl.findings {
		f := fp.finding
		if fp.node != "" {
			if id, err := resolve(fp.node); err == nil {
				f.NodeID = id
			} else {
				p.log.Debugw("finding references unknown node", "node", fp.node, "target", pl.target)
			}
		}
		out, err := p.finds.Ingest(ctx, f)
		if err != nil {
			return err
		}
		switch {
		case out.Stale:
			res.Stale++
		case out.Suppressed:
			res.Suppressed++
		case out.Outcome == types.OutcomeCreated:
			res.FindingsCreated++
		default:
			res.FindingsUpdated++
		}
	}

	if pl.ports != "" && p.cov != nil {
		n, err := p.cov.Record(pl.target, pl.ports)
		if err != nil {
			return err
		}
		res.PortsScanned = n
	}
	return nil
}
