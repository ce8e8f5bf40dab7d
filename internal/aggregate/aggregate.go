// Package aggregate composes read-only summaries over the topology and
// finding stores.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gustycube/spyder-atlas/internal/metrics"
	"github.com/gustycube/spyder-atlas/internal/query"
	"github.com/gustycube/spyder-atlas/internal/topology"
	"github.com/gustycube/spyder-atlas/internal/types"
)

// Coverage knows how many ports were attempted against a target.
type Coverage interface {
	PortsScanned(target string) int
}

type ReportSummary struct {
	Target                string                 `json:"target"`
	TotalSubdomains       int                    `json:"total_subdomains"`
	OpenPortsCount        int                    `json:"open_ports_count"`
	TotalPortsScanned     int                    `json:"total_ports_scanned"`
	TotalVulnerabilities  int                    `json:"total_vulnerabilities"`
	ActiveVulnerabilities int                    `json:"active_vulnerabilities"`
	BySeverity            map[types.Severity]int `json:"by_severity"`
	GeneratedAt           time.Time              `json:"generated_at"`
}

type ReportType string

const (
	ReportBasic     ReportType = "basic"
	ReportDetailed  ReportType = "detailed"
	ReportExecutive ReportType = "executive"
)

// ParseReportType validates a report type; empty means basic.
func ParseReportType(s string) (ReportType, error) {
	switch ReportType(s) {
	case "":
		return ReportBasic, nil
	case ReportBasic, ReportDetailed, ReportExecutive:
		return ReportType(s), nil
	}
	return "", fmt.Errorf("report type %q: %w", s, types.ErrInvalidEnum)
}

// Snapshot is a point-in-time summary. It is never modified after Snapshot
// returns it.
type Snapshot struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Target     string        `json:"target"`
	ReportType ReportType    `json:"report_type"`
	CreatedAt  time.Time     `json:"created_at"`
	Summary    ReportSummary `json:"summary"`
}

type Service struct {
	q   *query.Engine
	cov Coverage
	now func() time.Time
}

func New(q *query.Engine, cov Coverage) *Service {
	return &Service{q: q, cov: cov, now: func() time.Time { return time.Now().UTC() }}
}

// Summarize reflects store state at call time. Findings count toward the
// target when they sit on it or one of its subdomains.
func (s *Service) Summarize(ctx context.Context, target string) (ReportSummary, error) {
	ctx, span := otel.Tracer("atlas/aggregate").Start(ctx, "Summarize")
	defer span.End()

	target = topology.NormalizeTarget(target)
	if target == "" {
		return ReportSummary{}, fmt.Errorf("summary target is required: %w", types.ErrInvalidShape)
	}
	span.SetAttributes(attribute.String("target", target))
	sum := ReportSummary{Target: target, BySeverity: make(map[types.Severity]int, types.SeverityCount)}

	subs, err := s.q.ListNodes(ctx, query.NodeFilter{Target: target, Kinds: []types.NodeKind{types.KindSubdomain}}, query.NodeSort{}, query.Page{Limit: 1})
	if err != nil {
		return ReportSummary{}, err
	}
	sum.TotalSubdomains = subs.TotalCount

	if sum.OpenPortsCount, err = s.openPorts(ctx, target); err != nil {
		return ReportSummary{}, err
	}
	sum.TotalPortsScanned = sum.OpenPortsCount
	if s.cov != nil {
		sum.TotalPortsScanned = max(sum.TotalPortsScanned, s.cov.PortsScanned(target))
	}

	if sum.TotalVulnerabilities, err = s.q.Count(ctx, query.Filter{Scope: target, Status: query.StatusAll}); err != nil {
		return ReportSummary{}, err
	}
	if sum.ActiveVulnerabilities, err = s.q.Count(ctx, query.Filter{Scope: target, Status: query.StatusActive}); err != nil {
		return ReportSummary{}, err
	}
	for _, sev := range types.AllSeverities() {
		n, err := s.q.Count(ctx, query.Filter{Scope: target, Severities: []types.Severity{sev}})
		if err != nil {
			return ReportSummary{}, err
		}
		sum.BySeverity[sev] = n
	}
	sum.GeneratedAt = s.now()
	return sum, nil
}

// openPorts counts distinct ports across the target's service nodes.
func (s *Service) openPorts(ctx context.Context, target string) (int, error) {
	ports := make(map[int]struct{})
	filter := query.NodeFilter{Target: target, Kinds: []types.NodeKind{types.KindService}}
	page := query.Page{Limit: query.MaxLimit}
	for {
		res, err := s.q.ListNodes(ctx, filter, query.NodeSort{}, page)
		if err != nil {
			return 0, err
		}
		for _, n := range res.Items {
			ports[n.Port] = struct{}{}
		}
		page.Offset += len(res.Items)
		if len(res.Items) == 0 || page.Offset >= res.TotalCount {
			return len(ports), nil
		}
	}
}

// Snapshot summarizes target and freezes the result under a new id.
func (s *Service) Snapshot(ctx context.Context, target, title string, typ ReportType) (Snapshot, error) {
	typ, err := ParseReportType(string(typ))
	if err != nil {
		return Snapshot{}, err
	}
	sum, err := s.Summarize(ctx, target)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return Snapshot{}, err
	}
	if strings.TrimSpace(title) == "" {
		title = fmt.Sprintf("%s report for %s", typ, sum.Target)
	}
	metrics.SnapshotsTotal.WithLabelValues("created").Inc()
	return Snapshot{
		ID:         uuid.NewString(),
		Title:      title,
		Target:     sum.Target,
		ReportType: typ,
		CreatedAt:  sum.GeneratedAt,
		Summary:    sum,
	}, nil
}
