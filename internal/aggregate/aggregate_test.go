package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/spyder-atlas/internal/coverage"
	"github.com/gustycube/spyder-atlas/internal/findings"
	"github.com/gustycube/spyder-atlas/internal/query"
	"github.com/gustycube/spyder-atlas/internal/topology"
	"github.com/gustycube/spyder-atlas/internal/types"
)

type fixture struct {
	topo *topology.Store
	fs   *findings.Store
	cov  *coverage.Registry
	svc  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{topo: topology.New(4), fs: findings.New(findings.Options{}), cov: coverage.New(0, 0)}
	q, err := query.New(f.fs, f.topo, query.Options{})
	require.NoError(t, err)
	f.svc = New(q, f.cov)
	f.svc.now = func() time.Time { return time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) node(t *testing.T, n types.Node) {
	t.Helper()
	_, err := f.topo.AddNode(context.Background(), n)
	require.NoError(t, err)
}

func (f *fixture) finding(t *testing.T, target, typ string, sev types.Severity) types.Finding {
	t.Helper()
	res, err := f.fs.Ingest(context.Background(), types.Finding{Target: target, Type: typ, Severity: sev})
	require.NoError(t, err)
	return res.Finding
}

func TestSummarize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.node(t, types.Node{Target: "example.com", Name: "example.com", Kind: types.KindHost, IPAddress: "93.184.216.34"})
	f.node(t, types.Node{Target: "example.com", Name: "www.example.com", Kind: types.KindSubdomain})
	f.node(t, types.Node{Target: "example.com", Name: "api.example.com", Kind: types.KindSubdomain})
	f.node(t, types.Node{Target: "example.com", Name: "https:443", Kind: types.KindService, Port: 443})
	f.node(t, types.Node{Target: "example.com", Name: "api-https:443", Kind: types.KindService, Port: 443})
	f.node(t, types.Node{Target: "example.com", Name: "ssh:22", Kind: types.KindService, Port: 22})
	f.node(t, types.Node{Target: "other.org", Name: "blog.other.org", Kind: types.KindSubdomain})

	f.finding(t, "example.com", "sqli", types.SeverityHigh)
	f.finding(t, "www.example.com", "xss", types.SeverityMedium)
	fixed := f.finding(t, "example.com", "headers", types.SeverityLow)
	f.finding(t, "other.org", "rce", types.SeverityCritical)
	_, err := f.fs.MarkFixed(ctx, fixed.ID)
	require.NoError(t, err)

	_, err = f.cov.Record("example.com", "1-1000")
	require.NoError(t, err)

	sum, err := f.svc.Summarize(ctx, "Example.com")
	require.NoError(t, err)

	assert.Equal(t, "example.com", sum.Target)
	assert.Equal(t, 2, sum.TotalSubdomains)
	assert.Equal(t, 2, sum.OpenPortsCount, "ports are counted once across services")
	assert.Equal(t, 1000, sum.TotalPortsScanned)
	assert.Equal(t, 3, sum.TotalVulnerabilities)
	assert.Equal(t, 2, sum.ActiveVulnerabilities)
	assert.Equal(t, map[types.Severity]int{
		types.SeverityCritical: 0,
		types.SeverityHigh:     1,
		types.SeverityMedium:   1,
		types.SeverityLow:      1,
		types.SeverityInfo:     0,
	}, sum.BySeverity)
	assert.Equal(t, time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC), sum.GeneratedAt)
}

func TestSummarize_IgnoresLookAlikeTargets(t *testing.T) {
	f := newFixture(t)
	f.node(t, types.Node{Target: "example.com", Name: "www.example.com", Kind: types.KindSubdomain})

	f.finding(t, "example.com", "sqli", types.SeverityHigh)
	f.finding(t, "WWW.example.com", "xss", types.SeverityMedium)
	f.finding(t, "notexample.com", "rce", types.SeverityCritical)
	f.finding(t, "example.com.attacker.net", "ssl", types.SeverityHigh)

	sum, err := f.svc.Summarize(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalSubdomains)
	assert.Equal(t, 2, sum.TotalVulnerabilities)
	assert.Equal(t, 0, sum.BySeverity[types.SeverityCritical])
	assert.Equal(t, 1, sum.BySeverity[types.SeverityHigh])
}

func TestSummarize_PortsScannedNeverBelowOpen(t *testing.T) {
	f := newFixture(t)
	for i, port := range []int{22, 80, 443} {
		f.node(t, types.Node{Target: "example.com", Name: "svc" + string(rune('a'+i)), Kind: types.KindService, Port: port})
	}
	_, err := f.cov.Record("example.com", "80")
	require.NoError(t, err)

	sum, err := f.svc.Summarize(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.OpenPortsCount)
	assert.Equal(t, 3, sum.TotalPortsScanned)
}

func TestSummarize_EmptyTarget(t *testing.T) {
	f := newFixture(t)

	sum, err := f.svc.Summarize(context.Background(), "nothing.test")
	require.NoError(t, err)
	assert.Zero(t, sum.TotalSubdomains)
	assert.Zero(t, sum.TotalVulnerabilities)
	assert.Len(t, sum.BySeverity, types.SeverityCount)

	_, err = f.svc.Summarize(context.Background(), "  ")
	assert.ErrorIs(t, err, types.ErrInvalidShape)
}

func TestSummarize_ReflectsCurrentState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.svc.Summarize(ctx, "example.com")
	require.NoError(t, err)
	f.finding(t, "example.com", "sqli", types.SeverityHigh)
	after, err := f.svc.Summarize(ctx, "example.com")
	require.NoError(t, err)

	assert.Equal(t, 0, before.TotalVulnerabilities)
	assert.Equal(t, 1, after.TotalVulnerabilities)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.finding(t, "example.com", "sqli", types.SeverityHigh)

	snap, err := f.svc.Snapshot(ctx, "example.com", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, ReportBasic, snap.ReportType)
	assert.Equal(t, "basic report for example.com", snap.Title)
	assert.Equal(t, snap.Summary.GeneratedAt, snap.CreatedAt)
	assert.Equal(t, 1, snap.Summary.TotalVulnerabilities)

	// later ingestion does not reach an existing snapshot
	f.finding(t, "example.com", "xss", types.SeverityLow)
	assert.Equal(t, 1, snap.Summary.TotalVulnerabilities)

	other, err := f.svc.Snapshot(ctx, "example.com", "Q1 executive", ReportExecutive)
	require.NoError(t, err)
	assert.NotEqual(t, snap.ID, other.ID)
	assert.Equal(t, "Q1 executive", other.Title)
	assert.Equal(t, 2, other.Summary.TotalVulnerabilities)

	_, err = f.svc.Snapshot(ctx, "example.com", "", "pdf")
	assert.ErrorIs(t, err, types.ErrInvalidEnum)
}

func TestParseReportType(t *testing.T) {
	for in, want := range map[string]ReportType{"": ReportBasic, "basic": ReportBasic, "detailed": ReportDetailed, "executive": ReportExecutive} {
		got, err := ParseReportType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseReportType("Basic")
	assert.ErrorIs(t, err, types.ErrInvalidEnum)
}
