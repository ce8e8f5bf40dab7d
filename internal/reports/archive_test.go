package reports

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/spyder-atlas/internal/aggregate"
	"github.com/gustycube/spyder-atlas/internal/types"
)

var t0 = time.Date(2025, 2, 19, 13, 5, 45, 123456789, time.UTC)

func snapshot(id, target string, typ aggregate.ReportType, at time.Time) aggregate.Snapshot {
	return aggregate.Snapshot{
		ID: id, Title: id + " title", Target: target, ReportType: typ, CreatedAt: at,
		Summary: aggregate.ReportSummary{
			Target: target, TotalSubdomains: 24, OpenPortsCount: 8, TotalPortsScanned: 1000,
			TotalVulnerabilities: 12, ActiveVulnerabilities: 9,
			BySeverity:  map[types.Severity]int{types.SeverityHigh: 3, types.SeverityLow: 9},
			GeneratedAt: at,
		},
	}
}

func newArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSaveGet(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()
	want := snapshot("r1", "example.com", aggregate.ReportDetailed, t0)

	require.NoError(t, a.Save(ctx, want))
	got, err := a.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = a.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSave_InsertOnly(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, snapshot("r1", "example.com", aggregate.ReportBasic, t0)))
	err := a.Save(ctx, snapshot("r1", "changed.com", aggregate.ReportBasic, t0))
	assert.ErrorIs(t, err, types.ErrConflict)

	got, err := a.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "example.com", got.Target)

	assert.ErrorIs(t, a.Save(ctx, aggregate.Snapshot{}), types.ErrInvalidShape)
}

func TestList(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()
	for _, s := range []aggregate.Snapshot{
		snapshot("a", "example.com", aggregate.ReportBasic, t0),
		snapshot("b", "testphp.vulnweb.com", aggregate.ReportExecutive, t0.Add(time.Hour)),
		snapshot("c", "www.example.com", aggregate.ReportBasic, t0.Add(2*time.Hour)),
		snapshot("d", "example.com", aggregate.ReportBasic, t0.Add(2*time.Hour)),
	} {
		require.NoError(t, a.Save(ctx, s))
	}

	ids := func(ss []aggregate.Snapshot) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = s.ID
		}
		return out
	}

	all, err := a.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "b", "a"}, ids(all))

	byTarget, err := a.List(ctx, Filter{Target: "EXAMPLE"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "a"}, ids(byTarget))

	byType, err := a.List(ctx, Filter{Type: aggregate.ReportExecutive})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(byType))

	recent, err := a.List(ctx, Filter{Since: t0.Add(time.Hour), Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(recent))

	none, err := a.List(ctx, Filter{Target: "nope"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")
	ctx := context.Background()

	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, snapshot("r1", "example.com", aggregate.ReportBasic, t0)))
	require.NoError(t, a.Close())

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1 title", got.Title)
	assert.NoError(t, b.Ping(ctx))
}
