package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/spyder-atlas/internal/health"
)

var (
	FindingsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "atlas_findings_ingested_total", Help: "finding ingestions by outcome"}, []string{"outcome", "source"})
	StatusChanges    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "atlas_finding_status_changes_total", Help: "operator status transitions"}, []string{"to"})
	Conflicts        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "atlas_optimistic_conflicts_total", Help: "lost compare-and-swap attempts"}, []string{"result"})
	NodesTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "atlas_nodes_added_total", Help: "topology nodes added"}, []string{"kind"})
	EdgesTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "atlas_edges_added_total", Help: "topology edges added"}, []string{"kind"})
	BatchesTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "atlas_batches_total", Help: "ingestion batches processed"}, []string{"status"})
	QueriesTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "atlas_queries_total", Help: "read queries served"}, []string{"kind"})
	SnapshotsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "atlas_snapshots_total", Help: "report snapshots by lifecycle status"}, []string{"status"})
)

func init() {
	prometheus.MustRegister(FindingsIngested, StatusChanges, Conflicts, NodesTotal, EdgesTotal, BatchesTotal, QueriesTotal, SnapshotsTotal)
}

// Handler returns the mux serving metrics and health endpoints.
func Handler(healthHandler *health.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler.HealthHandler)
	mux.HandleFunc("/ready", healthHandler.ReadinessHandler)
	mux.HandleFunc("/live", healthHandler.LivenessHandler)
	return mux
}

func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	if err := http.ListenAndServe(addr, Handler(healthHandler)); err != nil && err != http.ErrServerClosed {
		log.Warnw("metrics server stopped", "err", err)
	}
}
