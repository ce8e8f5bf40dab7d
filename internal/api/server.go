// Package api exposes the topology, triage, aggregation and report
// operations over HTTP/JSON under /api/v1.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gustycube/spyder-atlas/internal/aggregate"
	"github.com/gustycube/spyder-atlas/internal/findings"
	"github.com/gustycube/spyder-atlas/internal/ingest"
	"github.com/gustycube/spyder-atlas/internal/output"
	"github.com/gustycube/spyder-atlas/internal/query"
	"github.com/gustycube/spyder-atlas/internal/reports"
	"github.com/gustycube/spyder-atlas/internal/topology"
	"github.com/gustycube/spyder-atlas/internal/types"
)

// Archive persists snapshots; see reports.Archive.
type Archive interface {
	Save(ctx context.Context, s aggregate.Snapshot) error
	Get(ctx context.Context, id string) (aggregate.Snapshot, error)
	List(ctx context.Context, f reports.Filter) ([]aggregate.Snapshot, error)
}

// Publisher forwards new snapshots to the external report sink.
type Publisher interface {
	Publish(ctx context.Context, s aggregate.Snapshot) error
}

type Deps struct {
	Topology  *topology.Store
	Findings  *findings.Store
	Query     *query.Engine
	Aggregate *aggregate.Service
	Pool      *ingest.Pool
	Archive   Archive
	Publisher Publisher
	Logger    *zap.SugaredLogger
}

type Server struct {
	Deps
	log *zap.SugaredLogger
}

func New(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{Deps: d, log: log}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/findings", s.listFindings)
	mux.HandleFunc("POST /api/v1/findings", s.ingestFinding)
	mux.HandleFunc("GET /api/v1/findings/export", s.exportFindings)
	mux.HandleFunc("GET /api/v1/findings/{id}", s.getFinding)
	mux.HandleFunc("POST /api/v1/findings/{id}/fix", s.setStatus(types.StatusFixed))
	mux.HandleFunc("POST /api/v1/findings/{id}/reopen", s.setStatus(types.StatusActive))

	mux.HandleFunc("GET /api/v1/nodes", s.listNodes)
	mux.HandleFunc("POST /api/v1/nodes", s.addNode)
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.getNode)
	mux.HandleFunc("GET /api/v1/nodes/{id}/neighbors", s.neighbors)
	mux.HandleFunc("GET /api/v1/edges", s.listEdges)
	mux.HandleFunc("POST /api/v1/edges", s.addEdge)

	mux.HandleFunc("GET /api/v1/targets", s.listTargets)
	mux.HandleFunc("GET /api/v1/targets/{target}/stats", s.targetStats)
	mux.HandleFunc("GET /api/v1/targets/{target}/summary", s.targetSummary)

	mux.HandleFunc("POST /api/v1/batches", s.submitBatch)

	mux.HandleFunc("GET /api/v1/reports", s.listReports)
	mux.HandleFunc("POST /api/v1/reports", s.createReport)
	mux.HandleFunc("GET /api/v1/reports/{id}", s.getReport)

	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if v := recover(); v != nil {
				s.log.Errorw("handler panic", "method", r.Method, "path", r.URL.Path, "panic", v)
				writeJSON(rec, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"})
			}
		}()
		next.ServeHTTP(rec, r)
		s.log.Debugw("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}

// findings

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request) {
	filter, sort, page, err := findingQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Query.List(r.Context(), filter, sort, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type findingRequest struct {
	Target           string         `json:"target"`
	NodeID           types.NodeID   `json:"node_id"`
	Name             string         `json:"name"`
	Severity         types.Severity `json:"severity"`
	Type             string         `json:"type"`
	Description      string         `json:"description"`
	Evidence         string         `json:"evidence"`
	EvidenceLocation string         `json:"evidence_location"`
	Source           string         `json:"source"`
	DiscoveredAt     time.Time      `json:"discovered_at"`
}

func (s *Server) ingestFinding(w http.ResponseWriter, r *http.Request) {
	var req findingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Findings.Ingest(r.Context(), types.Finding{
		Target: req.Target, NodeID: req.NodeID, Name: req.Name, Severity: req.Severity, Type: req.Type,
		Description: req.Description, Evidence: req.Evidence, EvidenceLocation: req.EvidenceLocation,
		Source: req.Source, DiscoveredAt: req.DiscoveredAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == types.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) exportFindings(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	filter, sort, _, err := findingQuery(v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := output.NewWriter(v.Get("format"), w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page := query.Page{Limit: query.MaxLimit}
	var all []types.Finding
	for {
		res, err := s.Query.List(r.Context(), filter, sort, page)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		all = append(all, res.Items...)
		page.Offset += len(res.Items)
		if len(res.Items) == 0 || page.Offset >= res.TotalCount {
			break
		}
	}
	w.Header().Set("Content-Type", out.ContentType())
	if err := out.WriteFindings(all); err != nil {
		s.log.Warnw("export write failed", "err", err)
		return
	}
	_ = out.Flush()
}

func (s *Server) getFinding(w http.ResponseWriter, r *http.Request) {
	id, err := idParam[types.FindingID](r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := s.Findings.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) setStatus(to types.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam[types.FindingID](r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var f types.Finding
		if to == types.StatusFixed {
			f, err = s.Findings.MarkFixed(r.Context(), id)
		} else {
			f, err = s.Findings.Reopen(r.Context(), id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}

// topology

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	kinds, err := query.ParseNodeKinds(strings.Join(v["kind"], ","))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	field, err := query.ParseNodeSortField(v.Get("sort"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dir, err := query.ParseDirection(v.Get("order"), query.Asc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := pageParams(v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Query.ListNodes(r.Context(),
		query.NodeFilter{Target: v.Get("target"), Kinds: kinds, Name: v.Get("name")},
		query.NodeSort{Field: field, Direction: dir}, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) addNode(w http.ResponseWriter, r *http.Request) {
	var n types.Node
	if err := decode(r, &n); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Topology.AddNode(r.Context(), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.Topology.GetNode(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	id, err := idParam[types.NodeID](r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.Topology.GetNode(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) neighbors(w http.ResponseWriter, r *http.Request) {
	id, err := idParam[types.NodeID](r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dir := types.DirBoth
	if d := r.URL.Query().Get("direction"); d != "" {
		if dir, err = types.ParseDirection(d); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	conns, err := s.Topology.Neighbors(id, dir)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "direction": dir, "items": conns})
}

func (s *Server) listEdges(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	kinds, err := query.ParseEdgeKinds(strings.Join(v["kind"], ","))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var node types.NodeID
	if raw := v.Get("node"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, errBadRequest)
			return
		}
		node = types.NodeID(n)
	}
	page, err := pageParams(v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Query.ListEdges(r.Context(), query.EdgeFilter{Target: v.Get("target"), Kinds: kinds, Node: node}, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type edgeRequest struct {
	Source types.NodeID   `json:"source"`
	Target types.NodeID   `json:"target"`
	Kind   types.EdgeKind `json:"kind"`
}

func (s *Server) addEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Topology.AddEdge(r.Context(), req.Source, req.Target, req.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, _ := s.Topology.Edge(id)
	writeJSON(w, http.StatusCreated, e)
}

// targets

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.Topology.Targets()
	if targets == nil {
		targets = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": targets})
}

func (s *Server) targetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Topology.Stats(r.PathValue("target")))
}

func (s *Server) targetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Aggregate.Summarize(r.Context(), r.PathValue("target"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ingestion

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var b types.Batch
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := s.Pool.Submit(r.Context(), b, nil); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": b.BatchID})
		return
	}
	res, err := s.Pool.Apply(r.Context(), b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// reports

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	var typ aggregate.ReportType
	if raw := v.Get("type"); raw != "" {
		t, err := aggregate.ParseReportType(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		typ = t
	}
	since, err := timeParam(v, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(v, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.Archive.List(r.Context(), reports.Filter{Target: v.Get("target"), Type: typ, Since: since, Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total_count": len(items)})
}

type reportRequest struct {
	Target     string               `json:"target"`
	Title      string               `json:"title"`
	ReportType aggregate.ReportType `json:"report_type"`
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.Aggregate.Snapshot(r.Context(), req.Target, req.Title, req.ReportType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Archive.Save(r.Context(), snap); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Publisher != nil {
		if err := s.Publisher.Publish(r.Context(), snap); err != nil {
			s.log.Warnw("snapshot not delivered", "snapshot", snap.ID, "err", err)
		}
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Archive.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
