// Package findings holds vulnerability findings keyed by fingerprint.
//
// Each finding lives behind an atomic pointer to an immutable value, so
// readers always see a whole finding. Ingestion for one fingerprint is
// serialized by a striped mutex; operator status changes are lock-free
// compare-and-swap attempts retried with backoff.
package findings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/gustycube/spyder-atlas/internal/logging"
	"github.com/gustycube/spyder-atlas/internal/metrics"
	"github.com/gustycube/spyder-atlas/internal/shard"
	"github.com/gustycube/spyder-atlas/internal/types"
)

// DefaultSource is recorded when a finding arrives without a scanner name.
const DefaultSource = "internal"

var errLostRace = errors.New("finding changed concurrently")

type record struct {
	cur atomic.Pointer[types.Finding]
}

type stripe struct {
	mu   sync.Mutex
	byFP map[string]*record
}

// bucket is the append-only list of findings of one severity.
type bucket struct {
	mu   sync.RWMutex
	recs []*record
}

type Options struct {
	Shards          int
	ConflictRetries int
	Logger          *logging.Logger
}

type Store struct {
	stripes []stripe
	byID    sync.Map // types.FindingID -> *record
	buckets [types.SeverityCount]bucket
	nextID  atomic.Uint64

	retries int
	log     *logging.Logger
	now     func() time.Time

	// beforeCAS runs between reading and swapping a status; tests use it
	// to inject concurrent writers.
	beforeCAS func(*record)
}

func New(opts Options) *Store {
	n := shard.Normalize(opts.Shards)
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	s := &Store{
		stripes: make([]stripe, n),
		retries: opts.ConflictRetries,
		log:     opts.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for i := range s.stripes {
		s.stripes[i].byFP = make(map[string]*record)
	}
	return s
}

func (s *Store) validate(f *types.Finding) error {
	f.Target = strings.TrimSpace(f.Target)
	f.Type = strings.TrimSpace(f.Type)
	if f.Target == "" {
		return fmt.Errorf("finding has no target: %w", types.ErrInvalidShape)
	}
	if f.Type == "" {
		return fmt.Errorf("finding on %s has no type: %w", f.Target, types.ErrInvalidShape)
	}
	if _, err := types.ParseSeverity(string(f.Severity)); err != nil {
		return err
	}
	if f.Source == "" {
		f.Source = DefaultSource
	}
	if f.DiscoveredAt.IsZero() {
		f.DiscoveredAt = s.now()
	}
	f.DiscoveredAt = f.DiscoveredAt.UTC()
	return nil
}

// Ingest records a finding. A new fingerprint creates an active finding;
// a known one refreshes evidence and discovery time. Fixed findings stay
// fixed. Older-than-stored ingestions are dropped without error.
func (s *Store) Ingest(ctx context.Context, f types.Finding) (types.IngestResult, error) {
	_, span := otel.Tracer("atlas/findings").Start(ctx, "Ingest")
	defer span.End()

	if err := s.validate(&f); err != nil {
		return types.IngestResult{}, err
	}
	f.Fingerprint = types.Fingerprint(f.Target, f.Type, f.EvidenceLocation)
	span.SetAttributes(attribute.String("finding.fingerprint", f.Fingerprint))

	st := &s.stripes[shard.Of(f.Fingerprint, len(s.stripes))]
	st.mu.Lock()
	defer st.mu.Unlock()

	rec, ok := st.byFP[f.Fingerprint]
	if !ok {
		f.ID = types.FindingID(s.nextID.Add(1))
		f.Status = types.StatusActive
		f.FirstSeenAt = f.DiscoveredAt
		f.FixedAt = nil
		f.Occurrences = 1
		rec = &record{}
		rec.cur.Store(&f)

		// listable before addressable by id
		b := &s.buckets[f.Severity.MustRank()]
		b.mu.Lock()
		b.recs = append(b.recs, rec)
		b.mu.Unlock()
		s.byID.Store(f.ID, rec)
		st.byFP[f.Fingerprint] = rec

		metrics.FindingsIngested.WithLabelValues(string(types.OutcomeCreated), f.Source).Inc()
		return types.IngestResult{Outcome: types.OutcomeCreated, Finding: f}, nil
	}

	// Only status changes race with us here; they never hold the stripe.
	for {
		cur := rec.cur.Load()
		next, err := merge(cur, &f)
		if errors.Is(err, types.ErrStaleIngest) {
			s.log.Debugw("stale ingest dropped", "id", cur.ID, "stored", cur.DiscoveredAt, "incoming", f.DiscoveredAt)
			metrics.FindingsIngested.WithLabelValues("stale", f.Source).Inc()
			return types.IngestResult{Outcome: types.OutcomeUpdated, Finding: *cur, Stale: true}, nil
		}
		if !rec.cur.CompareAndSwap(cur, next) {
			continue
		}
		res := types.IngestResult{Outcome: types.OutcomeUpdated, Finding: *next}
		if next.Status == types.StatusFixed {
			res.Suppressed = true
			s.log.Debugw("re-ingest of fixed finding kept fixed", "id", next.ID, "source", f.Source)
			metrics.FindingsIngested.WithLabelValues("suppressed", f.Source).Inc()
		} else {
			metrics.FindingsIngested.WithLabelValues(string(types.OutcomeUpdated), f.Source).Inc()
		}
		return res, nil
	}
}

// merge applies an ingestion to the stored value. Discovery time only moves
// forward; status is never touched.
func merge(cur, in *types.Finding) (*types.Finding, error) {
	if in.DiscoveredAt.Before(cur.DiscoveredAt) {
		return nil, types.ErrStaleIngest
	}
	next := *cur
	next.Evidence = in.Evidence
	next.DiscoveredAt = in.DiscoveredAt
	next.Occurrences++
	if next.NodeID == 0 {
		next.NodeID = in.NodeID
	}
	return &next, nil
}

// Get returns a finding by id.
func (s *Store) Get(id types.FindingID) (types.Finding, error) {
	rec, ok := s.record(id)
	if !ok {
		return types.Finding{}, fmt.Errorf("finding %d: %w", id, types.ErrNotFound)
	}
	return *rec.cur.Load(), nil
}

// MarkFixed moves a finding to fixed. Fixing a fixed finding is a no-op.
func (s *Store) MarkFixed(ctx context.Context, id types.FindingID) (types.Finding, error) {
	return s.setStatus(ctx, id, types.StatusFixed)
}

// Reopen moves a finding back to active. Reopening an active finding is a no-op.
func (s *Store) Reopen(ctx context.Context, id types.FindingID) (types.Finding, error) {
	return s.setStatus(ctx, id, types.StatusActive)
}

func (s *Store) setStatus(ctx context.Context, id types.FindingID, to types.Status) (types.Finding, error) {
	rec, ok := s.record(id)
	if !ok {
		return types.Finding{}, fmt.Errorf("finding %d: %w", id, types.ErrNotFound)
	}

	var result types.Finding
	op := func() error {
		cur := rec.cur.Load()
		if cur.Status == to {
			result = *cur
			return nil
		}
		next := *cur
		next.Status = to
		next.FixedAt = nil
		if to == types.StatusFixed {
			at := s.now()
			next.FixedAt = &at
		}
		if s.beforeCAS != nil {
			s.beforeCAS(rec)
		}
		if !rec.cur.CompareAndSwap(cur, &next) {
			metrics.Conflicts.WithLabelValues("retry").Inc()
			return errLostRace
		}
		result = next
		metrics.StatusChanges.WithLabelValues(string(to)).Inc()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.retries)), ctx)); err != nil {
		if errors.Is(err, errLostRace) {
			metrics.Conflicts.WithLabelValues("exhausted").Inc()
			s.log.Warnw("status change lost to concurrent writers", "id", id, "to", to, "retries", s.retries)
			return types.Finding{}, fmt.Errorf("finding %d to %s: %w", id, to, types.ErrConflict)
		}
		return types.Finding{}, err
	}
	return result, nil
}

// Collect returns a consistent copy of every finding whose severity is in
// sevs, or of all findings when sevs is empty. Order is unspecified.
func (s *Store) Collect(sevs []types.Severity) []types.Finding {
	if len(sevs) == 0 {
		sevs = types.AllSeverities()
	}
	seen := make(map[types.Severity]bool, len(sevs))
	var out []types.Finding
	for _, sev := range sevs {
		r, err := sev.Rank()
		if err != nil || seen[sev] {
			continue
		}
		seen[sev] = true
		b := &s.buckets[r]
		b.mu.RLock()
		recs := b.recs
		b.mu.RUnlock()
		for _, rec := range recs {
			out = append(out, *rec.cur.Load())
		}
	}
	return out
}

// Len returns the number of findings held.
func (s *Store) Len() int {
	n := 0
	for i := range s.buckets {
		s.buckets[i].mu.RLock()
		n += len(s.buckets[i].recs)
		s.buckets[i].mu.RUnlock()
	}
	return n
}

func (s *Store) record(id types.FindingID) (*record, bool) {
	v, ok := s.byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}
