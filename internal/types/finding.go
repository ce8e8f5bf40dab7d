package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// FindingID is assigned by the finding store, monotonically.
type FindingID uint64

// Finding is a vulnerability reported by a scanner. Values handed out by
// the store are copies; mutate through the store only.
type Finding struct {
	ID               FindingID  `json:"id"`
	Fingerprint      string     `json:"fingerprint"`
	Target           string     `json:"target"`
	NodeID           NodeID     `json:"node_id,omitempty"`
	Name             string     `json:"name"`
	Severity         Severity   `json:"severity"`
	Type             string     `json:"type"`
	Description      string     `json:"description"`
	Evidence         string     `json:"evidence"`
	EvidenceLocation string     `json:"evidence_location"`
	Source           string     `json:"source"`
	Status           Status     `json:"status"`
	DiscoveredAt     time.Time  `json:"discovered_at"`
	FirstSeenAt      time.Time  `json:"first_seen_at"`
	FixedAt          *time.Time `json:"fixed_at,omitempty"`
	Occurrences      int        `json:"occurrences"`
}

// Fingerprint derives the dedup key of a finding. Target and type are
// case-folded; the evidence location is kept verbatim since paths and
// parameters are case-sensitive.
func Fingerprint(target, typ, evidenceLocation string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(target))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(typ))))
	h.Write([]byte{0})
	h.Write([]byte(evidenceLocation))
	return hex.EncodeToString(h.Sum(nil))
}

// IngestOutcome reports whether an ingestion created a finding.
type IngestOutcome string

const (
	OutcomeCreated IngestOutcome = "created"
	OutcomeUpdated IngestOutcome = "updated"
)

// IngestResult is returned by the finding store for each ingestion.
// Stale and Suppressed are informational; both are still OutcomeUpdated.
type IngestResult struct {
	Outcome    IngestOutcome `json:"outcome"`
	Finding    Finding       `json:"finding"`
	Stale      bool          `json:"stale,omitempty"`
	Suppressed bool          `json:"suppressed,omitempty"`
}
