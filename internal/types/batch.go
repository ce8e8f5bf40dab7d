package types

import "time"

// NodeSpec is a scanner-reported asset; edges refer to it by name.
type NodeSpec struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	IPAddress string `json:"ip_address,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// EdgeSpec references its endpoints by node name within the batch target.
type EdgeSpec struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
}

// FindingSpec is a finding as reported by a scanner, before validation.
type FindingSpec struct {
	Name             string    `json:"name"`
	Target           string    `json:"target,omitempty"`
	Node             string    `json:"node,omitempty"`
	Severity         string    `json:"severity"`
	Type             string    `json:"type"`
	Description      string    `json:"description"`
	Evidence         string    `json:"evidence"`
	EvidenceLocation string    `json:"evidence_location"`
	DiscoveredAt     time.Time `json:"discovered_at"`
}

// CoverageSpec reports which ports a scan attempted.
type CoverageSpec struct {
	PortRange string `json:"port_range"`
}

// Batch is the ingestion envelope pushed by the scan orchestrator.
type Batch struct {
	BatchID   string        `json:"batch_id"`
	Source    string        `json:"source"`
	Target    string        `json:"target"`
	Timestamp time.Time     `json:"timestamp"`
	Nodes     []NodeSpec    `json:"nodes"`
	Edges     []EdgeSpec    `json:"edges"`
	Findings  []FindingSpec `json:"findings"`
	Coverage  *CoverageSpec `json:"coverage,omitempty"`
}
