package types

import "fmt"

// Severity is the closed, case-sensitive severity enum of a finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// severityRanks orders severities from most (0) to least (4) severe.
var severityRanks = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// SeverityCount is the number of recognized severities.
const SeverityCount = 5

// IsValid reports whether s is one of the five recognized severities.
func (s Severity) IsValid() bool {
	_, ok := severityRanks[s]
	return ok
}

// Rank returns the severity rank, CRITICAL=0 through INFO=4.
func (s Severity) Rank() (int, error) {
	r, ok := severityRanks[s]
	if !ok {
		return 0, fmt.Errorf("severity %q: %w", string(s), ErrInvalidEnum)
	}
	return r, nil
}

// MustRank is Rank for severities already validated at ingestion.
func (s Severity) MustRank() int {
	r, err := s.Rank()
	if err != nil {
		panic(err)
	}
	return r
}

func (s Severity) String() string { return string(s) }

// ParseSeverity accepts only the upper-case canonical form. Unknown values
// are rejected rather than coerced.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.IsValid() {
		return "", fmt.Errorf("severity %q: %w", s, ErrInvalidEnum)
	}
	return sev, nil
}

// CompareSeverity returns a negative number when a is more severe than b,
// zero when equal and a positive number otherwise.
func CompareSeverity(a, b Severity) int {
	return a.MustRank() - b.MustRank()
}

// AllSeverities returns the severities from most to least severe.
func AllSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// Status is the lifecycle state of a finding.
type Status string

const (
	StatusActive Status = "active"
	StatusFixed  Status = "fixed"
)

// ParseStatus validates a finding status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusFixed:
		return Status(s), nil
	}
	return "", fmt.Errorf("status %q: %w", s, ErrInvalidEnum)
}
