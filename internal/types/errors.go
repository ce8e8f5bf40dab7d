package types

import "errors"

// Sentinel errors shared by the stores and the query engine. Callers match
// them with errors.Is; the stores wrap them with the offending id or name.
var (
	// ErrNotFound indicates an unresolved node, finding or snapshot id/name.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName indicates a node name already taken within its target.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrInvalidShape indicates a node or finding that violates its
	// construction invariants (kind/ip/port combination, required fields).
	ErrInvalidShape = errors.New("invalid shape")

	// ErrUnknownNode indicates an edge endpoint that does not exist.
	ErrUnknownNode = errors.New("unknown node")

	// ErrSelfLoop indicates an edge whose source and target are the same node.
	ErrSelfLoop = errors.New("self loop")

	// ErrStaleIngest indicates an ingestion older than the stored finding.
	// It is absorbed by the finding store and never returned to callers.
	ErrStaleIngest = errors.New("stale ingest")

	// ErrInvalidEnum indicates an unrecognized severity, status, kind,
	// sort field or direction at the boundary.
	ErrInvalidEnum = errors.New("invalid enum value")

	// ErrConflict indicates that optimistic status updates kept losing to
	// concurrent writers. The operation is safe to retry.
	ErrConflict = errors.New("conflicting concurrent update")
)
