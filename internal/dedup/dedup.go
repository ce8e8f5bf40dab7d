// Package dedup remembers which ingestion batches were already applied.
package dedup

// Interface is satisfied by the in-memory and Redis implementations.
// Seen marks key and reports whether it was marked before. Forget unmarks
// a key whose processing failed so a redelivery is not skipped.
type Interface interface {
	Seen(key string) bool
	Forget(key string)
}
