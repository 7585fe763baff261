// Package sidestore provides the low-latency counter/buffer store used for
// per-analysis crash resilience: a comment counter incremented after each
// confirmed post, and a raw-text buffer accumulating the stream so a
// reconnecting client can recover output the live transport dropped. All
// keys expire automatically to bound storage.
package sidestore

import (
	"context"
	"time"
)

// DefaultTTL bounds the lifetime of side-store keys when the caller does
// not choose one.
const DefaultTTL = 24 * time.Hour

// Store is keyed by analysis id. Increment is atomic: concurrent batches
// within one analysis must not lose increments.
type Store interface {
	// InitCounter creates (or resets) the comment counter with the given
	// expiry.
	InitCounter(ctx context.Context, analysisID string, ttl time.Duration) error
	// Increment atomically adds n and returns the new value. Incrementing
	// an expired or missing counter re-creates it at n.
	Increment(ctx context.Context, analysisID string, n int) (int64, error)
	// Counter reads the current value; ok is false when the key is missing
	// or expired.
	Counter(ctx context.Context, analysisID string) (int64, bool, error)
	// AppendBuffer appends raw text to the analysis buffer, extending its
	// expiry.
	AppendBuffer(ctx context.Context, analysisID string, text string) error
	// ReadBuffer returns the accumulated buffer; ok is false when the key
	// is missing or expired.
	ReadBuffer(ctx context.Context, analysisID string) (string, bool, error)
}
