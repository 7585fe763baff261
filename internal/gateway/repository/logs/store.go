// Package logs archives the raw text of finished analyses as compressed
// objects so the UI can replay them later.
package logs

import (
	"context"
	"errors"
)

// Store persists one compressed raw-log object per analysis.
type Store interface {
	Put(ctx context.Context, analysisID string, raw []byte) error
	Get(ctx context.Context, analysisID string) ([]byte, error)
}

var ErrNotFound = errors.New("log archive not found")
