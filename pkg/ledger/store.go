package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/attestor-io/verdict/pkg/contracts"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("ledger: entry not found")

// Tail is the per-tenant chain head, updated atomically with each append.
type Tail struct {
	Seq       uint64
	Hash      contracts.Digest
	Timestamp time.Time
}

// Store persists entries. Append must write the entry and advance the tail
// in one atomic step, durable before it returns; the Ledger holds the
// per-tenant append lock, so a store never sees two concurrent appends for
// the same tenant. Reads see committed appends and may run concurrently
// with one append.
type Store interface {
	Tail(ctx context.Context, tenantID string) (Tail, bool, error)
	Append(ctx context.Context, e *Entry) error
	GetBySeq(ctx context.Context, tenantID string, seq uint64) (*Entry, error)
	Range(ctx context.Context, tenantID string, fromSeq, toSeq uint64, limit int) ([]*Entry, error)
}
