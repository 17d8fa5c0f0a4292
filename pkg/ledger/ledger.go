package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/crypto"
)

// ErrBusy is returned when a tenant's append queue is at its bound. Callers
// surface it as Unavailable and retry with the same request id.
var ErrBusy = errors.New("ledger: append queue full")

// DefaultMaxWaiters bounds how many appends may queue per tenant behind the
// one being written.
const DefaultMaxWaiters = 64

// Ledger serializes appends per tenant and verifies chains. One instance
// serves all tenants; chains never interleave because each tenant has its
// own lock, genesis and tail.
type Ledger struct {
	store      Store
	signer     crypto.Signer
	ring       *crypto.KeyRing
	maxWaiters int
	logger     *slog.Logger

	mu    sync.Mutex
	gates map[string]*gate
}

// gate is one tenant's append lock: a single-slot semaphore plus an
// in-flight count for backpressure.
type gate struct {
	sem      chan struct{}
	mu       sync.Mutex
	inflight int64
}

func (g *gate) tryAdmit(bound int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight >= bound {
		return false
	}
	g.inflight++
	return true
}

func (g *gate) leave() {
	g.mu.Lock()
	g.inflight--
	g.mu.Unlock()
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxWaiters overrides the per-tenant append queue bound.
func WithMaxWaiters(n int) Option {
	return func(l *Ledger) { l.maxWaiters = n }
}

// WithLogger overrides the default logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.logger = lg }
}

// New builds a ledger over a store. The signer signs new entry hashes; the
// ring verifies stored ones, including entries signed by since-retired
// keys.
func New(store Store, signer crypto.Signer, ring *crypto.KeyRing, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		signer:     signer,
		ring:       ring,
		maxWaiters: DefaultMaxWaiters,
		logger:     slog.Default(),
		gates:      make(map[string]*gate),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) gateFor(tenantID string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[tenantID]
	if !ok {
		g = &gate{sem: make(chan struct{}, 1)}
		l.gates[tenantID] = g
	}
	return g
}

// Append writes one entry to a tenant's chain: acquire the tenant lock,
// read the tail, clamp the timestamp monotonic, hash against the
// predecessor, sign, persist entry and tail atomically. The caller's
// timestamp may be moved forward to the tail's; it is never moved back.
//
// The queue is bounded: when the waiter bound is reached the call fails
// fast with ErrBusy instead of queueing. Cancellation applies while waiting
// for the lock; once the write has begun it runs to completion, so the
// chain never holds a partial append.
func (l *Ledger) Append(ctx context.Context, tenantID string, at time.Time, et EventType, payload []byte) (*Entry, error) {
	if !validEventType(et) {
		return nil, fmt.Errorf("ledger: invalid event type %d", uint8(et))
	}
	g := l.gateFor(tenantID)
	if !g.tryAdmit(int64(l.maxWaiters) + 1) {
		return nil, ErrBusy
	}
	defer g.leave()

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-g.sem }()

	dctx := context.WithoutCancel(ctx)

	tail, ok, err := l.store.Tail(dctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ledger: reading tail: %w", err)
	}

	seq := uint64(1)
	var prev contracts.Digest
	ts := microsToTime(at.UTC().UnixMicro())
	if ok {
		seq = tail.Seq + 1
		prev = tail.Hash
		if ts.Before(tail.Timestamp) {
			ts = tail.Timestamp
		}
	}

	body := EncodeBody(tenantID, seq, ts, et, payload)
	hash := ComputeEntryHash(prev, body)
	sig, err := l.signer.Sign(hash[:])
	if err != nil {
		return nil, fmt.Errorf("ledger: signing entry %d: %w", seq, err)
	}

	e := &Entry{
		TenantID:     tenantID,
		Seq:          seq,
		Timestamp:    ts,
		EventType:    et,
		Payload:      append([]byte(nil), payload...),
		Body:         body,
		PreviousHash: prev,
		EntryHash:    hash,
		Signature:    sig,
	}
	if err := l.store.Append(dctx, e); err != nil {
		return nil, fmt.Errorf("ledger: persisting entry %d: %w", seq, err)
	}
	l.logger.Debug("ledger append", "tenant_id", tenantID, "seq", seq, "event_type", e.EventType.String())
	return e, nil
}

// Tail reports the chain head; ok is false for an empty chain.
func (l *Ledger) Tail(ctx context.Context, tenantID string) (Tail, bool, error) {
	return l.store.Tail(ctx, tenantID)
}

// GetBySeq reads one committed entry.
func (l *Ledger) GetBySeq(ctx context.Context, tenantID string, seq uint64) (*Entry, error) {
	return l.store.GetBySeq(ctx, tenantID, seq)
}

// Range reads committed entries in seq order. toSeq == 0 means through the
// tail; limit <= 0 means unlimited.
func (l *Ledger) Range(ctx context.Context, tenantID string, fromSeq, toSeq uint64, limit int) ([]*Entry, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	return l.store.Range(ctx, tenantID, fromSeq, toSeq, limit)
}

// Failure reasons reported by Verify.
const (
	FailHashMismatch        = "hash_mismatch"
	FailSignatureInvalid    = "signature_invalid"
	FailSeqGap              = "seq_gap"
	FailTimestampRegression = "timestamp_regression"
	FailUnknownSigner       = "unknown_signer"
	FailDecodeError         = "decode_error"
)

// Failure is one verification finding.
type Failure struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

// VerifyResult reports every failure found in a range; a bad entry never
// short-circuits the scan.
type VerifyResult struct {
	OK       bool      `json:"ok"`
	Failures []Failure `json:"failures,omitempty"`
}

// Verify rescans a committed range. Each entry's hash is recomputed from
// its stored body bytes, continuity is checked against the recomputed
// predecessor hash, seq and timestamp monotonicity are enforced, and the
// signature is verified under the key valid at the entry's timestamp.
// Read-only and safe to run concurrently with appends.
func (l *Ledger) Verify(ctx context.Context, tenantID string, fromSeq, toSeq uint64) (VerifyResult, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	entries, err := l.store.Range(ctx, tenantID, fromSeq, toSeq, 0)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("ledger: verify range: %w", err)
	}

	res := VerifyResult{OK: true}
	fail := func(seq uint64, reason string) {
		res.OK = false
		res.Failures = append(res.Failures, Failure{Seq: seq, Reason: reason})
	}

	// Seed continuity from the predecessor when verifying a suffix.
	var prev *Entry
	if fromSeq > 1 {
		if p, err := l.store.GetBySeq(ctx, tenantID, fromSeq-1); err == nil {
			prev = p
		}
	}

	expected := fromSeq
	for _, e := range entries {
		if e.Seq != expected {
			fail(e.Seq, FailSeqGap)
			expected = e.Seq
		}
		expected++

		if _, err := DecodeBody(e.Body); err != nil {
			fail(e.Seq, FailDecodeError)
		}
		if ComputeEntryHash(e.PreviousHash, e.Body) != e.EntryHash {
			fail(e.Seq, FailHashMismatch)
		}
		if e.Seq == 1 {
			if !e.PreviousHash.IsZero() {
				fail(e.Seq, FailHashMismatch)
			}
		} else if prev != nil {
			if e.PreviousHash != ComputeEntryHash(prev.PreviousHash, prev.Body) {
				fail(e.Seq, FailHashMismatch)
			}
			if e.Timestamp.Before(prev.Timestamp) {
				fail(e.Seq, FailTimestampRegression)
			}
		}

		valid, known := l.ring.VerifyAt(e.Timestamp, e.EntryHash[:], e.Signature)
		switch {
		case !known:
			fail(e.Seq, FailUnknownSigner)
		case !valid:
			fail(e.Seq, FailSignatureInvalid)
		}
		prev = e
	}
	return res, nil
}
