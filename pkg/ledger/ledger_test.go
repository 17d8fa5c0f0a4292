package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/crypto"
)

var baseTime = time.Date(2025, 3, 12, 14, 30, 0, 0, time.UTC)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *MemoryStore) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatal(err)
	}
	ring, err := crypto.NewKeyRing(crypto.KeyEntry{PublicKey: signer.PublicKey(), ValidFrom: time.Unix(0, 0)})
	if err != nil {
		t.Fatal(err)
	}
	store := NewMemoryStore()
	return New(store, signer, ring, opts...), store
}

func appendN(t *testing.T, l *Ledger, tenantID string, n int) []*Entry {
	t.Helper()
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), tenantID, baseTime.Add(time.Duration(i)*time.Second),
			EventDecision, []byte(fmt.Sprintf("payload-%d", i+1)))
		if err != nil {
			t.Fatalf("append %d: %v", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func hasFailure(res VerifyResult, seq uint64, reason string) bool {
	for _, f := range res.Failures {
		if f.Seq == seq && f.Reason == reason {
			return true
		}
	}
	return false
}

func TestAppendGenesis(t *testing.T) {
	l, _ := newTestLedger(t)
	e, err := l.Append(context.Background(), "acme", baseTime, EventDecision, []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", e.Seq)
	}
	if !e.PreviousHash.IsZero() {
		t.Fatal("genesis previous hash must be all zero bytes")
	}
	if e.EntryHash != ComputeEntryHash(contracts.Digest{}, e.Body) {
		t.Fatal("entry hash must chain from the zero digest")
	}
}

func TestChainLinks(t *testing.T) {
	l, _ := newTestLedger(t)
	entries := appendN(t, l, "acme", 3)

	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousHash != entries[i-1].EntryHash {
			t.Fatalf("entry %d previous_hash does not match entry %d entry_hash", i+1, i)
		}
		if entries[i].Seq != entries[i-1].Seq+1 {
			t.Fatalf("seq not contiguous at %d", i+1)
		}
	}
}

func TestAppendSignsEntryHash(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatal(err)
	}
	ring, err := crypto.NewKeyRing(crypto.KeyEntry{PublicKey: signer.PublicKey(), ValidFrom: time.Unix(0, 0)})
	if err != nil {
		t.Fatal(err)
	}
	l := New(NewMemoryStore(), signer, ring)

	e, err := l.Append(context.Background(), "acme", baseTime, EventPolicyLoaded, []byte("p"))
	if err != nil {
		t.Fatal(err)
	}
	if !crypto.Verify(signer.PublicKey(), e.EntryHash[:], e.Signature) {
		t.Fatal("signature must verify over the entry hash")
	}
}

func TestVerifyCleanChain(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, "acme", 5)

	res, err := l.Verify(context.Background(), "acme", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || len(res.Failures) != 0 {
		t.Fatalf("expected clean chain, got %+v", res.Failures)
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	l, _ := newTestLedger(t)
	res, err := l.Verify(context.Background(), "nobody", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("an empty range has nothing to fail")
	}
}

func TestTamperedPayloadBreaksChain(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, "acme", 5)

	// Flip one byte inside entry #3's payload in the storage layer.
	body := store.entries["acme"][2].Body
	body[len(body)-1] ^= 0x01

	res, err := l.Verify(context.Background(), "acme", 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("tampering must fail verification")
	}
	if len(res.Failures) != 2 {
		t.Fatalf("expected exactly two failures, got %+v", res.Failures)
	}
	if !hasFailure(res, 3, FailHashMismatch) {
		t.Fatalf("entry 3 must fail its own hash check: %+v", res.Failures)
	}
	if !hasFailure(res, 4, FailHashMismatch) {
		t.Fatalf("entry 4 must fail continuity against the recomputed predecessor: %+v", res.Failures)
	}
}

func TestVerifySuffixSeedsFromPredecessor(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, "acme", 5)

	res, err := l.Verify(context.Background(), "acme", 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("clean suffix must verify: %+v", res.Failures)
	}

	// Corrupting entry 2 (outside the range) must surface as a continuity
	// failure on entry 3, the first in range.
	body := store.entries["acme"][1].Body
	body[len(body)-1] ^= 0x01

	res, err = l.Verify(context.Background(), "acme", 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !hasFailure(res, 3, FailHashMismatch) {
		t.Fatalf("expected continuity failure at 3, got %+v", res.Failures)
	}
}

func TestTimestampClampIsMonotonic(t *testing.T) {
	l, _ := newTestLedger(t)

	first, err := l.Append(context.Background(), "acme", baseTime, EventDecision, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	// Caller clock skewed backwards by ten minutes.
	second, err := l.Append(context.Background(), "acme", baseTime.Add(-10*time.Minute), EventDecision, []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Fatalf("timestamp regressed: %v < %v", second.Timestamp, first.Timestamp)
	}
	if !second.Timestamp.Equal(first.Timestamp) {
		t.Fatalf("skewed caller clock must clamp to the tail timestamp, got %v", second.Timestamp)
	}

	res, err := l.Verify(context.Background(), "acme", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("clamped chain must verify: %+v", res.Failures)
	}
}

func TestTenantChainsAreIndependent(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, "acme", 3)
	e, err := l.Append(context.Background(), "globex", baseTime, EventDecision, []byte("g"))
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 1 {
		t.Fatalf("each tenant starts at seq 1, got %d", e.Seq)
	}
	if !e.PreviousHash.IsZero() {
		t.Fatal("each tenant has its own genesis")
	}

	tail, ok, err := l.Tail(context.Background(), "acme")
	if err != nil || !ok {
		t.Fatalf("tail: %v ok=%v", err, ok)
	}
	if tail.Seq != 3 {
		t.Fatalf("acme tail seq = %d, want 3", tail.Seq)
	}
}

func TestSeqGapDetected(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, "acme", 5)

	// Drop entry 3 from storage.
	es := store.entries["acme"]
	store.entries["acme"] = append(es[:2:2], es[3:]...)

	res, err := l.Verify(context.Background(), "acme", 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !hasFailure(res, 4, FailSeqGap) {
		t.Fatalf("expected seq gap at 4, got %+v", res.Failures)
	}
}

func TestTimestampRegressionDetected(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, "acme", 3)

	// Rewind entry 2's index timestamp behind its predecessor.
	store.entries["acme"][1].Timestamp = baseTime.Add(-time.Hour)

	res, err := l.Verify(context.Background(), "acme", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !hasFailure(res, 2, FailTimestampRegression) {
		t.Fatalf("expected timestamp regression at 2, got %+v", res.Failures)
	}
}

func TestUnknownSignerReported(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatal(err)
	}
	// The ring's only key becomes valid long after the entries are written.
	ring, err := crypto.NewKeyRing(crypto.KeyEntry{PublicKey: signer.PublicKey(), ValidFrom: baseTime.Add(24 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	l := New(NewMemoryStore(), signer, ring)

	if _, err := l.Append(context.Background(), "acme", baseTime, EventDecision, []byte("a")); err != nil {
		t.Fatal(err)
	}
	res, err := l.Verify(context.Background(), "acme", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !hasFailure(res, 1, FailUnknownSigner) {
		t.Fatalf("expected unknown signer at 1, got %+v", res.Failures)
	}
}

func TestSignatureInvalidReported(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, "acme", 2)

	store.entries["acme"][0].Signature[0] ^= 0x01

	res, err := l.Verify(context.Background(), "acme", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !hasFailure(res, 1, FailSignatureInvalid) {
		t.Fatalf("expected invalid signature at 1, got %+v", res.Failures)
	}
	// The scan must not stop at the first failure.
	if hasFailure(res, 2, FailSignatureInvalid) {
		t.Fatal("entry 2's signature is intact")
	}
}

func TestDecodeErrorReported(t *testing.T) {
	l, store := newTestLedger(t)
	appendN(t, l, "acme", 1)

	store.entries["acme"][0].Body = store.entries["acme"][0].Body[:4]

	res, err := l.Verify(context.Background(), "acme", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !hasFailure(res, 1, FailDecodeError) {
		t.Fatalf("expected decode error at 1, got %+v", res.Failures)
	}
}

func TestInvalidEventTypeRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.Append(context.Background(), "acme", baseTime, EventType(9), nil); err == nil {
		t.Fatal("expected invalid event type error")
	}
}

// blockingStore stalls Append until released so tests can hold the tenant
// lock at a known point.
type blockingStore struct {
	Store
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Append(ctx context.Context, e *Entry) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Store.Append(ctx, e)
}

func TestBackpressureFailsFast(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatal(err)
	}
	ring, err := crypto.NewKeyRing(crypto.KeyEntry{PublicKey: signer.PublicKey(), ValidFrom: time.Unix(0, 0)})
	if err != nil {
		t.Fatal(err)
	}
	store := &blockingStore{Store: NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	l := New(store, signer, ring, WithMaxWaiters(0))

	done := make(chan error, 1)
	go func() {
		_, err := l.Append(context.Background(), "acme", baseTime, EventDecision, []byte("slow"))
		done <- err
	}()
	<-store.entered

	// One append holds the lock and zero waiters are allowed.
	_, err = l.Append(context.Background(), "acme", baseTime, EventDecision, []byte("rejected"))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Other tenants are unaffected by this tenant's pressure.
	close(store.release)
	if _, err := l.Append(context.Background(), "globex", baseTime, EventDecision, []byte("ok")); err != nil {
		t.Fatalf("other tenant append: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("held append: %v", err)
	}
}

func TestAppendCancelledWhileWaiting(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatal(err)
	}
	ring, err := crypto.NewKeyRing(crypto.KeyEntry{PublicKey: signer.PublicKey(), ValidFrom: time.Unix(0, 0)})
	if err != nil {
		t.Fatal(err)
	}
	store := &blockingStore{Store: NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	l := New(store, signer, ring)

	done := make(chan error, 1)
	go func() {
		_, err := l.Append(context.Background(), "acme", baseTime, EventDecision, []byte("slow"))
		done <- err
	}()
	<-store.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Append(ctx, "acme", baseTime, EventDecision, []byte("waiting"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled while waiting for the lock, got %v", err)
	}

	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("held append: %v", err)
	}
}

func TestConcurrentAppendsStayOrdered(t *testing.T) {
	l, _ := newTestLedger(t)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), "acme", baseTime.Add(time.Duration(i)*time.Millisecond),
				EventDecision, []byte(fmt.Sprintf("p-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	tail, ok, err := l.Tail(context.Background(), "acme")
	if err != nil || !ok {
		t.Fatalf("tail: %v ok=%v", err, ok)
	}
	if tail.Seq != n {
		t.Fatalf("tail seq = %d, want %d", tail.Seq, n)
	}
	res, err := l.Verify(context.Background(), "acme", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("concurrent chain must verify: %+v", res.Failures)
	}
}

func TestRangeAndGetBySeq(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, "acme", 5)

	got, err := l.Range(context.Background(), "acme", 2, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Seq != 2 || got[2].Seq != 4 {
		t.Fatalf("unexpected range result: %+v", got)
	}

	limited, err := l.Range(context.Background(), "acme", 1, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored, got %d entries", len(limited))
	}

	e, err := l.GetBySeq(context.Background(), "acme", 3)
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 3 || string(e.Payload) != "payload-3" {
		t.Fatalf("unexpected entry: seq=%d payload=%q", e.Seq, e.Payload)
	}

	if _, err := l.GetBySeq(context.Background(), "acme", 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBodyRoundTrip(t *testing.T) {
	body := EncodeBody("acme", 7, baseTime, EventPolicyLoaded, []byte{0xde, 0xad})
	e, err := DecodeBody(body)
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 7 || e.TenantID != "acme" || e.EventType != EventPolicyLoaded {
		t.Fatalf("round trip mismatch: %+v", e)
	}
	if !e.Timestamp.Equal(baseTime) {
		t.Fatalf("timestamp mismatch: %v", e.Timestamp)
	}
	if string(e.Payload) != string([]byte{0xde, 0xad}) {
		t.Fatalf("payload mismatch: %x", e.Payload)
	}

	if _, err := DecodeBody(append(body, 0x00)); err == nil {
		t.Fatal("trailing bytes must fail decode")
	}
}
