// Package ledger maintains one append-only, hash-chained record sequence
// per tenant. Every entry's hash depends on its predecessor's hash, every
// hash is signed, and appends are serialized per tenant so the chain is
// always well-defined. Entries are never mutated, deleted or reordered.
package ledger

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/attestor-io/verdict/pkg/canonical"
	"github.com/attestor-io/verdict/pkg/contracts"
)

// EventType tags what kind of record an entry carries.
type EventType uint8

// Event types. Tags are part of the canonical body encoding and must never
// be renumbered.
const (
	EventDecision     EventType = 1
	EventPolicyLoaded EventType = 2
)

// String implements fmt.Stringer.
func (e EventType) String() string {
	switch e {
	case EventDecision:
		return "decision"
	case EventPolicyLoaded:
		return "policy_loaded"
	}
	return fmt.Sprintf("event_type(%d)", uint8(e))
}

func validEventType(e EventType) bool {
	return e == EventDecision || e == EventPolicyLoaded
}

// Entry is one committed ledger record. Body holds the exact canonical
// bytes the entry hash was computed over; stores persist Body verbatim and
// verification recomputes hashes from it, never from re-encoded fields.
type Entry struct {
	TenantID     string           `json:"tenant_id"`
	Seq          uint64           `json:"seq"`
	Timestamp    time.Time        `json:"timestamp"`
	EventType    EventType        `json:"event_type"`
	Payload      []byte           `json:"payload"`
	Body         []byte           `json:"-"`
	PreviousHash contracts.Digest `json:"previous_hash"`
	EntryHash    contracts.Digest `json:"entry_hash"`
	Signature    []byte           `json:"signature"`
}

// EncodeBody produces the canonical body form:
// u64 seq | i64 timestamp µs | u8 event tag | tenant_id | payload.
func EncodeBody(tenantID string, seq uint64, ts time.Time, et EventType, payload []byte) []byte {
	e := canonical.NewEncoder()
	e.PutU64(seq)
	e.PutTime(ts)
	e.PutU8(uint8(et))
	e.PutString(tenantID)
	e.PutBytes(payload)
	return e.Bytes()
}

// DecodeBody parses a canonical body. Bodies with unknown event tags or
// trailing bytes fail: the encoding owns its schema.
func DecodeBody(b []byte) (*Entry, error) {
	d := canonical.NewDecoder(b)
	var e Entry
	var err error
	if e.Seq, err = d.U64(); err != nil {
		return nil, err
	}
	if e.Timestamp, err = d.Time(); err != nil {
		return nil, err
	}
	var tag uint8
	if tag, err = d.U8(); err != nil {
		return nil, err
	}
	e.EventType = EventType(tag)
	if !validEventType(e.EventType) {
		return nil, fmt.Errorf("ledger: unknown event type tag %d", tag)
	}
	if e.TenantID, err = d.String(); err != nil {
		return nil, err
	}
	if e.Payload, err = d.Bytes(); err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	e.Body = append([]byte(nil), b...)
	return &e, nil
}

// ComputeEntryHash chains an entry to its predecessor:
// SHA-256(previous_hash ‖ body). The genesis previous hash is 32 zero
// bytes.
func ComputeEntryHash(prev contracts.Digest, body []byte) contracts.Digest {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(body)
	var d contracts.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// microsToTime restores a canonical µs timestamp from storage.
func microsToTime(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
