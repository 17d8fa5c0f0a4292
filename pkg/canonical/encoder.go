// Package canonical implements the deterministic binary encoding used for
// every hash and signature in the system. Equal values always produce
// byte-identical output: strings are NFC-normalized UTF-8 with a u32
// big-endian length prefix, integers are fixed-width big-endian, maps are
// serialized in ascending key-byte order, optional fields carry a one-byte
// presence tag, and floating point is not representable at all.
package canonical

import (
	"encoding/binary"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/attestor-io/verdict/pkg/contracts"
)

// Encoder builds a canonical byte string. The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with a small preallocated buffer.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes returns the encoded output. The slice aliases the encoder's buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int { return len(e.buf) }

// PutU8 appends a single byte.
func (e *Encoder) PutU8(v uint8) {
	e.buf = append(e.buf, v)
}

// PutU16 appends a big-endian uint16.
func (e *Encoder) PutU16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

// PutU32 appends a big-endian uint32.
func (e *Encoder) PutU32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// PutU64 appends a big-endian uint64.
func (e *Encoder) PutU64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

// PutI64 appends a big-endian two's-complement int64.
func (e *Encoder) PutI64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

// PutBool appends 0x00 or 0x01.
func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// PutString appends a u32 length prefix followed by the NFC-normalized
// UTF-8 bytes of s.
func (e *Encoder) PutString(s string) {
	n := norm.NFC.String(s)
	e.PutU32(uint32(len(n)))
	e.buf = append(e.buf, n...)
}

// PutBytes appends a u32 length prefix followed by b verbatim.
func (e *Encoder) PutBytes(b []byte) {
	e.PutU32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// PutDigest appends the 32 digest bytes with no length prefix.
func (e *Encoder) PutDigest(d contracts.Digest) {
	e.buf = append(e.buf, d[:]...)
}

// PutTime appends the instant as int64 microseconds since the Unix epoch.
func (e *Encoder) PutTime(t time.Time) {
	e.PutI64(t.UnixMicro())
}

// PutOptionalString appends an absence tag for "" or a presence tag
// followed by the string. Identifier fields use the empty string as their
// absent value since the id grammar forbids it.
func (e *Encoder) PutOptionalString(s string) {
	if s == "" {
		e.PutU8(0)
		return
	}
	e.PutU8(1)
	e.PutString(s)
}

// PutOptionalU8 appends an absence tag when present is false, otherwise a
// presence tag followed by the value.
func (e *Encoder) PutOptionalU8(present bool, v uint8) {
	if !present {
		e.PutU8(0)
		return
	}
	e.PutU8(1)
	e.PutU8(v)
}

// PutOptionalTime appends the absence tag for nil, otherwise the presence
// tag and the instant in microseconds.
func (e *Encoder) PutOptionalTime(t *time.Time) {
	if t == nil {
		e.PutU8(0)
		return
	}
	e.PutU8(1)
	e.PutTime(*t)
}

// PutScalar appends the scalar's kind tag and value.
func (e *Encoder) PutScalar(s contracts.Scalar) {
	e.PutU8(uint8(s.Kind))
	switch s.Kind {
	case contracts.ScalarString:
		e.PutString(s.Str)
	case contracts.ScalarInt:
		e.PutI64(s.Int)
	case contracts.ScalarBool:
		e.PutBool(s.Bool)
	}
}

// PutContextMap appends the pair count followed by the entries in ascending
// key-byte order.
func (e *Encoder) PutContextMap(m contracts.ContextMap) {
	keys := m.SortedKeys()
	e.PutU32(uint32(len(keys)))
	for _, k := range keys {
		e.PutString(k)
		e.PutScalar(m[k])
	}
}

// PutStringSlice appends the count followed by each string in the given
// order. Callers sort when the sequence is a set.
func (e *Encoder) PutStringSlice(ss []string) {
	e.PutU32(uint32(len(ss)))
	for _, s := range ss {
		e.PutString(s)
	}
}
