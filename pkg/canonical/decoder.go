package canonical

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/attestor-io/verdict/pkg/contracts"
)

// Decode errors. ErrTruncated covers any read past the end of the input;
// ErrTrailingBytes is returned by Finish when input remains after a record
// has been fully decoded (unknown fields are forbidden).
var (
	ErrTruncated     = errors.New("canonical: truncated input")
	ErrTrailingBytes = errors.New("canonical: trailing bytes after record")
)

// Decoder reads canonical primitives from a byte string. Every method
// returns an error on malformed input; none panics.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder wraps b without copying it.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// Finish returns ErrTrailingBytes unless the input is fully consumed.
func (d *Decoder) Finish() error {
	if d.Remaining() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingBytes, d.Remaining())
	}
	return nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrTruncated
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

// U8 reads one byte.
func (d *Decoder) U8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a big-endian uint16.
func (d *Decoder) U16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// U32 reads a big-endian uint32.
func (d *Decoder) U32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// U64 reads a big-endian uint64.
func (d *Decoder) U64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// I64 reads a big-endian two's-complement int64.
func (d *Decoder) I64() (int64, error) {
	v, err := d.U64()
	return int64(v), err
}

// Bool reads a strict 0x00/0x01 byte.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.U8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("canonical: invalid bool byte 0x%02x", v)
}

// String reads a length-prefixed string and rejects byte sequences the
// encoder could not have produced: invalid UTF-8 or non-NFC forms.
func (d *Decoder) String() (string, error) {
	n, err := d.U32()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("canonical: string is not valid UTF-8")
	}
	if !norm.NFC.IsNormal(b) {
		return "", fmt.Errorf("canonical: string is not NFC-normalized")
	}
	return string(b), nil
}

// Bytes reads a length-prefixed byte string.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Digest reads 32 raw digest bytes.
func (d *Decoder) Digest() (contracts.Digest, error) {
	var dg contracts.Digest
	b, err := d.take(contracts.DigestSize)
	if err != nil {
		return dg, err
	}
	copy(dg[:], b)
	return dg, nil
}

// Time reads an int64 microsecond timestamp as a UTC instant.
func (d *Decoder) Time() (time.Time, error) {
	us, err := d.I64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(us).UTC(), nil
}

// OptionalString reads a presence-tagged string; absent decodes as "".
func (d *Decoder) OptionalString() (string, error) {
	present, err := d.Bool()
	if err != nil {
		return "", err
	}
	if !present {
		return "", nil
	}
	s, err := d.String()
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("canonical: present optional string is empty")
	}
	return s, nil
}

// OptionalU8 reads a presence-tagged byte.
func (d *Decoder) OptionalU8() (uint8, bool, error) {
	present, err := d.Bool()
	if err != nil || !present {
		return 0, false, err
	}
	v, err := d.U8()
	return v, err == nil, err
}

// OptionalTime reads a presence-tagged timestamp.
func (d *Decoder) OptionalTime() (*time.Time, error) {
	present, err := d.Bool()
	if err != nil || !present {
		return nil, err
	}
	t, err := d.Time()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Scalar reads a kind-tagged scalar value.
func (d *Decoder) Scalar() (contracts.Scalar, error) {
	kind, err := d.U8()
	if err != nil {
		return contracts.Scalar{}, err
	}
	switch contracts.ScalarKind(kind) {
	case contracts.ScalarString:
		s, err := d.String()
		if err != nil {
			return contracts.Scalar{}, err
		}
		return contracts.StringScalar(s), nil
	case contracts.ScalarInt:
		i, err := d.I64()
		if err != nil {
			return contracts.Scalar{}, err
		}
		return contracts.IntScalar(i), nil
	case contracts.ScalarBool:
		b, err := d.Bool()
		if err != nil {
			return contracts.Scalar{}, err
		}
		return contracts.BoolScalar(b), nil
	}
	return contracts.Scalar{}, fmt.Errorf("canonical: unknown scalar kind 0x%02x", kind)
}

// ContextMap reads a counted, key-sorted map and rejects out-of-order or
// duplicate keys.
func (d *Decoder) ContextMap() (contracts.ContextMap, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	m := make(contracts.ContextMap, n)
	prev := ""
	for i := uint32(0); i < n; i++ {
		k, err := d.String()
		if err != nil {
			return nil, err
		}
		if i > 0 && k <= prev {
			return nil, fmt.Errorf("canonical: map keys not strictly ascending at %q", k)
		}
		v, err := d.Scalar()
		if err != nil {
			return nil, err
		}
		m[k] = v
		prev = k
	}
	return m, nil
}
