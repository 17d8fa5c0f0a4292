package canonical

import (
	"bytes"
	"testing"
	"time"

	"github.com/attestor-io/verdict/pkg/contracts"
)

func FuzzDecodeTokenBody(f *testing.F) {
	seed := &contracts.CapabilityToken{
		RequestDigest:     contracts.NewDigest([]byte("seed")),
		ActorID:           "model",
		ActionID:          "search_web",
		DataClass:         "pii",
		IssuedAt:          time.UnixMicro(1700000000000000),
		ExpiresAt:         time.UnixMicro(1700000000500000),
		PolicyVersionHash: contracts.NewDigest([]byte("policy")),
	}
	f.Add(EncodeTokenBody(seed))
	f.Add([]byte{})
	f.Add([]byte{0x00, 0x01, 0x02})

	f.Fuzz(func(t *testing.T, data []byte) {
		tok, err := DecodeTokenBody(data)
		if err != nil {
			return
		}
		// Accepted input must be the unique canonical form: re-encoding
		// reproduces it byte for byte.
		if !bytes.Equal(EncodeTokenBody(tok), data) {
			t.Errorf("decode/encode not canonical for %x", data)
		}
	})
}

func FuzzDecoderScalar(f *testing.F) {
	e := NewEncoder()
	e.PutScalar(contracts.StringScalar("x"))
	f.Add(e.Bytes())
	f.Add([]byte{1, 0, 0, 0, 0, 0, 0, 0, 9})
	f.Add([]byte{9})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoder(data)
		s, err := d.Scalar()
		if err != nil {
			return
		}
		re := NewEncoder()
		re.PutScalar(s)
		if !bytes.Equal(re.Bytes(), data[:len(data)-d.Remaining()]) {
			t.Errorf("scalar decode/encode not canonical for %x", data)
		}
	})
}
