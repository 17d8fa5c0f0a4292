package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KeyEntry is one public key with its validity interval. A zero ValidUntil
// means the key is open-ended. Rotation introduces a new entry with a later
// ValidFrom; overlapping intervals are allowed during cutover.
type KeyEntry struct {
	PublicKey  ed25519.PublicKey
	ValidFrom  time.Time
	ValidUntil time.Time
}

func (k KeyEntry) covers(t time.Time) bool {
	if t.Before(k.ValidFrom) {
		return false
	}
	return k.ValidUntil.IsZero() || t.Before(k.ValidUntil)
}

// KeyRing verifies signatures against the set of published keys. Ledger
// verification selects candidates by the entry's timestamp, so rotation
// never invalidates history.
type KeyRing struct {
	mu   sync.RWMutex
	keys []KeyEntry
}

// NewKeyRing builds a ring from the given entries.
func NewKeyRing(entries ...KeyEntry) (*KeyRing, error) {
	r := &KeyRing{}
	for _, e := range entries {
		if err := r.Add(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a key entry. Entries are kept sorted by ValidFrom.
func (r *KeyRing) Add(e KeyEntry) error {
	if len(e.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("public key length %d, want %d", len(e.PublicKey), ed25519.PublicKeySize)
	}
	if !e.ValidUntil.IsZero() && !e.ValidFrom.Before(e.ValidUntil) {
		return fmt.Errorf("key %s: valid_from is not before valid_until", hex.EncodeToString(e.PublicKey[:8]))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, e)
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i].ValidFrom.Before(r.keys[j].ValidFrom) })
	return nil
}

// KeysAt returns every key whose validity interval covers t.
func (r *KeyRing) KeysAt(t time.Time) []ed25519.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ed25519.PublicKey
	for _, k := range r.keys {
		if k.covers(t) {
			out = append(out, k.PublicKey)
		}
	}
	return out
}

// VerifyAt checks sig over data against the keys valid at t. known is false
// when no key covers t at all, which callers report as an unknown signer
// rather than an invalid signature.
func (r *KeyRing) VerifyAt(t time.Time, data, sig []byte) (valid, known bool) {
	candidates := r.KeysAt(t)
	if len(candidates) == 0 {
		return false, false
	}
	for _, pub := range candidates {
		if Verify(pub, data, sig) {
			return true, true
		}
	}
	return false, true
}

// Len returns the number of registered keys.
func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
