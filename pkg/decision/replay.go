package decision

import (
	"sync"
	"time"

	"github.com/attestor-io/verdict/pkg/canonical"
	"github.com/attestor-io/verdict/pkg/contracts"
)

// DefaultReplayWindow is how long a decided request stays replayable under
// its tenant and request id.
const DefaultReplayWindow = 10 * time.Minute

// replayDigest covers exactly what the caller sent, keyed under the ids the
// cache indexes by. The frozen wall clock is deliberately excluded: a retry
// carries the same content at a later instant and must compare equal.
func replayDigest(tenantID, requestID string, ext *contracts.ExternalRequest) contracts.Digest {
	e := canonical.NewEncoder()
	e.PutString(tenantID)
	e.PutString(requestID)
	e.PutString(ext.ActorID)
	e.PutString(ext.ActionID)
	e.PutOptionalString(ext.ResourceID)
	e.PutOptionalString(ext.DataClass)
	e.PutContextMap(ext.Context)
	e.PutOptionalU8(ext.RiskLevel != 0, ext.RiskLevel)
	e.PutI64(ext.RequestedTTLSeconds)
	return contracts.NewDigest(e.Bytes())
}

type replayKey struct {
	tenantID  string
	requestID string
}

type replayEntry struct {
	digest    contracts.Digest
	response  *contracts.DecisionResponse
	decidedAt time.Time
}

// replayCache remembers completed decisions so a retry with the same tenant
// and request id inside the window returns the original response verbatim.
// Only caller-supplied request ids are cached; a generated id is never seen
// by the caller again, so it can never be replayed.
type replayCache struct {
	window time.Duration

	mu        sync.Mutex
	entries   map[replayKey]replayEntry
	lastSweep time.Time
}

func newReplayCache(window time.Duration) *replayCache {
	return &replayCache{
		window:  window,
		entries: make(map[replayKey]replayEntry),
	}
}

// lookup returns the cached response for an in-window retry with matching
// content, or conflict=true when the same id was used with different content.
func (c *replayCache) lookup(tenantID, requestID string, digest contracts.Digest, now time.Time) (resp *contracts.DecisionResponse, conflict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[replayKey{tenantID, requestID}]
	if !ok || now.Sub(e.decidedAt) > c.window {
		return nil, false
	}
	if e.digest != digest {
		return nil, true
	}
	return e.response, false
}

// store records a completed decision, sweeping expired entries at most once
// per window so the map stays bounded by recent traffic.
func (c *replayCache) store(tenantID, requestID string, digest contracts.Digest, resp *contracts.DecisionResponse, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) >= c.window {
		for k, e := range c.entries {
			if now.Sub(e.decidedAt) > c.window {
				delete(c.entries, k)
			}
		}
		c.lastSweep = now
	}
	c.entries[replayKey{tenantID, requestID}] = replayEntry{
		digest:    digest,
		response:  resp,
		decidedAt: now,
	}
}
