package policy

import "sync/atomic"

// Active is the single swappable reference to the policy currently in
// effect. Readers capture the reference once at ingress with Current and
// use it for the whole decision; a concurrent Publish never affects an
// in-flight evaluation.
type Active struct {
	ptr atomic.Pointer[Policy]
}

// NewActive returns an empty holder. Current returns nil until the first
// Publish.
func NewActive() *Active { return &Active{} }

// Current atomically loads the policy in effect, or nil if none was
// published yet.
func (a *Active) Current() *Policy { return a.ptr.Load() }

// Publish atomically swaps in a finalized policy and returns the previous
// one (nil on first publish). Publishing a non-finalized policy panics: it
// would expose a policy without a version hash, which nothing downstream
// can handle.
func (a *Active) Publish(p *Policy) *Policy {
	if p == nil || !p.finalized {
		panic("policy: publish of non-finalized policy")
	}
	return a.ptr.Swap(p)
}
