// Package policy holds the immutable in-memory representation of a loaded
// policy version: the term lexicon, the relation graph, the evaluation mode
// and the content hash that is the policy's cryptographic identity.
package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/attestor-io/verdict/pkg/contracts"
)

// Wildcard matches any id of its kind in a relation pattern.
const Wildcard = "*"

// MaxTokenTTL bounds default_token_ttl and every minted token lifetime.
const MaxTokenTTL = 30 * time.Minute

// DefaultEscalationThreshold applies when a policy does not set its own.
const DefaultEscalationThreshold = 4

// Mode selects the default verdict when no forbid matched and no permit was
// satisfied.
type Mode string

// Modes.
const (
	ModeStrict     Mode = "strict"
	ModePermissive Mode = "permissive"
)

// Valid reports whether m is a defined mode.
func (m Mode) Valid() bool { return m == ModeStrict || m == ModePermissive }

// Term is one lexicon entry. Level carries the kind-specific attribute:
// risk_level for actions, trust_level for actors, sensitivity for data
// classes; zero means unset. Ids are case-sensitive and matched exactly.
type Term struct {
	ID          string
	Description string
	Level       uint8 // 1..5, 0 = unset
}

// Permit allows (actor, action, data_class?) when all conditions hold.
type Permit struct {
	ID         string
	Actor      string
	Action     string
	DataClass  string // "" matches any data class
	Conditions []Condition
}

// Forbid unconditionally denies (actor, action, data_class?). Forbids take
// absolute precedence over permits.
type Forbid struct {
	ID        string
	Actor     string
	Action    string
	DataClass string // "" matches any data class
	Reason    string
}

// Require attaches conditions that must hold for any allow of an action.
type Require struct {
	ID         string
	Action     string
	Conditions []Condition
}

// Implication couples two actions: deciding Action also evaluates Implies,
// and the effective verdict is the meet of the two.
type Implication struct {
	ID      string
	Action  string
	Implies string
}

// Policy is one immutable policy version. Construct it, call Finalize once,
// then treat it as read-only; the engine and the ledger only ever see
// finalized policies.
type Policy struct {
	PolicyID            string
	VersionString       string
	Mode                Mode
	Actions             []Term
	Actors              []Term
	DataClasses         []Term
	Permits             []Permit
	Forbids             []Forbid
	Requires            []Require
	Implications        []Implication
	DefaultTokenTTL     time.Duration
	EscalationThreshold uint8

	versionHash contracts.Digest
	finalized   bool

	actionIdx    map[string]*Term
	actorIdx     map[string]*Term
	dataClassIdx map[string]*Term
}

// Finalize sorts the lexicon and relations into canonical order, builds the
// lookup indexes and computes the version hash. It must be called exactly
// once, before the policy is published.
func (p *Policy) Finalize() error {
	if p.finalized {
		return fmt.Errorf("policy %s already finalized", p.PolicyID)
	}
	if p.EscalationThreshold == 0 {
		p.EscalationThreshold = DefaultEscalationThreshold
	}

	sortTerms := func(ts []Term) {
		sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
	}
	sortTerms(p.Actions)
	sortTerms(p.Actors)
	sortTerms(p.DataClasses)

	sort.Slice(p.Permits, func(i, j int) bool { return p.Permits[i].ID < p.Permits[j].ID })
	sort.Slice(p.Forbids, func(i, j int) bool { return p.Forbids[i].ID < p.Forbids[j].ID })
	sort.Slice(p.Requires, func(i, j int) bool { return p.Requires[i].ID < p.Requires[j].ID })
	sort.Slice(p.Implications, func(i, j int) bool { return p.Implications[i].ID < p.Implications[j].ID })

	for i := range p.Permits {
		normalizeConditions(p.Permits[i].Conditions)
	}
	for i := range p.Requires {
		normalizeConditions(p.Requires[i].Conditions)
	}

	p.actionIdx = indexTerms(p.Actions)
	p.actorIdx = indexTerms(p.Actors)
	p.dataClassIdx = indexTerms(p.DataClasses)

	encoded, err := encodePolicy(p)
	if err != nil {
		return fmt.Errorf("canonical encoding of policy %s: %w", p.PolicyID, err)
	}
	p.versionHash = contracts.NewDigest(encoded)
	p.finalized = true
	return nil
}

func indexTerms(ts []Term) map[string]*Term {
	idx := make(map[string]*Term, len(ts))
	for i := range ts {
		idx[ts[i].ID] = &ts[i]
	}
	return idx
}

// VersionHash is the content hash of the canonical policy encoding, the
// identity pinned by ledger entries and capability tokens.
func (p *Policy) VersionHash() contracts.Digest { return p.versionHash }

// Finalized reports whether Finalize has run.
func (p *Policy) Finalized() bool { return p.finalized }

// ActionTerm looks up an action by id.
func (p *Policy) ActionTerm(id string) (*Term, bool) {
	t, ok := p.actionIdx[id]
	return t, ok
}

// ActorTerm looks up an actor by id.
func (p *Policy) ActorTerm(id string) (*Term, bool) {
	t, ok := p.actorIdx[id]
	return t, ok
}

// DataClassTerm looks up a data class by id.
func (p *Policy) DataClassTerm(id string) (*Term, bool) {
	t, ok := p.dataClassIdx[id]
	return t, ok
}

// MatchesPattern reports whether a relation pattern segment matches an id.
func MatchesPattern(pattern, id string) bool {
	return pattern == Wildcard || pattern == id
}

// matchesDataClass applies the data-class rule: an absent pattern matches
// anything, including an absent request value.
func matchesDataClass(pattern, requested string) bool {
	if pattern == "" {
		return true
	}
	return MatchesPattern(pattern, requested)
}

// MatchesPermit reports whether the permit's patterns cover the triple.
func MatchesPermit(r *Permit, actor, action, dataClass string) bool {
	return MatchesPattern(r.Actor, actor) &&
		MatchesPattern(r.Action, action) &&
		matchesDataClass(r.DataClass, dataClass)
}

// MatchesForbid reports whether the forbid's patterns cover the triple.
func MatchesForbid(r *Forbid, actor, action, dataClass string) bool {
	return MatchesPattern(r.Actor, actor) &&
		MatchesPattern(r.Action, action) &&
		matchesDataClass(r.DataClass, dataClass)
}
