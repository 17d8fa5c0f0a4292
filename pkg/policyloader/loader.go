// Package policyloader turns policy documents into published policy
// versions: YAML parsing, structural validation against a JSON schema,
// semantic validation, canonical hashing via Finalize, atomic publish and
// a policy_loaded audit entry. A load that fails anywhere leaves the
// previously active policy untouched.
package policyloader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/attestor-io/verdict/pkg/canonical"
	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/ledger"
	"github.com/attestor-io/verdict/pkg/policy"
)

// SystemTenant is the reserved chain carrying policy lifecycle events.
const SystemTenant = "system"

// Recorder appends policy lifecycle events to the audit chain.
type Recorder interface {
	Append(ctx context.Context, tenantID string, at time.Time, et ledger.EventType, payload []byte) (*ledger.Entry, error)
}

// Loader parses, validates and publishes policy versions.
type Loader struct {
	mu       sync.Mutex
	active   *policy.Active
	recorder Recorder
	log      *slog.Logger
	now      func() time.Time
}

// New creates a loader publishing into active and recording loads through
// recorder. A nil recorder skips the audit entry.
func New(active *policy.Active, recorder Recorder, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		active:   active,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

// LoadFile loads and publishes the policy document at path.
func (l *Loader) LoadFile(ctx context.Context, path string) (*policy.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyloader: read %s: %w", path, err)
	}
	p, err := l.Load(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("policyloader: load %s: %w", path, err)
	}
	return p, nil
}

// Load parses, validates, finalizes and publishes one policy document,
// then appends the policy_loaded entry naming the previous version hash.
func (l *Loader) Load(ctx context.Context, data []byte) (*policy.Policy, error) {
	p, err := l.Parse(data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var prevHash []byte
	if prev := l.active.Current(); prev != nil {
		h := prev.VersionHash()
		prevHash = h[:]
	}
	l.active.Publish(p)

	l.log.Info("policy published",
		"policy_id", p.PolicyID,
		"version", p.VersionString,
		"version_hash", p.VersionHash().Hex(),
		"mode", string(p.Mode))

	if l.recorder == nil {
		return p, nil
	}
	payload := encodeLoadedPayload(p, prevHash)
	if _, err := l.recorder.Append(ctx, SystemTenant, l.now(), ledger.EventPolicyLoaded, payload); err != nil {
		l.log.Error("policy load audit entry failed", "policy_id", p.PolicyID, "error", err)
		return nil, fmt.Errorf("policyloader: recording load: %w", err)
	}
	return p, nil
}

// Parse turns a document into a finalized policy without publishing it.
func (l *Loader) Parse(data []byte) (*policy.Policy, error) {
	if err := validateShape(data); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policyloader: parse document: %w", err)
	}

	if _, err := semver.NewVersion(doc.Version); err != nil {
		return nil, fmt.Errorf("policyloader: version %q: %w", doc.Version, err)
	}

	p, err := doc.toPolicy()
	if err != nil {
		return nil, fmt.Errorf("policyloader: policy %s: %w", doc.PolicyID, err)
	}
	if err := l.validate(p); err != nil {
		return nil, fmt.Errorf("policyloader: policy %s: %w", p.PolicyID, err)
	}
	if err := p.Finalize(); err != nil {
		return nil, fmt.Errorf("policyloader: policy %s: %w", p.PolicyID, err)
	}
	return p, nil
}

// validateShape checks the document against the JSON schema. YAML is
// round-tripped through encoding/json so the validator sees exactly the
// value shapes it expects.
func validateShape(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("policyloader: parse document: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("policyloader: document is not schema-checkable: %w", err)
	}
	var v any
	if err := json.Unmarshal(jsonBytes, &v); err != nil {
		return fmt.Errorf("policyloader: document is not schema-checkable: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("policyloader: document rejected by schema: %w", err)
	}
	return nil
}

// validate runs the cross-reference checks over an unfinalized policy.
func (l *Loader) validate(p *policy.Policy) error {
	if err := uniqueTermIDs("action", p.Actions); err != nil {
		return err
	}
	if err := uniqueTermIDs("actor", p.Actors); err != nil {
		return err
	}
	if err := uniqueTermIDs("data class", p.DataClasses); err != nil {
		return err
	}

	ruleIDs := make(map[string]string)
	claim := func(id, kind string) error {
		if other, dup := ruleIDs[id]; dup {
			return fmt.Errorf("rule id %s used by both %s and %s", id, other, kind)
		}
		ruleIDs[id] = kind
		return nil
	}

	actions := termIDs(p.Actions)
	actors := termIDs(p.Actors)
	dataClasses := termIDs(p.DataClasses)

	refOK := func(set map[string]bool, pattern string) bool {
		return pattern == policy.Wildcard || set[pattern]
	}

	for i := range p.Permits {
		r := &p.Permits[i]
		if err := claim(r.ID, "permit"); err != nil {
			return err
		}
		if !refOK(actors, r.Actor) {
			return fmt.Errorf("permit %s references unknown actor %q", r.ID, r.Actor)
		}
		if !refOK(actions, r.Action) {
			return fmt.Errorf("permit %s references unknown action %q", r.ID, r.Action)
		}
		if r.DataClass != "" && !refOK(dataClasses, r.DataClass) {
			return fmt.Errorf("permit %s references unknown data class %q", r.ID, r.DataClass)
		}
	}
	for i := range p.Forbids {
		r := &p.Forbids[i]
		if err := claim(r.ID, "forbid"); err != nil {
			return err
		}
		if !refOK(actors, r.Actor) {
			return fmt.Errorf("forbid %s references unknown actor %q", r.ID, r.Actor)
		}
		if !refOK(actions, r.Action) {
			return fmt.Errorf("forbid %s references unknown action %q", r.ID, r.Action)
		}
		if r.DataClass != "" && !refOK(dataClasses, r.DataClass) {
			return fmt.Errorf("forbid %s references unknown data class %q", r.ID, r.DataClass)
		}
	}
	for i := range p.Requires {
		r := &p.Requires[i]
		if err := claim(r.ID, "require"); err != nil {
			return err
		}
		if !refOK(actions, r.Action) {
			return fmt.Errorf("require %s references unknown action %q", r.ID, r.Action)
		}
	}
	for i := range p.Implications {
		r := &p.Implications[i]
		if err := claim(r.ID, "implication"); err != nil {
			return err
		}
		if !refOK(actions, r.Action) {
			return fmt.Errorf("implication %s references unknown action %q", r.ID, r.Action)
		}
		if !actions[r.Implies] {
			return fmt.Errorf("implication %s implies unknown action %q", r.ID, r.Implies)
		}
		if r.Action == r.Implies {
			return fmt.Errorf("implication %s implies its own action %q", r.ID, r.Action)
		}
	}

	// Permit/forbid overlap on an identical triple is legal (forbid wins at
	// evaluation) but usually a mistake, so it warns.
	type triple struct{ actor, action, dataClass string }
	forbidden := make(map[triple]string, len(p.Forbids))
	for i := range p.Forbids {
		r := &p.Forbids[i]
		forbidden[triple{r.Actor, r.Action, r.DataClass}] = r.ID
	}
	for i := range p.Permits {
		r := &p.Permits[i]
		if fid, ok := forbidden[triple{r.Actor, r.Action, r.DataClass}]; ok {
			l.log.Warn("permit shadowed by forbid on identical triple",
				"policy_id", p.PolicyID, "permit", r.ID, "forbid", fid)
		}
	}

	return nil
}

func uniqueTermIDs(kind string, terms []policy.Term) error {
	seen := make(map[string]bool, len(terms))
	for i := range terms {
		if seen[terms[i].ID] {
			return fmt.Errorf("duplicate %s id %q", kind, terms[i].ID)
		}
		seen[terms[i].ID] = true
	}
	return nil
}

func termIDs(terms []policy.Term) map[string]bool {
	out := make(map[string]bool, len(terms))
	for i := range terms {
		out[terms[i].ID] = true
	}
	return out
}

// encodeLoadedPayload builds the policy_loaded payload: policy id, the new
// version hash and optionally the hash it replaced.
func encodeLoadedPayload(p *policy.Policy, prevHash []byte) []byte {
	e := canonical.NewEncoder()
	e.PutString(p.PolicyID)
	e.PutDigest(p.VersionHash())
	if len(prevHash) == 0 {
		e.PutU8(0)
	} else {
		e.PutU8(1)
		var d contracts.Digest
		copy(d[:], prevHash)
		e.PutDigest(d)
	}
	return e.Bytes()
}
