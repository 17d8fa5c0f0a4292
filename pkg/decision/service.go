// Package decision implements the request lifecycle around the pure engine:
// freeze the wall clock, validate, pin the active policy, evaluate, mint a
// capability token on allow, append the audit entry, respond. The ledger
// entry is durable before a response leaves this package, and every error
// surfaced to callers carries one of the six public kinds.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attestor-io/verdict/pkg/canonical"
	"github.com/attestor-io/verdict/pkg/capability"
	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/engine"
	"github.com/attestor-io/verdict/pkg/ledger"
	"github.com/attestor-io/verdict/pkg/policy"
)

// MaxContextBytes bounds the canonical encoding of a request context map.
const MaxContextBytes = 64 * 1024

// Clock abstracts the wall clock so decisions are reproducible in tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Metrics receives decision-path measurements. Implementations must not
// block: the sink is consulted after each step has already settled and a
// slow sink must never slow callers.
type Metrics interface {
	RecordDecision(ctx context.Context, verdict contracts.Verdict, took time.Duration)
	RecordLedgerAppend(ctx context.Context, took time.Duration)
	RecordBackpressure(ctx context.Context)
	RecordIntegrityFailure(ctx context.Context, stage string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDecision(context.Context, contracts.Verdict, time.Duration) {}
func (nopMetrics) RecordLedgerAppend(context.Context, time.Duration)                {}
func (nopMetrics) RecordBackpressure(context.Context)                               {}
func (nopMetrics) RecordIntegrityFailure(context.Context, string)                   {}

// Service orchestrates decisions. All fields are set at construction and
// never change; the only mutable state it owns is the replay cache.
type Service struct {
	active    *policy.Active
	evaluator *engine.Evaluator
	issuer    *capability.Issuer
	tokens    *capability.Verifier
	chain     *ledger.Ledger
	replays   *replayCache
	clock     Clock
	logger    *slog.Logger
	metrics   Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock substitutes the wall clock.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger overrides the default logger.
func WithLogger(lg *slog.Logger) Option {
	return func(s *Service) { s.logger = lg }
}

// WithMetrics attaches a measurement sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithReplayWindow overrides the idempotency retention window.
func WithReplayWindow(d time.Duration) Option {
	return func(s *Service) { s.replays = newReplayCache(d) }
}

// New builds a decision service over its collaborators.
func New(active *policy.Active, ev *engine.Evaluator, issuer *capability.Issuer, tokens *capability.Verifier, chain *ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		active:    active,
		evaluator: ev,
		issuer:    issuer,
		tokens:    tokens,
		chain:     chain,
		replays:   newReplayCache(DefaultReplayWindow),
		clock:     wallClock{},
		logger:    slog.Default(),
		metrics:   nopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decide runs one request through the full lifecycle. On success the
// returned response references a ledger entry that is already durable; on
// error nothing observable was committed, except that a deadline hit after
// the append still returns the response rather than an error.
func (s *Service) Decide(ctx context.Context, principal contracts.Principal, ext *contracts.ExternalRequest) (*contracts.DecisionResponse, error) {
	started := time.Now()

	if principal.TenantID == "" || principal.Subject == "" {
		return nil, contracts.Errorf(contracts.KindUnauthorized, "missing principal")
	}
	if !contracts.ValidIdentifier(principal.TenantID) {
		return nil, contracts.Errorf(contracts.KindUnauthorized, "principal tenant id %q is not a valid identifier", principal.TenantID)
	}
	if ext == nil {
		return nil, contracts.Errorf(contracts.KindInvalidRequest, "empty request")
	}

	// The one wall-clock read of the decision: request time, token issue
	// time and ledger clamp input all come from here.
	now := s.clock.Now().UTC()

	req, suppliedID, err := s.freeze(principal.TenantID, ext, now)
	if err != nil {
		return nil, err
	}

	var rdigest contracts.Digest
	if suppliedID {
		rdigest = replayDigest(req.TenantID, req.RequestID, ext)
		if prior, conflict := s.replays.lookup(req.TenantID, req.RequestID, rdigest, now); conflict {
			return nil, contracts.Errorf(contracts.KindConflict,
				"request id %q was already used with different content", req.RequestID)
		} else if prior != nil {
			s.logger.Debug("decision replayed",
				"tenant_id", req.TenantID, "request_id", req.RequestID, "decision_id", prior.DecisionID)
			return prior, nil
		}
	}

	pol := s.active.Current()
	if pol == nil {
		return nil, contracts.Errorf(contracts.KindUnavailable, "no policy in effect")
	}

	if err := ctx.Err(); err != nil {
		return nil, contracts.WrapError(contracts.KindTimeout, err, "deadline reached before evaluation")
	}

	outcome := s.evaluator.Evaluate(ctx, pol, req)
	reqDigest := canonical.RequestDigest(req)

	var token *contracts.CapabilityToken
	if outcome.Verdict == contracts.VerdictAllow {
		ttl := pol.DefaultTokenTTL
		if req := ext.RequestedTTL(); req > 0 && req < ttl {
			ttl = req
		}
		token, err = s.issuer.Mint(capability.MintSpec{
			RequestDigest:     reqDigest,
			ActorID:           req.ActorID,
			ActionID:          req.ActionID,
			DataClass:         req.DataClass,
			IssuedAt:          now,
			TTL:               ttl,
			PolicyVersionHash: pol.VersionHash(),
		})
		if err != nil {
			s.metrics.RecordIntegrityFailure(ctx, "token_mint")
			s.logger.Error("token mint failed", "tenant_id", req.TenantID, "request_id", req.RequestID, "err", err)
			return nil, contracts.WrapError(contracts.KindInternal, err, "minting capability token")
		}
	}

	traceDigest, err := canonical.ReasonTraceDigest(outcome.ReasonTrace)
	if err != nil {
		s.metrics.RecordIntegrityFailure(ctx, "trace_encode")
		s.logger.Error("reason trace encoding failed", "tenant_id", req.TenantID, "request_id", req.RequestID, "err", err)
		return nil, contracts.WrapError(contracts.KindInternal, err, "encoding reason trace")
	}

	rec := &Record{
		TenantID:          req.TenantID,
		DecisionID:        uuid.NewString(),
		RequestDigest:     reqDigest,
		Verdict:           outcome.Verdict,
		ReasonTraceDigest: traceDigest,
		PolicyVersionHash: pol.VersionHash(),
		IssuedAt:          now,
	}
	if token != nil {
		rec.TokenID = token.TokenID
		exp := token.ExpiresAt
		rec.ExpiresAt = &exp
	}

	appendStart := time.Now()
	entry, err := s.chain.Append(ctx, req.TenantID, now, ledger.EventDecision, EncodeRecord(rec))
	if err != nil {
		return nil, s.mapAppendErr(ctx, req, err)
	}
	s.metrics.RecordLedgerAppend(ctx, time.Since(appendStart))

	resp := &contracts.DecisionResponse{
		DecisionID:        rec.DecisionID,
		Verdict:           outcome.Verdict,
		ReasonTrace:       outcome.ReasonTrace,
		Token:             token,
		EntrySeq:          entry.Seq,
		EntryHash:         entry.EntryHash,
		EntrySignature:    entry.Signature,
		PolicyVersionHash: pol.VersionHash(),
		IssuedAt:          now,
		ExpiresAt:         rec.ExpiresAt,
	}
	if suppliedID {
		s.replays.store(req.TenantID, req.RequestID, rdigest, resp, now)
	}

	s.logger.Info("decision",
		"tenant_id", req.TenantID,
		"decision_id", rec.DecisionID,
		"verdict", outcome.Verdict.String(),
		"action_id", req.ActionID,
		"seq", entry.Seq)
	s.metrics.RecordDecision(ctx, outcome.Verdict, time.Since(started))
	return resp, nil
}

// mapAppendErr classifies an append failure. A full queue is retryable, a
// deadline or cancellation while waiting never wrote anything, and anything
// else is a fatal integrity failure.
func (s *Service) mapAppendErr(ctx context.Context, req *contracts.DecisionRequest, err error) error {
	switch {
	case errors.Is(err, ledger.ErrBusy):
		s.metrics.RecordBackpressure(ctx)
		return contracts.WrapError(contracts.KindUnavailable, err,
			"ledger append queue full; retry with the same request id")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return contracts.WrapError(contracts.KindTimeout, err, "deadline reached before the audit append")
	default:
		s.metrics.RecordIntegrityFailure(ctx, "ledger_append")
		s.logger.Error("ledger append failed", "tenant_id", req.TenantID, "request_id", req.RequestID, "err", err)
		return contracts.WrapError(contracts.KindInternal, err, "persisting decision")
	}
}

// freeze validates the external request and produces the immutable internal
// form, stamped with the frozen wall clock. The returned bool reports
// whether the caller supplied the request id.
func (s *Service) freeze(tenantID string, ext *contracts.ExternalRequest, now time.Time) (*contracts.DecisionRequest, bool, error) {
	requestID := ext.RequestID
	supplied := requestID != ""
	if supplied {
		if !contracts.ValidIdentifier(requestID) {
			return nil, false, contracts.Errorf(contracts.KindInvalidRequest,
				"request_id %q is not a valid identifier", requestID)
		}
	} else {
		requestID = uuid.NewString()
	}

	for _, f := range []struct{ name, value string }{
		{"actor_id", ext.ActorID},
		{"action_id", ext.ActionID},
	} {
		if f.value == "" {
			return nil, false, contracts.Errorf(contracts.KindInvalidRequest, "%s is required", f.name)
		}
		if !contracts.ValidIdentifier(f.value) {
			return nil, false, contracts.Errorf(contracts.KindInvalidRequest,
				"%s %q is not a valid identifier", f.name, f.value)
		}
	}
	for _, f := range []struct{ name, value string }{
		{"resource_id", ext.ResourceID},
		{"data_class", ext.DataClass},
	} {
		if f.value != "" && !contracts.ValidIdentifier(f.value) {
			return nil, false, contracts.Errorf(contracts.KindInvalidRequest,
				"%s %q is not a valid identifier", f.name, f.value)
		}
	}

	if ext.RiskLevel > 5 {
		return nil, false, contracts.Errorf(contracts.KindInvalidRequest,
			"risk_level %d outside 1..5", ext.RiskLevel)
	}
	if ext.RequestedTTLSeconds < 0 {
		return nil, false, contracts.Errorf(contracts.KindInvalidRequest, "requested_ttl_seconds is negative")
	}

	enc := canonical.NewEncoder()
	enc.PutContextMap(ext.Context)
	if enc.Len() > MaxContextBytes {
		return nil, false, contracts.Errorf(contracts.KindInvalidRequest,
			"context exceeds %d canonical bytes", MaxContextBytes)
	}

	return &contracts.DecisionRequest{
		RequestID:     requestID,
		TenantID:      tenantID,
		ActorID:       ext.ActorID,
		ActionID:      ext.ActionID,
		ResourceID:    ext.ResourceID,
		DataClass:     ext.DataClass,
		Context:       ext.Context,
		RiskLevel:     ext.RiskLevel,
		WallClockTime: now,
	}, supplied, nil
}

// VerifyToken decodes a presented wire-form token and checks it at the
// current clock. Undecodable bytes are the caller's error; a decodable but
// invalid token is a negative verification result, not an error.
func (s *Service) VerifyToken(wire []byte) (contracts.TokenVerification, error) {
	tok, err := capability.DecodeWire(wire)
	if err != nil {
		return contracts.TokenVerification{}, contracts.WrapError(contracts.KindInvalidRequest, err, "undecodable token")
	}
	return s.tokens.Verify(tok, s.clock.Now().UTC()), nil
}

// LedgerEntries reads committed entries from a tenant's chain in seq order.
// toSeq 0 means through the tail; limit <= 0 means unlimited.
func (s *Service) LedgerEntries(ctx context.Context, tenantID string, fromSeq, toSeq uint64, limit int) ([]*ledger.Entry, error) {
	if !contracts.ValidIdentifier(tenantID) {
		return nil, contracts.Errorf(contracts.KindInvalidRequest, "tenant id %q is not a valid identifier", tenantID)
	}
	entries, err := s.chain.Range(ctx, tenantID, fromSeq, toSeq, limit)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindUnavailable, err, "reading ledger range")
	}
	return entries, nil
}

// LedgerVerify rescans a range of a tenant's chain and reports every
// failure. Integrity failures are findings for the caller, logged and
// counted here but never converted into an error.
func (s *Service) LedgerVerify(ctx context.Context, tenantID string, fromSeq, toSeq uint64) (ledger.VerifyResult, error) {
	if !contracts.ValidIdentifier(tenantID) {
		return ledger.VerifyResult{}, contracts.Errorf(contracts.KindInvalidRequest,
			"tenant id %q is not a valid identifier", tenantID)
	}
	res, err := s.chain.Verify(ctx, tenantID, fromSeq, toSeq)
	if err != nil {
		return ledger.VerifyResult{}, contracts.WrapError(contracts.KindUnavailable, err, "verifying ledger range")
	}
	if !res.OK {
		s.metrics.RecordIntegrityFailure(ctx, "ledger_verify")
		s.logger.Error("ledger verification failed",
			"tenant_id", tenantID, "failures", len(res.Failures))
	}
	return res, nil
}
