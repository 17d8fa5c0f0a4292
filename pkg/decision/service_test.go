package decision

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestor-io/verdict/pkg/canonical"
	"github.com/attestor-io/verdict/pkg/capability"
	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/crypto"
	"github.com/attestor-io/verdict/pkg/engine"
	"github.com/attestor-io/verdict/pkg/ledger"
	"github.com/attestor-io/verdict/pkg/policy"
)

var frozenNow = time.Date(2025, 3, 12, 14, 30, 0, 0, time.UTC)

var testPrincipal = contracts.Principal{TenantID: "acme", Subject: "svc-gateway"}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type movableClock struct{ now time.Time }

func (c *movableClock) Now() time.Time { return c.now }

func testPolicy(t *testing.T, mutate func(*policy.Policy)) *policy.Policy {
	t.Helper()
	p := &policy.Policy{
		PolicyID:      "core",
		VersionString: "1.0.0",
		Mode:          policy.ModeStrict,
		Actions: []policy.Term{
			{ID: "compose_email", Level: 1},
			{ID: "search_web", Level: 1},
			{ID: "send_email", Level: 3},
		},
		Actors:      []policy.Term{{ID: "model", Level: 1}},
		DataClasses: []policy.Term{{ID: "pii", Level: 5}},
		Permits: []policy.Permit{
			{ID: "p-search", Actor: "model", Action: "search_web"},
		},
		DefaultTokenTTL: 15 * time.Minute,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, p.Finalize())
	return p
}

func newSignerAndRing(t *testing.T) (*crypto.Ed25519Signer, *crypto.KeyRing) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	ring, err := crypto.NewKeyRing(crypto.KeyEntry{PublicKey: signer.PublicKey(), ValidFrom: time.Unix(0, 0)})
	require.NoError(t, err)
	return signer, ring
}

// newTestService wires a service over a published policy, a memory-backed
// ledger and a frozen clock. Later options override the defaults.
func newTestService(t *testing.T, mutate func(*policy.Policy), opts ...Option) (*Service, *ledger.Ledger, *policy.Policy) {
	t.Helper()
	pol := testPolicy(t, mutate)
	active := policy.NewActive()
	active.Publish(pol)

	ledSigner, ledRing := newSignerAndRing(t)
	chain := ledger.New(ledger.NewMemoryStore(), ledSigner, ledRing)

	tokSigner, tokRing := newSignerAndRing(t)

	opts = append([]Option{WithClock(fixedClock{frozenNow})}, opts...)
	svc := New(active, engine.New(nil, nil), capability.NewIssuer(tokSigner), capability.NewVerifier(tokRing), chain, opts...)
	return svc, chain, pol
}

func allowRequest() *contracts.ExternalRequest {
	return &contracts.ExternalRequest{
		RequestID: "req-1",
		ActorID:   "model",
		ActionID:  "search_web",
	}
}

func TestDecideAllowMintsTokenAndAppends(t *testing.T) {
	svc, chain, pol := newTestService(t, nil)

	resp, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictAllow, resp.Verdict)
	require.NotNil(t, resp.Token)

	// Token, response and ledger record all pin the same policy version.
	assert.Equal(t, pol.VersionHash(), resp.PolicyVersionHash)
	assert.Equal(t, pol.VersionHash(), resp.Token.PolicyVersionHash)

	assert.True(t, resp.IssuedAt.Equal(frozenNow))
	require.NotNil(t, resp.ExpiresAt)
	assert.True(t, resp.ExpiresAt.Equal(frozenNow.Add(15*time.Minute)), "token lifetime is the policy default")

	e, err := chain.GetBySeq(context.Background(), "acme", resp.EntrySeq)
	require.NoError(t, err)
	assert.Equal(t, resp.EntryHash, e.EntryHash)
	assert.Equal(t, resp.EntrySignature, e.Signature)
	assert.Equal(t, ledger.EventDecision, e.EventType)

	rec, err := DecodeRecord(e.Payload)
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.TenantID)
	assert.Equal(t, resp.DecisionID, rec.DecisionID)
	assert.Equal(t, contracts.VerdictAllow, rec.Verdict)
	assert.Equal(t, pol.VersionHash(), rec.PolicyVersionHash)
	assert.Equal(t, resp.Token.TokenID, rec.TokenID)
	assert.True(t, rec.IssuedAt.Equal(frozenNow))
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Equal(resp.Token.ExpiresAt))

	wantReq := &contracts.DecisionRequest{
		RequestID:     "req-1",
		TenantID:      "acme",
		ActorID:       "model",
		ActionID:      "search_web",
		WallClockTime: frozenNow,
	}
	assert.Equal(t, canonical.RequestDigest(wantReq), rec.RequestDigest)
	assert.Equal(t, rec.RequestDigest, resp.Token.RequestDigest)

	wantTrace, err := canonical.ReasonTraceDigest(resp.ReasonTrace)
	require.NoError(t, err)
	assert.Equal(t, wantTrace, rec.ReasonTraceDigest)
}

func TestDecideDenyIsLedgeredWithoutToken(t *testing.T) {
	svc, chain, _ := newTestService(t, func(p *policy.Policy) {
		p.Forbids = append(p.Forbids, policy.Forbid{
			ID: "f-block", Actor: "model", Action: "search_web", Reason: "maintenance",
		})
	})

	resp, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, resp.Verdict)
	assert.Nil(t, resp.Token)
	assert.Nil(t, resp.ExpiresAt)

	e, err := chain.GetBySeq(context.Background(), "acme", resp.EntrySeq)
	require.NoError(t, err)
	rec, err := DecodeRecord(e.Payload)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, rec.Verdict)
	assert.Empty(t, rec.TokenID)
	assert.Nil(t, rec.ExpiresAt)
}

func TestRequestedTTLOnlyShortensTokenLifetime(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	ext := allowRequest()
	ext.RequestedTTLSeconds = 5 * 60
	resp, err := svc.Decide(context.Background(), testPrincipal, ext)
	require.NoError(t, err)
	require.NotNil(t, resp.Token)
	assert.True(t, resp.Token.ExpiresAt.Equal(frozenNow.Add(5*time.Minute)))

	ext = allowRequest()
	ext.RequestID = "req-2"
	ext.RequestedTTLSeconds = 2 * 60 * 60
	resp, err = svc.Decide(context.Background(), testPrincipal, ext)
	require.NoError(t, err)
	require.NotNil(t, resp.Token)
	assert.True(t, resp.Token.ExpiresAt.Equal(frozenNow.Add(15*time.Minute)), "requested ttl never extends past the policy default")
}

func TestDecideIsDeterministicUnderFrozenClock(t *testing.T) {
	svc, chain, _ := newTestService(t, nil)

	// No request id: each call generates its own, so both appends run in
	// full rather than replaying.
	ext := &contracts.ExternalRequest{ActorID: "model", ActionID: "search_web"}
	first, err := svc.Decide(context.Background(), testPrincipal, ext)
	require.NoError(t, err)
	second, err := svc.Decide(context.Background(), testPrincipal, ext)
	require.NoError(t, err)

	require.Equal(t, uint64(1), first.EntrySeq)
	require.Equal(t, uint64(2), second.EntrySeq)

	recOf := func(seq uint64) *Record {
		e, err := chain.GetBySeq(context.Background(), "acme", seq)
		require.NoError(t, err)
		rec, err := DecodeRecord(e.Payload)
		require.NoError(t, err)
		return rec
	}
	r1, r2 := recOf(1), recOf(2)

	assert.Equal(t, r1.Verdict, r2.Verdict)
	assert.Equal(t, r1.ReasonTraceDigest, r2.ReasonTraceDigest, "same inputs, same trace digest")
	assert.NotEqual(t, r1.RequestDigest, r2.RequestDigest, "generated request ids keep the requests distinct")
}

func TestIdempotentReplayReturnsVerbatimResponse(t *testing.T) {
	svc, chain, _ := newTestService(t, nil)

	first, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.NoError(t, err)
	second, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.NoError(t, err)

	b1, err := json.Marshal(first)
	require.NoError(t, err)
	b2, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "replay must return the original response verbatim")

	tail, ok, err := chain.Tail(context.Background(), "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), tail.Seq, "replay must not append")

	// A fresh request id lands at tail+1.
	ext := allowRequest()
	ext.RequestID = "req-2"
	third, err := svc.Decide(context.Background(), testPrincipal, ext)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), third.EntrySeq)
}

func TestReusedRequestIDWithDifferentContentConflicts(t *testing.T) {
	svc, chain, _ := newTestService(t, nil)

	_, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.NoError(t, err)

	ext := allowRequest()
	ext.Context = contracts.ContextMap{"target": contracts.StringScalar("other")}
	_, err = svc.Decide(context.Background(), testPrincipal, ext)
	require.Error(t, err)
	assert.Equal(t, contracts.KindConflict, contracts.KindOf(err))

	tail, ok, err := chain.Tail(context.Background(), "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), tail.Seq, "a conflict must not append")
}

func TestReplayWindowExpires(t *testing.T) {
	clk := &movableClock{now: frozenNow}
	svc, chain, _ := newTestService(t, nil, WithClock(clk))

	first, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.NoError(t, err)

	clk.now = clk.now.Add(DefaultReplayWindow + time.Minute)
	second, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.NoError(t, err)

	assert.NotEqual(t, first.DecisionID, second.DecisionID, "an expired id decides afresh")
	tail, ok, err := chain.Tail(context.Background(), "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), tail.Seq)
}

func TestTenantsDoNotShareReplayState(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	respA, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.NoError(t, err)

	other := contracts.Principal{TenantID: "globex", Subject: "svc-gateway"}
	respB, err := svc.Decide(context.Background(), other, allowRequest())
	require.NoError(t, err)

	assert.NotEqual(t, respA.DecisionID, respB.DecisionID)
	assert.Equal(t, uint64(1), respB.EntrySeq, "each tenant has its own chain")
}

func TestMissingPrincipalIsUnauthorized(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	_, err := svc.Decide(context.Background(), contracts.Principal{}, allowRequest())
	require.Error(t, err)
	assert.Equal(t, contracts.KindUnauthorized, contracts.KindOf(err))

	_, err = svc.Decide(context.Background(), contracts.Principal{TenantID: "bad tenant", Subject: "x"}, allowRequest())
	require.Error(t, err)
	assert.Equal(t, contracts.KindUnauthorized, contracts.KindOf(err))
}

func TestDecideValidation(t *testing.T) {
	svc, chain, _ := newTestService(t, nil)

	cases := []struct {
		name   string
		mutate func(*contracts.ExternalRequest)
	}{
		{"missing actor", func(r *contracts.ExternalRequest) { r.ActorID = "" }},
		{"missing action", func(r *contracts.ExternalRequest) { r.ActionID = "" }},
		{"actor with space", func(r *contracts.ExternalRequest) { r.ActorID = "mo del" }},
		{"action too long", func(r *contracts.ExternalRequest) { r.ActionID = strings.Repeat("a", 129) }},
		{"bad request id", func(r *contracts.ExternalRequest) { r.RequestID = "no spaces allowed" }},
		{"bad resource id", func(r *contracts.ExternalRequest) { r.ResourceID = "répertoire" }},
		{"bad data class", func(r *contracts.ExternalRequest) { r.DataClass = "p i i" }},
		{"risk out of range", func(r *contracts.ExternalRequest) { r.RiskLevel = 9 }},
		{"negative ttl", func(r *contracts.ExternalRequest) { r.RequestedTTLSeconds = -1 }},
		{"oversized context", func(r *contracts.ExternalRequest) {
			r.Context = contracts.ContextMap{"blob": contracts.StringScalar(strings.Repeat("x", MaxContextBytes))}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ext := allowRequest()
			tc.mutate(ext)
			_, err := svc.Decide(context.Background(), testPrincipal, ext)
			require.Error(t, err)
			assert.Equal(t, contracts.KindInvalidRequest, contracts.KindOf(err))
		})
	}

	_, ok, err := chain.Tail(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, ok, "rejected input must never reach the ledger")
}

func TestNilRequestRejected(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.Decide(context.Background(), testPrincipal, nil)
	require.Error(t, err)
	assert.Equal(t, contracts.KindInvalidRequest, contracts.KindOf(err))
}

func TestNoPublishedPolicyIsUnavailable(t *testing.T) {
	ledSigner, ledRing := newSignerAndRing(t)
	chain := ledger.New(ledger.NewMemoryStore(), ledSigner, ledRing)
	tokSigner, tokRing := newSignerAndRing(t)

	svc := New(policy.NewActive(), engine.New(nil, nil),
		capability.NewIssuer(tokSigner), capability.NewVerifier(tokRing), chain,
		WithClock(fixedClock{frozenNow}))

	_, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.Error(t, err)
	assert.Equal(t, contracts.KindUnavailable, contracts.KindOf(err))
}

func TestDeadlineBeforeEvaluationIsTimeout(t *testing.T) {
	svc, chain, _ := newTestService(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Decide(ctx, testPrincipal, allowRequest())
	require.Error(t, err)
	assert.Equal(t, contracts.KindTimeout, contracts.KindOf(err))

	_, ok, err := chain.Tail(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, ok, "nothing may be committed after an early deadline")
}

// stallStore parks Append until released so a second append can hit the
// backpressure bound.
type stallStore struct {
	ledger.Store
	entered chan struct{}
	release chan struct{}
}

func (s *stallStore) Append(ctx context.Context, e *ledger.Entry) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Store.Append(ctx, e)
}

func TestAppendBackpressureIsUnavailable(t *testing.T) {
	pol := testPolicy(t, nil)
	active := policy.NewActive()
	active.Publish(pol)

	ledSigner, ledRing := newSignerAndRing(t)
	store := &stallStore{Store: ledger.NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	chain := ledger.New(store, ledSigner, ledRing, ledger.WithMaxWaiters(0))
	tokSigner, tokRing := newSignerAndRing(t)

	svc := New(active, engine.New(nil, nil),
		capability.NewIssuer(tokSigner), capability.NewVerifier(tokRing), chain,
		WithClock(fixedClock{frozenNow}))

	ext := &contracts.ExternalRequest{ActorID: "model", ActionID: "search_web"}
	done := make(chan error, 1)
	go func() {
		_, err := svc.Decide(context.Background(), testPrincipal, ext)
		done <- err
	}()
	<-store.entered

	_, err := svc.Decide(context.Background(), testPrincipal, ext)
	require.Error(t, err)
	assert.Equal(t, contracts.KindUnavailable, contracts.KindOf(err))

	close(store.release)
	require.NoError(t, <-done)
}

// faultStore fails every write.
type faultStore struct {
	ledger.Store
}

func (s *faultStore) Append(ctx context.Context, e *ledger.Entry) error {
	return errors.New("disk gone")
}

func TestAppendFailureIsInternal(t *testing.T) {
	pol := testPolicy(t, nil)
	active := policy.NewActive()
	active.Publish(pol)

	ledSigner, ledRing := newSignerAndRing(t)
	chain := ledger.New(&faultStore{Store: ledger.NewMemoryStore()}, ledSigner, ledRing)
	tokSigner, tokRing := newSignerAndRing(t)

	svc := New(active, engine.New(nil, nil),
		capability.NewIssuer(tokSigner), capability.NewVerifier(tokRing), chain,
		WithClock(fixedClock{frozenNow}))

	_, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.Error(t, err)
	assert.Equal(t, contracts.KindInternal, contracts.KindOf(err))
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	clk := &movableClock{now: frozenNow}
	svc, _, pol := newTestService(t, nil, WithClock(clk))

	resp, err := svc.Decide(context.Background(), testPrincipal, allowRequest())
	require.NoError(t, err)
	require.NotNil(t, resp.Token)

	wire := capability.Wire(resp.Token)
	v, err := svc.VerifyToken(wire)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, pol.VersionHash(), v.BoundPolicyVersionHash)

	// A flipped body byte breaks the signature.
	tampered := append([]byte(nil), wire...)
	tampered[40] ^= 0x01
	v, err = svc.VerifyToken(tampered)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, capability.ReasonSignatureInvalid, v.Reason)

	// Past expiry the same token verifies invalid.
	clk.now = clk.now.Add(16 * time.Minute)
	v, err = svc.VerifyToken(wire)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, capability.ReasonExpired, v.Reason)

	_, err = svc.VerifyToken([]byte("short"))
	require.Error(t, err)
	assert.Equal(t, contracts.KindInvalidRequest, contracts.KindOf(err))
}

func TestLedgerReadAndVerifyPassthrough(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	ext := &contracts.ExternalRequest{ActorID: "model", ActionID: "search_web"}
	for i := 0; i < 3; i++ {
		_, err := svc.Decide(context.Background(), testPrincipal, ext)
		require.NoError(t, err)
	}

	entries, err := svc.LedgerEntries(context.Background(), "acme", 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	limited, err := svc.LedgerEntries(context.Background(), "acme", 1, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	res, err := svc.LedgerVerify(context.Background(), "acme", 1, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = svc.LedgerEntries(context.Background(), "bad tenant", 1, 0, 0)
	require.Error(t, err)
	assert.Equal(t, contracts.KindInvalidRequest, contracts.KindOf(err))

	_, err = svc.LedgerVerify(context.Background(), "bad tenant", 1, 0)
	require.Error(t, err)
	assert.Equal(t, contracts.KindInvalidRequest, contracts.KindOf(err))
}
