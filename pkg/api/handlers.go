package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/attestor-io/verdict/pkg/capability"
	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/ledger"
)

// AuditorRole lets a principal read ledger chains of other tenants.
const AuditorRole = "auditor"

// DecisionView is the transport form of a decision response. TokenWire is
// the exact byte string the caller presents to the downstream tool runtime;
// the structured token is carried for inspection.
type DecisionView struct {
	*contracts.DecisionResponse
	TokenWire []byte `json:"token_wire,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var ext contracts.ExternalRequest
	if err := dec.Decode(&ext); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.decideTimeout)
	defer cancel()

	resp, err := s.decisions.Decide(ctx, principal, &ext)
	if err != nil {
		WriteKind(w, err)
		return
	}

	view := DecisionView{DecisionResponse: resp}
	if resp.Token != nil {
		view.TokenWire = capability.Wire(resp.Token)
	}
	writeJSON(w, http.StatusOK, view)
}

// VerifyTokenRequest carries a presented wire-form token.
type VerifyTokenRequest struct {
	TokenWire []byte `json:"token_wire"`
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req VerifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.TokenWire) == 0 {
		WriteBadRequest(w, "token_wire is required")
		return
	}

	result, err := s.decisions.VerifyToken(req.TokenWire)
	if err != nil {
		WriteKind(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GrantApprovalRequest asks for a role-scoped approval credential.
type GrantApprovalRequest struct {
	Role       string `json:"role"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// GrantApprovalResponse carries the minted credential. The requester puts
// it in a decision request's context under the approval token key.
type GrantApprovalResponse struct {
	ApprovalToken string `json:"approval_token"`
	Role          string `json:"role"`
	TenantID      string `json:"tenant_id"`
}

func (s *Server) handleGrantApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req GrantApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Role == "" {
		WriteBadRequest(w, "role is required")
		return
	}

	// An approver can only grant roles it holds itself.
	if !hasRole(principal, req.Role) {
		WriteError(w, http.StatusForbidden, "Forbidden",
			"principal does not hold role "+req.Role)
		return
	}

	credential, err := s.approvals.Grant(r.Context(),
		principal.TenantID, principal.Subject, req.Role,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GrantApprovalResponse{
		ApprovalToken: credential,
		Role:          req.Role,
		TenantID:      principal.TenantID,
	})
}

// EntryView is the export form of a committed ledger entry. Hashes are
// hex; payload, body and signature are the exact stored bytes, so an
// external reader can recompute entry_hash = SHA-256(previous_hash ‖ body)
// without this service.
type EntryView struct {
	TenantID     string           `json:"tenant_id"`
	Seq          uint64           `json:"seq"`
	Timestamp    time.Time        `json:"timestamp"`
	EventType    string           `json:"event_type"`
	Payload      []byte           `json:"payload"`
	Body         []byte           `json:"body"`
	PreviousHash contracts.Digest `json:"previous_hash"`
	EntryHash    contracts.Digest `json:"entry_hash"`
	Signature    []byte           `json:"signature"`
}

func entryView(e *ledger.Entry) EntryView {
	return EntryView{
		TenantID:     e.TenantID,
		Seq:          e.Seq,
		Timestamp:    e.Timestamp,
		EventType:    e.EventType.String(),
		Payload:      e.Payload,
		Body:         e.Body,
		PreviousHash: e.PreviousHash,
		EntryHash:    e.EntryHash,
		Signature:    e.Signature,
	}
}

// handleLedger routes /v1/ledger/{tenant}/entries and
// /v1/ledger/{tenant}/verify.
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}

	// Path shape: /v1/ledger/{tenant}/{entries|verify}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 {
		WriteNotFound(w, "unknown ledger path")
		return
	}
	tenantID, op := parts[2], parts[3]

	// A principal reads its own chain; cross-tenant reads need the
	// auditor role.
	if tenantID != principal.TenantID && !hasRole(principal, AuditorRole) {
		WriteError(w, http.StatusForbidden, "Forbidden",
			"principal may not read tenant "+tenantID)
		return
	}

	fromSeq := queryUint(r, "from", 1)
	toSeq := queryUint(r, "to", 0)

	switch op {
	case "entries":
		limit := int(queryUint(r, "limit", 0))
		entries, err := s.decisions.LedgerEntries(r.Context(), tenantID, fromSeq, toSeq, limit)
		if err != nil {
			WriteKind(w, err)
			return
		}
		views := make([]EntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, entryView(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": views})
	case "verify":
		result, err := s.decisions.LedgerVerify(r.Context(), tenantID, fromSeq, toSeq)
		if err != nil {
			WriteKind(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		WriteNotFound(w, "unknown ledger operation "+op)
	}
}

func hasRole(p contracts.Principal, role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func queryUint(r *http.Request, key string, fallback uint64) uint64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
