package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/attestor-io/verdict/pkg/decision"
	"github.com/attestor-io/verdict/pkg/identity"
)

// DefaultDecideTimeout bounds one decision end to end. The deadline is
// checked between steps inside the core; an append that already started is
// never cancelled.
const DefaultDecideTimeout = 5 * time.Second

// KeyInfo names one published verification key.
type KeyInfo struct {
	Purpose   string `json:"purpose"`
	PublicKey string `json:"public_key"` // hex-encoded Ed25519 public key
}

// Server binds the decision core to HTTP. It owns no decision semantics:
// handlers validate transport shape, adapt credentials and map error kinds
// to statuses.
type Server struct {
	decisions     *decision.Service
	auth          *identity.Authenticator
	approvals     *identity.ApprovalAuthority
	keys          []KeyInfo
	limiter       *GlobalRateLimiter
	logger        *slog.Logger
	decideTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimit enables the per-IP admission limiter.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) { s.limiter = NewGlobalRateLimiter(rps, burst) }
}

// WithServerLogger overrides the default logger.
func WithServerLogger(lg *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = lg }
}

// WithDecideTimeout overrides the per-decision deadline.
func WithDecideTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.decideTimeout = d }
}

// WithPublishedKeys sets the verification keys served on /v1/keys.
func WithPublishedKeys(keys []KeyInfo) ServerOption {
	return func(s *Server) { s.keys = keys }
}

// NewServer builds the HTTP surface over the decision service.
func NewServer(d *decision.Service, auth *identity.Authenticator, approvals *identity.ApprovalAuthority, opts ...ServerOption) *Server {
	s := &Server{
		decisions:     d,
		auth:          auth,
		approvals:     approvals,
		logger:        slog.Default(),
		decideTimeout: DefaultDecideTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/keys", s.handleKeys)

	authed := func(h http.HandlerFunc) http.Handler {
		return AuthMiddleware(s.auth, h)
	}
	mux.Handle("/v1/decisions", authed(s.handleDecide))
	mux.Handle("/v1/tokens/verify", authed(s.handleVerifyToken))
	mux.Handle("/v1/approvals", authed(s.handleGrantApproval))
	mux.Handle("/v1/ledger/", authed(s.handleLedger))

	var h http.Handler = mux
	h = LogMiddleware(s.logger, h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.keys})
}
