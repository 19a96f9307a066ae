package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"esgcoupon/observability"
	"esgcoupon/services/issuanced/apperr"
	"esgcoupon/services/issuanced/auth"
	"esgcoupon/services/issuanced/authority"
	"esgcoupon/services/issuanced/authorizer"
	"esgcoupon/services/issuanced/ledger"
	issmw "esgcoupon/services/issuanced/middleware"
	"esgcoupon/services/issuanced/models"
	"esgcoupon/services/issuanced/nodeapi"
	"esgcoupon/services/issuanced/policydoc"
	"esgcoupon/services/issuanced/rewards"
	"esgcoupon/services/issuanced/verifier"
)

// PolicyStore is the subset of the policy document store exposed over HTTP.
type PolicyStore interface {
	SaveDocument(doc policydoc.Document) (policydoc.Document, string, error)
	Document(id string) (policydoc.Document, error)
	ListDocuments() ([]policydoc.Summary, error)
	Anchor(policyHash, assetID, network string) (policydoc.Anchor, error)
	LatestAnchor(assetID string) (policydoc.Anchor, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB          *gorm.DB
	Ledger      *ledger.Ledger
	Rewards     *rewards.Table
	Authorizer  *authorizer.Authorizer
	Dispatcher  *authorizer.Dispatcher
	Authorities *authority.Registry
	Oracle      nodeapi.BalanceOracle
	Verifier    *verifier.Verifier
	Policies    PolicyStore
	AssetID     string
	Network     string
	Auth        *auth.Middleware
	RateLimiter *issmw.RateLimiter
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB          *gorm.DB
	Ledger      *ledger.Ledger
	Rewards     *rewards.Table
	Authorizer  *authorizer.Authorizer
	Dispatcher  *authorizer.Dispatcher
	Authorities *authority.Registry
	Oracle      nodeapi.BalanceOracle
	Verifier    *verifier.Verifier
	Policies    PolicyStore
	AssetID     string
	Network     string
	Now         func() time.Time

	auth    *auth.Middleware
	limiter *issmw.RateLimiter
	logger  *slog.Logger
	router  http.Handler
}

// New constructs a configured HTTP router with authentication and idempotency support.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("server: database is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("server: ledger is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: auth middleware is required")
	}
	if cfg.Rewards == nil {
		cfg.Rewards = rewards.DefaultTable()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		DB:          cfg.DB,
		Ledger:      cfg.Ledger,
		Rewards:     cfg.Rewards,
		Authorizer:  cfg.Authorizer,
		Dispatcher:  cfg.Dispatcher,
		Authorities: cfg.Authorities,
		Oracle:      cfg.Oracle,
		Verifier:    cfg.Verifier,
		Policies:    cfg.Policies,
		AssetID:     strings.TrimSpace(cfg.AssetID),
		Network:     strings.TrimSpace(cfg.Network),
		Now:         cfg.Now,
		auth:        cfg.Auth,
		limiter:     cfg.RateLimiter,
		logger:      logger.With("component", "http"),
	}
	if srv.Now == nil {
		srv.Now = func() time.Time { return time.Now().UTC() }
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}
		api.Use(issmw.WithIdempotency(s.DB, s.logger))

		api.With(auth.RequireRole(auth.RoleAdmin)).Put("/budgets/{period}", s.SetBudget)
		api.With(auth.RequireRole(auth.RoleOperator, auth.RoleAuditor, auth.RoleAdmin)).Get("/budgets/{period}", s.GetBudget)
		api.With(auth.RequireRole(auth.RoleOperator)).Post("/issuance/check", s.CheckIssuance)
		api.With(auth.RequireRole(auth.RoleOperator)).Post("/issuance/record", s.RecordIssuance)
		api.With(auth.RequireRole(auth.RoleOperator)).Post("/issuance/reward", s.IssueReward)
		api.With(auth.RequireRole(auth.RoleOperator)).Post("/rewards/calculate", s.CalculateReward)
		api.With(auth.RequireRole(auth.RoleOperator, auth.RoleAuditor)).Get("/users/{id}/summary", s.GetUserSummary)
		api.With(auth.RequireRole(auth.RoleAdmin, auth.RoleAuditor)).Get("/admin/top-recipients", s.GetTopRecipients)
		api.With(auth.RequireRole(auth.RoleOperator)).Get("/accounts/{address}/balance", s.GetBalance)
		api.With(auth.RequireRole(auth.RoleOperator, auth.RoleAuditor, auth.RoleAdmin)).Get("/asset", s.GetAsset)

		api.With(auth.RequireRole(auth.RoleApprover)).Post("/authorizations", s.ProposeAction)
		api.With(auth.RequireRole(auth.RoleApprover)).Post("/authorizations/{id}/approvals", s.ApproveAction)
		api.With(auth.RequireRole(auth.RoleApprover)).Post("/authorizations/{id}/finalize", s.FinalizeAction)
		api.With(auth.RequireRole(auth.RoleApprover, auth.RoleAuditor)).Get("/authorizations/{id}", s.GetAction)
		api.With(auth.RequireRole(auth.RoleApprover, auth.RoleAuditor)).Get("/authorizations", s.ListActions)
		api.With(auth.RequireRole(auth.RoleAuditor, auth.RoleApprover)).Get("/authorities", s.ListAuthorities)

		api.With(auth.RequireRole(auth.RoleAuditor)).Post("/invariants/verify", s.RunInvariants)
		api.With(auth.RequireRole(auth.RoleAuditor)).Get("/invariants/reports/latest", s.LatestReport)

		api.With(auth.RequireRole(auth.RoleAdmin)).Post("/policies", s.CreatePolicy)
		api.With(auth.RequireRole(auth.RoleAdmin, auth.RoleAuditor)).Get("/policies", s.ListPolicies)
		api.With(auth.RequireRole(auth.RoleAdmin, auth.RoleAuditor)).Get("/policies/{id}", s.GetPolicy)
		api.With(auth.RequireRole(auth.RoleAdmin)).Post("/policies/{id}/anchor", s.AnchorPolicy)
	})

	return otelhttp.NewHandler(r, "issuanced")
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

// actor returns the authenticated subject for audit events.
func actor(r *http.Request) string {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		return ""
	}
	return claims.Subject
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", apperr.ErrValidation, err)
	}
	return nil
}

func (s *Server) appendEvent(ctx context.Context, actor, action, subject string, details any) {
	encoded, err := json.Marshal(details)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%q", fmt.Sprint(details)))
	}
	event := models.Event{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Details:   string(encoded),
		CreatedAt: s.Now(),
	}
	if err := s.DB.WithContext(ctx).Create(&event).Error; err != nil {
		s.logger.Warn("audit event not stored", slog.String("action", action), slog.Any("error", err))
		return
	}
	observability.Audit().RecordEvent(action)
}

// statusFor maps an error kind onto its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, authorizer.ErrUnauthorizedSigner) || errors.Is(err, authorizer.ErrInvalidProof) {
		return http.StatusForbidden
	}
	switch apperr.KindOf(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrPolicy:
		return http.StatusForbidden
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrAuthorization, apperr.ErrContract, apperr.ErrInvariant:
		return http.StatusConflict
	case apperr.ErrUnavailable:
		return http.StatusServiceUnavailable
	case apperr.ErrFatalBreach:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		message = "internal error"
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", slog.Any("error", err))
	}
}
