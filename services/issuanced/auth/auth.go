package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	contextKeyClaims contextKey = "jwt_claims"
	contextKeyUserID contextKey = "user_id"
	contextKeyRole   contextKey = "user_role"
)

// Role represents an authorized persona within issuanced.
type Role string

const (
	RoleOperator Role = "operator"
	RoleApprover Role = "approver"
	RoleAuditor  Role = "auditor"
	RoleAdmin    Role = "admin"
)

var allowedRoles = map[Role]struct{}{
	RoleOperator: {},
	RoleApprover: {},
	RoleAuditor:  {},
	RoleAdmin:    {},
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject string
	Role    Role
	// Signer is the optional approver address bound to the token.
	Signer string
}

// Options controls HS256 token verification.
type Options struct {
	Secret   []byte
	Issuer   string
	Audience []string
	Leeway   time.Duration
	Now      func() time.Time
}

// Middleware verifies bearer tokens and attaches the claims to the request.
type Middleware struct {
	secret   []byte
	issuer   string
	audience []string
	leeway   time.Duration
	now      func() time.Time
}

// NewMiddleware constructs a Middleware using the supplied options.
func NewMiddleware(opts Options) (*Middleware, error) {
	if len(opts.Secret) < 32 {
		return nil, errors.New("auth: HS256 secret must be at least 32 bytes")
	}
	return &Middleware{
		secret:   append([]byte(nil), opts.Secret...),
		issuer:   strings.TrimSpace(opts.Issuer),
		audience: opts.Audience,
		leeway:   opts.Leeway,
		now:      opts.Now,
	}, nil
}

// Middleware rejects requests without a valid bearer token.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	if m == nil {
		panic("auth middleware is nil")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := m.Verify(token)
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		ctx = context.WithValue(ctx, contextKeyUserID, claims.Subject)
		ctx = context.WithValue(ctx, contextKeyRole, string(claims.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses and validates token.
func (m *Middleware) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(m.leeway))
	}
	if m.now != nil {
		opts = append(opts, jwt.WithTimeFunc(m.now))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("token subject missing")
	}
	if len(m.audience) > 0 && !audienceMatches(extractStringSlice(claims["aud"]), m.audience) {
		return nil, errors.New("token audience mismatch")
	}
	role, err := extractRole(claims)
	if err != nil {
		return nil, err
	}
	signer, _ := claims["signer"].(string)
	return &Claims{Subject: subject, Role: role, Signer: strings.TrimSpace(signer)}, nil
}

// FromContext extracts the Claims previously attached by Middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	userID, ok := ctx.Value(contextKeyUserID).(string)
	if !ok || userID == "" {
		return nil, errors.New("missing user id in context")
	}
	roleStr, ok := ctx.Value(contextKeyRole).(string)
	if !ok || roleStr == "" {
		return nil, errors.New("missing role in context")
	}
	return &Claims{Subject: userID, Role: Role(roleStr)}, nil
}

// WithClaims attaches claims to ctx. Used by tests and internal callers that
// bypass bearer verification.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// RequireRole ensures the authenticated user has at least one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken signs an HS256 token for subject. The CLI and tests use it.
func IssueToken(secret []byte, issuer, subject string, role Role, ttl time.Duration, now time.Time) (string, error) {
	if _, ok := allowedRoles[role]; !ok {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func audienceMatches(actual, expected []string) bool {
	for _, want := range expected {
		for _, got := range actual {
			if strings.EqualFold(got, want) {
				return true
			}
		}
	}
	return false
}

func extractRole(claims jwt.MapClaims) (Role, error) {
	candidates := extractStringSlice(claims["role"])
	if len(candidates) == 0 {
		candidates = extractStringSlice(claims["roles"])
	}
	if len(candidates) == 0 {
		return "", errors.New("missing role claim")
	}
	for _, candidate := range candidates {
		role := Role(strings.ToLower(strings.TrimSpace(candidate)))
		if _, ok := allowedRoles[role]; ok {
			return role, nil
		}
	}
	return "", errors.New("no permitted roles found in token claims")
}

func extractStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return []string{trimmed}
		}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}
