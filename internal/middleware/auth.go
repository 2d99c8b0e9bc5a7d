package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"store-auth/internal/metrics"
	"store-auth/internal/model"
	"store-auth/internal/token"
	"store-auth/pkg/apierror"
)

const bearerPrefix = "Bearer "

type accessVerifier interface {
	VerifyAccess(tokenString string) (*token.AccessClaims, error)
}

type identityFinder interface {
	FindByID(ctx context.Context, id string) (model.Identity, error)
}

type principalContextKey struct{}

// Policy describes what a route demands of the caller. An empty AllowedRoles
// admits any authenticated role.
type Policy struct {
	RequireAuth  bool
	AllowedRoles []model.Role
}

func Authenticated(roles ...model.Role) Policy {
	return Policy{RequireAuth: true, AllowedRoles: roles}
}

func Optional() Policy {
	return Policy{}
}

type Authorizer struct {
	verifier   accessVerifier
	identities identityFinder
	metrics    *metrics.Metrics
}

func NewAuthorizer(verifier accessVerifier, identities identityFinder, m *metrics.Metrics) *Authorizer {
	return &Authorizer{verifier: verifier, identities: identities, metrics: m}
}

// Authorize resolves the request's bearer token into a Principal built from
// the identity's current state. A nil principal with a nil error means the
// request carried no token and the policy allows anonymous access.
func (a *Authorizer) Authorize(r *http.Request, policy Policy) (*model.Principal, error) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		if !policy.RequireAuth {
			a.metrics.Authorize(metrics.OutcomeAnonymous)
			return nil, nil
		}
		a.metrics.Authorize(metrics.OutcomeMissingToken)
		return nil, apierror.MissingToken()
	}

	claims, err := a.verifier.VerifyAccess(raw)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, token.ErrTokenExpired):
			reason = "expired"
		case errors.Is(err, token.ErrInvalidSignature):
			reason = "invalid_signature"
		}
		slog.Warn("access token rejected", "reason", reason, "path", r.URL.Path)
		a.metrics.Authorize(metrics.OutcomeTokenRejected)
		return nil, apierror.InvalidToken()
	}

	identity, err := a.identities.FindByID(r.Context(), claims.UserID)
	if errors.Is(err, model.ErrUserNotFound) || (err == nil && !identity.Active) {
		a.metrics.Authorize(metrics.OutcomeIdentity)
		return nil, apierror.UserNotFound()
	}
	if err != nil {
		slog.Error("identity lookup failed during authorization", "user_id", claims.UserID, "error", err)
		a.metrics.Authorize(metrics.OutcomeError)
		return nil, apierror.AuthError()
	}

	if len(policy.AllowedRoles) > 0 && !hasRole(policy.AllowedRoles, identity.Role) {
		a.metrics.Authorize(metrics.OutcomeRole)
		return nil, apierror.InsufficientPermissions()
	}

	a.metrics.Authorize(metrics.OutcomeAuthorized)
	return &model.Principal{ID: identity.ID, Email: identity.Email, Role: identity.Role}, nil
}

// Require adapts Authorize to router middleware. Rejections end the request
// with the flat error envelope.
func (a *Authorizer) Require(policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.Authorize(r, policy)
			if err != nil {
				writeRejection(w, err)
				return
			}
			if principal != nil {
				recordPrincipal(r.Context(), principal.ID)
				r = r.WithContext(WithPrincipal(r.Context(), *principal))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithPrincipal(ctx context.Context, principal model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(model.Principal)
	return principal, ok
}

// bearerToken accepts only the exact "Bearer " prefix followed by a
// non-blank token.
func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if raw == "" {
		return "", false
	}
	return raw, true
}

func hasRole(allowed []model.Role, role model.Role) bool {
	for _, candidate := range allowed {
		if candidate == role {
			return true
		}
	}
	return false
}

func writeRejection(w http.ResponseWriter, err error) {
	var apiErr *apierror.APIError
	if !errors.As(err, &apiErr) {
		apiErr = apierror.AuthError()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus)
	_ = jsonEncode(w, model.APIResponse{
		Success: false,
		Message: apiErr.Message,
		Code:    apiErr.Code,
	})
}
