package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"store-auth/internal/event"
	"store-auth/internal/metrics"
	"store-auth/internal/model"
	"store-auth/internal/repository"
	"store-auth/internal/token"
	"store-auth/pkg/apierror"
)

type RotationMode string

const (
	// RotationReusable keeps a refresh token usable until it expires or the
	// identity's token version moves on.
	RotationReusable RotationMode = "reusable"
	// RotationSingleUse bumps the token version on every refresh, so each
	// refresh token can be exchanged at most once.
	RotationSingleUse RotationMode = "single-use"
)

const minPasswordLength = 8

func (m RotationMode) Valid() bool {
	return m == RotationReusable || m == RotationSingleUse
}

type AuthOptions struct {
	BcryptCost int
	Rotation   RotationMode
}

type AuthService struct {
	issuer     *token.Issuer
	codec      *token.Codec
	identities repository.IdentityStore
	bus        event.Bus
	metrics    *metrics.Metrics
	opts       AuthOptions
	now        func() time.Time
}

func NewAuthService(issuer *token.Issuer, identities repository.IdentityStore, bus event.Bus, m *metrics.Metrics, opts AuthOptions) *AuthService {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = 12
	}
	if !opts.Rotation.Valid() {
		opts.Rotation = RotationReusable
	}

	return &AuthService{
		issuer:     issuer,
		codec:      issuer.Codec(),
		identities: identities,
		bus:        bus,
		metrics:    m,
		opts:       opts,
		now:        time.Now,
	}
}

func (s *AuthService) Register(ctx context.Context, email string, password string, name string) (model.AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)

	if err := validateCredentials(email, password); err != nil {
		return model.AuthResult{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return model.AuthResult{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	identity := model.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Role:         model.RoleUser,
		Active:       true,
		TokenVersion: model.BaselineTokenVersion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, model.ErrUserAlreadyExists) {
			return model.AuthResult{}, apierror.Wrap(model.ErrUserAlreadyExists, apierror.CodeAlreadyExists, "email is already registered", http.StatusConflict)
		}
		return model.AuthResult{}, fmt.Errorf("create identity: %w", err)
	}

	result, err := s.startSession(ctx, identity)
	if err != nil {
		return model.AuthResult{}, err
	}

	s.publish(event.Event{Type: event.TypeUserRegistered, SubjectID: identity.ID, ActorID: identity.ID})
	return result, nil
}

func (s *AuthService) Login(ctx context.Context, email string, password string) (model.AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return model.AuthResult{}, apierror.Wrap(model.ErrMalformedRequest, apierror.CodeBadRequest, "email and password are required", http.StatusBadRequest)
	}

	identity, err := s.identities.FindByEmail(ctx, email)
	if errors.Is(err, model.ErrUserNotFound) {
		s.publish(event.Event{Type: event.TypeLoginFailed, Attrs: map[string]any{"email": email, "reason": "unknown_email"}})
		return model.AuthResult{}, invalidCredentials()
	}
	if err != nil {
		return model.AuthResult{}, fmt.Errorf("find identity by email: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(password)); err != nil {
		s.publish(event.Event{Type: event.TypeLoginFailed, SubjectID: identity.ID, Attrs: map[string]any{"reason": "bad_password"}})
		return model.AuthResult{}, invalidCredentials()
	}

	if !identity.Active {
		s.publish(event.Event{Type: event.TypeLoginFailed, SubjectID: identity.ID, Attrs: map[string]any{"reason": "inactive"}})
		return model.AuthResult{}, apierror.Wrap(model.ErrIdentityUnavailable, apierror.CodeAccountDisabled, "account is deactivated", http.StatusForbidden)
	}

	result, err := s.startSession(ctx, identity)
	if err != nil {
		return model.AuthResult{}, err
	}

	s.publish(event.Event{Type: event.TypeUserLoggedIn, SubjectID: identity.ID, ActorID: identity.ID})
	return result, nil
}

// Refresh exchanges a refresh token for a new pair. The token is accepted
// only while its embedded version equals the identity's live version.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		s.metrics.Refresh(metrics.RefreshInvalid)
		return model.TokenPair{}, apierror.MissingRefreshToken()
	}

	claims, err := s.codec.VerifyRefresh(refreshToken)
	if err != nil {
		slog.Warn("refresh token rejected", "reason", err.Error())
		s.metrics.Refresh(metrics.RefreshInvalid)
		return model.TokenPair{}, apierror.InvalidRefreshToken()
	}

	identity, err := s.identities.FindByID(ctx, claims.UserID)
	if errors.Is(err, model.ErrUserNotFound) || (err == nil && !identity.Active) {
		s.metrics.Refresh(metrics.RefreshNoUser)
		return model.TokenPair{}, apierror.UserNotFoundOrInactive()
	}
	if err != nil {
		s.metrics.Refresh(metrics.RefreshError)
		return model.TokenPair{}, fmt.Errorf("load identity for refresh: %w", err)
	}

	if identity.TokenVersion != claims.TokenVersion {
		return model.TokenPair{}, s.rejectStale(identity.ID, claims.TokenVersion, identity.TokenVersion)
	}

	version := identity.TokenVersion
	if s.opts.Rotation == RotationSingleUse {
		next, ok, err := s.identities.CompareAndIncrementTokenVersion(ctx, identity.ID, claims.TokenVersion)
		if errors.Is(err, model.ErrUserNotFound) {
			s.metrics.Refresh(metrics.RefreshNoUser)
			return model.TokenPair{}, apierror.UserNotFoundOrInactive()
		}
		if err != nil {
			s.metrics.Refresh(metrics.RefreshError)
			return model.TokenPair{}, fmt.Errorf("rotate token version: %w", err)
		}
		if !ok {
			return model.TokenPair{}, s.rejectStale(identity.ID, claims.TokenVersion, next)
		}
		s.metrics.VersionIncremented("rotation")
		version = next
	}

	pair, err := s.issuer.IssuePair(identity.ID, identity.Email, identity.Role, version)
	if err != nil {
		s.metrics.Refresh(metrics.RefreshError)
		return model.TokenPair{}, fmt.Errorf("issue token pair: %w", err)
	}

	s.metrics.Refresh(metrics.RefreshIssued)
	s.metrics.PairIssued()
	s.publish(event.Event{Type: event.TypeTokenRefreshed, SubjectID: identity.ID, Attrs: map[string]any{"token_version": version}})
	return pair, nil
}

// Logout ends the current session marker. Outstanding refresh tokens stay
// valid until expiry; LogoutAll is the revocation path.
func (s *AuthService) Logout(ctx context.Context, principal model.Principal) error {
	if err := s.identities.ClearCurrentRefreshToken(ctx, principal.ID); err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return apierror.UserNotFound()
		}
		return fmt.Errorf("clear current refresh token: %w", err)
	}

	s.publish(event.Event{Type: event.TypeLoggedOut, SubjectID: principal.ID, ActorID: principal.ID})
	return nil
}

// LogoutAll advances the token version, which invalidates every refresh
// token issued to the identity so far.
func (s *AuthService) LogoutAll(ctx context.Context, principal model.Principal) (int, error) {
	version, err := s.identities.IncrementTokenVersion(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return 0, apierror.UserNotFound()
		}
		return 0, fmt.Errorf("increment token version: %w", err)
	}

	s.metrics.VersionIncremented("logout_all")
	s.publish(event.Event{Type: event.TypeLoggedOutAll, SubjectID: principal.ID, ActorID: principal.ID, Attrs: map[string]any{"token_version": version}})
	return version, nil
}

func (s *AuthService) Me(ctx context.Context, principal model.Principal) (model.UserProfile, error) {
	identity, err := s.identities.FindByID(ctx, principal.ID)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.UserProfile{}, apierror.UserNotFound()
	}
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("find identity: %w", err)
	}
	return identity.Profile(), nil
}

// SeedAdmin creates an admin identity when none exists for email. It is a
// no-op for an already registered email.
func (s *AuthService) SeedAdmin(ctx context.Context, email string, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateCredentials(email, password); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	if _, err := s.identities.FindByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, model.ErrUserNotFound) {
		return fmt.Errorf("seed admin lookup: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	err = s.identities.Create(ctx, model.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         "Administrator",
		PasswordHash: string(hash),
		Role:         model.RoleAdmin,
		Active:       true,
		TokenVersion: model.BaselineTokenVersion,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil && !errors.Is(err, model.ErrUserAlreadyExists) {
		return fmt.Errorf("seed admin: %w", err)
	}

	slog.Info("seeded admin identity", "email", email)
	return nil
}

// startSession issues a pair and records the login. Nothing is returned to
// the caller unless both steps succeed.
func (s *AuthService) startSession(ctx context.Context, identity model.Identity) (model.AuthResult, error) {
	issued, err := s.issuer.Issue(identity.ID, identity.Email, identity.Role, identity.TokenVersion)
	if err != nil {
		return model.AuthResult{}, fmt.Errorf("issue token pair: %w", err)
	}

	loginAt := s.now().UTC()
	if err := s.identities.RecordLogin(ctx, identity.ID, loginAt, issued.RefreshID); err != nil {
		return model.AuthResult{}, fmt.Errorf("record login: %w", err)
	}
	identity.LastLogin = &loginAt
	identity.CurrentRefreshTokenID = issued.RefreshID

	s.metrics.PairIssued()
	return model.AuthResult{User: identity.Profile(), Tokens: issued.Pair}, nil
}

func (s *AuthService) rejectStale(identityID string, presented int, current int) error {
	slog.Warn("stale refresh token presented", "user_id", identityID, "presented_version", presented, "current_version", current)
	s.metrics.Refresh(metrics.RefreshStale)
	s.publish(event.Event{Type: event.TypeRefreshRejected, SubjectID: identityID, Attrs: map[string]any{"reason": "stale_version"}})
	return apierror.TokenVersionStale()
}

func (s *AuthService) publish(e event.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(e)
}

func invalidCredentials() error {
	return apierror.Wrap(model.ErrInvalidCredentials, apierror.CodeInvalidCredentials, "invalid email or password", http.StatusUnauthorized)
}

func validateCredentials(email string, password string) error {
	if email == "" || password == "" {
		return apierror.Wrap(model.ErrMalformedRequest, apierror.CodeBadRequest, "email and password are required", http.StatusBadRequest)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return apierror.Wrap(model.ErrMalformedRequest, apierror.CodeBadRequest, "email address is invalid", http.StatusBadRequest)
	}
	if len(password) < minPasswordLength {
		return apierror.Wrap(model.ErrMalformedRequest, apierror.CodeBadRequest, fmt.Sprintf("password must be at least %d characters", minPasswordLength), http.StatusBadRequest)
	}
	return nil
}
