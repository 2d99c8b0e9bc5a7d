package repository

import (
	"context"
	"strings"
	"time"

	"store-auth/internal/model"
)

// IdentityStore persists identities and owns their token-version counter.
// Lookups return model.ErrUserNotFound when no record matches.
type IdentityStore interface {
	FindByID(ctx context.Context, id string) (model.Identity, error)
	FindByEmail(ctx context.Context, email string) (model.Identity, error)
	List(ctx context.Context) ([]model.Identity, error)
	Create(ctx context.Context, identity model.Identity) error
	// Save writes profile fields (email, name, password, role, active,
	// last login, current refresh token id). It never touches TokenVersion.
	Save(ctx context.Context, identity model.Identity) error
	// RecordLogin, SetActive and SetRole write only their own fields, so a
	// caller holding an older snapshot cannot undo a concurrent change.
	RecordLogin(ctx context.Context, id string, at time.Time, refreshID string) error
	SetActive(ctx context.Context, id string, active bool) error
	SetRole(ctx context.Context, id string, role model.Role) error
	IncrementTokenVersion(ctx context.Context, id string) (int, error)
	// CompareAndIncrementTokenVersion bumps the version only if it still
	// equals expected. It reports false when another writer got there first.
	CompareAndIncrementTokenVersion(ctx context.Context, id string, expected int) (int, bool, error)
	ClearCurrentRefreshToken(ctx context.Context, id string) error
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
