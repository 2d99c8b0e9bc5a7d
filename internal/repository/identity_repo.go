package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"store-auth/internal/model"
)

const identityColumns = `id, email, name, password_hash, role, active, token_version,
	COALESCE(current_refresh_token_id, ''), last_login, created_at, updated_at`

type IdentityRepository struct {
	pool *pgxpool.Pool
}

func NewIdentityRepository(pool *pgxpool.Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

func (r *IdentityRepository) FindByID(ctx context.Context, id string) (model.Identity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	identity, err := scanIdentity(row)
	if err != nil {
		return model.Identity{}, wrapNotFound(err, "find identity by id")
	}
	return identity, nil
}

func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (model.Identity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE lower(email) = $1`, normalizeEmail(email))
	identity, err := scanIdentity(row)
	if err != nil {
		return model.Identity{}, wrapNotFound(err, "find identity by email")
	}
	return identity, nil
}

func (r *IdentityRepository) List(ctx context.Context) ([]model.Identity, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	identities := make([]model.Identity, 0)
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

func (r *IdentityRepository) Create(ctx context.Context, identity model.Identity) error {
	if identity.TokenVersion < model.BaselineTokenVersion {
		identity.TokenVersion = model.BaselineTokenVersion
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO identities (id, email, name, password_hash, role, active, token_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		identity.ID, normalizeEmail(identity.Email), identity.Name, identity.PasswordHash, string(identity.Role),
		identity.Active, identity.TokenVersion, identity.CreatedAt, identity.UpdatedAt)
	if isUniqueViolation(err) {
		return model.ErrUserAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

func (r *IdentityRepository) Save(ctx context.Context, identity model.Identity) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE identities
		 SET email = $2, name = $3, password_hash = $4, role = $5, active = $6,
		     current_refresh_token_id = NULLIF($7, ''), last_login = $8, updated_at = $9
		 WHERE id = $1`,
		identity.ID, normalizeEmail(identity.Email), identity.Name, identity.PasswordHash, string(identity.Role),
		identity.Active, identity.CurrentRefreshTokenID, identity.LastLogin, time.Now().UTC())
	if isUniqueViolation(err) {
		return model.ErrUserAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

func (r *IdentityRepository) IncrementTokenVersion(ctx context.Context, id string) (int, error) {
	var version int
	err := r.pool.QueryRow(ctx,
		`UPDATE identities SET token_version = token_version + 1, updated_at = $2
		 WHERE id = $1 RETURNING token_version`,
		id, time.Now().UTC()).Scan(&version)
	if err != nil {
		return 0, wrapNotFound(err, "increment token version")
	}
	return version, nil
}

func (r *IdentityRepository) CompareAndIncrementTokenVersion(ctx context.Context, id string, expected int) (int, bool, error) {
	var version int
	err := r.pool.QueryRow(ctx,
		`UPDATE identities SET token_version = token_version + 1, updated_at = $3
		 WHERE id = $1 AND token_version = $2 RETURNING token_version`,
		id, expected, time.Now().UTC()).Scan(&version)
	if err == nil {
		return version, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("compare and increment token version: %w", err)
	}

	// No row updated: either the identity is gone or the version moved on.
	current, findErr := r.FindByID(ctx, id)
	if findErr != nil {
		return 0, false, findErr
	}
	return current.TokenVersion, false, nil
}

func (r *IdentityRepository) ClearCurrentRefreshToken(ctx context.Context, id string) error {
	return r.exec(ctx, "clear current refresh token",
		`UPDATE identities SET current_refresh_token_id = NULL, updated_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
}

func (r *IdentityRepository) RecordLogin(ctx context.Context, id string, at time.Time, refreshID string) error {
	return r.exec(ctx, "record login",
		`UPDATE identities SET last_login = $2, current_refresh_token_id = NULLIF($3, ''), updated_at = $4 WHERE id = $1`,
		id, at.UTC(), refreshID, time.Now().UTC())
}

func (r *IdentityRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.exec(ctx, "set identity active",
		`UPDATE identities SET active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now().UTC())
}

func (r *IdentityRepository) SetRole(ctx context.Context, id string, role model.Role) error {
	return r.exec(ctx, "set identity role",
		`UPDATE identities SET role = $2, updated_at = $3 WHERE id = $1`,
		id, string(role), time.Now().UTC())
}

// exec runs a single-row UPDATE and maps zero affected rows to not found.
func (r *IdentityRepository) exec(ctx context.Context, op string, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

func scanIdentity(row pgx.Row) (model.Identity, error) {
	var (
		identity model.Identity
		role     string
	)
	err := row.Scan(&identity.ID, &identity.Email, &identity.Name, &identity.PasswordHash, &role,
		&identity.Active, &identity.TokenVersion, &identity.CurrentRefreshTokenID,
		&identity.LastLogin, &identity.CreatedAt, &identity.UpdatedAt)
	if err != nil {
		return model.Identity{}, err
	}
	identity.Role = model.Role(role)
	return identity, nil
}

func wrapNotFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrUserNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
