package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"store-auth/internal/model"
)

const (
	TokenIssuer   = "online-store-api"
	TokenAudience = "online-store-client"
)

var (
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", model.ErrTokenInvalid)
	ErrTokenExpired     = fmt.Errorf("%w: expired", model.ErrTokenInvalid)
	ErrTokenMalformed   = fmt.Errorf("%w: malformed", model.ErrTokenInvalid)
)

// SigningConfig holds the two independent HMAC secrets. A leaked refresh
// secret must never allow forging access tokens, and vice versa.
type SigningConfig struct {
	AccessSecret  string
	RefreshSecret string
}

type AccessClaims struct {
	UserID string     `json:"userId"`
	Email  string     `json:"email"`
	Role   model.Role `json:"role"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	UserID       string `json:"userId"`
	TokenVersion int    `json:"tokenVersion"`
	jwt.RegisteredClaims
}

type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

func NewCodec(cfg SigningConfig) (*Codec, error) {
	access := strings.TrimSpace(cfg.AccessSecret)
	refresh := strings.TrimSpace(cfg.RefreshSecret)

	if access == "" {
		return nil, errors.New("access token secret is required")
	}
	if refresh == "" {
		return nil, errors.New("refresh token secret is required")
	}
	if access == refresh {
		return nil, errors.New("access and refresh token secrets must differ")
	}

	return &Codec{
		accessSecret:  []byte(access),
		refreshSecret: []byte(refresh),
		now:           time.Now,
	}, nil
}

// WithClock returns a copy of the codec that reads time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	clone := *c
	clone.now = now
	return &clone
}

func (c *Codec) SignAccess(claims AccessClaims, ttl time.Duration) (string, error) {
	claims.RegisteredClaims = c.registered(claims.UserID, ttl)
	return sign(claims, c.accessSecret)
}

func (c *Codec) SignRefresh(claims RefreshClaims, ttl time.Duration) (string, error) {
	signed, _, err := c.signRefreshWithID(claims, ttl)
	return signed, err
}

func (c *Codec) signRefreshWithID(claims RefreshClaims, ttl time.Duration) (string, string, error) {
	claims.RegisteredClaims = c.registered(claims.UserID, ttl)
	signed, err := sign(claims, c.refreshSecret)
	if err != nil {
		return "", "", err
	}
	return signed, claims.ID, nil
}

func (c *Codec) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.verify(tokenString, claims, c.accessSecret); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

func (c *Codec) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.verify(tokenString, claims, c.refreshSecret); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// registered stamps whole-second iat/exp. The parser treats exp as exclusive, so
// a token is rejected from the exact second it reaches exp onward.
func (c *Codec) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := c.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    TokenIssuer,
		Audience:  jwt.ClaimStrings{TokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
}

func (c *Codec) verify(tokenString string, claims jwt.Claims, secret []byte) error {
	if strings.TrimSpace(tokenString) == "" {
		return ErrTokenMalformed
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)

	parsed, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return classify(err)
	}
	if !parsed.Valid {
		return ErrTokenMalformed
	}

	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	default:
		return ErrTokenMalformed
	}
}

func sign(claims jwt.Claims, secret []byte) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
