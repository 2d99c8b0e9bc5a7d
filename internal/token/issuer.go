package token

import (
	"time"

	"store-auth/internal/model"
)

const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// Issuer mints access/refresh pairs. It keeps no record of what it issued;
// refresh validity is decided later against the identity's token version.
type Issuer struct {
	codec *Codec
}

func NewIssuer(codec *Codec) *Issuer {
	return &Issuer{codec: codec}
}

func (i *Issuer) Codec() *Codec {
	return i.codec
}

// Issued is a minted pair together with the refresh token's jti.
type Issued struct {
	Pair      model.TokenPair
	RefreshID string
}

func (i *Issuer) IssuePair(identityID string, email string, role model.Role, tokenVersion int) (model.TokenPair, error) {
	issued, err := i.Issue(identityID, email, role, tokenVersion)
	if err != nil {
		return model.TokenPair{}, err
	}
	return issued.Pair, nil
}

// Issue signs both tokens or neither.
func (i *Issuer) Issue(identityID string, email string, role model.Role, tokenVersion int) (Issued, error) {
	expiresAt := i.codec.now().Add(AccessTokenTTL).Unix()

	accessToken, err := i.codec.SignAccess(AccessClaims{
		UserID: identityID,
		Email:  email,
		Role:   role,
	}, AccessTokenTTL)
	if err != nil {
		return Issued{}, err
	}

	refreshClaims := RefreshClaims{
		UserID:       identityID,
		TokenVersion: tokenVersion,
	}
	refreshToken, refreshID, err := i.codec.signRefreshWithID(refreshClaims, RefreshTokenTTL)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		Pair: model.TokenPair{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    expiresAt,
		},
		RefreshID: refreshID,
	}, nil
}
