package model

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type AuthResult struct {
	User   UserProfile `json:"user"`
	Tokens TokenPair   `json:"tokens"`
}
