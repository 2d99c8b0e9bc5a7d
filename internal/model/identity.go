package model

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// BaselineTokenVersion is the version assigned to newly created identities.
const BaselineTokenVersion = 1

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Identity is the persisted user record. TokenVersion is only ever advanced
// through the store's atomic increment operations.
type Identity struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	Name                  string     `json:"name"`
	PasswordHash          string     `json:"-"`
	Role                  Role       `json:"role"`
	Active                bool       `json:"active"`
	TokenVersion          int        `json:"tokenVersion"`
	CurrentRefreshTokenID string     `json:"-"`
	LastLogin             *time.Time `json:"lastLogin,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

type UserProfile struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Role      Role       `json:"role"`
	Active    bool       `json:"active"`
	LastLogin *time.Time `json:"lastLogin,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (i Identity) Profile() UserProfile {
	return UserProfile{
		ID:        i.ID,
		Email:     i.Email,
		Name:      i.Name,
		Role:      i.Role,
		Active:    i.Active,
		LastLogin: i.LastLogin,
		CreatedAt: i.CreatedAt,
	}
}

type UserList struct {
	Users []UserProfile `json:"users"`
}
