package model

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type UpdateStatusRequest struct {
	Active *bool `json:"active"`
}

type UpdateRoleRequest struct {
	Role string `json:"role"`
}
