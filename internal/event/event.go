package event

import "time"

type Type string

const (
	TypeUserRegistered    Type = "user.registered"
	TypeUserLoggedIn      Type = "user.logged_in"
	TypeLoginFailed       Type = "user.login_failed"
	TypeTokenRefreshed    Type = "token.refreshed"
	TypeRefreshRejected   Type = "token.refresh_rejected"
	TypeLoggedOut         Type = "user.logged_out"
	TypeLoggedOutAll      Type = "user.logged_out_all"
	TypeUserStatusChanged Type = "user.status_changed"
	TypeUserRoleChanged   Type = "user.role_changed"
)

type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	SubjectID string         `json:"subject_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Bus interface {
	Publish(e Event)
	Subscribe() (<-chan Event, func())
}
