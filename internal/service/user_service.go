package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"store-auth/internal/event"
	"store-auth/internal/metrics"
	"store-auth/internal/model"
	"store-auth/internal/repository"
	"store-auth/pkg/apierror"
)

type UserService struct {
	identities repository.IdentityStore
	bus        event.Bus
	metrics    *metrics.Metrics
}

func NewUserService(identities repository.IdentityStore, bus event.Bus, m *metrics.Metrics) *UserService {
	return &UserService{identities: identities, bus: bus, metrics: m}
}

func (s *UserService) List(ctx context.Context) (model.UserList, error) {
	identities, err := s.identities.List(ctx)
	if err != nil {
		return model.UserList{}, fmt.Errorf("list identities: %w", err)
	}

	users := make([]model.UserProfile, 0, len(identities))
	for _, identity := range identities {
		users = append(users, identity.Profile())
	}
	return model.UserList{Users: users}, nil
}

func (s *UserService) Get(ctx context.Context, id string) (model.UserProfile, error) {
	identity, err := s.find(ctx, id)
	if err != nil {
		return model.UserProfile{}, err
	}
	return identity.Profile(), nil
}

// SetActive toggles the active flag. Deactivation takes effect on the
// identity's next request because the middleware reloads it every time.
func (s *UserService) SetActive(ctx context.Context, actor model.Principal, id string, active bool) (model.UserProfile, error) {
	if actor.ID == id && !active {
		return model.UserProfile{}, apierror.Wrap(model.ErrMalformedRequest, apierror.CodeBadRequest, "administrators cannot deactivate themselves", http.StatusBadRequest)
	}

	identity, err := s.find(ctx, id)
	if err != nil {
		return model.UserProfile{}, err
	}
	if identity.Active == active {
		return identity.Profile(), nil
	}

	if err := s.applied(s.identities.SetActive(ctx, id, active), "set identity active"); err != nil {
		return model.UserProfile{}, err
	}
	if identity, err = s.find(ctx, id); err != nil {
		return model.UserProfile{}, err
	}

	s.publish(event.Event{Type: event.TypeUserStatusChanged, SubjectID: id, ActorID: actor.ID, Attrs: map[string]any{"active": active}})
	return identity.Profile(), nil
}

func (s *UserService) SetRole(ctx context.Context, actor model.Principal, id string, role string) (model.UserProfile, error) {
	next := model.Role(strings.ToLower(strings.TrimSpace(role)))
	if !next.Valid() {
		return model.UserProfile{}, apierror.Wrap(model.ErrMalformedRequest, apierror.CodeBadRequest, "role must be one of: user, admin", http.StatusBadRequest)
	}
	if actor.ID == id && next != model.RoleAdmin {
		return model.UserProfile{}, apierror.Wrap(model.ErrMalformedRequest, apierror.CodeBadRequest, "administrators cannot demote themselves", http.StatusBadRequest)
	}

	identity, err := s.find(ctx, id)
	if err != nil {
		return model.UserProfile{}, err
	}
	if identity.Role == next {
		return identity.Profile(), nil
	}

	previous := identity.Role
	if err := s.applied(s.identities.SetRole(ctx, id, next), "set identity role"); err != nil {
		return model.UserProfile{}, err
	}
	if identity, err = s.find(ctx, id); err != nil {
		return model.UserProfile{}, err
	}

	s.publish(event.Event{Type: event.TypeUserRoleChanged, SubjectID: id, ActorID: actor.ID, Attrs: map[string]any{"from": string(previous), "to": string(next)}})
	return identity.Profile(), nil
}

// RevokeSessions is the admin form of logout-all.
func (s *UserService) RevokeSessions(ctx context.Context, actor model.Principal, id string) (int, error) {
	version, err := s.identities.IncrementTokenVersion(ctx, id)
	if errors.Is(err, model.ErrUserNotFound) {
		return 0, userNotFound()
	}
	if err != nil {
		return 0, fmt.Errorf("increment token version: %w", err)
	}

	s.metrics.VersionIncremented("admin_revoke")
	s.publish(event.Event{Type: event.TypeLoggedOutAll, SubjectID: id, ActorID: actor.ID, Attrs: map[string]any{"token_version": version}})
	return version, nil
}

func (s *UserService) find(ctx context.Context, id string) (model.Identity, error) {
	identity, err := s.identities.FindByID(ctx, id)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.Identity{}, userNotFound()
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("find identity: %w", err)
	}
	return identity, nil
}

func (s *UserService) applied(err error, op string) error {
	if errors.Is(err, model.ErrUserNotFound) {
		return userNotFound()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *UserService) publish(e event.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(e)
}

func userNotFound() error {
	return apierror.Wrap(model.ErrUserNotFound, apierror.CodeNotFound, "user not found", http.StatusNotFound)
}
