package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"store-auth/internal/model"
)

type MemoryIdentityStore struct {
	mu      sync.RWMutex
	byID    map[string]model.Identity
	byEmail map[string]string
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		byID:    map[string]model.Identity{},
		byEmail: map[string]string{},
	}
}

func (s *MemoryIdentityStore) FindByID(_ context.Context, id string) (model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, exists := s.byID[id]
	if !exists {
		return model.Identity{}, model.ErrUserNotFound
	}
	return identity, nil
}

func (s *MemoryIdentityStore) FindByEmail(_ context.Context, email string) (model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byEmail[normalizeEmail(email)]
	if !exists {
		return model.Identity{}, model.ErrUserNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryIdentityStore) List(_ context.Context) ([]model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identities := make([]model.Identity, 0, len(s.byID))
	for _, identity := range s.byID {
		identities = append(identities, identity)
	}
	sort.Slice(identities, func(i int, j int) bool {
		return identities[i].Email < identities[j].Email
	})
	return identities, nil
}

func (s *MemoryIdentityStore) Create(_ context.Context, identity model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeEmail(identity.Email)
	if _, exists := s.byEmail[key]; exists {
		return model.ErrUserAlreadyExists
	}
	if _, exists := s.byID[identity.ID]; exists {
		return model.ErrUserAlreadyExists
	}
	if identity.TokenVersion < model.BaselineTokenVersion {
		identity.TokenVersion = model.BaselineTokenVersion
	}

	identity.Email = key
	s.byID[identity.ID] = identity
	s.byEmail[key] = identity.ID
	return nil
}

func (s *MemoryIdentityStore) Save(_ context.Context, identity model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.byID[identity.ID]
	if !exists {
		return model.ErrUserNotFound
	}

	key := normalizeEmail(identity.Email)
	if owner, taken := s.byEmail[key]; taken && owner != identity.ID {
		return model.ErrUserAlreadyExists
	}
	delete(s.byEmail, current.Email)

	identity.Email = key
	identity.TokenVersion = current.TokenVersion
	s.byID[identity.ID] = identity
	s.byEmail[key] = identity.ID
	return nil
}

func (s *MemoryIdentityStore) IncrementTokenVersion(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, exists := s.byID[id]
	if !exists {
		return 0, model.ErrUserNotFound
	}
	identity.TokenVersion++
	s.byID[id] = identity
	return identity.TokenVersion, nil
}

func (s *MemoryIdentityStore) CompareAndIncrementTokenVersion(_ context.Context, id string, expected int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, exists := s.byID[id]
	if !exists {
		return 0, false, model.ErrUserNotFound
	}
	if identity.TokenVersion != expected {
		return identity.TokenVersion, false, nil
	}
	identity.TokenVersion++
	s.byID[id] = identity
	return identity.TokenVersion, true, nil
}

func (s *MemoryIdentityStore) ClearCurrentRefreshToken(_ context.Context, id string) error {
	return s.update(id, func(identity *model.Identity) {
		identity.CurrentRefreshTokenID = ""
	})
}

func (s *MemoryIdentityStore) RecordLogin(_ context.Context, id string, at time.Time, refreshID string) error {
	return s.update(id, func(identity *model.Identity) {
		loginAt := at.UTC()
		identity.LastLogin = &loginAt
		identity.CurrentRefreshTokenID = refreshID
	})
}

func (s *MemoryIdentityStore) SetActive(_ context.Context, id string, active bool) error {
	return s.update(id, func(identity *model.Identity) {
		identity.Active = active
	})
}

func (s *MemoryIdentityStore) SetRole(_ context.Context, id string, role model.Role) error {
	return s.update(id, func(identity *model.Identity) {
		identity.Role = role
	})
}

// update applies fn to the stored record under the write lock.
func (s *MemoryIdentityStore) update(id string, fn func(identity *model.Identity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, exists := s.byID[id]
	if !exists {
		return model.ErrUserNotFound
	}
	fn(&identity)
	identity.UpdatedAt = time.Now().UTC()
	s.byID[id] = identity
	return nil
}
