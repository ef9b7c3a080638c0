package costcenter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrPermissionNotFound is returned by a Store when no record exists for a cost center.
var ErrPermissionNotFound = errors.New("cost center permission not found")

// Permission is the authorization record of one cost center.
type Permission struct {
	CostCenter                  string    `json:"costCenter" yaml:"costCenter" validate:"required,max=128"`
	IsAuthorized                bool      `json:"isAuthorized" yaml:"isAuthorized"`
	MaxConcurrentNamespaces     int       `json:"maxConcurrentNamespaces" yaml:"maxConcurrentNamespaces" validate:"gte=0"`
	AuthorizedNamespacePatterns []string  `json:"authorizedNamespacePatterns,omitempty" yaml:"authorizedNamespacePatterns" validate:"dive,required,max=253"`
	CreatedAt                   time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt                   time.Time `json:"updatedAt" yaml:"-"`
}

func (p Permission) clone() Permission {
	if p.AuthorizedNamespacePatterns != nil {
		p.AuthorizedNamespacePatterns = append([]string(nil), p.AuthorizedNamespacePatterns...)
	}
	return p
}

// Store persists permissions.
type Store interface {
	GetPermission(ctx context.Context, costCenter string) (*Permission, error)
	UpsertPermission(ctx context.Context, p *Permission) error
	DeletePermission(ctx context.Context, costCenter string) error
	ListPermissions(ctx context.Context) ([]*Permission, error)
}

// MemoryStore is a Store kept in process memory. It backs development runs
// without a database and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	perms map[string]Permission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{perms: make(map[string]Permission)}
}

func (s *MemoryStore) GetPermission(_ context.Context, costCenter string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[costCenter]
	if !ok {
		return nil, ErrPermissionNotFound
	}
	out := p.clone()
	return &out, nil
}

func (s *MemoryStore) UpsertPermission(_ context.Context, p *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	stored := p.clone()
	if existing, ok := s.perms[p.CostCenter]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.perms[p.CostCenter] = stored
	p.CreatedAt, p.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (s *MemoryStore) DeletePermission(_ context.Context, costCenter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[costCenter]; !ok {
		return ErrPermissionNotFound
	}
	delete(s.perms, costCenter)
	return nil
}

func (s *MemoryStore) ListPermissions(_ context.Context) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Permission, 0, len(s.perms))
	for _, p := range s.perms {
		c := p.clone()
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CostCenter < out[j].CostCenter })
	return out, nil
}
