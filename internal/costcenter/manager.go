package costcenter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/kubex-lifecycle/internal/reason"
)

// Manager is the only writer of permissions. Every write invalidates the
// cache entry of the cost center before returning.
type Manager struct {
	Store    Store
	Cache    *Cache
	validate *validator.Validate
}

func NewManager(store Store, cache *Cache) *Manager {
	return &Manager{Store: store, Cache: cache, validate: validator.New()}
}

func (m *Manager) SetPermission(ctx context.Context, p Permission) (*Permission, error) {
	p.CostCenter = strings.TrimSpace(p.CostCenter)
	patterns := make([]string, 0, len(p.AuthorizedNamespacePatterns))
	for _, pat := range p.AuthorizedNamespacePatterns {
		if pat = strings.TrimSpace(pat); pat != "" {
			patterns = append(patterns, pat)
		}
	}
	p.AuthorizedNamespacePatterns = patterns

	if err := m.validate.Struct(p); err != nil {
		return nil, reason.Wrap(reason.CodeValidation, err, "invalid permission for cost center %q", p.CostCenter)
	}

	defer m.Cache.Invalidate(p.CostCenter)
	if err := m.Store.UpsertPermission(ctx, &p); err != nil {
		return nil, reason.Wrap(reason.CodePermissionCheck, err, "store permission for cost center %q", p.CostCenter)
	}
	m.Cache.Invalidate(p.CostCenter)

	log.FromContext(ctx).Info("Permission updated", "costCenter", p.CostCenter, "authorized", p.IsAuthorized,
		"maxConcurrentNamespaces", p.MaxConcurrentNamespaces, "patterns", p.AuthorizedNamespacePatterns)
	return &p, nil
}

func (m *Manager) DeletePermission(ctx context.Context, costCenter string) error {
	defer m.Cache.Invalidate(costCenter)
	if err := m.Store.DeletePermission(ctx, costCenter); err != nil {
		if errors.Is(err, ErrPermissionNotFound) {
			return reason.Wrap(reason.CodeAuthorization, err, "cost center %q has no permission record", costCenter)
		}
		return reason.Wrap(reason.CodePermissionCheck, err, "delete permission for cost center %q", costCenter)
	}
	m.Cache.Invalidate(costCenter)
	log.FromContext(ctx).Info("Permission deleted", "costCenter", costCenter)
	return nil
}

// GetPermission reads the store directly, bypassing the cache.
func (m *Manager) GetPermission(ctx context.Context, costCenter string) (*Permission, error) {
	p, err := m.Store.GetPermission(ctx, costCenter)
	if err != nil {
		if errors.Is(err, ErrPermissionNotFound) {
			return nil, reason.Wrap(reason.CodeAuthorization, err, "cost center %q has no permission record", costCenter)
		}
		return nil, reason.Wrap(reason.CodePermissionCheck, err, "load permission for cost center %q", costCenter)
	}
	return p, nil
}

func (m *Manager) ListPermissions(ctx context.Context) ([]*Permission, error) {
	perms, err := m.Store.ListPermissions(ctx)
	if err != nil {
		return nil, reason.Wrap(reason.CodePermissionCheck, err, "list permissions")
	}
	return perms, nil
}

type seedFile struct {
	Permissions []Permission `yaml:"permissions"`
}

// LoadSeedFile reads permissions from a YAML document of the form
//
//	permissions:
//	  - costCenter: CC-001
//	    isAuthorized: true
//	    maxConcurrentNamespaces: 5
//	    authorizedNamespacePatterns: ["dev-*"]
func LoadSeedFile(path string) ([]Permission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permission seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse permission seed file %s: %w", path, err)
	}
	return f.Permissions, nil
}

// Seed applies perms through SetPermission and stops at the first failure.
func (m *Manager) Seed(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if _, err := m.SetPermission(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
