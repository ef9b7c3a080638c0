package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migalsp/kubex-lifecycle/internal/costcenter"
)

// PermissionStore implements costcenter.Store on Postgres.
type PermissionStore struct {
	pool *pgxpool.Pool
}

var _ costcenter.Store = (*PermissionStore)(nil)

const permissionColumns = `cost_center, is_authorized, max_concurrent_namespaces, authorized_namespace_patterns, created_at, updated_at`

func scanPermission(row pgx.Row) (*costcenter.Permission, error) {
	var p costcenter.Permission
	err := row.Scan(
		&p.CostCenter,
		&p.IsAuthorized,
		&p.MaxConcurrentNamespaces,
		&p.AuthorizedNamespacePatterns,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PermissionStore) GetPermission(ctx context.Context, costCenter string) (*costcenter.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM cost_center_permissions WHERE cost_center = $1`

	p, err := scanPermission(s.pool.QueryRow(ctx, query, costCenter))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %w", costcenter.ErrPermissionNotFound, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query permission: %w", err)
	}
	return p, nil
}

// UpsertPermission inserts or replaces the row and writes the stored
// timestamps back into p.
func (s *PermissionStore) UpsertPermission(ctx context.Context, p *costcenter.Permission) error {
	query := `
		INSERT INTO cost_center_permissions (
			cost_center, is_authorized, max_concurrent_namespaces, authorized_namespace_patterns
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (cost_center) DO UPDATE SET
			is_authorized = EXCLUDED.is_authorized,
			max_concurrent_namespaces = EXCLUDED.max_concurrent_namespaces,
			authorized_namespace_patterns = EXCLUDED.authorized_namespace_patterns,
			updated_at = now()
		RETURNING created_at, updated_at
	`

	patterns := p.AuthorizedNamespacePatterns
	if patterns == nil {
		patterns = []string{}
	}
	err := s.pool.QueryRow(ctx, query, p.CostCenter, p.IsAuthorized, p.MaxConcurrentNamespaces, patterns).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}
	return nil
}

func (s *PermissionStore) DeletePermission(ctx context.Context, costCenter string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cost_center_permissions WHERE cost_center = $1`, costCenter)
	if err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %w", costcenter.ErrPermissionNotFound, ErrNotFound)
	}
	return nil
}

func (s *PermissionStore) ListPermissions(ctx context.Context) ([]*costcenter.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM cost_center_permissions ORDER BY cost_center`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	perms := []*costcenter.Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return perms, nil
}
