package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migalsp/kubex-lifecycle/internal/admission"
	"github.com/migalsp/kubex-lifecycle/internal/audit"
	"github.com/migalsp/kubex-lifecycle/internal/reason"
)

// AuditStore handles audit record operations
type AuditStore struct {
	pool *pgxpool.Pool
}

var (
	_ audit.Recorder = (*AuditStore)(nil)
	_ audit.Querier  = (*AuditStore)(nil)
)

// Record appends an immutable audit record.
func (s *AuditStore) Record(ctx context.Context, r audit.Record) error {
	decision, err := json.Marshal(r.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	var result []byte
	if r.Result != nil {
		if result, err = json.Marshal(r.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	query := `
		INSERT INTO lifecycle_audit (
			id, namespace, cost_center, cluster, requested_by, operation,
			started_at, finished_at, success, reason_code, message, decision, result
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	_, err = s.pool.Exec(ctx, query,
		r.ID,
		r.Namespace,
		r.CostCenter,
		r.Cluster,
		r.RequestedBy,
		string(r.Operation),
		r.StartedAt,
		r.FinishedAt,
		r.Success,
		string(r.ReasonCode),
		r.Message,
		decision,
		result,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Query returns matching records, newest first.
func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("namespace", f.Namespace)
	add("cost_center", f.CostCenter)
	add("cluster", f.Cluster)
	add("requested_by", f.RequestedBy)

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = audit.DefaultQueryLimit
	}
	args = append(args, limit)

	query := `
		SELECT id, namespace, cost_center, cluster, requested_by, operation,
			started_at, finished_at, success, reason_code, message, decision, result
		FROM lifecycle_audit`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf("\n\t\tORDER BY started_at DESC\n\t\tLIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	records := []audit.Record{}
	for rows.Next() {
		var (
			r                audit.Record
			operation, code  string
			decision, result []byte
		)
		err := rows.Scan(
			&r.ID,
			&r.Namespace,
			&r.CostCenter,
			&r.Cluster,
			&r.RequestedBy,
			&operation,
			&r.StartedAt,
			&r.FinishedAt,
			&r.Success,
			&code,
			&r.Message,
			&decision,
			&result,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Operation = admission.Operation(operation)
		r.ReasonCode = reason.Code(code)
		if err := json.Unmarshal(decision, &r.Decision); err != nil {
			return nil, fmt.Errorf("decode audit decision %s: %w", r.ID, err)
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &r.Result); err != nil {
				return nil, fmt.Errorf("decode audit result %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}
