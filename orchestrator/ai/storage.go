// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

package ai

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Storage is the persistence collaborator for per-organization
// providers and task assignments. The orchestration core treats it as
// a synchronous data source; schema management lives elsewhere.
type Storage interface {
	// ListProviders returns all providers owned by an organization.
	ListProviders(ctx context.Context, orgID string) ([]*Provider, error)

	// SaveProvider inserts or updates one provider row.
	SaveProvider(ctx context.Context, p *Provider) error

	// DeleteProvider removes a provider. Deletion is rejected while
	// any task assignment still references it as primary or fallback.
	DeleteProvider(ctx context.Context, orgID, name string) error

	// ListAssignments returns all task assignments for an organization.
	ListAssignments(ctx context.Context, orgID string) ([]*Assignment, error)

	// SaveAssignment inserts or updates the assignment for
	// (orgID, task). Primary and fallback must differ.
	SaveAssignment(ctx context.Context, a *Assignment) error

	// DeleteAssignment removes the assignment for (orgID, task).
	DeleteAssignment(ctx context.Context, orgID string, task TaskKind) error
}

// ErrProviderReferenced is returned when deleting a provider that a
// task assignment still points at.
var ErrProviderReferenced = errors.New("provider is referenced by a task assignment")

// PostgresStorage implements Storage on PostgreSQL. Tenant isolation
// rides on the app.current_org_id session setting plus an explicit
// org_id predicate, matching the row-level security policy.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a PostgreSQL-backed storage.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

var _ Storage = (*PostgresStorage)(nil)

// ListProviders returns all providers owned by an organization.
func (s *PostgresStorage) ListProviders(ctx context.Context, orgID string) ([]*Provider, error) {
	query := `
		SELECT id, name, type, endpoint, credential_ref, models,
		       enabled, is_default, weight, rate_limit
		FROM ai_providers
		WHERE org_id = $1
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		p := &Provider{OrgID: orgID}
		var endpoint, credentialRef sql.NullString
		var modelsJSON []byte

		if err := rows.Scan(
			&p.ID, &p.Name, &p.Type, &endpoint, &credentialRef,
			&modelsJSON, &p.Enabled, &p.IsDefault, &p.Weight, &p.RateLimit,
		); err != nil {
			return nil, fmt.Errorf("failed to scan provider row: %w", err)
		}

		p.Endpoint = endpoint.String
		p.CredentialRef = credentialRef.String
		p.Models = make(map[TaskKind][]string)
		if len(modelsJSON) > 0 {
			if err := json.Unmarshal(modelsJSON, &p.Models); err != nil {
				return nil, fmt.Errorf("failed to unmarshal models for %s: %w", p.Name, err)
			}
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate provider rows: %w", err)
	}
	return providers, nil
}

// SaveProvider inserts or updates one provider row.
func (s *PostgresStorage) SaveProvider(ctx context.Context, p *Provider) error {
	if p == nil {
		return errors.New("provider cannot be nil")
	}

	modelsJSON, err := json.Marshal(p.Models)
	if err != nil {
		return fmt.Errorf("failed to marshal models: %w", err)
	}

	query := `
		INSERT INTO ai_providers (
			org_id, name, type, endpoint, credential_ref, models,
			enabled, is_default, weight, rate_limit
		) VALUES (
			current_setting('app.current_org_id', true), $1, $2, $3, $4, $5,
			$6, $7, $8, $9
		)
		ON CONFLICT (org_id, name) DO UPDATE SET
			type = EXCLUDED.type,
			endpoint = EXCLUDED.endpoint,
			credential_ref = EXCLUDED.credential_ref,
			models = EXCLUDED.models,
			enabled = EXCLUDED.enabled,
			is_default = EXCLUDED.is_default,
			weight = EXCLUDED.weight,
			rate_limit = EXCLUDED.rate_limit,
			updated_at = NOW()
	`

	_, err = s.db.ExecContext(ctx, query,
		p.Name, p.Type, p.Endpoint, p.CredentialRef, modelsJSON,
		p.Enabled, p.IsDefault, p.Weight, p.RateLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to save provider: %w", err)
	}
	return nil
}

// DeleteProvider removes a provider unless an assignment references it.
func (s *PostgresStorage) DeleteProvider(ctx context.Context, orgID, name string) error {
	var refs int
	refQuery := `
		SELECT COUNT(*)
		FROM ai_task_assignments
		WHERE org_id = $1
		  AND (primary_provider = $2 OR fallback_provider = $2)
	`
	if err := s.db.QueryRowContext(ctx, refQuery, orgID, name).Scan(&refs); err != nil {
		return fmt.Errorf("failed to check assignment references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("cannot delete provider %q: %w", name, ErrProviderReferenced)
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM ai_providers WHERE org_id = $1 AND name = $2`, orgID, name)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("provider %q not found", name)
	}
	return nil
}

// ListAssignments returns all task assignments for an organization.
func (s *PostgresStorage) ListAssignments(ctx context.Context, orgID string) ([]*Assignment, error) {
	query := `
		SELECT task, primary_provider, primary_model,
		       fallback_provider, fallback_model
		FROM ai_task_assignments
		WHERE org_id = $1
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*Assignment
	for rows.Next() {
		a := &Assignment{OrgID: orgID}
		var fallbackProvider, fallbackModel sql.NullString

		if err := rows.Scan(
			&a.Task, &a.PrimaryProvider, &a.PrimaryModel,
			&fallbackProvider, &fallbackModel,
		); err != nil {
			return nil, fmt.Errorf("failed to scan assignment row: %w", err)
		}

		a.FallbackProvider = fallbackProvider.String
		a.FallbackModel = fallbackModel.String
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assignment rows: %w", err)
	}
	return assignments, nil
}

// SaveAssignment inserts or updates the assignment for (orgID, task).
func (s *PostgresStorage) SaveAssignment(ctx context.Context, a *Assignment) error {
	if a == nil {
		return errors.New("assignment cannot be nil")
	}
	if a.FallbackProvider != "" && a.FallbackProvider == a.PrimaryProvider {
		return errors.New("primary and fallback providers must differ")
	}

	query := `
		INSERT INTO ai_task_assignments (
			org_id, task, primary_provider, primary_model,
			fallback_provider, fallback_model
		) VALUES (
			current_setting('app.current_org_id', true), $1, $2, $3, $4, $5
		)
		ON CONFLICT (org_id, task) DO UPDATE SET
			primary_provider = EXCLUDED.primary_provider,
			primary_model = EXCLUDED.primary_model,
			fallback_provider = EXCLUDED.fallback_provider,
			fallback_model = EXCLUDED.fallback_model,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		a.Task.Canonical(), a.PrimaryProvider, a.PrimaryModel,
		nullable(a.FallbackProvider), nullable(a.FallbackModel),
	)
	if err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

// DeleteAssignment removes the assignment for (orgID, task).
func (s *PostgresStorage) DeleteAssignment(ctx context.Context, orgID string, task TaskKind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ai_task_assignments WHERE org_id = $1 AND task = $2`,
		orgID, task.Canonical())
	if err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
