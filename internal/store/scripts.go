package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pytask-manager/engine/internal/errors"
	"github.com/pytask-manager/engine/internal/models"
)

// GetScript loads a script with its dependencies and schedules. The core
// treats everything but Dependency.InstalledVersion as read-only input
// owned by the external CRUD collaborator (spec §3).
func (s *Store) GetScript(ctx context.Context, scriptID int64) (*models.Script, error) {
	script := &models.Script{}

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, content, is_active FROM scripts WHERE id = $1`,
		scriptID,
	).Scan(&script.ID, &script.Name, &script.Content, &script.IsActive)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(fmt.Sprintf("script %d", scriptID))
	}
	if err != nil {
		return nil, errors.StoreError(err)
	}

	deps, err := s.listDependencies(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	script.Dependencies = deps

	schedules, err := s.listSchedules(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	script.Schedules = schedules

	return script, nil
}

func (s *Store) listDependencies(ctx context.Context, scriptID int64) ([]*models.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script_id, package_name, version_spec, installed_version
		FROM dependencies WHERE script_id = $1`,
		scriptID,
	)
	if err != nil {
		return nil, errors.StoreError(err)
	}
	defer rows.Close()

	var deps []*models.Dependency
	for rows.Next() {
		d := &models.Dependency{}
		if err := rows.Scan(&d.ID, &d.ScriptID, &d.PackageName, &d.VersionSpec, &d.InstalledVersion); err != nil {
			return nil, errors.StoreError(err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError(err)
	}
	return deps, nil
}

func (s *Store) listSchedules(ctx context.Context, scriptID int64) ([]*models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script_id, cron_expression, description
		FROM schedules WHERE script_id = $1`,
		scriptID,
	)
	if err != nil {
		return nil, errors.StoreError(err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		sch := &models.Schedule{}
		if err := rows.Scan(&sch.ID, &sch.ScriptID, &sch.CronExpression, &sch.Description); err != nil {
			return nil, errors.StoreError(err)
		}
		schedules = append(schedules, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError(err)
	}
	return schedules, nil
}

// ListActiveSchedules returns every schedule belonging to an active script,
// joined with its script, for the Cron Scheduler's startup load (spec
// §4.F).
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.script_id, s.cron_expression, s.description
		FROM schedules s
		JOIN scripts sc ON sc.id = s.script_id
		WHERE sc.is_active = true`,
	)
	if err != nil {
		return nil, errors.StoreError(err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		sch := &models.Schedule{}
		if err := rows.Scan(&sch.ID, &sch.ScriptID, &sch.CronExpression, &sch.Description); err != nil {
			return nil, errors.StoreError(err)
		}
		schedules = append(schedules, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError(err)
	}
	return schedules, nil
}

// UpdateInstalledVersion persists the Environment Provisioner's discovery of
// a dependency's actually-installed version (spec §4.A step 6).
func (s *Store) UpdateInstalledVersion(ctx context.Context, dependencyID int64, version string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dependencies SET installed_version = $1 WHERE id = $2`,
		version, dependencyID,
	)
	if err != nil {
		return errors.StoreError(err)
	}
	return nil
}
