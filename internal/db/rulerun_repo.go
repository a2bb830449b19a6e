package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/atpyprog/buildflow-backend/internal/types"
)

// RuleRunRepository provides data access for the rules_runs audit table.
// One row is written per apply-rules invocation, dry runs included.
type RuleRunRepository struct {
	db DBTX
}

// NewRuleRunRepository creates a new RuleRunRepository backed by the given
// database connection (pool or transaction).
func NewRuleRunRepository(db DBTX) *RuleRunRepository {
	return &RuleRunRepository{db: db}
}

const runColumns = `r.id, r.sector_id, r.mode, r.executed_at, r.window_start, r.window_end,
	r.days_analyzed, r.rules_checked, r.issues_created, r.status, r.triggered_by`

func scanRun(row pgx.Row) (*types.RuleRun, error) {
	var run types.RuleRun
	var triggeredBy *string

	err := row.Scan(
		&run.ID,
		&run.SectorID,
		&run.Mode,
		&run.ExecutedAt,
		&run.WindowStart,
		&run.WindowEnd,
		&run.DaysAnalyzed,
		&run.RulesChecked,
		&run.IssuesCreated,
		&run.Status,
		&triggeredBy,
	)
	if err != nil {
		return nil, err
	}
	if triggeredBy != nil {
		run.TriggeredBy = *triggeredBy
	}
	return &run, nil
}

// Record writes the audit row for one invocation and returns it with its
// assigned ID.
func (r *RuleRunRepository) Record(ctx context.Context, run *types.RuleRun) (*types.RuleRun, error) {
	if run.ID == "" {
		run.ID = newID("run")
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO rules_runs (id, sector_id, mode, executed_at, window_start, window_end,
		 days_analyzed, rules_checked, issues_created, status, triggered_by)
		 VALUES ($1, $2, $3, COALESCE($4, NOW()), $5, $6, $7, $8, $9, $10, $11)`,
		run.ID,
		run.SectorID,
		run.Mode,
		nilIfZeroTime(run.ExecutedAt),
		run.WindowStart,
		run.WindowEnd,
		run.DaysAnalyzed,
		run.RulesChecked,
		run.IssuesCreated,
		run.Status,
		nilIfEmpty(run.TriggeredBy),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to record rules run", err)
	}
	return run, nil
}

// GetByID retrieves one audit row. Returns a not-found AppError when no such
// run exists.
func (r *RuleRunRepository) GetByID(ctx context.Context, id string) (*types.RuleRun, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM rules_runs r WHERE r.id = $1`,
		id,
	)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRuleRun, "rules run not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve rules run", err)
	}
	return run, nil
}

// ListBySector returns a sector's run history newest first, bounded by limit.
func (r *RuleRunRepository) ListBySector(ctx context.Context, sectorID string, limit int) ([]types.RuleRun, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+runColumns+`
		 FROM rules_runs r
		 WHERE r.sector_id = $1
		 ORDER BY r.executed_at DESC
		 LIMIT $2`,
		sectorID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list rules runs", err)
	}
	defer rows.Close()

	var out []types.RuleRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan rules run", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate rules runs", err)
	}
	return out, nil
}
