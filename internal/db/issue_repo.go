package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atpyprog/buildflow-backend/internal/types"
)

// IssueRepository provides data access for the issues table, including the
// trailing-window duplicate check the rules engine relies on.
type IssueRepository struct {
	db DBTX
}

// NewIssueRepository creates a new IssueRepository backed by the given
// database connection (pool or transaction).
func NewIssueRepository(db DBTX) *IssueRepository {
	return &IssueRepository{db: db}
}

const issueColumns = `i.id, i.sector_id, i.issue_date, i.title, i.description,
	i.severity, i.status, i.category, i.created_by, i.created_at, i.weather`

func scanIssue(row pgx.Row) (*types.Issue, error) {
	var is types.Issue
	var description, category *string
	var weather []byte

	err := row.Scan(
		&is.ID,
		&is.SectorID,
		&is.IssueDate,
		&is.Title,
		&description,
		&is.Severity,
		&is.Status,
		&category,
		&is.CreatedBy,
		&is.CreatedAt,
		&weather,
	)
	if err != nil {
		return nil, err
	}
	if description != nil {
		is.Description = *description
	}
	if category != nil {
		is.Category = *category
	}
	if len(weather) > 0 {
		if err := json.Unmarshal(weather, &is.Weather); err != nil {
			return nil, err
		}
	}
	return &is, nil
}

// Create inserts a new issue and returns it with its assigned ID. The weather
// context is stored as a jsonb snapshot of the matched day.
func (r *IssueRepository) Create(ctx context.Context, issue *types.Issue) (*types.Issue, error) {
	if issue.ID == "" {
		issue.ID = newID("iss")
	}
	if issue.Status == "" {
		issue.Status = types.IssueOpen
	}

	weather, err := json.Marshal(issue.Weather)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode issue weather", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO issues (id, sector_id, issue_date, title, description, severity,
		 status, category, created_by, created_at, weather)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), $11)`,
		issue.ID,
		issue.SectorID,
		issue.IssueDate,
		issue.Title,
		nilIfEmpty(issue.Description),
		issue.Severity,
		issue.Status,
		nilIfEmpty(issue.Category),
		issue.CreatedBy,
		nilIfZeroTime(issue.CreatedAt),
		weather,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create issue", err)
	}
	return issue, nil
}

// ExistsRecent reports whether an issue with the same sector, date, and title
// was created at or after the given cutoff.
func (r *IssueRepository) ExistsRecent(ctx context.Context, sectorID string, date types.Date, title string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM issues
		   WHERE sector_id = $1 AND issue_date = $2 AND title = $3 AND created_at >= $4
		 )`,
		sectorID, date, title, since,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check for recent issue", err)
	}
	return exists, nil
}

// GetByID retrieves a single issue. Returns a not-found AppError when no such
// issue exists.
func (r *IssueRepository) GetByID(ctx context.Context, id string) (*types.Issue, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues i WHERE i.id = $1`,
		id,
	)

	is, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIssue, "issue not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve issue", err)
	}
	return is, nil
}

// ListBySector returns a sector's issues newest first, bounded by limit.
func (r *IssueRepository) ListBySector(ctx context.Context, sectorID string, limit int) ([]types.Issue, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+issueColumns+`
		 FROM issues i
		 WHERE i.sector_id = $1
		 ORDER BY i.created_at DESC
		 LIMIT $2`,
		sectorID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list issues", err)
	}
	defer rows.Close()

	var out []types.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan issue", err)
		}
		out = append(out, *is)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate issues", err)
	}
	return out, nil
}
