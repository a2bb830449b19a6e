package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/atpyprog/buildflow-backend/internal/types"
)

// SectorRepository provides data access for the sectors table. A sector's
// project is resolved through its lot, so the join is part of every read.
type SectorRepository struct {
	db DBTX
}

// NewSectorRepository creates a new SectorRepository backed by the given
// database connection (pool or transaction).
func NewSectorRepository(db DBTX) *SectorRepository {
	return &SectorRepository{db: db}
}

const sectorColumns = `s.id, s.lot_id, l.project_id, s.name, p.latitude, p.longitude`

func scanSector(row pgx.Row) (*types.Sector, error) {
	var sec types.Sector
	var projectID *string

	err := row.Scan(
		&sec.ID,
		&sec.LotID,
		&projectID,
		&sec.Name,
		&sec.Latitude,
		&sec.Longitude,
	)
	if err != nil {
		return nil, err
	}
	if projectID != nil {
		sec.ProjectID = *projectID
	}
	return &sec, nil
}

// GetByID retrieves a sector with its parent project resolved. Returns a
// not-found AppError when no such sector exists.
func (r *SectorRepository) GetByID(ctx context.Context, id string) (*types.Sector, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+sectorColumns+`
		 FROM sectors s
		 JOIN lots l ON l.id = s.lot_id
		 LEFT JOIN projects p ON p.id = l.project_id
		 WHERE s.id = $1`,
		id,
	)

	sec, err := scanSector(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSector, "sector not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve sector", err)
	}
	return sec, nil
}

// ListByProject returns all sectors under a project, ordered by name. Used by
// the capture fan-out to refresh every sector of a site in one sweep.
func (r *SectorRepository) ListByProject(ctx context.Context, projectID string) ([]types.Sector, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sectorColumns+`
		 FROM sectors s
		 JOIN lots l ON l.id = s.lot_id
		 LEFT JOIN projects p ON p.id = l.project_id
		 WHERE l.project_id = $1
		 ORDER BY s.name`,
		projectID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list sectors", err)
	}
	defer rows.Close()

	var out []types.Sector
	for rows.Next() {
		sec, err := scanSector(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan sector", err)
		}
		out = append(out, *sec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate sectors", err)
	}
	return out, nil
}
