package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/atpyprog/buildflow-backend/internal/types"
)

// WeatherBatchRepository provides data access for weather capture batches and
// their per-day snapshot rows.
type WeatherBatchRepository struct {
	db DBTX
}

// NewWeatherBatchRepository creates a new WeatherBatchRepository backed by the
// given database connection (pool or transaction).
func NewWeatherBatchRepository(db DBTX) *WeatherBatchRepository {
	return &WeatherBatchRepository{db: db}
}

// batchColumns excludes raw_payload, which is only loaded on demand.
const batchColumns = `b.id, b.sector_id, b.status, b.source, b.window_start, b.window_end,
	b.timezone, b.latitude, b.longitude, b.requested_at, b.finished_at`

func scanBatch(row pgx.Row) (*types.WeatherBatch, error) {
	var b types.WeatherBatch
	err := row.Scan(
		&b.ID,
		&b.SectorID,
		&b.Status,
		&b.Source,
		&b.WindowStart,
		&b.WindowEnd,
		&b.Timezone,
		&b.Latitude,
		&b.Longitude,
		&b.RequestedAt,
		&b.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBatch inserts a completed capture batch together with its per-day
// snapshot rows. Assigns the batch ID when the caller left it empty.
func (r *WeatherBatchRepository) CreateBatch(ctx context.Context, batch *types.WeatherBatch, days []types.DayObservation) error {
	if batch.ID == "" {
		batch.ID = newID("wb")
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO weather_batches (id, sector_id, status, source, window_start, window_end,
		 timezone, latitude, longitude, requested_at, finished_at, raw_payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), $11, $12)`,
		batch.ID,
		batch.SectorID,
		batch.Status,
		batch.Source,
		batch.WindowStart,
		batch.WindowEnd,
		batch.Timezone,
		batch.Latitude,
		batch.Longitude,
		nilIfZeroTime(batch.RequestedAt),
		batch.FinishedAt,
		batch.RawPayload,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create weather batch", err)
	}

	for _, d := range days {
		_, err := r.db.Exec(ctx,
			`INSERT INTO weather_days (batch_id, target_date, weather_code, temp_min_c,
			 temp_max_c, precipitation_mm, wind_kmh, forecast_horizon_days)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			batch.ID,
			d.TargetDate,
			d.WeatherCode,
			d.TempMinC,
			d.TempMaxC,
			d.PrecipitationMM,
			d.WindKmh,
			d.ForecastHorizonDays,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to insert weather day", err)
		}
	}
	return nil
}

// WindowDays locates a completed batch for the window according to the
// preference and returns its day observations within the window, keyed by ISO
// date. Preference semantics:
//   - latest: the newest batch fully covering the window.
//   - partial: a covering batch if one exists, else the newest batch merely
//     intersecting the window.
//   - exact: the newest batch whose stored window equals the requested one.
//
// A not-found AppError is returned when no batch satisfies the preference.
func (r *WeatherBatchRepository) WindowDays(ctx context.Context, sectorID string, start, end types.Date, pref types.BatchPreference) (map[string]types.DayObservation, *types.WeatherBatch, error) {
	batch, err := r.pickBatch(ctx, sectorID, start, end, pref)
	if err != nil {
		return nil, nil, err
	}

	days, err := r.daysForBatch(ctx, batch.ID, start, end)
	if err != nil {
		return nil, nil, err
	}
	return days, batch, nil
}

func (r *WeatherBatchRepository) pickBatch(ctx context.Context, sectorID string, start, end types.Date, pref types.BatchPreference) (*types.WeatherBatch, error) {
	covering := `SELECT ` + batchColumns + `
		 FROM weather_batches b
		 WHERE b.sector_id = $1 AND b.status = 'completed'
		   AND b.window_start <= $2 AND b.window_end >= $3
		 ORDER BY b.requested_at DESC
		 LIMIT 1`

	switch pref {
	case types.PreferLatest, "":
		batch, err := scanBatchNotFoundOK(r.db.QueryRow(ctx, covering, sectorID, start, end))
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, notFoundWindow(sectorID)
		}
		return batch, nil

	case types.PreferPartial:
		batch, err := scanBatchNotFoundOK(r.db.QueryRow(ctx, covering, sectorID, start, end))
		if err != nil {
			return nil, err
		}
		if batch != nil {
			return batch, nil
		}
		batch, err = scanBatchNotFoundOK(r.db.QueryRow(ctx,
			`SELECT `+batchColumns+`
			 FROM weather_batches b
			 WHERE b.sector_id = $1 AND b.status = 'completed'
			   AND b.window_start <= $3 AND b.window_end >= $2
			 ORDER BY b.requested_at DESC
			 LIMIT 1`,
			sectorID, start, end))
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, notFoundWindow(sectorID)
		}
		return batch, nil

	case types.PreferExact:
		batch, err := scanBatchNotFoundOK(r.db.QueryRow(ctx,
			`SELECT `+batchColumns+`
			 FROM weather_batches b
			 WHERE b.sector_id = $1 AND b.status = 'completed'
			   AND b.window_start = $2 AND b.window_end = $3
			 ORDER BY b.requested_at DESC
			 LIMIT 1`,
			sectorID, start, end))
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return nil, notFoundWindow(sectorID)
		}
		return batch, nil

	default:
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("unknown batch preference %q", pref), nil)
	}
}

func scanBatchNotFoundOK(row pgx.Row) (*types.WeatherBatch, error) {
	batch, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve weather batch", err)
	}
	return batch, nil
}

func notFoundWindow(sectorID string) *types.AppError {
	return types.NewAppError(types.ErrCodeNotFoundWeatherWindow,
		fmt.Sprintf("no completed weather batch for sector %q satisfies the requested window", sectorID), nil)
}

// daysForBatch loads the batch's day rows restricted to the window.
func (r *WeatherBatchRepository) daysForBatch(ctx context.Context, batchID string, start, end types.Date) (map[string]types.DayObservation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT target_date, weather_code, temp_min_c, temp_max_c,
		        precipitation_mm, wind_kmh, forecast_horizon_days
		 FROM weather_days
		 WHERE batch_id = $1 AND target_date BETWEEN $2 AND $3
		 ORDER BY target_date`,
		batchID, start, end,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load weather days", err)
	}
	defer rows.Close()

	out := make(map[string]types.DayObservation)
	for rows.Next() {
		var d types.DayObservation
		err := rows.Scan(
			&d.TargetDate,
			&d.WeatherCode,
			&d.TempMinC,
			&d.TempMaxC,
			&d.PrecipitationMM,
			&d.WindKmh,
			&d.ForecastHorizonDays,
		)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan weather day", err)
		}
		out[d.TargetDate.String()] = d
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate weather days", err)
	}
	return out, nil
}

// LatestBatch returns the newest completed batch for a sector regardless of
// window, or a not-found AppError when the sector has never been captured.
func (r *WeatherBatchRepository) LatestBatch(ctx context.Context, sectorID string) (*types.WeatherBatch, error) {
	batch, err := scanBatchNotFoundOK(r.db.QueryRow(ctx,
		`SELECT `+batchColumns+`
		 FROM weather_batches b
		 WHERE b.sector_id = $1 AND b.status = 'completed'
		 ORDER BY b.requested_at DESC
		 LIMIT 1`,
		sectorID))
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, notFoundWindow(sectorID)
	}
	return batch, nil
}

// BaselineRepository provides data access for per-project pinned baseline
// observations.
type BaselineRepository struct {
	db DBTX
}

// NewBaselineRepository creates a new BaselineRepository backed by the given
// database connection (pool or transaction).
func NewBaselineRepository(db DBTX) *BaselineRepository {
	return &BaselineRepository{db: db}
}

// WindowDays returns the pinned baseline observations inside the window,
// keyed by ISO date. Days with no pinned baseline are absent from the map.
// Baselines are observed data, so their forecast horizon is always zero.
func (r *BaselineRepository) WindowDays(ctx context.Context, projectID string, start, end types.Date) (map[string]types.DayObservation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT target_date, weather_code, temp_min_c, temp_max_c, precipitation_mm, wind_kmh
		 FROM baseline_weather
		 WHERE project_id = $1 AND target_date BETWEEN $2 AND $3
		 ORDER BY target_date`,
		projectID, start, end,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load baseline days", err)
	}
	defer rows.Close()

	out := make(map[string]types.DayObservation)
	for rows.Next() {
		var d types.DayObservation
		err := rows.Scan(
			&d.TargetDate,
			&d.WeatherCode,
			&d.TempMinC,
			&d.TempMaxC,
			&d.PrecipitationMM,
			&d.WindKmh,
		)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan baseline day", err)
		}
		out[d.TargetDate.String()] = d
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate baseline days", err)
	}
	return out, nil
}

// Pin upserts a baseline observation for a project-day. Repinning the same
// day replaces the previous values.
func (r *BaselineRepository) Pin(ctx context.Context, b *types.BaselineObservation) error {
	if b.ID == "" {
		b.ID = newID("bl")
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO baseline_weather (id, project_id, target_date, policy, pinned_by, pinned_at,
		 weather_code, temp_min_c, temp_max_c, precipitation_mm, wind_kmh)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), $7, $8, $9, $10, $11)
		 ON CONFLICT (project_id, target_date) DO UPDATE SET
		   policy = EXCLUDED.policy,
		   pinned_by = EXCLUDED.pinned_by,
		   pinned_at = EXCLUDED.pinned_at,
		   weather_code = EXCLUDED.weather_code,
		   temp_min_c = EXCLUDED.temp_min_c,
		   temp_max_c = EXCLUDED.temp_max_c,
		   precipitation_mm = EXCLUDED.precipitation_mm,
		   wind_kmh = EXCLUDED.wind_kmh`,
		b.ID,
		b.ProjectID,
		b.TargetDate,
		b.Policy,
		nilIfEmpty(b.PinnedBy),
		nilIfZeroTime(b.PinnedAt),
		b.Observation.WeatherCode,
		b.Observation.TempMinC,
		b.Observation.TempMaxC,
		b.Observation.PrecipitationMM,
		b.Observation.WindKmh,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to pin baseline day", err)
	}
	return nil
}
