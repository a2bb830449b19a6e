package weather

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/atpyprog/buildflow-backend/internal/observability"
	"github.com/atpyprog/buildflow-backend/internal/types"
)

// captureConcurrencyLimit bounds parallel provider fetches during a
// project-wide capture sweep.
const captureConcurrencyLimit = 4

// DefaultCacheTTL is how long a fetched forecast window stays served from
// memory before the provider is asked again.
const DefaultCacheTTL = 15 * time.Minute

// SectorDirectory resolves capture targets.
type SectorDirectory interface {
	GetByID(ctx context.Context, sectorID string) (*types.Sector, error)
	ListByProject(ctx context.Context, projectID string) ([]types.Sector, error)
}

// BatchStore persists completed capture batches.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *types.WeatherBatch, days []types.DayObservation) error
}

// forecastFetcher is the provider boundary, satisfied by *Client.
type forecastFetcher interface {
	FetchDaily(ctx context.Context, lat, lon float64, start, end types.Date, timezone string) (*providerPayload, []byte, error)
}

// CaptureOptions are the site-level fallbacks applied when a sector carries
// no coordinates of its own.
type CaptureOptions struct {
	DefaultLatitude  float64
	DefaultLongitude float64
	Timezone         string
	CacheTTL         time.Duration
}

// CaptureService fetches daily forecasts from the provider and persists them
// as capture batches, one batch per sector-window. Fetches for the same
// coordinate-window inside the cache TTL are served from memory.
type CaptureService struct {
	sectors SectorDirectory
	batches BatchStore
	fetcher forecastFetcher
	opts    CaptureOptions
	cache   *forecastCache
	logger  *slog.Logger
	clock   clockwork.Clock
	metrics *observability.Metrics
}

// NewCaptureService creates a CaptureService with the provided dependencies.
func NewCaptureService(
	sectors SectorDirectory,
	batches BatchStore,
	fetcher forecastFetcher,
	opts CaptureOptions,
	logger *slog.Logger,
	clock clockwork.Clock,
	metrics *observability.Metrics,
) *CaptureService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &CaptureService{
		sectors: sectors,
		batches: batches,
		fetcher: fetcher,
		opts:    opts,
		cache:   newForecastCache(opts.CacheTTL, clock, metrics),
		logger:  logger,
		clock:   clock,
		metrics: metrics,
	}
}

// CaptureSector fetches the forecast window for one sector and persists it as
// a completed batch. Returns the stored batch and its day observations.
func (s *CaptureService) CaptureSector(ctx context.Context, sectorID string, start types.Date, windowDays int) (*types.WeatherBatch, []types.DayObservation, error) {
	if windowDays < 1 || windowDays > 14 {
		return nil, nil, types.NewAppError(types.ErrCodeValidationInvalidWindow,
			"capture window must be between 1 and 14 days", nil)
	}

	sector, err := s.sectors.GetByID(ctx, sectorID)
	if err != nil {
		return nil, nil, err
	}

	lat, lon := s.coordinates(sector)
	end := start.AddDays(windowDays - 1)

	days, raw, timezone, err := s.fetchWindow(ctx, lat, lon, start, end)
	if err != nil {
		return nil, nil, err
	}

	compressed, err := gzipBytes(raw)
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compress provider payload", err)
	}

	now := s.clock.Now()
	batch := &types.WeatherBatch{
		SectorID:    sector.ID,
		Status:      types.BatchCompleted,
		Source:      SourceName,
		WindowStart: start,
		WindowEnd:   end,
		Timezone:    timezone,
		Latitude:    &lat,
		Longitude:   &lon,
		RequestedAt: now,
		FinishedAt:  &now,
		RawPayload:  compressed,
	}
	if err := s.batches.CreateBatch(ctx, batch, days); err != nil {
		return nil, nil, err
	}
	s.metrics.BatchesCaptured.Inc()

	s.logger.InfoContext(ctx, "captured weather batch",
		"sector_id", sector.ID,
		"batch_id", batch.ID,
		"window_start", start.String(),
		"window_end", end.String(),
		"days", len(days),
	)
	return batch, days, nil
}

// SectorCaptureResult is one sector's outcome in a project-wide sweep.
type SectorCaptureResult struct {
	SectorID string `json:"sector_id"`
	BatchID  string `json:"batch_id,omitempty"`
	Days     int    `json:"days,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CaptureProject captures the same window for every sector of a project,
// fanning out provider fetches with bounded concurrency. Individual sector
// failures do not abort the sweep; they are reported in the result list.
func (s *CaptureService) CaptureProject(ctx context.Context, projectID string, start types.Date, windowDays int) ([]SectorCaptureResult, error) {
	sectors, err := s.sectors.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make([]SectorCaptureResult, 0, len(sectors))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(captureConcurrencyLimit)
	for _, sector := range sectors {
		g.Go(func() error {
			res := SectorCaptureResult{SectorID: sector.ID}
			batch, days, err := s.CaptureSector(gctx, sector.ID, start, windowDays)
			if err != nil {
				res.Error = err.Error()
				s.logger.WarnContext(gctx, "sector capture failed",
					"project_id", projectID, "sector_id", sector.ID, "error", err)
			} else {
				res.BatchID = batch.ID
				res.Days = len(days)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].SectorID < results[j].SectorID })
	return results, nil
}

// Preview fetches (or serves from cache) a sector's forecast window without
// persisting anything.
func (s *CaptureService) Preview(ctx context.Context, sectorID string, start types.Date, windowDays int) ([]types.DayObservation, string, error) {
	if windowDays < 1 || windowDays > 14 {
		return nil, "", types.NewAppError(types.ErrCodeValidationInvalidWindow,
			"preview window must be between 1 and 14 days", nil)
	}
	sector, err := s.sectors.GetByID(ctx, sectorID)
	if err != nil {
		return nil, "", err
	}

	lat, lon := s.coordinates(sector)
	end := start.AddDays(windowDays - 1)
	days, _, timezone, err := s.fetchWindow(ctx, lat, lon, start, end)
	if err != nil {
		return nil, "", err
	}
	return days, timezone, nil
}

func (s *CaptureService) fetchWindow(ctx context.Context, lat, lon float64, start, end types.Date) ([]types.DayObservation, []byte, string, error) {
	key := cacheKey(lat, lon, start, end)
	if e, ok := s.cache.get(key); ok {
		return e.days, e.raw, e.timezone, nil
	}

	payload, raw, err := s.fetcher.FetchDaily(ctx, lat, lon, start, end, s.opts.Timezone)
	if err != nil {
		return nil, nil, "", err
	}

	days, err := Normalize(payload, types.DateOf(s.clock.Now()))
	if err != nil {
		return nil, nil, "", err
	}

	s.cache.put(key, days, raw, payload.Timezone)
	return days, raw, payload.Timezone, nil
}

func (s *CaptureService) coordinates(sector *types.Sector) (float64, float64) {
	if sector.Latitude != nil && sector.Longitude != nil {
		return *sector.Latitude, *sector.Longitude
	}
	return s.opts.DefaultLatitude, s.opts.DefaultLongitude
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GunzipPayload restores a stored batch's raw provider response.
func GunzipPayload(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
