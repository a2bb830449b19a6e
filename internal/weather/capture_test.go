package weather

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atpyprog/buildflow-backend/internal/types"
)

// --- Test Doubles ---

type fakeDirectory struct {
	sectors map[string]*types.Sector
	list    []types.Sector
	listErr error
}

func (f *fakeDirectory) GetByID(ctx context.Context, sectorID string) (*types.Sector, error) {
	if sec, ok := f.sectors[sectorID]; ok {
		return sec, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSector, "sector not found", nil)
}

func (f *fakeDirectory) ListByProject(ctx context.Context, projectID string) ([]types.Sector, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.list, nil
}

type fakeBatchStore struct {
	batches []*types.WeatherBatch
	days    [][]types.DayObservation
	err     error
}

func (f *fakeBatchStore) CreateBatch(ctx context.Context, batch *types.WeatherBatch, days []types.DayObservation) error {
	if f.err != nil {
		return f.err
	}
	if batch.ID == "" {
		batch.ID = "wb_test"
	}
	f.batches = append(f.batches, batch)
	f.days = append(f.days, days)
	return nil
}

type fakeFetcher struct {
	payload *providerPayload
	raw     []byte
	err     error
	calls   int
}

func (f *fakeFetcher) FetchDaily(ctx context.Context, lat, lon float64, start, end types.Date, timezone string) (*providerPayload, []byte, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.payload, f.raw, nil
}

func newCaptureFixture(t *testing.T) (*CaptureService, *fakeDirectory, *fakeBatchStore, *fakeFetcher, *clockwork.FakeClock) {
	t.Helper()

	var payload providerPayload
	require.NoError(t, json.Unmarshal([]byte(sampleDailyJSON), &payload))

	lat, lon := -23.55, -46.63
	dir := &fakeDirectory{
		sectors: map[string]*types.Sector{
			"sec-1": {ID: "sec-1", Name: "North wing", Latitude: &lat, Longitude: &lon},
			"sec-2": {ID: "sec-2", Name: "South wing"},
		},
	}
	store := &fakeBatchStore{}
	fetcher := &fakeFetcher{payload: &payload, raw: []byte(sampleDailyJSON)}
	clock := clockwork.NewFakeClockAt(time.Date(2026, time.March, 1, 6, 0, 0, 0, time.UTC))

	svc := NewCaptureService(dir, store, fetcher, CaptureOptions{
		DefaultLatitude:  -22.9,
		DefaultLongitude: -43.2,
		Timezone:         "America/Sao_Paulo",
	}, nil, clock, nil)
	return svc, dir, store, fetcher, clock
}

// --- Tests ---

func TestCaptureSector_PersistsBatch(t *testing.T) {
	svc, _, store, _, _ := newCaptureFixture(t)

	start := types.NewDate(2026, time.March, 1)
	batch, days, err := svc.CaptureSector(context.Background(), "sec-1", start, 3)
	require.NoError(t, err)

	assert.Equal(t, "sec-1", batch.SectorID)
	assert.Equal(t, types.BatchCompleted, batch.Status)
	assert.Equal(t, SourceName, batch.Source)
	assert.Equal(t, "America/Sao_Paulo", batch.Timezone)
	assert.Equal(t, start, batch.WindowStart)
	assert.Equal(t, types.NewDate(2026, time.March, 3), batch.WindowEnd)
	require.NotNil(t, batch.Latitude)
	assert.Equal(t, -23.55, *batch.Latitude)

	require.Len(t, days, 3)
	assert.Equal(t, 0, days[0].ForecastHorizonDays)
	assert.Equal(t, 2, days[2].ForecastHorizonDays)

	// The stored payload is gzip-compressed and round-trips to the original.
	require.Len(t, store.batches, 1)
	restored, err := GunzipPayload(store.batches[0].RawPayload)
	require.NoError(t, err)
	assert.JSONEq(t, sampleDailyJSON, string(restored))
}

func TestCaptureSector_FallsBackToSiteCoordinates(t *testing.T) {
	svc, _, store, _, _ := newCaptureFixture(t)

	start := types.NewDate(2026, time.March, 1)
	_, _, err := svc.CaptureSector(context.Background(), "sec-2", start, 2)
	require.NoError(t, err)

	require.Len(t, store.batches, 1)
	require.NotNil(t, store.batches[0].Latitude)
	assert.Equal(t, -22.9, *store.batches[0].Latitude)
	assert.Equal(t, -43.2, *store.batches[0].Longitude)
}

func TestCaptureSector_WindowBounds(t *testing.T) {
	svc, _, _, _, _ := newCaptureFixture(t)
	start := types.NewDate(2026, time.March, 1)

	for _, windowDays := range []int{0, 15} {
		_, _, err := svc.CaptureSector(context.Background(), "sec-1", start, windowDays)
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeValidationInvalidWindow, appErr.Code)
	}
}

func TestCaptureSector_UnknownSector(t *testing.T) {
	svc, _, _, fetcher, _ := newCaptureFixture(t)

	_, _, err := svc.CaptureSector(context.Background(), "sec-missing", types.NewDate(2026, time.March, 1), 3)
	require.Error(t, err)
	assert.Zero(t, fetcher.calls)
}

func TestCaptureSector_CacheServesRepeatFetch(t *testing.T) {
	svc, _, _, fetcher, clock := newCaptureFixture(t)
	start := types.NewDate(2026, time.March, 1)

	_, _, err := svc.CaptureSector(context.Background(), "sec-1", start, 3)
	require.NoError(t, err)
	_, _, err = svc.CaptureSector(context.Background(), "sec-1", start, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)

	// After the TTL the provider is consulted again.
	clock.Advance(DefaultCacheTTL + time.Minute)
	_, _, err = svc.CaptureSector(context.Background(), "sec-1", start, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestCaptureProject_PartialFailuresReported(t *testing.T) {
	svc, dir, store, _, _ := newCaptureFixture(t)
	dir.list = []types.Sector{
		*dir.sectors["sec-1"],
		{ID: "sec-gone", Name: "Demolished"},
	}

	results, err := svc.CaptureProject(context.Background(), "proj-1", types.NewDate(2026, time.March, 1), 3)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Results are sorted by sector ID.
	assert.Equal(t, "sec-1", results[0].SectorID)
	assert.NotEmpty(t, results[0].BatchID)
	assert.Equal(t, 3, results[0].Days)
	assert.Empty(t, results[0].Error)

	assert.Equal(t, "sec-gone", results[1].SectorID)
	assert.NotEmpty(t, results[1].Error)

	assert.Len(t, store.batches, 1)
}

func TestPreview_DoesNotPersist(t *testing.T) {
	svc, _, store, _, _ := newCaptureFixture(t)

	days, timezone, err := svc.Preview(context.Background(), "sec-1", types.NewDate(2026, time.March, 1), 3)
	require.NoError(t, err)
	assert.Len(t, days, 3)
	assert.Equal(t, "America/Sao_Paulo", timezone)
	assert.Empty(t, store.batches)
}
