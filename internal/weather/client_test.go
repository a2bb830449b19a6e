package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atpyprog/buildflow-backend/internal/types"
)

const sampleDailyJSON = `{
	"timezone": "America/Sao_Paulo",
	"daily": {
		"time": ["2026-03-01", "2026-03-02", "2026-03-03"],
		"weather_code": [61, null, 95],
		"temperature_2m_min": [14.2, 15.0, null],
		"temperature_2m_max": [22.5, 24.1, 19.8],
		"precipitation_sum": [12.5, 0.0, 30.2],
		"wind_speed_10m_max": [18.0, 22.3, 41.7]
	}
}`

func testWindow() (types.Date, types.Date) {
	return types.NewDate(2026, time.March, 1), types.NewDate(2026, time.March, 3)
}

func TestFetchDaily_Success(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleDailyJSON))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil)
	start, end := testWindow()
	payload, raw, err := client.FetchDaily(context.Background(), -23.55, -46.63, start, end, "America/Sao_Paulo")
	require.NoError(t, err)

	assert.Equal(t, "America/Sao_Paulo", payload.Timezone)
	require.Len(t, payload.Daily.Time, 3)
	require.NotNil(t, payload.Daily.WeatherCode[0])
	assert.Equal(t, 61, *payload.Daily.WeatherCode[0])
	assert.Nil(t, payload.Daily.WeatherCode[1])
	assert.NotEmpty(t, raw)

	assert.Contains(t, gotQuery, "latitude=-23.5500")
	assert.Contains(t, gotQuery, "start_date=2026-03-01")
	assert.Contains(t, gotQuery, "end_date=2026-03-03")
	assert.Contains(t, gotQuery, "daily=")
}

func TestFetchDaily_RetriesOn500ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(sampleDailyJSON))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil, WithSleepFunc(func(time.Duration) {}))
	start, end := testWindow()
	payload, _, err := client.FetchDaily(context.Background(), -23.55, -46.63, start, end, "")
	require.NoError(t, err)
	assert.Len(t, payload.Daily.Time, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchDaily_ExhaustedRetriesMapsToUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil,
		WithSleepFunc(func(time.Duration) {}),
		WithRetryPolicy(RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond}))

	start, end := testWindow()
	_, _, err := client.FetchDaily(context.Background(), -23.55, -46.63, start, end, "")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamWeather, appErr.Code)
	assert.Equal(t, 502, appErr.HTTPStatus())
}

func TestFetchDaily_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil,
		WithSleepFunc(func(time.Duration) {}),
		WithRetryPolicy(RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: time.Millisecond}))

	start, end := testWindow()
	_, _, err := client.FetchDaily(context.Background(), -23.55, -46.63, start, end, "")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, appErr.Code)
}

func TestFetchDaily_MalformedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"daily": "not an object"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil)
	start, end := testWindow()
	_, _, err := client.FetchDaily(context.Background(), -23.55, -46.63, start, end, "")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamPayload, appErr.Code)
}

func TestFetchDaily_EmptyDailyBlock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"timezone": "UTC", "daily": {"time": []}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil)
	start, end := testWindow()
	_, _, err := client.FetchDaily(context.Background(), -23.55, -46.63, start, end, "")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamPayload, appErr.Code)
}

func TestFetchDaily_PropagatesRequestID(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Request-Id")
		w.Write([]byte(sampleDailyJSON))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil)
	ctx := types.WithRequestID(context.Background(), "req-42")
	start, end := testWindow()
	_, _, err := client.FetchDaily(ctx, -23.55, -46.63, start, end, "")
	require.NoError(t, err)
	assert.Equal(t, "req-42", gotHeader)
}
