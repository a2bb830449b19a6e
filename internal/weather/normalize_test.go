package weather

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atpyprog/buildflow-backend/internal/types"
)

func decodePayload(t *testing.T, raw string) *providerPayload {
	t.Helper()
	var p providerPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return &p
}

func TestNormalize_HorizonFromCaptureDay(t *testing.T) {
	payload := decodePayload(t, sampleDailyJSON)

	capturedOn := types.NewDate(2026, time.March, 1)
	days, err := Normalize(payload, capturedOn)
	require.NoError(t, err)
	require.Len(t, days, 3)

	assert.Equal(t, 0, days[0].ForecastHorizonDays)
	assert.Equal(t, 1, days[1].ForecastHorizonDays)
	assert.Equal(t, 2, days[2].ForecastHorizonDays)
}

func TestNormalize_PastDaysClampToZeroHorizon(t *testing.T) {
	payload := decodePayload(t, sampleDailyJSON)

	// Captured two days after the window starts: archived days are observed.
	capturedOn := types.NewDate(2026, time.March, 3)
	days, err := Normalize(payload, capturedOn)
	require.NoError(t, err)

	assert.Equal(t, 0, days[0].ForecastHorizonDays)
	assert.Equal(t, 0, days[1].ForecastHorizonDays)
	assert.Equal(t, 0, days[2].ForecastHorizonDays)
}

func TestNormalize_PreservesNullsAsAbsent(t *testing.T) {
	payload := decodePayload(t, sampleDailyJSON)

	days, err := Normalize(payload, types.NewDate(2026, time.March, 1))
	require.NoError(t, err)

	require.NotNil(t, days[0].WeatherCode)
	assert.Equal(t, 61, *days[0].WeatherCode)
	assert.Nil(t, days[1].WeatherCode)
	assert.Nil(t, days[2].TempMinC)
	require.NotNil(t, days[2].PrecipitationMM)
	assert.Equal(t, 30.2, *days[2].PrecipitationMM)
}

func TestNormalize_InconsistentArrayLengthsArePayloadError(t *testing.T) {
	payload := decodePayload(t, `{
		"timezone": "UTC",
		"daily": {
			"time": ["2026-03-01", "2026-03-02", "2026-03-03"],
			"weather_code": [61, null, 95],
			"temperature_2m_min": [14.2, 15.0, 13.9],
			"temperature_2m_max": [22.5, 24.1, 19.8],
			"precipitation_sum": [12.5],
			"wind_speed_10m_max": [18.0, 22.3, 41.7]
		}
	}`)

	_, err := Normalize(payload, types.NewDate(2026, time.March, 1))
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamPayload, appErr.Code)
	assert.Contains(t, appErr.Message, "inconsistent lengths")
	assert.Contains(t, appErr.Message, "precipitation_sum")
}

func TestNormalize_BadDateIsPayloadError(t *testing.T) {
	payload := decodePayload(t, `{
		"timezone": "UTC",
		"daily": {
			"time": ["not-a-date"],
			"weather_code": [61],
			"temperature_2m_min": [14.2],
			"temperature_2m_max": [22.5],
			"precipitation_sum": [12.5],
			"wind_speed_10m_max": [18.0]
		}
	}`)

	_, err := Normalize(payload, types.NewDate(2026, time.March, 1))
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamPayload, appErr.Code)
}

func TestDescribeCode(t *testing.T) {
	code := 95
	assert.Equal(t, "Thunderstorm", DescribeCode(&code))

	unknown := 42
	assert.Equal(t, "Unknown", DescribeCode(&unknown))

	assert.Equal(t, "", DescribeCode(nil))
}
