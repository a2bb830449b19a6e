package weather

import (
	"fmt"

	"github.com/atpyprog/buildflow-backend/internal/types"
)

// Normalize converts a provider payload into ordered day observations.
// The forecast horizon is the day's distance from capturedOn: 0 for the
// capture day and earlier (observed or archived data), growing by one per
// future day. Every metric array must line up with the time array; a length
// mismatch is a payload error, as is a malformed date. Null metric entries
// are preserved as absent values.
func Normalize(payload *providerPayload, capturedOn types.Date) ([]types.DayObservation, error) {
	daily := payload.Daily
	n := len(daily.Time)
	for _, arr := range []struct {
		name   string
		length int
	}{
		{"weather_code", len(daily.WeatherCode)},
		{"temperature_2m_min", len(daily.TempMinC)},
		{"temperature_2m_max", len(daily.TempMaxC)},
		{"precipitation_sum", len(daily.PrecipitationMM)},
		{"wind_speed_10m_max", len(daily.WindKmh)},
	} {
		if arr.length != n {
			return nil, types.NewAppError(types.ErrCodeUpstreamPayload,
				fmt.Sprintf("provider daily arrays have inconsistent lengths: %s has %d entries, time has %d",
					arr.name, arr.length, n), nil)
		}
	}

	out := make([]types.DayObservation, 0, n)
	for i, ds := range daily.Time {
		d, err := types.ParseDate(ds)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamPayload,
				fmt.Sprintf("provider returned unparseable date %q", ds), err)
		}

		horizon := capturedOn.DaysUntil(d)
		if horizon < 0 {
			horizon = 0
		}

		out = append(out, types.DayObservation{
			TargetDate:          d,
			ForecastHorizonDays: horizon,
			WeatherCode:         daily.WeatherCode[i],
			TempMinC:            daily.TempMinC[i],
			TempMaxC:            daily.TempMaxC[i],
			PrecipitationMM:     daily.PrecipitationMM[i],
			WindKmh:             daily.WindKmh[i],
		})
	}
	return out, nil
}
