// Package weather integrates the Open-Meteo daily forecast API: the resilient
// HTTP client, payload normalization into day observations, a TTL forecast
// cache, the WMO weather-code table, and the capture service that persists
// forecast batches for later rule evaluation.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/atpyprog/buildflow-backend/internal/observability"
	"github.com/atpyprog/buildflow-backend/internal/types"
)

// DefaultBaseURL is the public Open-Meteo forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// SourceName identifies the provider in stored batches and issue context.
const SourceName = "open-meteo"

const dailyVariables = "weather_code,temperature_2m_min,temperature_2m_max,precipitation_sum,wind_speed_10m_max"

// RetryPolicy configures retry behavior for provider calls.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for the forecast API.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// providerPayload is the subset of the Open-Meteo daily response the engine
// consumes. Per-day arrays are index-aligned with Daily.Time; entries may be
// null when the provider has no value for a day.
type providerPayload struct {
	Timezone string `json:"timezone"`
	Daily    struct {
		Time            []string   `json:"time"`
		WeatherCode     []*int     `json:"weather_code"`
		TempMinC        []*float64 `json:"temperature_2m_min"`
		TempMaxC        []*float64 `json:"temperature_2m_max"`
		PrecipitationMM []*float64 `json:"precipitation_sum"`
		WindKmh         []*float64 `json:"wind_speed_10m_max"`
	} `json:"daily"`
}

// Client talks to Open-Meteo with circuit breaking, bounded retries with
// jittered backoff, and domain error mapping. All outbound calls from the
// engine to the provider go through here.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	metrics     *observability.Metrics
	sleepFn     func(time.Duration)
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithSleepFunc overrides the sleep function used between retries.
// This is intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) ClientOption {
	return func(c *Client) {
		c.sleepFn = fn
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retryPolicy = p
	}
}

// NewClient creates a provider client. A nil httpClient gets a 15 second
// timeout default; a nil metrics gets an unregistered set.
func NewClient(baseURL string, httpClient *http.Client, metrics *observability.Metrics, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "open-meteo",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	c := &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		breaker:     cb,
		retryPolicy: DefaultRetryPolicy(),
		metrics:     metrics,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchDaily retrieves the daily forecast for a coordinate and date range.
// Returns the decoded payload and the raw response bytes for audit storage.
func (c *Client) FetchDaily(ctx context.Context, lat, lon float64, start, end types.Date, timezone string) (*providerPayload, []byte, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("daily", dailyVariables)
	q.Set("start_date", start.String())
	q.Set("end_date", end.String())
	if timezone != "" {
		q.Set("timezone", timezone)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build provider request", err)
	}
	if traceID := types.GetRequestID(ctx); traceID != "" {
		req.Header.Set("X-Request-Id", traceID)
	}

	startedAt := time.Now()
	resp, err := c.do(req)
	c.metrics.ProviderDuration.Observe(time.Since(startedAt).Seconds())
	if err != nil {
		c.metrics.ProviderRequests.WithLabelValues(outcomeForError(err)).Inc()
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.ProviderRequests.WithLabelValues("error").Inc()
		return nil, nil, types.NewAppError(types.ErrCodeUpstreamWeather,
			fmt.Sprintf("provider returned status %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ProviderRequests.WithLabelValues("error").Inc()
		return nil, nil, types.NewAppError(types.ErrCodeUpstreamWeather, "failed to read provider response", err)
	}

	var payload providerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.metrics.ProviderRequests.WithLabelValues("error").Inc()
		return nil, nil, types.NewAppError(types.ErrCodeUpstreamPayload, "failed to decode provider response", err)
	}
	if len(payload.Daily.Time) == 0 {
		c.metrics.ProviderRequests.WithLabelValues("error").Inc()
		return nil, nil, types.NewAppError(types.ErrCodeUpstreamPayload, "provider response has no daily data", nil)
	}

	c.metrics.ProviderRequests.WithLabelValues("success").Inc()
	return &payload, raw, nil
}

// do executes the request through the circuit breaker, retrying 429 and 5xx
// responses with jittered exponential backoff and honoring Retry-After.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.httpClient.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 {
				return r, fmt.Errorf("provider returned %d", r.StatusCode)
			}
			if r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("provider returned 429")
			}
			return r, nil
		})

		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		// An open breaker will not recover within a retry loop.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff respects Retry-After when present, otherwise applies
// exponential backoff with full jitter clamped to [MinWait, MaxWait].
func (c *Client) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				wait := time.Duration(seconds) * time.Second
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	maxWait := float64(c.retryPolicy.MaxWait)
	if base > maxWait {
		base = maxWait
	}
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	jittered := minWait + rand.Float64()*(base-minWait)
	return time.Duration(jittered)
}

// mapError translates transport-level failures into domain AppErrors.
func (c *Client) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; weather provider unavailable", err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited,
				"weather provider rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(types.ErrCodeUpstreamWeather,
				fmt.Sprintf("weather provider returned %d after retries", resp.StatusCode), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamWeather, "weather provider request failed", err)
}

func outcomeForError(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeUpstreamRateLimited {
		return "rate_limited"
	}
	return "error"
}
