// This file implements the weather ingestion endpoints:
//   - Capturing a forecast batch for one sector (POST /v1/sectors/{sectorID}/weather/capture)
//   - Capturing the same window for every sector of a project (POST /v1/projects/{projectID}/weather/capture)
//   - Previewing the week ahead without persisting (GET /v1/sectors/{sectorID}/weather/week)
//   - Pinning a baseline observation for a project day (POST /v1/projects/{projectID}/baseline)
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atpyprog/buildflow-backend/internal/core"
	"github.com/atpyprog/buildflow-backend/internal/types"
	"github.com/atpyprog/buildflow-backend/internal/weather"
)

// CaptureRunner defines the service contract for the weather handler.
// Matches *weather.CaptureService.
type CaptureRunner interface {
	CaptureSector(ctx context.Context, sectorID string, start types.Date, windowDays int) (*types.WeatherBatch, []types.DayObservation, error)
	CaptureProject(ctx context.Context, projectID string, start types.Date, windowDays int) ([]weather.SectorCaptureResult, error)
	Preview(ctx context.Context, sectorID string, start types.Date, windowDays int) ([]types.DayObservation, string, error)
}

// BaselinePinner persists pinned baseline observations.
type BaselinePinner interface {
	Pin(ctx context.Context, b *types.BaselineObservation) error
}

// CaptureRequest is the request body for the capture endpoints.
type CaptureRequest struct {
	WindowStart string `json:"window_start" validate:"required"`
	WindowDays  int    `json:"window_days" validate:"omitempty,gte=1,lte=14"`
}

// PinBaselineRequest is the request body for POST /v1/projects/{projectID}/baseline.
type PinBaselineRequest struct {
	TargetDate  string               `json:"target_date" validate:"required"`
	Policy      string               `json:"policy" validate:"omitempty,max=50"`
	Observation types.DayObservation `json:"observation"`
}

// captureBatchResponse pairs the persisted batch envelope with its days.
type captureBatchResponse struct {
	Batch *types.WeatherBatch    `json:"batch"`
	Days  []types.DayObservation `json:"days"`
}

// weekResponse is the payload for the preview endpoint.
type weekResponse struct {
	SectorID string                 `json:"sector_id"`
	Timezone string                 `json:"timezone,omitempty"`
	Days     []types.DayObservation `json:"days"`
}

// WeatherHandler maps HTTP requests to the weather capture service.
type WeatherHandler struct {
	service   CaptureRunner
	baselines BaselinePinner
	validator *core.Validator
	logger    *slog.Logger
}

// NewWeatherHandler creates a new WeatherHandler with the provided dependencies.
func NewWeatherHandler(svc CaptureRunner, baselines BaselinePinner, val *core.Validator, logger *slog.Logger) *WeatherHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeatherHandler{
		service:   svc,
		baselines: baselines,
		validator: val,
		logger:    logger,
	}
}

// RegisterRoutes mounts the weather endpoints onto the v1 router.
func (h *WeatherHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sectors/{sectorID}/weather/capture", h.HandleCaptureSector)
	r.Get("/sectors/{sectorID}/weather/week", h.HandleWeek)
	r.Post("/projects/{projectID}/weather/capture", h.HandleCaptureProject)
	r.Post("/projects/{projectID}/baseline", h.HandlePinBaseline)
}

// decodeCaptureWindow parses the shared capture request body.
func (h *WeatherHandler) decodeCaptureWindow(w http.ResponseWriter, r *http.Request) (types.Date, int, bool) {
	var body CaptureRequest
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return types.Date{}, 0, false
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return types.Date{}, 0, false
	}

	start, err := types.ParseDate(body.WindowStart)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidWindow,
			"window_start must be a YYYY-MM-DD date",
			err,
		))
		return types.Date{}, 0, false
	}

	days := body.WindowDays
	if days == 0 {
		days = 7
	}
	return start, days, true
}

// HandleCaptureSector handles POST /v1/sectors/{sectorID}/weather/capture.
func (h *WeatherHandler) HandleCaptureSector(w http.ResponseWriter, r *http.Request) {
	start, days, ok := h.decodeCaptureWindow(w, r)
	if !ok {
		return
	}

	batch, observations, err := h.service.CaptureSector(r.Context(), chi.URLParam(r, "sectorID"), start, days)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: captureBatchResponse{
		Batch: batch,
		Days:  observations,
	}})
}

// HandleCaptureProject handles POST /v1/projects/{projectID}/weather/capture.
// Per-sector failures are soft and surface as warnings alongside the results.
func (h *WeatherHandler) HandleCaptureProject(w http.ResponseWriter, r *http.Request) {
	start, days, ok := h.decodeCaptureWindow(w, r)
	if !ok {
		return
	}

	results, err := h.service.CaptureProject(r.Context(), chi.URLParam(r, "projectID"), start, days)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := core.APIResponse{Data: results}
	var warnings []string
	for _, res := range results {
		if res.Error != "" {
			warnings = append(warnings, "capture failed for sector "+res.SectorID)
		}
	}
	if len(warnings) > 0 {
		resp.Meta = &types.ResponseMeta{Warnings: warnings}
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// HandleWeek handles GET /v1/sectors/{sectorID}/weather/week.
// Query parameters: start (YYYY-MM-DD, required), days (optional, default 7).
func (h *WeatherHandler) HandleWeek(w http.ResponseWriter, r *http.Request) {
	sectorID := chi.URLParam(r, "sectorID")
	q := r.URL.Query()

	startStr := q.Get("start")
	if startStr == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"start query parameter is required",
			nil,
		))
		return
	}
	start, err := types.ParseDate(startStr)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidWindow,
			"start must be a YYYY-MM-DD date",
			err,
		))
		return
	}

	days := 7
	if raw := q.Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidWindow,
				"days must be an integer",
				err,
			))
			return
		}
		days = parsed
	}

	observations, timezone, err := h.service.Preview(r.Context(), sectorID, start, days)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: weekResponse{
		SectorID: sectorID,
		Timezone: timezone,
		Days:     observations,
	}})
}

// HandlePinBaseline handles POST /v1/projects/{projectID}/baseline.
func (h *WeatherHandler) HandlePinBaseline(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var body PinBaselineRequest
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return
	}

	targetDate, err := types.ParseDate(body.TargetDate)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidWindow,
			"target_date must be a YYYY-MM-DD date",
			err,
		))
		return
	}

	observation := body.Observation
	observation.TargetDate = targetDate
	// Baseline days are settled observations, never forecasts.
	observation.ForecastHorizonDays = 0

	actor := types.GetActor(r.Context())
	baseline := &types.BaselineObservation{
		ProjectID:   projectID,
		TargetDate:  targetDate,
		Policy:      body.Policy,
		PinnedBy:    actor.ID,
		Observation: observation,
	}
	if err := h.baselines.Pin(r.Context(), baseline); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: baseline})
}
