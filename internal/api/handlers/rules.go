// Package handlers contains the HTTP handler implementations for the
// BuildFlow API.
//
// This file implements the rules endpoints:
//   - Applying a rule set to a sector's weather window (POST /v1/sectors/{sectorID}/apply-rules)
//   - Pure evaluation without any persistence (POST /v1/rules/evaluate)
//   - Rule run audit trail (GET /v1/sectors/{sectorID}/rule-runs, GET /v1/rule-runs/{runID})
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atpyprog/buildflow-backend/internal/core"
	"github.com/atpyprog/buildflow-backend/internal/rules"
	"github.com/atpyprog/buildflow-backend/internal/types"
)

// ApplyRunner defines the service contract for the rules handler. Matches
// *rules.ApplyService but is defined locally to avoid tight coupling per the
// handler injection pattern.
type ApplyRunner interface {
	Apply(ctx context.Context, sectorID string, req rules.ApplyRequest) (*types.ApplyReport, error)
}

// RunReader reads the rule run audit trail.
type RunReader interface {
	GetByID(ctx context.Context, id string) (*types.RuleRun, error)
	ListBySector(ctx context.Context, sectorID string, limit int) ([]types.RuleRun, error)
}

// ApplyRulesRequest is the request body for POST /v1/sectors/{sectorID}/apply-rules.
type ApplyRulesRequest struct {
	Rules         []types.Rule `json:"rules" validate:"required,min=1"`
	WindowStart   string       `json:"window_start" validate:"required"`
	WindowDays    int          `json:"window_days" validate:"omitempty,gte=1,lte=14"`
	Mode          string       `json:"mode" validate:"omitempty,oneof=dry_run commit"`
	DataUse       string       `json:"data_use" validate:"omitempty,oneof=snapshots baseline mixed"`
	Preference    string       `json:"preference" validate:"omitempty,oneof=latest partial exact"`
	DedupeMinutes int          `json:"dedupe_minutes" validate:"omitempty,gte=0"`
}

// EvaluateRulesRequest is the request body for POST /v1/rules/evaluate.
// Evaluation is pure: the caller supplies the observations and nothing is
// read from or written to storage.
type EvaluateRulesRequest struct {
	SectorID string                 `json:"sector_id" validate:"required"`
	Days     []types.DayObservation `json:"days" validate:"required"`
	Rules    []types.Rule           `json:"rules" validate:"required,min=1"`
}

// RulesHandler maps HTTP requests to the rules engine and its audit trail.
type RulesHandler struct {
	service   ApplyRunner
	runs      RunReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewRulesHandler creates a new RulesHandler with the provided dependencies.
func NewRulesHandler(svc ApplyRunner, runs RunReader, val *core.Validator, logger *slog.Logger) *RulesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RulesHandler{
		service:   svc,
		runs:      runs,
		validator: val,
		logger:    logger,
	}
}

// RegisterRoutes mounts the rules endpoints onto the v1 router.
func (h *RulesHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sectors/{sectorID}/apply-rules", h.HandleApply)
	r.Get("/sectors/{sectorID}/rule-runs", h.HandleListRuns)
	r.Post("/rules/evaluate", h.HandleEvaluate)
	r.Get("/rule-runs/{runID}", h.HandleGetRun)
}

// HandleApply handles POST /v1/sectors/{sectorID}/apply-rules.
func (h *RulesHandler) HandleApply(w http.ResponseWriter, r *http.Request) {
	sectorID := chi.URLParam(r, "sectorID")

	var body ApplyRulesRequest
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return
	}

	windowStart, err := types.ParseDate(body.WindowStart)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidWindow,
			"window_start must be a YYYY-MM-DD date",
			err,
		))
		return
	}

	report, err := h.service.Apply(r.Context(), sectorID, rules.ApplyRequest{
		Rules:         body.Rules,
		WindowStart:   windowStart,
		WindowDays:    body.WindowDays,
		Mode:          types.ApplyMode(body.Mode),
		DataUse:       types.DataUse(body.DataUse),
		Preference:    types.BatchPreference(body.Preference),
		DedupeMinutes: body.DedupeMinutes,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := core.APIResponse{Data: report}
	if len(report.Warnings) > 0 {
		resp.Meta = &types.ResponseMeta{Warnings: report.Warnings}
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// HandleEvaluate handles POST /v1/rules/evaluate. It validates the rule set
// and runs the pure engine over the supplied observations.
func (h *RulesHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body EvaluateRulesRequest
	if err := core.DecodeJSON(w, r, &body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(body); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := types.ValidateRules(body.Rules); err != nil {
		core.Error(w, r, err)
		return
	}

	eval := rules.EvaluateRules(body.SectorID, body.Days, body.Rules)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: eval})
}

// HandleListRuns handles GET /v1/sectors/{sectorID}/rule-runs.
// Supports an optional ?limit= query parameter.
func (h *RulesHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	sectorID := chi.URLParam(r, "sectorID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"limit must be a positive integer",
				nil,
			))
			return
		}
		limit = parsed
	}

	runs, err := h.runs.ListBySector(r.Context(), sectorID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: runs})
}

// HandleGetRun handles GET /v1/rule-runs/{runID}.
func (h *RulesHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetByID(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: run})
}
