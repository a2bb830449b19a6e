// This file implements the read side of the issue tracker and the sector
// directory endpoints:
//   - GET /v1/sectors/{sectorID}/issues
//   - GET /v1/issues/{issueID}
//   - GET /v1/projects/{projectID}/sectors
//   - GET /v1/sectors/{sectorID}
//
// Issues are created exclusively by commit-mode rule runs; there is no direct
// write endpoint.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atpyprog/buildflow-backend/internal/core"
	"github.com/atpyprog/buildflow-backend/internal/types"
)

// IssueReader reads persisted issues.
type IssueReader interface {
	GetByID(ctx context.Context, id string) (*types.Issue, error)
	ListBySector(ctx context.Context, sectorID string, limit int) ([]types.Issue, error)
}

// SectorReader reads the sector directory.
type SectorReader interface {
	GetByID(ctx context.Context, id string) (*types.Sector, error)
	ListByProject(ctx context.Context, projectID string) ([]types.Sector, error)
}

// IssuesHandler serves issues and the sector directory.
type IssuesHandler struct {
	issues  IssueReader
	sectors SectorReader
	logger  *slog.Logger
}

// NewIssuesHandler creates a new IssuesHandler with the provided dependencies.
func NewIssuesHandler(issues IssueReader, sectors SectorReader, logger *slog.Logger) *IssuesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IssuesHandler{
		issues:  issues,
		sectors: sectors,
		logger:  logger,
	}
}

// RegisterRoutes mounts the issue and sector endpoints onto the v1 router.
func (h *IssuesHandler) RegisterRoutes(r chi.Router) {
	r.Get("/sectors/{sectorID}/issues", h.HandleListIssues)
	r.Get("/sectors/{sectorID}", h.HandleGetSector)
	r.Get("/issues/{issueID}", h.HandleGetIssue)
	r.Get("/projects/{projectID}/sectors", h.HandleListSectors)
}

// HandleListIssues handles GET /v1/sectors/{sectorID}/issues.
// Supports an optional ?limit= query parameter.
func (h *IssuesHandler) HandleListIssues(w http.ResponseWriter, r *http.Request) {
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

	// Fetch one extra row so the response can report whether more issues
	// exist beyond the requested page.
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}
	issues, err := h.issues.ListBySector(r.Context(), sectorID, fetchLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := core.APIResponse{Data: issues}
	if limit > 0 && len(issues) > limit {
		issues = issues[:limit]
		resp.Data = issues
		resp.Meta = &types.ResponseMeta{Pagination: &types.PageInfo{
			HasMore:    true,
			NextCursor: issues[len(issues)-1].ID,
		}}
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// HandleGetIssue handles GET /v1/issues/{issueID}.
func (h *IssuesHandler) HandleGetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := h.issues.GetByID(r.Context(), chi.URLParam(r, "issueID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: issue})
}

// HandleGetSector handles GET /v1/sectors/{sectorID}.
func (h *IssuesHandler) HandleGetSector(w http.ResponseWriter, r *http.Request) {
	sector, err := h.sectors.GetByID(r.Context(), chi.URLParam(r, "sectorID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sector})
}

// HandleListSectors handles GET /v1/projects/{projectID}/sectors.
func (h *IssuesHandler) HandleListSectors(w http.ResponseWriter, r *http.Request) {
	sectors, err := h.sectors.ListByProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sectors})
}
