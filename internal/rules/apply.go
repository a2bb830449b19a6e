package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/atpyprog/buildflow-backend/internal/observability"
	"github.com/atpyprog/buildflow-backend/internal/types"
)

// Apply-time defaults, overridable per request.
const (
	DefaultWindowDays    = 7
	DefaultDedupeMinutes = 60
	MaxWindowDays        = 14
)

// SectorSource resolves the sector an apply-rules run targets.
type SectorSource interface {
	GetByID(ctx context.Context, sectorID string) (*types.Sector, error)
}

// SnapshotSource loads stored capture-batch observations for a window,
// keyed by ISO date string. The batch describes which capture satisfied the
// preference.
type SnapshotSource interface {
	WindowDays(ctx context.Context, sectorID string, start, end types.Date, pref types.BatchPreference) (map[string]types.DayObservation, *types.WeatherBatch, error)
}

// BaselineSource loads pinned per-day baseline observations for a project,
// keyed by ISO date string. Days with no pinned baseline are absent from the
// map.
type BaselineSource interface {
	WindowDays(ctx context.Context, projectID string, start, end types.Date) (map[string]types.DayObservation, error)
}

// IssueSink persists committed issues and answers the trailing dedupe check.
type IssueSink interface {
	ExistsRecent(ctx context.Context, sectorID string, date types.Date, title string, since time.Time) (bool, error)
	Create(ctx context.Context, issue *types.Issue) (*types.Issue, error)
}

// RunRecorder writes the per-invocation audit record.
type RunRecorder interface {
	Record(ctx context.Context, run *types.RuleRun) (*types.RuleRun, error)
}

// ApplyRequest carries the caller-controlled parameters of one run. Zero
// values select the documented defaults.
type ApplyRequest struct {
	Rules         []types.Rule
	WindowStart   types.Date
	WindowDays    int
	Mode          types.ApplyMode
	DataUse       types.DataUse
	Preference    types.BatchPreference
	DedupeMinutes int
}

// ApplyService orchestrates a full apply-rules run: data source resolution,
// pure evaluation, deduplication, optional commit, and the audit record.
//
// Planned actions are deduplicated and persisted sequentially in planned
// order, and the dedupe check consults issues committed earlier in the same
// run, so duplicate dedupe keys within one run resolve first-wins. Across
// concurrent runs the time-windowed check is best effort only; two
// overlapping invocations racing inside the dedupe window may both create
// the same issue.
type ApplyService struct {
	sectors   SectorSource
	snapshots SnapshotSource
	baselines BaselineSource
	issues    IssueSink
	runs      RunRecorder
	logger    *slog.Logger
	clock     clockwork.Clock
	metrics   *observability.Metrics
}

// NewApplyService creates an ApplyService with the provided dependencies.
func NewApplyService(
	sectors SectorSource,
	snapshots SnapshotSource,
	baselines BaselineSource,
	issues IssueSink,
	runs RunRecorder,
	logger *slog.Logger,
	clock clockwork.Clock,
	metrics *observability.Metrics,
) *ApplyService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &ApplyService{
		sectors:   sectors,
		snapshots: snapshots,
		baselines: baselines,
		issues:    issues,
		runs:      runs,
		logger:    logger,
		clock:     clock,
		metrics:   metrics,
	}
}

// Apply runs the rule set against the sector's stored weather window.
//
// Hard failures (unknown sector, unresolvable project for baseline or mixed
// data use, no usable batch for strict snapshot preferences, malformed rules)
// abort the call before anything is committed. Per-day data gaps are soft:
// they surface as warnings and evaluation proceeds over what exists. An audit
// record is written for every run that reaches evaluation, dry runs included.
func (s *ApplyService) Apply(ctx context.Context, sectorID string, req ApplyRequest) (*types.ApplyReport, error) {
	req = withDefaults(req)
	startedAt := s.clock.Now()
	defer func() {
		s.metrics.RunDuration.WithLabelValues(string(req.Mode)).Observe(s.clock.Since(startedAt).Seconds())
	}()

	if err := types.ValidateRules(req.Rules); err != nil {
		return nil, err
	}
	if req.WindowStart.IsZero() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidWindow, "window_start is required", nil)
	}
	if req.WindowDays > MaxWindowDays {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidWindow,
			fmt.Sprintf("window must not exceed %d days", MaxWindowDays), nil)
	}
	windowEnd := req.WindowStart.AddDays(req.WindowDays - 1)

	sector, err := s.sectors.GetByID(ctx, sectorID)
	if err != nil {
		return nil, err
	}
	if sector == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSector,
			fmt.Sprintf("sector %q not found", sectorID), nil)
	}

	days, byDate, batch, warnings, err := s.resolveDays(ctx, sector, req, windowEnd)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "applying rules",
		"sector_id", sectorID,
		"mode", req.Mode,
		"data_use", req.DataUse,
		"window_start", req.WindowStart.String(),
		"window_end", windowEnd.String(),
		"days_resolved", len(days),
		"rules", len(req.Rules),
	)

	ev := EvaluateRules(sectorID, days, req.Rules)
	s.metrics.RulesEvaluated.Add(float64(len(req.Rules)))
	s.metrics.RuleMatches.Add(float64(ev.MatchCount()))

	var commitErr error
	if req.Mode == types.ModeCommit {
		commitErr = s.commit(ctx, sector, ev, byDate, batch, req.DedupeMinutes)
	}

	run := &types.RuleRun{
		SectorID:      sectorID,
		Mode:          req.Mode,
		ExecutedAt:    startedAt,
		WindowStart:   req.WindowStart,
		WindowEnd:     windowEnd,
		DaysAnalyzed:  len(days),
		RulesChecked:  len(req.Rules),
		IssuesCreated: len(ev.Actions.Committed),
		Status:        types.RunOK,
		TriggeredBy:   types.GetActor(ctx).ID,
	}
	if commitErr != nil {
		run.Status = types.RunError
	}

	_, recErr := s.runs.Record(ctx, run)
	if recErr != nil {
		s.logger.ErrorContext(ctx, "failed to record rules run", "sector_id", sectorID, "error", recErr)
	}

	if commitErr != nil {
		s.metrics.RuleRuns.WithLabelValues(string(req.Mode), "failed").Inc()
		return nil, commitErr
	}
	if recErr != nil {
		s.metrics.RuleRuns.WithLabelValues(string(req.Mode), "failed").Inc()
		return nil, recErr
	}
	s.metrics.RuleRuns.WithLabelValues(string(req.Mode), "completed").Inc()

	report := &types.ApplyReport{
		Context: types.ApplyContext{
			SectorID:    sectorID,
			WindowStart: req.WindowStart,
			WindowEnd:   windowEnd,
			SourceUsed:  req.DataUse,
			Mode:        req.Mode,
			Latitude:    sector.Latitude,
			Longitude:   sector.Longitude,
		},
		Stats: types.ApplyStats{
			RulesEvaluated:   len(req.Rules),
			DaysEvaluated:    len(days),
			MatchesFound:     ev.MatchCount(),
			ActionsPlanned:   len(ev.Actions.Planned),
			ActionsCommitted: len(ev.Actions.Committed),
		},
		Days:     ev.Days,
		Actions:  ev.Actions,
		Warnings: warnings,
		Errors:   []string{},
	}
	if batch != nil {
		report.Context.Timezone = batch.Timezone
	}

	return report, nil
}

func withDefaults(req ApplyRequest) ApplyRequest {
	if req.Mode == "" {
		req.Mode = types.ModeDryRun
	}
	if req.DataUse == "" {
		req.DataUse = types.DataUseSnapshots
	}
	if req.Preference == "" {
		req.Preference = types.PreferLatest
	}
	if req.WindowDays < 1 {
		req.WindowDays = DefaultWindowDays
	}
	if req.DedupeMinutes < 1 {
		req.DedupeMinutes = DefaultDedupeMinutes
	}
	return req
}

// resolveDays loads the day sequence for the requested data-use mode. The
// returned slice is ordered by date ascending; the map indexes the same
// observations by ISO date for per-day lookups during commit.
func (s *ApplyService) resolveDays(
	ctx context.Context,
	sector *types.Sector,
	req ApplyRequest,
	windowEnd types.Date,
) ([]types.DayObservation, map[string]types.DayObservation, *types.WeatherBatch, []string, error) {
	var (
		byDate map[string]types.DayObservation
		batch  *types.WeatherBatch
	)

	switch req.DataUse {
	case types.DataUseSnapshots:
		snap, b, err := s.snapshots.WindowDays(ctx, sector.ID, req.WindowStart, windowEnd, req.Preference)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		byDate = snap
		batch = b

	case types.DataUseBaseline:
		if sector.ProjectID == "" {
			return nil, nil, nil, nil, types.NewAppError(types.ErrCodeValidationProjectUnresolved,
				fmt.Sprintf("sector %q has no resolvable project for baseline data", sector.ID), nil)
		}
		base, err := s.baselines.WindowDays(ctx, sector.ProjectID, req.WindowStart, windowEnd)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		byDate = base

	case types.DataUseMixed:
		if sector.ProjectID == "" {
			return nil, nil, nil, nil, types.NewAppError(types.ErrCodeValidationProjectUnresolved,
				fmt.Sprintf("sector %q has no resolvable project for baseline data", sector.ID), nil)
		}
		base, err := s.baselines.WindowDays(ctx, sector.ProjectID, req.WindowStart, windowEnd)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		snap, b, err := s.snapshots.WindowDays(ctx, sector.ID, req.WindowStart, windowEnd, types.PreferPartial)
		if err != nil {
			// A missing batch is soft here: baselines may still cover the
			// window, and uncovered days become placeholders.
			var appErr *types.AppError
			if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundWeatherWindow {
				return nil, nil, nil, nil, err
			}
			snap = map[string]types.DayObservation{}
		}
		batch = b

		byDate = make(map[string]types.DayObservation, req.WindowDays)
		for d := req.WindowStart; !d.After(windowEnd.Time); d = d.AddDays(1) {
			key := d.String()
			if obs, ok := base[key]; ok {
				byDate[key] = obs
			} else if obs, ok := snap[key]; ok {
				byDate[key] = obs
			} else {
				// Uncovered days become empty placeholders carrying the
				// zero horizon an absent horizon defaults to everywhere
				// else. A horizon-capped rolling window spanning a
				// placeholder therefore stays eligible; the placeholder's
				// metrics still read as absent.
				byDate[key] = types.DayObservation{TargetDate: d}
			}
		}

	default:
		return nil, nil, nil, nil, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("unknown data_use %q", req.DataUse), nil)
	}

	days := make([]types.DayObservation, 0, len(byDate))
	warnings := []string{}
	for d := req.WindowStart; !d.After(windowEnd.Time); d = d.AddDays(1) {
		obs, ok := byDate[d.String()]
		if !ok {
			continue
		}
		days = append(days, obs)
		if obs.WeatherCode == nil && obs.PrecipitationMM == nil {
			warnings = append(warnings, fmt.Sprintf("missing weather for %s", d.String()))
			s.metrics.DaysMissingInWindow.Inc()
		}
	}
	return days, byDate, batch, warnings, nil
}

// commit walks the planned actions in order, moving each to Committed or
// Skipped. The in-run seen sets make the dedupe check observe writes made
// earlier in the same run.
func (s *ApplyService) commit(
	ctx context.Context,
	sector *types.Sector,
	ev *types.Evaluation,
	byDate map[string]types.DayObservation,
	batch *types.WeatherBatch,
	dedupeMinutes int,
) error {
	now := s.clock.Now()
	since := now.Add(-time.Duration(dedupeMinutes) * time.Minute)
	actor := types.GetActor(ctx)

	seenKeys := make(map[string]struct{})
	seenTitles := make(map[string]struct{})

	for _, a := range ev.Actions.Planned {
		if a.Type != types.ActionCreateIssue {
			continue
		}
		titleKey := a.Target.Date.String() + "\x00" + a.Title

		dup := false
		if _, ok := seenKeys[a.DedupeKey]; ok {
			dup = true
		} else if _, ok := seenTitles[titleKey]; ok {
			dup = true
		} else {
			exists, err := s.issues.ExistsRecent(ctx, sector.ID, a.Target.Date, a.Title, since)
			if err != nil {
				return err
			}
			dup = exists
		}

		if dup {
			s.metrics.DedupeHits.Inc()
			ev.Actions.Skipped = append(ev.Actions.Skipped, types.SkippedAction{
				Type:   a.Type,
				Reason: types.SkipDedupeHit,
				Date:   a.Target.Date,
				Title:  a.Title,
				RuleID: a.RuleID,
			})
			continue
		}

		issue := &types.Issue{
			SectorID:    sector.ID,
			IssueDate:   a.Target.Date,
			Title:       a.Title,
			Description: a.Description,
			Severity:    a.Severity,
			Status:      types.IssueOpen,
			Category:    a.Category,
			CreatedBy:   actor.ID,
			CreatedAt:   now,
			Weather:     issueWeather(byDate[a.Target.Date.String()], batch),
		}
		created, err := s.issues.Create(ctx, issue)
		if err != nil {
			return err
		}

		s.metrics.IssuesCreated.Inc()
		seenKeys[a.DedupeKey] = struct{}{}
		seenTitles[titleKey] = struct{}{}
		ev.Actions.Committed = append(ev.Actions.Committed, types.CommittedAction{
			Type:    a.Type,
			IssueID: created.ID,
			Date:    a.Target.Date,
			Title:   a.Title,
			RuleID:  a.RuleID,
		})
	}
	return nil
}

// issueWeather snapshots the matched day's observed values onto the issue so
// the record stays meaningful after the source batch is superseded.
func issueWeather(obs types.DayObservation, batch *types.WeatherBatch) types.IssueWeather {
	w := types.IssueWeather{
		WeatherCode:     obs.WeatherCode,
		TempMinC:        obs.TempMinC,
		TempMaxC:        obs.TempMaxC,
		PrecipitationMM: obs.PrecipitationMM,
		WindKmh:         obs.WindKmh,
	}
	if batch != nil {
		w.Source = batch.Source
	}
	return w
}
