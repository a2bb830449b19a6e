package types

import "time"

// DayObservation is one calendar day's weather snapshot for a sector. Nil
// metric pointers mean "no data", which is distinct from zero throughout the
// engine. Observations are immutable once handed to the engine.
type DayObservation struct {
	TargetDate          Date     `json:"target_date"`
	WeatherCode         *int     `json:"weather_code,omitempty"`
	TempMinC            *float64 `json:"temp_min_c,omitempty"`
	TempMaxC            *float64 `json:"temp_max_c,omitempty"`
	PrecipitationMM     *float64 `json:"precipitation_mm,omitempty"`
	WindKmh             *float64 `json:"wind_kmh,omitempty"`
	ForecastHorizonDays int      `json:"forecast_horizon_days"`
}

// MatchEvidence records what a rule tested and what it saw. Aggregate is only
// set for rolling matches, formatted as "sum(3)" style descriptors.
type MatchEvidence struct {
	Metric    MetricName `json:"metric"`
	Op        Operator   `json:"op"`
	Value     Threshold  `json:"value"`
	Actual    *float64   `json:"actual"`
	Aggregate string     `json:"aggregate,omitempty"`
}

// RuleMatch is the output of a rule firing against a day (or a window ending
// at a day). Produced transiently during evaluation; never persisted.
type RuleMatch struct {
	RuleID   string        `json:"rule_id"`
	RuleName string        `json:"rule_name,omitempty"`
	Severity Severity      `json:"severity"`
	Evidence MatchEvidence `json:"evidence"`
}

// ActionTarget locates the sector-day an action applies to.
type ActionTarget struct {
	SectorID string `json:"sector_id"`
	Date     Date   `json:"date"`
}

// PlannedAction is a proposed side effect, currently always issue creation.
type PlannedAction struct {
	Type        ActionType   `json:"type"`
	Target      ActionTarget `json:"target"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Severity    Severity     `json:"severity"`
	Category    string       `json:"category"`
	DedupeKey   string       `json:"dedupe_key"`
	RuleID      string       `json:"rule_id"`
}

// CommittedAction records a planned action that was persisted.
type CommittedAction struct {
	Type    ActionType `json:"type"`
	IssueID string     `json:"issue_id"`
	Date    Date       `json:"date"`
	Title   string     `json:"title"`
	RuleID  string     `json:"rule_id"`
}

// SkippedAction records a planned action that was rejected, tagged with why.
type SkippedAction struct {
	Type   ActionType `json:"type"`
	Reason SkipReason `json:"reason"`
	Date   Date       `json:"date"`
	Title  string     `json:"title"`
	RuleID string     `json:"rule_id"`
}

// ActionSet groups the three action buckets of an evaluation. In commit mode
// len(Planned) == len(Committed) + len(Skipped); in dry-run Committed and
// Skipped are empty.
type ActionSet struct {
	Planned   []PlannedAction   `json:"planned"`
	Committed []CommittedAction `json:"committed"`
	Skipped   []SkippedAction   `json:"skipped"`
}

// DayValues echoes the observed metrics of a reported day, absent values
// included as nulls.
type DayValues struct {
	WeatherCode         *int     `json:"weather_code"`
	TempMinC            *float64 `json:"temp_min_c"`
	TempMaxC            *float64 `json:"temp_max_c"`
	PrecipitationMM     *float64 `json:"precipitation_mm"`
	WindKmh             *float64 `json:"wind_kmh"`
	ForecastHorizonDays int      `json:"forecast_horizon_days"`
}

// DayReport is one day's evaluation output: observed values plus the matches
// attributed to that day (rolling matches attach to their window's final day).
type DayReport struct {
	TargetDate Date        `json:"target_date"`
	Values     DayValues   `json:"values"`
	Matches    []RuleMatch `json:"matches"`
}

// Evaluation is the pure engine output: per-day reports in input order and the
// planned action list. Committed/Skipped are only populated by the apply
// orchestrator in commit mode.
type Evaluation struct {
	Days    []DayReport `json:"days"`
	Actions ActionSet   `json:"actions"`
}

// MatchCount sums matches across all reported days.
func (e *Evaluation) MatchCount() int {
	n := 0
	for _, d := range e.Days {
		n += len(d.Matches)
	}
	return n
}

// ApplyContext describes the data source a run evaluated against.
type ApplyContext struct {
	SectorID    string    `json:"sector_id"`
	WindowStart Date      `json:"window_start"`
	WindowEnd   Date      `json:"window_end"`
	SourceUsed  DataUse   `json:"source_used"`
	Mode        ApplyMode `json:"mode"`
	Timezone    string    `json:"timezone"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
}

// ApplyStats summarizes one apply-rules invocation.
type ApplyStats struct {
	RulesEvaluated   int `json:"rules_evaluated"`
	DaysEvaluated    int `json:"days_evaluated"`
	MatchesFound     int `json:"matches_found"`
	ActionsPlanned   int `json:"actions_planned"`
	ActionsCommitted int `json:"actions_committed"`
}

// ApplyReport is the complete output of an apply-rules run.
type ApplyReport struct {
	Context  ApplyContext `json:"context"`
	Stats    ApplyStats   `json:"stats"`
	Days     []DayReport  `json:"days"`
	Actions  ActionSet    `json:"actions"`
	Warnings []string     `json:"warnings"`
	Errors   []string     `json:"errors"`
}

// Sector is a construction-site subdivision that weather observations and
// issues attach to.
type Sector struct {
	ID        string   `json:"id"`
	LotID     string   `json:"lot_id"`
	ProjectID string   `json:"project_id,omitempty"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

/// WeatherBatch is one capture run's envelope: which sector, which window, and
// where the data came from. RawPayload holds the gzip-compressed provider
// response for audit and replay.
type WeatherBatch struct {
	ID          string      `json:"id"`
	SectorID    string      `json:"sector_id"`
	Status      BatchStatus `json:"status"`
	Source      string      `json:"source"`
	WindowStart Date        `json:"window_start"`
	WindowEnd   Date        `json:"window_end"`
	Timezone    string      `json:"timezone"`
	Latitude    *float64    `json:"latitude"`
	Longitude   *float64    `json:"longitude"`
	RequestedAt time.Time   `json:"requested_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	RawPayload  []byte      `json:"-"`
}

// IssueWeather is the observed weather context attached to a committed issue.
type IssueWeather struct {
	Source          string   `json:"source,omitempty"`
	WeatherCode     *int     `json:"weather_code,omitempty"`
	TempMinC        *float64 `json:"temp_min_c,omitempty"`
	TempMaxC        *float64 `json:"temp_max_c,omitempty"`
	PrecipitationMM *float64 `json:"precipitation_mm,omitempty"`
	WindKmh         *float64 `json:"wind_kmh,omitempty"`
}

// Issue is a corrective-action record raised against a sector-day.
type Issue struct {
	ID          string       `json:"id"`
	SectorID    string       `json:"sector_id"`
	IssueDate   Date         `json:"issue_date"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Severity    Severity     `json:"severity"`
	Status      IssueStatus  `json:"status"`
	Category    string       `json:"category,omitempty"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
	Weather     IssueWeather `json:"weather,omitempty"`
}

// RuleRun is the audit record written once per apply-rules invocation,
// dry runs included.
type RuleRun struct {
	ID            string    `json:"id"`
	SectorID      string    `json:"sector_id"`
	Mode          ApplyMode `json:"mode"`
	ExecutedAt    time.Time `json:"executed_at"`
	WindowStart   Date      `json:"window_start"`
	WindowEnd     Date      `json:"window_end"`
	DaysAnalyzed  int       `json:"days_analyzed"`
	RulesChecked  int       `json:"rules_checked"`
	IssuesCreated int       `json:"issues_created"`
	Status        RunStatus `json:"status"`
	TriggeredBy   string    `json:"triggered_by,omitempty"`
}

// BaselineObservation is a pinned per-project-day observation that takes
// precedence over capture snapshots when present.
type BaselineObservation struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	TargetDate  Date           `json:"target_date"`
	Policy      string         `json:"policy"`
	PinnedBy    string         `json:"pinned_by,omitempty"`
	PinnedAt    time.Time      `json:"pinned_at"`
	Observation DayObservation `json:"observation"`
}
