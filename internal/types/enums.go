package types

// Severity ranks the operational impact of a matched risk rule and of the
// issues it raises.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RuleScope determines whether a rule evaluates a single day or a sliding
// window of days.
type RuleScope string

const (
	ScopePerDay  RuleScope = "per_day"
	ScopeRolling RuleScope = "rolling"
)

// MetricName identifies one of the observation fields a rule can test.
type MetricName string

const (
	MetricWeatherCode     MetricName = "weather_code"
	MetricTempMinC        MetricName = "temp_min_c"
	MetricTempMaxC        MetricName = "temp_max_c"
	MetricPrecipitationMM MetricName = "precipitation_mm"
	MetricWindKmh         MetricName = "wind_kmh"
)

// KnownMetrics is the closed set of metric names the engine understands.
// Lookups outside this set resolve to "absent" rather than failing, so rule
// sets can evolve ahead of the data model.
var KnownMetrics = map[MetricName]struct{}{
	MetricWeatherCode:     {},
	MetricTempMinC:        {},
	MetricTempMaxC:        {},
	MetricPrecipitationMM: {},
	MetricWindKmh:         {},
}

// Operator defines the comparison applied between an observed (or aggregated)
// value and a rule threshold.
type Operator string

const (
	OpGreaterThan   Operator = ">"
	OpGreaterThanEq Operator = ">="
	OpLessThan      Operator = "<"
	OpLessThanEq    Operator = "<="
	OpEqual         Operator = "=="
	OpIn            Operator = "in"
	OpBetween       Operator = "between"
)

// Aggregate reduces the metric values of a rolling window to one scalar.
type Aggregate string

const (
	AggSum   Aggregate = "sum"
	AggAvg   Aggregate = "avg"
	AggMax   Aggregate = "max"
	AggMin   Aggregate = "min"
	AggCount Aggregate = "count"
)

// ApplyMode selects between reporting planned actions (dry run) and
// persisting them (commit).
type ApplyMode string

const (
	ModeDryRun ApplyMode = "dry_run"
	ModeCommit ApplyMode = "commit"
)

// DataUse selects which stored observations feed an apply-rules run.
type DataUse string

const (
	// DataUseSnapshots reads from the most recent completed capture batch.
	DataUseSnapshots DataUse = "snapshots"
	// DataUseBaseline reads only per-day pinned baseline observations.
	DataUseBaseline DataUse = "baseline"
	// DataUseMixed prefers baselines and falls back to snapshots per day.
	DataUseMixed DataUse = "mixed"
)

// BatchPreference controls how strictly a capture batch must cover the
// requested evaluation window.
type BatchPreference string

const (
	// PreferLatest takes the newest batch fully covering the window, or none.
	PreferLatest BatchPreference = "latest"
	// PreferPartial falls back to the newest batch merely intersecting the window.
	PreferPartial BatchPreference = "partial"
	// PreferExact demands full coverage and fails otherwise.
	PreferExact BatchPreference = "exact"
)

// ActionType identifies the kind of side effect a rule match proposes.
type ActionType string

const (
	ActionCreateIssue ActionType = "create_issue"
)

// SkipReason explains why a planned action was not committed.
type SkipReason string

const (
	// SkipDedupeHit is the canonical reason for actions suppressed by the
	// trailing dedupe window.
	SkipDedupeHit SkipReason = "dedupe_hit"
)

// BatchStatus is the lifecycle state of a weather capture batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// IssueStatus is the lifecycle state of a construction-site issue.
type IssueStatus string

const (
	IssueOpen     IssueStatus = "open"
	IssueResolved IssueStatus = "resolved"
	IssueIgnored  IssueStatus = "ignored"
)

// RunStatus records whether a rule-run invocation completed normally.
type RunStatus string

const (
	RunOK    RunStatus = "ok"
	RunError RunStatus = "error"
)

// IssueCategoryWeather tags issues generated by the weather rules engine.
const IssueCategoryWeather = "weather"
