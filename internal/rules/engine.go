// Package rules implements the weather risk rules-evaluation engine: metric
// extraction, threshold comparison, rolling-window aggregation, template
// rendering for generated issue text, and the orchestration that turns a
// window of daily observations plus a declarative rule set into a
// deterministic report of matches and planned corrective actions.
//
// Everything in this file is pure: no I/O, no clock, no mutation of inputs.
// The evaluation path is fail-closed: absent data, malformed thresholds, and
// unknown operators suppress individual matches instead of aborting the run.
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/atpyprog/buildflow-backend/internal/types"
	"github.com/atpyprog/buildflow-backend/internal/weather"
)

// metricValue extracts a named metric from a day's observation. Absent values
// and unknown metric names both resolve to nil so rule sets can reference
// metrics the data model does not carry yet without failing the evaluation.
func metricValue(day types.DayObservation, name types.MetricName) *float64 {
	if _, ok := types.KnownMetrics[name]; !ok {
		return nil
	}
	switch name {
	case types.MetricWeatherCode:
		if day.WeatherCode == nil {
			return nil
		}
		v := float64(*day.WeatherCode)
		return &v
	case types.MetricTempMinC:
		return day.TempMinC
	case types.MetricTempMaxC:
		return day.TempMaxC
	case types.MetricPrecipitationMM:
		return day.PrecipitationMM
	case types.MetricWindKmh:
		return day.WindKmh
	}
	return nil
}

// compareValue evaluates op between an actual value and a rule threshold.
// It is total: absent actuals, malformed thresholds, and unknown operators
// all return false, never an error.
func compareValue(op types.Operator, actual *float64, threshold types.Threshold) bool {
	if actual == nil {
		return false
	}
	a := *actual

	switch op {
	case types.OpGreaterThan, types.OpGreaterThanEq, types.OpLessThan, types.OpLessThanEq, types.OpEqual:
		if threshold.Scalar == nil {
			return false
		}
		b := *threshold.Scalar
		switch op {
		case types.OpGreaterThan:
			return a > b
		case types.OpGreaterThanEq:
			return a >= b
		case types.OpLessThan:
			return a < b
		case types.OpLessThanEq:
			return a <= b
		case types.OpEqual:
			return a == b
		}
	case types.OpIn:
		for _, v := range threshold.List {
			if a == v {
				return true
			}
		}
		return false
	case types.OpBetween:
		if len(threshold.List) != 2 {
			return false
		}
		return threshold.List[0] <= a && a <= threshold.List[1]
	}
	return false
}

// aggregateValues reduces a window of metric values to one scalar, dropping
// absent entries first. An empty filtered set yields nil, not zero, so an
// empty window can never satisfy a "< X" rule by accident. count counts the
// non-absent entries only.
func aggregateValues(vals []*float64, agg types.Aggregate) *float64 {
	var arr []float64
	for _, v := range vals {
		if v != nil {
			arr = append(arr, *v)
		}
	}
	if len(arr) == 0 {
		return nil
	}

	var out float64
	switch agg {
	case types.AggSum, types.AggAvg:
		for _, v := range arr {
			out += v
		}
		if agg == types.AggAvg {
			out /= float64(len(arr))
		}
	case types.AggMax:
		out = arr[0]
		for _, v := range arr[1:] {
			if v > out {
				out = v
			}
		}
	case types.AggMin:
		out = arr[0]
		for _, v := range arr[1:] {
			if v < out {
				out = v
			}
		}
	case types.AggCount:
		out = float64(len(arr))
	default:
		return nil
	}
	return &out
}

// evalRulePerDay evaluates one per-day rule against one day. Returns nil when
// the rule does not match or the day's horizon exceeds the rule's tolerance.
func evalRulePerDay(rule types.Rule, day types.DayObservation) *types.RuleMatch {
	if rule.WhenHorizonMax != nil && day.ForecastHorizonDays > *rule.WhenHorizonMax {
		return nil
	}

	actual := metricValue(day, rule.Metric)
	if !compareValue(rule.Op, actual, rule.Value) {
		return nil
	}

	return &types.RuleMatch{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: rule.EffectiveSeverity(),
		Evidence: types.MatchEvidence{
			Metric: rule.Metric,
			Op:     rule.Op,
			Value:  rule.Value,
			Actual: actual,
		},
	}
}

// rollingMatch pairs a match with the index of the final day of the window
// that produced it. The window is attributed to its last day for per-day
// reporting.
type rollingMatch struct {
	endIdx int
	match  types.RuleMatch
}

// evalRuleRolling slides a fixed window of rule.WindowDays across the ordered
// day sequence, one step at a time. Only full windows are considered; the
// scan stops once fewer than WindowDays days remain, producing exactly
// max(0, N-W+1) candidate windows. When the rule carries a horizon cap, a
// window is skipped entirely if any member exceeds it -- the window's
// confidence is only as good as its least-confident day.
func evalRuleRolling(rule types.Rule, days []types.DayObservation) []rollingMatch {
	w := rule.WindowDays
	if w < 1 {
		return nil
	}

	var matches []rollingMatch
	for i := 0; i+w <= len(days); i++ {
		block := days[i : i+w]

		if rule.WhenHorizonMax != nil {
			exceeded := false
			for _, d := range block {
				if d.ForecastHorizonDays > *rule.WhenHorizonMax {
					exceeded = true
					break
				}
			}
			if exceeded {
				continue
			}
		}

		vals := make([]*float64, 0, w)
		for _, d := range block {
			vals = append(vals, metricValue(d, rule.Metric))
		}
		aggVal := aggregateValues(vals, rule.Aggregate)
		if aggVal == nil {
			continue
		}

		if compareValue(rule.Op, aggVal, rule.Value) {
			matches = append(matches, rollingMatch{
				endIdx: i + w - 1,
				match: types.RuleMatch{
					RuleID:   rule.ID,
					RuleName: rule.Name,
					Severity: rule.EffectiveSeverity(),
					Evidence: types.MatchEvidence{
						Metric:    rule.Metric,
						Op:        rule.Op,
						Value:     rule.Value,
						Actual:    aggVal,
						Aggregate: fmt.Sprintf("%s(%d)", rule.Aggregate, w),
					},
				},
			})
		}
	}
	return matches
}

// RenderTemplate substitutes "{key}" placeholders in tmpl with the string
// form of ctx[key]. Placeholders naming a key absent from the context (or
// whose value is nil) render as the empty string. Only text that is not a
// well-formed placeholder -- unmatched braces, empty braces, keys with
// characters outside [A-Za-z0-9_] -- is left untouched. No arithmetic,
// conditionals, or nested lookups: single-pass literal substitution only.
func RenderTemplate(tmpl string, ctx map[string]any) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c != '{' {
			b.WriteByte(c)
			i++
			continue
		}

		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		key := tmpl[i+1 : i+end]
		if !isPlaceholderKey(key) {
			b.WriteString(tmpl[i : i+end+1])
			i += end + 1
			continue
		}

		if v, ok := ctx[key]; ok && v != nil {
			b.WriteString(formatTemplateValue(v))
		}
		i += end + 1
	}
	return b.String()
}

// isPlaceholderKey reports whether s is a non-empty identifier-like key.
func isPlaceholderKey(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

// formatTemplateValue renders a context value for substitution. Pointers to
// numerics are dereferenced so that day metrics can be passed through as-is.
func formatTemplateValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *float64:
		if t == nil {
			return ""
		}
		return strconv.FormatFloat(*t, 'g', -1, 64)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case *int:
		if t == nil {
			return ""
		}
		return strconv.Itoa(*t)
	case int:
		return strconv.Itoa(t)
	case types.Date:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// templateContext builds the substitution context for a day: every
// observation field plus the sector identity and the human-readable weather
// label. Nil metrics stay in the map so their placeholders resolve to "".
func templateContext(sectorID string, day types.DayObservation) map[string]any {
	return map[string]any{
		"sector_id":             sectorID,
		"target_date":           day.TargetDate,
		"weather_code":          day.WeatherCode,
		"weather_label":         weather.DescribeCode(day.WeatherCode),
		"temp_min_c":            day.TempMinC,
		"temp_max_c":            day.TempMaxC,
		"precipitation_mm":      day.PrecipitationMM,
		"wind_kmh":              day.WindKmh,
		"forecast_horizon_days": day.ForecastHorizonDays,
	}
}

// buildAction turns a match on a given day into a planned create_issue
// action, rendering title, description, and dedupe key from the rule's
// templates against the day context.
func buildAction(sectorID string, rule types.Rule, day types.DayObservation) types.PlannedAction {
	ctx := templateContext(sectorID, day)

	title := rule.DisplayName()
	if rule.Suggest != nil && rule.Suggest.Title != "" {
		title = RenderTemplate(rule.Suggest.Title, ctx)
	}

	description := ""
	if rule.Suggest != nil && rule.Suggest.DescriptionTmpl != "" {
		description = RenderTemplate(rule.Suggest.DescriptionTmpl, ctx)
	}

	dedupeTmpl := rule.DedupeKeyTmpl
	if dedupeTmpl == "" {
		dedupeTmpl = types.DefaultDedupeKeyTmpl
	}
	dedupeCtx := templateContext(sectorID, day)
	dedupeCtx["name"] = rule.DisplayName()

	return types.PlannedAction{
		Type:        types.ActionCreateIssue,
		Target:      types.ActionTarget{SectorID: sectorID, Date: day.TargetDate},
		Title:       title,
		Description: description,
		Severity:    rule.EffectiveSeverity(),
		Category:    types.IssueCategoryWeather,
		DedupeKey:   RenderTemplate(dedupeTmpl, dedupeCtx),
		RuleID:      rule.ID,
	}
}

// EvaluateRules runs the full rule set against an ordered day sequence and
// returns per-day match reports plus the flat list of planned actions.
//
// Ordering guarantees: day reports are emitted in input order; within a day,
// matches preserve rule-set order; rolling matches attach to the final day of
// their window. Planned actions accumulate day-major, then rule-major, which
// is also the order the apply orchestrator deduplicates and commits in.
//
// The function is pure -- it never touches storage and leaves the Committed
// and Skipped buckets empty.
func EvaluateRules(sectorID string, days []types.DayObservation, ruleSet []types.Rule) *types.Evaluation {
	// Rolling windows are computed once per rule across the whole sequence,
	// then attached to days by window end index.
	rollingByRule := make(map[int][]rollingMatch)
	for ri, rule := range ruleSet {
		if rule.EffectiveScope() == types.ScopeRolling {
			rollingByRule[ri] = evalRuleRolling(rule, days)
		}
	}

	out := &types.Evaluation{
		Days: make([]types.DayReport, 0, len(days)),
		Actions: types.ActionSet{
			Planned:   []types.PlannedAction{},
			Committed: []types.CommittedAction{},
			Skipped:   []types.SkippedAction{},
		},
	}

	for i, day := range days {
		dayMatches := []types.RuleMatch{}

		for ri, rule := range ruleSet {
			switch rule.EffectiveScope() {
			case types.ScopePerDay:
				m := evalRulePerDay(rule, day)
				if m == nil {
					continue
				}
				dayMatches = append(dayMatches, *m)
				if rule.CreateIssueEnabled() {
					out.Actions.Planned = append(out.Actions.Planned, buildAction(sectorID, rule, day))
				}

			case types.ScopeRolling:
				for _, rm := range rollingByRule[ri] {
					if rm.endIdx != i {
						continue
					}
					dayMatches = append(dayMatches, rm.match)
					if rule.CreateIssueEnabled() {
						out.Actions.Planned = append(out.Actions.Planned, buildAction(sectorID, rule, day))
					}
				}
			}
		}

		out.Days = append(out.Days, types.DayReport{
			TargetDate: day.TargetDate,
			Values: types.DayValues{
				WeatherCode:         day.WeatherCode,
				TempMinC:            day.TempMinC,
				TempMaxC:            day.TempMaxC,
				PrecipitationMM:     day.PrecipitationMM,
				WindKmh:             day.WindKmh,
				ForecastHorizonDays: day.ForecastHorizonDays,
			},
			Matches: dayMatches,
		})
	}

	return out
}
