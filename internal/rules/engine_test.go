package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atpyprog/buildflow-backend/internal/types"
)

// --- Helpers ---

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func day(dateStr string, precip *float64, horizon int) types.DayObservation {
	d, err := types.ParseDate(dateStr)
	if err != nil {
		panic(err)
	}
	return types.DayObservation{
		TargetDate:          d,
		PrecipitationMM:     precip,
		ForecastHorizonDays: horizon,
	}
}

// --- metricValue ---

func TestMetricValue(t *testing.T) {
	obs := types.DayObservation{
		WeatherCode:     iptr(95),
		TempMinC:        fptr(4.5),
		TempMaxC:        fptr(19),
		PrecipitationMM: fptr(12.3),
	}

	tests := []struct {
		name   string
		metric types.MetricName
		want   *float64
	}{
		{"weather code converts to float", types.MetricWeatherCode, fptr(95)},
		{"temp min present", types.MetricTempMinC, fptr(4.5)},
		{"temp max present", types.MetricTempMaxC, fptr(19)},
		{"precipitation present", types.MetricPrecipitationMM, fptr(12.3)},
		{"wind absent", types.MetricWindKmh, nil},
		{"unknown metric", types.MetricName("humidity"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := metricValue(obs, tt.metric)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestMetricValue_NilWeatherCode(t *testing.T) {
	assert.Nil(t, metricValue(types.DayObservation{}, types.MetricWeatherCode))
}

// --- compareValue ---

func TestCompareValue(t *testing.T) {
	tests := []struct {
		name      string
		op        types.Operator
		actual    *float64
		threshold types.Threshold
		want      bool
	}{
		{"gt true", types.OpGreaterThan, fptr(11), types.ScalarThreshold(10), true},
		{"gt boundary false", types.OpGreaterThan, fptr(10), types.ScalarThreshold(10), false},
		{"gte boundary true", types.OpGreaterThanEq, fptr(10), types.ScalarThreshold(10), true},
		{"lt true", types.OpLessThan, fptr(-1), types.ScalarThreshold(0), true},
		{"lte boundary true", types.OpLessThanEq, fptr(0), types.ScalarThreshold(0), true},
		{"eq true", types.OpEqual, fptr(95), types.ScalarThreshold(95), true},
		{"eq false", types.OpEqual, fptr(95), types.ScalarThreshold(96), false},
		{"in member", types.OpIn, fptr(95), types.ListThreshold(95, 96, 99), true},
		{"in non-member", types.OpIn, fptr(80), types.ListThreshold(95, 96, 99), false},
		{"in empty list", types.OpIn, fptr(95), types.ListThreshold(), false},
		{"between inside", types.OpBetween, fptr(5), types.ListThreshold(0, 10), true},
		{"between low boundary", types.OpBetween, fptr(0), types.ListThreshold(0, 10), true},
		{"between high boundary", types.OpBetween, fptr(10), types.ListThreshold(0, 10), true},
		{"between outside", types.OpBetween, fptr(11), types.ListThreshold(0, 10), false},
		{"between wrong arity", types.OpBetween, fptr(5), types.ListThreshold(0, 10, 20), false},
		{"between single element", types.OpBetween, fptr(5), types.ListThreshold(5), false},

		// Fail-closed cases: never an error, never a panic.
		{"nil actual gt", types.OpGreaterThan, nil, types.ScalarThreshold(10), false},
		{"nil actual in", types.OpIn, nil, types.ListThreshold(1, 2), false},
		{"nil actual between", types.OpBetween, nil, types.ListThreshold(0, 10), false},
		{"scalar op with list threshold", types.OpGreaterThan, fptr(11), types.ListThreshold(10), false},
		{"in with scalar threshold", types.OpIn, fptr(10), types.ScalarThreshold(10), false},
		{"unknown operator", types.Operator("!="), fptr(10), types.ScalarThreshold(10), false},
		{"empty threshold", types.OpEqual, fptr(10), types.Threshold{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compareValue(tt.op, tt.actual, tt.threshold))
		})
	}
}

// --- aggregateValues ---

func TestAggregateValues(t *testing.T) {
	vals := []*float64{fptr(1), nil, fptr(2), fptr(6), nil}

	tests := []struct {
		name string
		vals []*float64
		agg  types.Aggregate
		want *float64
	}{
		{"sum drops nils", vals, types.AggSum, fptr(9)},
		{"avg over present only", vals, types.AggAvg, fptr(3)},
		{"max", vals, types.AggMax, fptr(6)},
		{"min", vals, types.AggMin, fptr(1)},
		{"count counts present only", vals, types.AggCount, fptr(3)},
		{"empty input", nil, types.AggSum, nil},
		{"all nil input", []*float64{nil, nil}, types.AggSum, nil},
		{"all nil count", []*float64{nil, nil}, types.AggCount, nil},
		{"unknown aggregate", vals, types.Aggregate("median"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := aggregateValues(tt.vals, tt.agg)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

// --- evalRulePerDay ---

func TestEvalRulePerDay_Match(t *testing.T) {
	rule := types.Rule{
		ID:       "heavy_rain",
		Name:     "Heavy rain",
		Severity: types.SeverityHigh,
		Metric:   types.MetricPrecipitationMM,
		Op:       types.OpGreaterThanEq,
		Value:    types.ScalarThreshold(10),
	}

	m := evalRulePerDay(rule, day("2026-03-01", fptr(15), 2))
	require.NotNil(t, m)
	assert.Equal(t, "heavy_rain", m.RuleID)
	assert.Equal(t, types.SeverityHigh, m.Severity)
	assert.Equal(t, types.MetricPrecipitationMM, m.Evidence.Metric)
	require.NotNil(t, m.Evidence.Actual)
	assert.Equal(t, 15.0, *m.Evidence.Actual)
	assert.Empty(t, m.Evidence.Aggregate)
}

func TestEvalRulePerDay_NoMatch(t *testing.T) {
	rule := types.Rule{
		ID:     "heavy_rain",
		Metric: types.MetricPrecipitationMM,
		Op:     types.OpGreaterThanEq,
		Value:  types.ScalarThreshold(10),
	}

	assert.Nil(t, evalRulePerDay(rule, day("2026-03-01", fptr(5), 0)))
	assert.Nil(t, evalRulePerDay(rule, day("2026-03-01", nil, 0)))
}

func TestEvalRulePerDay_HorizonFilter(t *testing.T) {
	rule := types.Rule{
		ID:             "near_term_rain",
		Metric:         types.MetricPrecipitationMM,
		Op:             types.OpGreaterThan,
		Value:          types.ScalarThreshold(0),
		WhenHorizonMax: iptr(3),
	}

	assert.NotNil(t, evalRulePerDay(rule, day("2026-03-01", fptr(5), 3)))
	assert.Nil(t, evalRulePerDay(rule, day("2026-03-01", fptr(5), 4)))

	// Restricting the horizon can only remove matches, never add them.
	unrestricted := rule
	unrestricted.WhenHorizonMax = nil
	for h := 0; h <= 10; h++ {
		d := day("2026-03-01", fptr(5), h)
		if evalRulePerDay(rule, d) != nil {
			assert.NotNil(t, evalRulePerDay(unrestricted, d))
		}
	}
}

func TestEvalRulePerDay_DefaultSeverity(t *testing.T) {
	rule := types.Rule{
		ID:     "r1",
		Metric: types.MetricPrecipitationMM,
		Op:     types.OpGreaterThan,
		Value:  types.ScalarThreshold(0),
	}

	m := evalRulePerDay(rule, day("2026-03-01", fptr(1), 0))
	require.NotNil(t, m)
	assert.Equal(t, types.SeverityMedium, m.Severity)
}

// --- evalRuleRolling ---

func rollingRule(window int, agg types.Aggregate, op types.Operator, threshold float64) types.Rule {
	return types.Rule{
		ID:         "accumulated_rain",
		Name:       "Accumulated rain",
		Scope:      types.ScopeRolling,
		Metric:     types.MetricPrecipitationMM,
		Op:         op,
		Value:      types.ScalarThreshold(threshold),
		WindowDays: window,
		Aggregate:  agg,
	}
}

func fiveDays(precip ...float64) []types.DayObservation {
	days := make([]types.DayObservation, len(precip))
	base := types.NewDate(2026, time.March, 1)
	for i, p := range precip {
		days[i] = types.DayObservation{
			TargetDate:      base.AddDays(i),
			PrecipitationMM: fptr(p),
		}
	}
	return days
}

func TestEvalRuleRolling_WindowCount(t *testing.T) {
	// N=5, W=3 gives exactly 3 windows; a threshold of -1 makes every one fire.
	rule := rollingRule(3, types.AggSum, types.OpGreaterThan, -1)
	matches := evalRuleRolling(rule, fiveDays(0, 0, 0, 0, 0))
	require.Len(t, matches, 3)
	assert.Equal(t, 2, matches[0].endIdx)
	assert.Equal(t, 3, matches[1].endIdx)
	assert.Equal(t, 4, matches[2].endIdx)
}

func TestEvalRuleRolling_WindowLargerThanSequence(t *testing.T) {
	rule := rollingRule(7, types.AggSum, types.OpGreaterThan, 0)
	assert.Empty(t, evalRuleRolling(rule, fiveDays(10, 10, 10, 10, 10)))
}

func TestEvalRuleRolling_WindowEqualsSequence(t *testing.T) {
	rule := rollingRule(5, types.AggSum, types.OpGreaterThanEq, 50)
	matches := evalRuleRolling(rule, fiveDays(10, 10, 10, 10, 10))
	require.Len(t, matches, 1)
	assert.Equal(t, 4, matches[0].endIdx)
}

func TestEvalRuleRolling_AttributionAndEvidence(t *testing.T) {
	// Only the window covering days 1..3 (sum 30) crosses the threshold.
	rule := rollingRule(3, types.AggSum, types.OpGreaterThanEq, 30)
	matches := evalRuleRolling(rule, fiveDays(0, 10, 10, 10, 0))
	require.Len(t, matches, 1)
	assert.Equal(t, 3, matches[0].endIdx)
	assert.Equal(t, "sum(3)", matches[0].match.Evidence.Aggregate)
	require.NotNil(t, matches[0].match.Evidence.Actual)
	assert.Equal(t, 30.0, *matches[0].match.Evidence.Actual)
}

func TestEvalRuleRolling_HorizonSkipsWholeWindow(t *testing.T) {
	rule := rollingRule(3, types.AggSum, types.OpGreaterThan, -1)
	rule.WhenHorizonMax = iptr(2)

	days := []types.DayObservation{
		day("2026-03-01", fptr(10), 0),
		day("2026-03-02", fptr(10), 1),
		day("2026-03-03", fptr(10), 2),
		day("2026-03-04", fptr(10), 5), // beyond tolerance
		day("2026-03-05", fptr(10), 2),
	}

	// Windows ending at days 4 and 5 contain the day-5-horizon member and are
	// skipped entirely; only the first window survives.
	matches := evalRuleRolling(rule, days)
	require.Len(t, matches, 1)
	assert.Equal(t, 2, matches[0].endIdx)
}

func TestEvalRuleRolling_MetriclessZeroHorizonDayKeepsWindowEligible(t *testing.T) {
	rule := rollingRule(2, types.AggSum, types.OpGreaterThan, 10)
	rule.WhenHorizonMax = iptr(0)

	// The middle day carries no metrics and the zero horizon an absent
	// horizon defaults to, so the window stays within tolerance and the
	// aggregate runs over the remaining value.
	days := []types.DayObservation{
		day("2026-03-01", fptr(15), 0),
		day("2026-03-02", nil, 0),
		day("2026-03-03", fptr(18), 1),
	}

	matches := evalRuleRolling(rule, days)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].endIdx)
	require.NotNil(t, matches[0].match.Evidence.Actual)
	assert.Equal(t, 15.0, *matches[0].match.Evidence.Actual)
}

func TestEvalRuleRolling_AllValuesAbsent(t *testing.T) {
	rule := rollingRule(3, types.AggSum, types.OpGreaterThan, -1)
	days := []types.DayObservation{
		day("2026-03-01", nil, 0),
		day("2026-03-02", nil, 0),
		day("2026-03-03", nil, 0),
	}
	assert.Empty(t, evalRuleRolling(rule, days))
}

func TestEvalRuleRolling_CountIgnoresAbsent(t *testing.T) {
	rule := rollingRule(3, types.AggCount, types.OpEqual, 2)
	days := []types.DayObservation{
		day("2026-03-01", fptr(0), 0),
		day("2026-03-02", nil, 0),
		day("2026-03-03", fptr(5), 0),
	}
	matches := evalRuleRolling(rule, days)
	require.Len(t, matches, 1)
}

// --- RenderTemplate ---

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		ctx  map[string]any
		want string
	}{
		{"two placeholders", "{a} and {b}", map[string]any{"a": 1, "b": 2}, "1 and 2"},
		{"missing key renders empty", "{missing}", map[string]any{}, ""},
		{"nil value renders empty", "rain: {precipitation_mm}mm", map[string]any{"precipitation_mm": (*float64)(nil)}, "rain: mm"},
		{"float value", "{v}", map[string]any{"v": fptr(12.5)}, "12.5"},
		{"whole float has no trailing zero", "{v}", map[string]any{"v": 15.0}, "15"},
		{"date value", "{d}", map[string]any{"d": types.NewDate(2026, time.March, 1)}, "2026-03-01"},
		{"no placeholders", "plain text", map[string]any{"a": 1}, "plain text"},
		{"empty braces left literal", "a {} b", map[string]any{}, "a {} b"},
		{"space in key left literal", "{not a key}", map[string]any{}, "{not a key}"},
		{"unclosed brace left literal", "tail {open", map[string]any{"open": 1}, "tail {open"},
		{"adjacent placeholders", "{a}{b}", map[string]any{"a": "x", "b": "y"}, "xy"},
		{"repeated placeholder", "{a}-{a}", map[string]any{"a": "x"}, "x-x"},
		{"empty template", "", map[string]any{"a": 1}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTemplate(tt.tmpl, tt.ctx))
		})
	}
}

func TestRenderTemplate_NoRecursiveSubstitution(t *testing.T) {
	// A substituted value that itself looks like a placeholder must not be
	// resolved again.
	got := RenderTemplate("{a}", map[string]any{"a": "{b}", "b": "boom"})
	assert.Equal(t, "{b}", got)
}

// --- EvaluateRules ---

func TestEvaluateRules_EmptyInputs(t *testing.T) {
	ev := EvaluateRules("S1", nil, nil)
	require.NotNil(t, ev)
	assert.Empty(t, ev.Days)
	assert.Empty(t, ev.Actions.Planned)
	assert.Zero(t, ev.MatchCount())
}

func TestEvaluateRules_DayMajorRuleOrder(t *testing.T) {
	ruleSet := []types.Rule{
		{ID: "r_wet", Metric: types.MetricPrecipitationMM, Op: types.OpGreaterThan, Value: types.ScalarThreshold(0)},
		{ID: "r_soaked", Metric: types.MetricPrecipitationMM, Op: types.OpGreaterThan, Value: types.ScalarThreshold(10)},
	}
	days := fiveDays(20, 0, 20, 0, 0)

	ev := EvaluateRules("S1", days, ruleSet)
	require.Len(t, ev.Days, 5)

	// Both rules match on days 0 and 2, in rule-set order within each day.
	require.Len(t, ev.Days[0].Matches, 2)
	assert.Equal(t, "r_wet", ev.Days[0].Matches[0].RuleID)
	assert.Equal(t, "r_soaked", ev.Days[0].Matches[1].RuleID)
	assert.Empty(t, ev.Days[1].Matches)
	require.Len(t, ev.Days[2].Matches, 2)

	// Planned actions accumulate day-major.
	require.Len(t, ev.Actions.Planned, 4)
	assert.Equal(t, "r_wet", ev.Actions.Planned[0].RuleID)
	assert.Equal(t, "r_soaked", ev.Actions.Planned[1].RuleID)
	assert.Equal(t, types.NewDate(2026, time.March, 1), ev.Actions.Planned[0].Target.Date)
	assert.Equal(t, types.NewDate(2026, time.March, 3), ev.Actions.Planned[2].Target.Date)

	assert.Equal(t, 4, ev.MatchCount())
}

func TestEvaluateRules_DefaultDedupeKeyAndTitle(t *testing.T) {
	ruleSet := []types.Rule{{
		ID:     "heavy_rain",
		Name:   "Heavy rain",
		Metric: types.MetricPrecipitationMM,
		Op:     types.OpGreaterThan,
		Value:  types.ScalarThreshold(10),
	}}

	ev := EvaluateRules("sector-9", fiveDays(20, 0, 0, 0, 0), ruleSet)
	require.Len(t, ev.Actions.Planned, 1)

	a := ev.Actions.Planned[0]
	assert.Equal(t, types.ActionCreateIssue, a.Type)
	assert.Equal(t, "Heavy rain", a.Title)
	assert.Equal(t, "issue:sector-9:2026-03-01:Heavy rain", a.DedupeKey)
	assert.Equal(t, types.IssueCategoryWeather, a.Category)
	assert.Equal(t, "sector-9", a.Target.SectorID)
}

func TestEvaluateRules_TitleFallsBackToRuleID(t *testing.T) {
	ruleSet := []types.Rule{{
		ID:     "r1",
		Metric: types.MetricPrecipitationMM,
		Op:     types.OpGreaterThan,
		Value:  types.ScalarThreshold(0),
	}}

	ev := EvaluateRules("S1", fiveDays(5, 0, 0, 0, 0), ruleSet)
	require.Len(t, ev.Actions.Planned, 1)
	assert.Equal(t, "r1", ev.Actions.Planned[0].Title)
	assert.Equal(t, "issue:S1:2026-03-01:r1", ev.Actions.Planned[0].DedupeKey)
}

func TestEvaluateRules_SuggestionTemplates(t *testing.T) {
	ruleSet := []types.Rule{{
		ID:     "heavy_rain",
		Name:   "Heavy rain",
		Metric: types.MetricPrecipitationMM,
		Op:     types.OpGreaterThanEq,
		Value:  types.ScalarThreshold(10),
		Suggest: &types.Suggestion{
			Title:           "Rain risk on {target_date}",
			DescriptionTmpl: "Forecast {precipitation_mm}mm for sector {sector_id}.",
		},
		DedupeKeyTmpl: "rain:{sector_id}:{target_date}",
	}}

	ev := EvaluateRules("S1", fiveDays(12.5, 0, 0, 0, 0), ruleSet)
	require.Len(t, ev.Actions.Planned, 1)

	a := ev.Actions.Planned[0]
	assert.Equal(t, "Rain risk on 2026-03-01", a.Title)
	assert.Equal(t, "Forecast 12.5mm for sector S1.", a.Description)
	assert.Equal(t, "rain:S1:2026-03-01", a.DedupeKey)
}

func TestEvaluateRules_AutoActionsDisabled(t *testing.T) {
	off := false
	ruleSet := []types.Rule{{
		ID:          "advisory_only",
		Metric:      types.MetricPrecipitationMM,
		Op:          types.OpGreaterThan,
		Value:       types.ScalarThreshold(0),
		AutoActions: &types.AutoActions{CreateIssue: &off},
	}}

	ev := EvaluateRules("S1", fiveDays(5, 0, 0, 0, 0), ruleSet)
	// The match is still reported; only the side effect is suppressed.
	assert.Equal(t, 1, ev.MatchCount())
	assert.Empty(t, ev.Actions.Planned)
}

func TestEvaluateRules_RollingAttachesToFinalDay(t *testing.T) {
	ruleSet := []types.Rule{
		rollingRule(3, types.AggSum, types.OpGreaterThanEq, 30),
	}
	ev := EvaluateRules("S1", fiveDays(0, 10, 10, 10, 0), ruleSet)

	require.Len(t, ev.Days, 5)
	assert.Empty(t, ev.Days[2].Matches)
	require.Len(t, ev.Days[3].Matches, 1)
	assert.Equal(t, "sum(3)", ev.Days[3].Matches[0].Evidence.Aggregate)
	assert.Empty(t, ev.Days[4].Matches)

	require.Len(t, ev.Actions.Planned, 1)
	assert.Equal(t, types.NewDate(2026, time.March, 4), ev.Actions.Planned[0].Target.Date)
}

func TestEvaluateRules_MixedScopesSameDay(t *testing.T) {
	ruleSet := []types.Rule{
		{ID: "per_day_rain", Metric: types.MetricPrecipitationMM, Op: types.OpGreaterThan, Value: types.ScalarThreshold(5)},
		rollingRule(3, types.AggSum, types.OpGreaterThanEq, 30),
	}
	ev := EvaluateRules("S1", fiveDays(0, 10, 10, 10, 0), ruleSet)

	// Day 4 (index 3) carries both the per-day match and the rolling match,
	// per-day first because it precedes the rolling rule in the set.
	require.Len(t, ev.Days[3].Matches, 2)
	assert.Equal(t, "per_day_rain", ev.Days[3].Matches[0].RuleID)
	assert.Equal(t, "accumulated_rain", ev.Days[3].Matches[1].RuleID)
}

func TestEvaluateRules_DayValuesEchoed(t *testing.T) {
	obs := types.DayObservation{
		TargetDate:          types.NewDate(2026, time.March, 1),
		WeatherCode:         iptr(61),
		TempMaxC:            fptr(22),
		PrecipitationMM:     fptr(3),
		ForecastHorizonDays: 2,
	}

	ev := EvaluateRules("S1", []types.DayObservation{obs}, nil)
	require.Len(t, ev.Days, 1)

	v := ev.Days[0].Values
	require.NotNil(t, v.WeatherCode)
	assert.Equal(t, 61, *v.WeatherCode)
	assert.Nil(t, v.TempMinC)
	require.NotNil(t, v.TempMaxC)
	assert.Equal(t, 22.0, *v.TempMaxC)
	assert.Equal(t, 2, v.ForecastHorizonDays)
	assert.Equal(t, []types.RuleMatch{}, ev.Days[0].Matches)
}

func TestEvaluateRules_InputsNotMutated(t *testing.T) {
	days := fiveDays(20, 0, 0, 0, 0)
	before := *days[0].PrecipitationMM

	ruleSet := []types.Rule{{
		ID:     "r1",
		Metric: types.MetricPrecipitationMM,
		Op:     types.OpGreaterThan,
		Value:  types.ScalarThreshold(0),
	}}
	_ = EvaluateRules("S1", days, ruleSet)
	_ = EvaluateRules("S1", days, ruleSet)

	assert.Equal(t, before, *days[0].PrecipitationMM)
}

func TestEvaluateRules_Deterministic(t *testing.T) {
	days := fiveDays(20, 0, 15, 0, 8)
	ruleSet := []types.Rule{
		{ID: "r_wet", Metric: types.MetricPrecipitationMM, Op: types.OpGreaterThan, Value: types.ScalarThreshold(5)},
		rollingRule(2, types.AggSum, types.OpGreaterThan, 10),
	}

	first := EvaluateRules("S1", days, ruleSet)
	second := EvaluateRules("S1", days, ruleSet)
	assert.Equal(t, first, second)
}
