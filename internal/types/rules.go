package types

import (
	"encoding/json"
	"fmt"
)

// Threshold is the rule-supplied comparison operand. Comparison operators use
// the scalar form; "in" uses the list as a membership set; "between" uses a
// two-element list as an inclusive (low, high) pair. JSON accepts either a
// number or an array of numbers.
type Threshold struct {
	Scalar *float64
	List   []float64
}

// ScalarThreshold builds a scalar threshold.
func ScalarThreshold(v float64) Threshold {
	return Threshold{Scalar: &v}
}

// ListThreshold builds a set/range threshold.
func ListThreshold(vs ...float64) Threshold {
	return Threshold{List: vs}
}

// MarshalJSON implements json.Marshaler.
func (t Threshold) MarshalJSON() ([]byte, error) {
	if t.Scalar != nil {
		return json.Marshal(*t.Scalar)
	}
	if t.List != nil {
		return json.Marshal(t.List)
	}
	return []byte("null"), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting a number or an array.
func (t *Threshold) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		t.Scalar = &scalar
		t.List = nil
		return nil
	}
	var list []float64
	if err := json.Unmarshal(data, &list); err == nil {
		t.Scalar = nil
		t.List = list
		return nil
	}
	return fmt.Errorf("threshold must be a number or an array of numbers")
}

// Suggestion holds the issue text templates attached to a rule. Templates use
// literal "{key}" placeholders resolved against the matched day's context.
type Suggestion struct {
	Title           string `json:"title,omitempty"`
	DescriptionTmpl string `json:"description_tmpl,omitempty"`
}

// AutoActions toggles the side effects a match proposes. CreateIssue defaults
// to true when the block or the flag is omitted.
type AutoActions struct {
	CreateIssue *bool `json:"create_issue,omitempty"`
}

// DefaultDedupeKeyTmpl is the dedupe key template applied when a rule does not
// supply its own.
const DefaultDedupeKeyTmpl = "issue:{sector_id}:{target_date}:{name}"

// Rule is a declarative risk-detection unit, supplied per request by the
// caller. Rolling-scope rules additionally require WindowDays and Aggregate;
// per-day rules must not carry them. Validate enforces those invariants at
// construction time so the evaluation hot path never sees a malformed rule.
type Rule struct {
	ID          string     `json:"id" validate:"required,min=1,max=60"`
	Name        string     `json:"name,omitempty" validate:"omitempty,max=200"`
	Description string     `json:"description,omitempty"`
	Severity    Severity   `json:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Scope       RuleScope  `json:"scope,omitempty" validate:"omitempty,oneof=per_day rolling"`
	Metric      MetricName `json:"metric" validate:"required"`
	Op          Operator   `json:"op" validate:"required,oneof=> >= < <= == in between"`
	Value       Threshold  `json:"value"`

	WhenHorizonMax *int `json:"when_horizon_max,omitempty" validate:"omitempty,gte=0"`

	// Rolling scope only.
	WindowDays int       `json:"window_days,omitempty" validate:"omitempty,gte=1,lte=14"`
	Aggregate  Aggregate `json:"aggregate,omitempty" validate:"omitempty,oneof=sum avg max min count"`

	Suggest       *Suggestion  `json:"suggest,omitempty"`
	DedupeKeyTmpl string       `json:"dedupe_key_tmpl,omitempty"`
	AutoActions   *AutoActions `json:"auto_actions,omitempty"`
}

// EffectiveScope returns the rule scope, defaulting to per_day.
func (r Rule) EffectiveScope() RuleScope {
	if r.Scope == "" {
		return ScopePerDay
	}
	return r.Scope
}

// EffectiveSeverity returns the rule severity, defaulting to medium.
func (r Rule) EffectiveSeverity() Severity {
	if r.Severity == "" {
		return SeverityMedium
	}
	return r.Severity
}

// DisplayName returns the rule name, falling back to its ID.
func (r Rule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// CreateIssueEnabled reports whether a match should propose issue creation.
func (r Rule) CreateIssueEnabled() bool {
	if r.AutoActions == nil || r.AutoActions.CreateIssue == nil {
		return true
	}
	return *r.AutoActions.CreateIssue
}

// Validate enforces the metric and scope-specific structural invariants.
func (r Rule) Validate() error {
	if _, ok := KnownMetrics[r.Metric]; !ok {
		return NewAppError(ErrCodeValidationInvalidMetric,
			fmt.Sprintf("rule %q: unknown metric %q", r.ID, r.Metric), nil)
	}
	switch r.EffectiveScope() {
	case ScopeRolling:
		if r.WindowDays < 1 {
			return NewAppError(ErrCodeValidationInvalidRule,
				fmt.Sprintf("rule %q: rolling scope requires window_days >= 1", r.ID), nil)
		}
		if r.Aggregate == "" {
			return NewAppError(ErrCodeValidationInvalidRule,
				fmt.Sprintf("rule %q: rolling scope requires an aggregate", r.ID), nil)
		}
	case ScopePerDay:
		if r.WindowDays != 0 || r.Aggregate != "" {
			return NewAppError(ErrCodeValidationInvalidRule,
				fmt.Sprintf("rule %q: window_days and aggregate are only valid for rolling scope", r.ID), nil)
		}
	}
	return nil
}

// ValidateRules validates a full rule set and checks ID uniqueness.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return NewAppError(ErrCodeValidationInvalidRule,
				fmt.Sprintf("duplicate rule id %q", r.ID), nil)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}
