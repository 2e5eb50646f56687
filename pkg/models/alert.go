package models

import "time"

// ThresholdCondition selects how an alert rule compares the current metric
// value against its threshold.
type ThresholdCondition string

const (
	ConditionShouldBeAbove ThresholdCondition = "shouldBeAbove"
	ConditionShouldBeBelow ThresholdCondition = "shouldBeBelow"
	ConditionPercentChange ThresholdCondition = "percentChange"
)

// ObservedFieldAny makes a rule scan every series element instead of one
// named element.
const ObservedFieldAny = "anyMetric"

// ChartRef identifies the chart whose metric an alert rule observes.
type ChartRef struct {
	ID       string `json:"id"`
	StudioID string `json:"studio_id"`
	Branch   string `json:"branch"`
	Metric   string `json:"metric"`
}

// AlertRule is a persisted threshold rule. LastEvaluatedAt is advanced by the
// evaluator after every evaluation attempt, successful or not, so a failing
// downstream cannot make the rule re-fire every tick.
type AlertRule struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name,omitempty"`
	Chart              ChartRef           `json:"chart"`
	ThresholdValue     float64            `json:"threshold_value"`
	ThresholdCondition ThresholdCondition `json:"threshold_condition"`
	ObservedField      string             `json:"observed_field"`
	TimeWindowMinutes  int                `json:"time_window_minutes"`
	LastEvaluatedAt    time.Time          `json:"last_evaluated_at"`
}

// TimeWindow returns the rule's evaluation window as a duration.
func (r *AlertRule) TimeWindow() time.Duration {
	return time.Duration(r.TimeWindowMinutes) * time.Minute
}

// Due reports whether the rule's window has elapsed since the last evaluation.
func (r *AlertRule) Due(now time.Time) bool {
	if r.TimeWindowMinutes <= 0 {
		return false
	}
	return now.Sub(r.LastEvaluatedAt) >= r.TimeWindow()
}
