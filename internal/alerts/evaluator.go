// Package alerts recomputes alert-rule metrics on a timer and dispatches
// notifications on threshold breach. Rules are evaluated sequentially within
// a cycle to bound load on the metric collaborator; a cycle always runs to
// completion before the next is scheduled.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"liveops/internal/analytics"
	"liveops/internal/logger"
	"liveops/internal/metrics"
	"liveops/internal/notify"
	"liveops/internal/sched"
	"liveops/pkg/models"
)

// MetricSource computes a chart's metric series over a window.
type MetricSource interface {
	MetricSeries(ctx context.Context, chart models.ChartRef, from, to time.Time) ([]analytics.MetricPoint, error)
}

// Store is the rule persistence the evaluator drives.
type Store interface {
	ListRules() ([]*models.AlertRule, error)
	SaveRule(rule *models.AlertRule) error
	DeleteRule(id string) error
}

// Config controls the evaluation loop.
type Config struct {
	TickInterval time.Duration
	Environment  string
	CycleTimeout time.Duration
	Clock        sched.Clock
}

// Evaluator is the recurring alert engine.
type Evaluator struct {
	cfg      Config
	store    Store
	source   MetricSource
	channels []notify.Channel
	clock    sched.Clock
	task     *sched.Recurring
}

// NewEvaluator creates the engine; Start begins ticking.
func NewEvaluator(cfg Config, store Store, source MetricSource, channels []notify.Channel) *Evaluator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.RealClock{}
	}
	e := &Evaluator{
		cfg:      cfg,
		store:    store,
		source:   source,
		channels: channels,
		clock:    cfg.Clock,
	}
	e.task = sched.NewRecurring(cfg.TickInterval, cfg.Clock, e.RunCycle)
	return e
}

// Start begins the evaluation loop.
func (e *Evaluator) Start() {
	e.task.Start()
	logger.With("alerts").Info().Dur("tick", e.cfg.TickInterval).Msg("alert evaluator started")
}

// Stop halts the loop after any in-flight cycle finishes.
func (e *Evaluator) Stop() {
	e.task.Stop()
	logger.With("alerts").Info().Msg("alert evaluator stopped")
}

// RunCycle evaluates every due rule once. Per-rule failures are logged and
// isolated; they never abort siblings in the same cycle.
func (e *Evaluator) RunCycle(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CycleTimeout)
	defer cancel()

	rules, err := e.store.ListRules()
	if err != nil {
		logger.With("alerts").Error().Err(err).Msg("list rules")
		return
	}

	for _, rule := range rules {
		if !rule.Due(now) {
			continue
		}
		e.evaluate(ctx, rule, now)
	}
}

func (e *Evaluator) evaluate(ctx context.Context, rule *models.AlertRule, now time.Time) {
	log := logger.With("alerts").With().Str("rule", rule.ID).Logger()

	// lastEvaluatedAt advances no matter how evaluation ends, so a
	// persistently failing downstream cannot make the rule re-fire every
	// tick.
	advance := func() {
		rule.LastEvaluatedAt = now
		if err := e.store.SaveRule(rule); err != nil {
			log.Error().Err(err).Msg("persist rule evaluation time")
		}
	}

	window := rule.TimeWindow()
	past, err := e.source.MetricSeries(ctx, rule.Chart, rule.LastEvaluatedAt.Add(-window), rule.LastEvaluatedAt)
	if err != nil {
		if errors.Is(err, analytics.ErrChartNotFound) {
			log.Warn().Msg("backing chart deleted, removing rule")
			if err := e.store.DeleteRule(rule.ID); err != nil {
				log.Error().Err(err).Msg("delete orphaned rule")
			}
			return
		}
		log.Error().Err(err).Msg("compute past window")
		advance()
		return
	}

	current, err := e.source.MetricSeries(ctx, rule.Chart, rule.LastEvaluatedAt, now)
	if err != nil {
		if errors.Is(err, analytics.ErrChartNotFound) {
			log.Warn().Msg("backing chart deleted, removing rule")
			if err := e.store.DeleteRule(rule.ID); err != nil {
				log.Error().Err(err).Msg("delete orphaned rule")
			}
			return
		}
		log.Error().Err(err).Msg("compute current window")
		advance()
		return
	}

	breaches := matchRule(rule, past, current)
	advance()

	if len(breaches) == 0 {
		return
	}

	metrics.AlertsFired.Inc()
	payload := buildPayload(rule, breaches, e.cfg.Environment, now)
	results := notify.Dispatch(ctx, e.channels, payload)
	for _, res := range results {
		if res.Err != nil {
			log.Warn().Str("channel", res.Channel).Err(res.Err).Msg("channel dispatch failed")
		}
	}
	log.Info().Int("channels", len(results)).Str("metric", rule.Chart.Metric).Msg("alert fired")
}

// matchRule applies the threshold condition. With observedField set to
// anyMetric it scans every series element and fires on the first match;
// otherwise only the named element is evaluated.
func matchRule(rule *models.AlertRule, past, current []analytics.MetricPoint) []notify.MetricChange {
	pastByName := make(map[string]float64, len(past))
	for _, p := range past {
		pastByName[p.Name] = p.Value
	}

	for _, cur := range current {
		if rule.ObservedField != models.ObservedFieldAny && cur.Name != rule.ObservedField {
			continue
		}
		prev, hadPast := pastByName[cur.Name]
		if fired, pct := breach(rule.ThresholdCondition, rule.ThresholdValue, prev, cur.Value); fired {
			return []notify.MetricChange{buildChange(cur.Name, prev, hadPast, cur.Value, pct)}
		}
		if rule.ObservedField != models.ObservedFieldAny {
			break
		}
	}
	return nil
}

// breach decides whether one element fires. The returned percent change is
// nil when undefined (non-percent conditions, or a zero past value).
func breach(cond models.ThresholdCondition, threshold, past, current float64) (bool, *float64) {
	switch cond {
	case models.ConditionShouldBeAbove:
		return current <= threshold, nil
	case models.ConditionShouldBeBelow:
		return current >= threshold, nil
	case models.ConditionPercentChange:
		if past == 0 {
			// Division-by-zero special case: something appeared out of
			// nothing, which a positive percent threshold always counts
			// as a breach.
			return current > 0 && threshold > 0, nil
		}
		pct := math.Abs(current-past) / past * 100
		signed := (current - past) / past * 100
		return pct >= threshold, &signed
	default:
		return false, nil
	}
}

func buildChange(name string, past float64, hadPast bool, current float64, pct *float64) notify.MetricChange {
	change := notify.MetricChange{Name: name, New: current, PercentChange: pct, Trend: notify.TrendFlat}
	if hadPast {
		old := past
		delta := current - past
		change.Old = &old
		change.Change = &delta
	}
	switch {
	case current > past:
		change.Trend = notify.TrendUp
	case current < past:
		change.Trend = notify.TrendDown
	}
	return change
}

func buildPayload(rule *models.AlertRule, breaches []notify.MetricChange, environment string, now time.Time) notify.Payload {
	title := rule.Name
	if title == "" {
		title = fmt.Sprintf("Alert on %s", rule.Chart.Metric)
	}
	return notify.Payload{
		ID:          uuid.NewString(),
		Title:       title,
		Description: describeCondition(rule),
		Metrics:     breaches,
		StudioID:    rule.Chart.StudioID,
		Branch:      rule.Chart.Branch,
		Environment: environment,
		At:          now,
	}
}

func describeCondition(rule *models.AlertRule) string {
	switch rule.ThresholdCondition {
	case models.ConditionShouldBeAbove:
		return fmt.Sprintf("%s dropped to or below %g over the last %d minutes", rule.Chart.Metric, rule.ThresholdValue, rule.TimeWindowMinutes)
	case models.ConditionShouldBeBelow:
		return fmt.Sprintf("%s rose to or above %g over the last %d minutes", rule.Chart.Metric, rule.ThresholdValue, rule.TimeWindowMinutes)
	case models.ConditionPercentChange:
		return fmt.Sprintf("%s changed by %g%% or more over the last %d minutes", rule.Chart.Metric, rule.ThresholdValue, rule.TimeWindowMinutes)
	default:
		return ""
	}
}
