package alerts

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveops/pkg/models"
)

func newTestStore(t *testing.T) *RuleStore {
	t.Helper()
	store, err := NewRuleStore(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRuleStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	rule := &models.AlertRule{
		Name:               "revenue floor",
		Chart:              models.ChartRef{ID: "chart-9", StudioID: "studio", Branch: "main", Metric: "revenue"},
		ThresholdValue:     500,
		ThresholdCondition: models.ConditionShouldBeAbove,
		ObservedField:      "revenue",
		TimeWindowMinutes:  30,
		LastEvaluatedAt:    time.Date(2026, 4, 1, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveRule(rule))
	require.NotEmpty(t, rule.ID, "save assigns an id when missing")

	got, err := store.GetRule(rule.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, rule.Chart, got.Chart)
	assert.Equal(t, rule.ThresholdCondition, got.ThresholdCondition)
	assert.True(t, got.LastEvaluatedAt.Equal(rule.LastEvaluatedAt))
}

func TestRuleStoreUpdateKeepsID(t *testing.T) {
	store := newTestStore(t)

	rule := &models.AlertRule{Chart: models.ChartRef{Metric: "dau"}, TimeWindowMinutes: 60}
	require.NoError(t, store.SaveRule(rule))
	id := rule.ID

	rule.LastEvaluatedAt = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRule(rule))
	assert.Equal(t, id, rule.ID)

	rules, err := store.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].LastEvaluatedAt.Equal(rule.LastEvaluatedAt))
}

func TestRuleStoreListAndDelete(t *testing.T) {
	store := newTestStore(t)

	for _, metric := range []string{"dau", "sessions", "crashes"} {
		require.NoError(t, store.SaveRule(&models.AlertRule{
			Chart:             models.ChartRef{Metric: metric},
			TimeWindowMinutes: 15,
		}))
	}

	rules, err := store.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 3)

	require.NoError(t, store.DeleteRule(rules[0].ID))
	rules, err = store.ListRules()
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	missing, err := store.GetRule("no-such-rule")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
