package schema

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveops/internal/cache"
	"liveops/pkg/models"
)

func newTestService(t *testing.T, loader LoaderFunc) *Service {
	t.Helper()
	c := cache.New(cache.Config{}, nil)
	t.Cleanup(func() { c.Close() })
	return New(c, loader, time.Hour)
}

func economySchema() *models.EventSchema {
	return &models.EventSchema{
		StudioID:  "studio",
		Branch:    "main",
		EventType: "economyEvent",
		Fields: []models.SchemaField{
			{Name: "currency"},
			{Name: "legacy_price", Removed: true},
		},
	}
}

func TestLookupCachesLoaderResult(t *testing.T) {
	calls := 0
	svc := newTestService(t, func(_ context.Context, studioID, branch, eventType string) (*models.EventSchema, error) {
		calls++
		assert.Equal(t, "studio", studioID)
		assert.Equal(t, "main", branch)
		assert.Equal(t, "economyEvent", eventType)
		return economySchema(), nil
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sch, err := svc.Lookup(ctx, "studio", "main", "economyEvent")
		require.NoError(t, err)
		require.NotNil(t, sch)
		assert.Equal(t, "economyEvent", sch.EventType)
		assert.Contains(t, sch.RemovedFields(), "legacy_price")
	}
	assert.Equal(t, 1, calls)
}

func TestLookupUndeclaredTypeIsNotCached(t *testing.T) {
	calls := 0
	svc := newTestService(t, func(context.Context, string, string, string) (*models.EventSchema, error) {
		calls++
		return nil, nil
	})
	ctx := context.Background()

	sch, err := svc.Lookup(ctx, "studio", "main", "customThing")
	require.NoError(t, err)
	assert.Nil(t, sch)

	// Absence is not cached; the next lookup asks the source again.
	_, err = svc.Lookup(ctx, "studio", "main", "customThing")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestInvalidateForcesReload(t *testing.T) {
	calls := 0
	svc := newTestService(t, func(context.Context, string, string, string) (*models.EventSchema, error) {
		calls++
		return economySchema(), nil
	})
	ctx := context.Background()

	_, err := svc.Lookup(ctx, "studio", "main", "economyEvent")
	require.NoError(t, err)
	svc.Invalidate(ctx, "studio", "main", "economyEvent")
	_, err = svc.Lookup(ctx, "studio", "main", "economyEvent")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestLookupKeysAreTenantScoped(t *testing.T) {
	var seen []string
	svc := newTestService(t, func(_ context.Context, studioID, branch, eventType string) (*models.EventSchema, error) {
		seen = append(seen, studioID+"/"+branch+"/"+eventType)
		return economySchema(), nil
	})
	ctx := context.Background()

	_, _ = svc.Lookup(ctx, "studio-a", "main", "economyEvent")
	_, _ = svc.Lookup(ctx, "studio-b", "main", "economyEvent")
	_, _ = svc.Lookup(ctx, "studio-a", "develop", "economyEvent")

	assert.Equal(t, []string{
		"studio-a/main/economyEvent",
		"studio-b/main/economyEvent",
		"studio-a/develop/economyEvent",
	}, seen)
}

func TestLookupFuncDegradesErrorsToNil(t *testing.T) {
	svc := newTestService(t, func(context.Context, string, string, string) (*models.EventSchema, error) {
		return nil, errors.New("schema store down")
	})

	lookup := svc.LookupFunc(context.Background(), "studio", "main")
	assert.Nil(t, lookup("economyEvent"))
}

func TestLookupWrapsLoaderError(t *testing.T) {
	svc := newTestService(t, func(context.Context, string, string, string) (*models.EventSchema, error) {
		return nil, errors.New("boom")
	})

	_, err := svc.Lookup(context.Background(), "studio", "main", "economyEvent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load schema studio/main/economyEvent")
}
