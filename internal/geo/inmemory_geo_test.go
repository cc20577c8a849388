package geo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryNearbyOrdersAndLimits(t *testing.T) {
	ctx := context.Background()
	g := NewInMemoryGeo()
	require.NoError(t, g.Add(ctx, "far", -6.30, 106.80))
	require.NoError(t, g.Add(ctx, "near", -6.201, 106.80))
	require.NoError(t, g.Add(ctx, "mid", -6.25, 106.80))
	require.NoError(t, g.Add(ctx, "outside", -7.5, 106.80))

	hits, err := g.Nearby(ctx, -6.2, 106.8, 15, 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"near", "mid", "far"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})

	hits, err = g.Nearby(ctx, -6.2, 106.8, 15, 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	require.NoError(t, g.Remove(ctx, "near"))
	hits, err = g.Nearby(ctx, -6.2, 106.8, 15, 1)
	require.NoError(t, err)
	assert.Equal(t, "mid", hits[0].ID)
}

func TestInMemoryPrune(t *testing.T) {
	ctx := context.Background()
	g := NewInMemoryGeo()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	g.now = func() time.Time { return base }
	require.NoError(t, g.Add(ctx, "old", -6.2, 106.8))
	g.now = func() time.Time { return base.Add(10 * time.Minute) }
	require.NoError(t, g.Add(ctx, "fresh", -6.2, 106.8))

	n, err := g.PruneOlderThan(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	hits, err := g.Nearby(ctx, -6.2, 106.8, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "fresh", hits[0].ID)
}
