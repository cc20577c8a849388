package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index wraps a Redis GEO set of driver positions plus a ZSET of last-seen times.
type Index struct {
	client  *redis.Client
	key     string
	seenKey string
}

func NewIndex(client *redis.Client) *Index {
	return &Index{client: client, key: "drivers:geo", seenKey: "drivers:geo:seen"}
}

// Add stores or moves a driver.
func (i *Index) Add(ctx context.Context, driverID string, lat, lng float64) error {
	pipe := i.client.TxPipeline()
	pipe.GeoAdd(ctx, i.key, &redis.GeoLocation{
		Name:      driverID,
		Longitude: lng,
		Latitude:  lat,
	})
	pipe.ZAdd(ctx, i.seenKey, redis.Z{Score: float64(time.Now().Unix()), Member: driverID})
	_, err := pipe.Exec(ctx)
	return err
}

func (i *Index) Remove(ctx context.Context, driverID string) error {
	pipe := i.client.TxPipeline()
	pipe.ZRem(ctx, i.key, driverID)
	pipe.ZRem(ctx, i.seenKey, driverID)
	_, err := pipe.Exec(ctx)
	return err
}

// PruneOlderThan removes drivers whose last update predates cutoff.
func (i *Index) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := i.client.ZRangeByScore(ctx, i.seenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + formatUnix(cutoff),
	}).Result()
	if err != nil || len(stale) == 0 {
		return 0, err
	}
	members := make([]interface{}, len(stale))
	for n, id := range stale {
		members[n] = id
	}
	pipe := i.client.TxPipeline()
	pipe.ZRem(ctx, i.key, members...)
	pipe.ZRem(ctx, i.seenKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (i *Index) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]Hit, error) {
	results, err := i.client.GeoSearchLocation(ctx, i.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.Name, DistanceKm: round2(r.Dist)})
	}
	return hits, nil
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
