package geo

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Hit is one driver found by a radius search.
type Hit struct {
	ID         string
	DistanceKm float64
}

// Locator indexes driver positions for radius searches.
type Locator interface {
	Add(ctx context.Context, driverID string, lat, lng float64) error
	Remove(ctx context.Context, driverID string) error
	// Nearby returns drivers inside radiusKm, nearest first, at most limit.
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]Hit, error)
}

type point struct {
	lat, lng float64
	seen     time.Time
}

// InMemoryGeo is the fallback index used when Redis is not configured.
type InMemoryGeo struct {
	mu     sync.RWMutex
	coords map[string]point
	now    func() time.Time
}

func NewInMemoryGeo() *InMemoryGeo {
	return &InMemoryGeo{coords: make(map[string]point), now: time.Now}
}

func (g *InMemoryGeo) Add(_ context.Context, driverID string, lat, lng float64) error {
	g.mu.Lock()
	g.coords[driverID] = point{lat: lat, lng: lng, seen: g.now()}
	g.mu.Unlock()
	return nil
}

func (g *InMemoryGeo) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	delete(g.coords, driverID)
	g.mu.Unlock()
	return nil
}

// PruneOlderThan drops positions not refreshed since cutoff and returns how many went.
func (g *InMemoryGeo) PruneOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, pt := range g.coords {
		if pt.seen.Before(cutoff) {
			delete(g.coords, id)
			n++
		}
	}
	return n, nil
}

func (g *InMemoryGeo) Nearby(_ context.Context, lat, lng, radiusKm float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.coords))
	for id, pt := range g.coords {
		d := HaversineKm(lat, lng, pt.lat, pt.lng)
		if d <= radiusKm {
			hits = append(hits, Hit{ID: id, DistanceKm: d})
		}
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm != hits[j].DistanceKm {
			return hits[i].DistanceKm < hits[j].DistanceKm
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
