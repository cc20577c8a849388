package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineSymmetricAndZero(t *testing.T) {
	a := [2]float64{-6.2, 106.8}
	b := [2]float64{-6.9175, 107.6191}

	assert.Equal(t, HaversineKm(a[0], a[1], b[0], b[1]), HaversineKm(b[0], b[1], a[0], a[1]))
	assert.Equal(t, 0.0, HaversineKm(a[0], a[1], a[0], a[1]))
}

func TestHaversineKnownDistance(t *testing.T) {
	d := HaversineKm(-6.21, 106.84, -6.20, 106.83)
	assert.InDelta(t, 1.57, d, 0.01)
	assert.Equal(t, d, round2(d))
}

func TestETAMinutes(t *testing.T) {
	cases := []struct {
		name  string
		km    float64
		speed float64
		want  int
	}{
		{"floor applies", 1.57, 40, 5},
		{"zero distance", 0, 40, 5},
		{"rounds up", 10.01, 40, 16},
		{"exact", 20, 40, 30},
		{"default speed", 20, 0, 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ETAMinutes(tc.km, tc.speed))
		})
	}
}

func TestRoadEstimateKm(t *testing.T) {
	assert.Equal(t, 13.0, RoadEstimateKm(10))
	assert.Equal(t, 0.0, RoadEstimateKm(0))
}

type routerFunc func(ctx context.Context) (float64, error)

func (f routerFunc) DistanceMeters(ctx context.Context, _, _, _, _ float64) (float64, error) {
	return f(ctx)
}

func TestEstimatorFallsBack(t *testing.T) {
	direct := HaversineKm(-6.2, 106.8, -6.3, 106.9)

	t.Run("no router", func(t *testing.T) {
		assert.Equal(t, RoadEstimateKm(direct), NewEstimator(nil).RoadKm(context.Background(), -6.2, 106.8, -6.3, 106.9))
	})
	t.Run("router error", func(t *testing.T) {
		e := NewEstimator(routerFunc(func(context.Context) (float64, error) { return 0, errors.New("boom") }))
		assert.Equal(t, RoadEstimateKm(direct), e.RoadKm(context.Background(), -6.2, 106.8, -6.3, 106.9))
	})
	t.Run("router result", func(t *testing.T) {
		e := NewEstimator(routerFunc(func(context.Context) (float64, error) { return 21340, nil }))
		assert.Equal(t, 21.34, e.RoadKm(context.Background(), -6.2, 106.8, -6.3, 106.9))
	})
}

func TestHTTPRouter(t *testing.T) {
	t.Run("sums legs", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "-6.200000,106.800000", r.URL.Query().Get("origin"))
			_, _ = w.Write([]byte(`{"status":"OK","routes":[{"legs":[{"distance":{"value":1200}},{"distance":{"value":800}}]}]}`))
		}))
		defer srv.Close()

		m, err := NewHTTPRouter(srv.URL, "k", time.Second).DistanceMeters(context.Background(), -6.2, 106.8, -6.3, 106.9)
		require.NoError(t, err)
		assert.Equal(t, 2000.0, m)
	})

	t.Run("non 2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := NewHTTPRouter(srv.URL, "", time.Second).DistanceMeters(context.Background(), 0, 0, 1, 1)
		assert.Error(t, err)
	})

	t.Run("malformed payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"routes":`))
		}))
		defer srv.Close()

		e := NewEstimator(NewHTTPRouter(srv.URL, "", time.Second))
		assert.Equal(t, RoadEstimateKm(HaversineKm(0, 0, 1, 1)), e.RoadKm(context.Background(), 0, 0, 1, 1))
	})
}

func TestBoundingBoxContainsRadius(t *testing.T) {
	box := BoundingBox(-6.2, 106.8, 15)
	assert.Less(t, box.MinLat, -6.2)
	assert.Greater(t, box.MaxLat, -6.2)
	assert.InDelta(t, 15, HaversineKm(-6.2, 106.8, box.MaxLat, 106.8), 0.05)
}
