package fleet

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambulance/internal/dispatch"
	"ambulance/internal/geo"
	"ambulance/internal/storage"
)

func newFleet(t *testing.T, locator geo.Locator) (*Service, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	return New(store, locator, 0, nil), store
}

func pair(t *testing.T, s *Service, driverID, ambulanceID string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.RegisterDriver(ctx, dispatch.Driver{ID: driverID, Name: driverID, Rating: 4})
	require.NoError(t, err)
	_, err = s.RegisterAmbulance(ctx, dispatch.Ambulance{ID: ambulanceID, PlateNumber: "B " + ambulanceID, Type: "basic"})
	require.NoError(t, err)
	require.NoError(t, s.AssignAmbulance(ctx, driverID, ambulanceID))
}

func bind(t *testing.T, store *storage.Memory, kind dispatch.ResourceKind, id, bookingID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx dispatch.Tx) error {
		ok, err := tx.Claim(ctx, kind, id, bookingID)
		require.True(t, ok)
		return err
	}))
}

func TestTraveledKmSumsTrackInsideWindow(t *testing.T) {
	s, store := newFleet(t, nil)
	ctx := context.Background()
	_, err := s.RegisterDriver(ctx, dispatch.Driver{ID: "drv-1", Name: "Budi"})
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	points := []dispatch.Coordinate{
		{Latitude: -6.20, Longitude: 106.83, At: start},
		{Latitude: -6.21, Longitude: 106.83, At: start.Add(time.Minute)},
		{Latitude: -6.21, Longitude: 106.84, At: start.Add(2 * time.Minute)},
		{Latitude: -6.30, Longitude: 106.90, At: start.Add(time.Hour)},
	}
	for _, p := range points {
		require.NoError(t, store.RecordDriverLocation(ctx, "drv-1", p))
	}

	km, ok := s.TraveledKm(ctx, "drv-1", start, start.Add(10*time.Minute))
	require.True(t, ok)
	want := geo.HaversineKm(-6.20, 106.83, -6.21, 106.83) + geo.HaversineKm(-6.21, 106.83, -6.21, 106.84)
	assert.InDelta(t, want, km, 1e-9)

	_, ok = s.TraveledKm(ctx, "drv-1", start.Add(30*time.Second), start.Add(90*time.Second))
	assert.False(t, ok, "a single point is no track")
	_, ok = s.TraveledKm(ctx, "", start, start.Add(time.Hour))
	assert.False(t, ok)
}

func TestAssignAmbulanceUnlinksPreviousPairs(t *testing.T) {
	s, store := newFleet(t, nil)
	ctx := context.Background()
	pair(t, s, "drv-1", "amb-1")
	pair(t, s, "drv-2", "amb-2")

	require.NoError(t, s.AssignAmbulance(ctx, "drv-1", "amb-2"))

	d1, err := store.GetDriver(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, "amb-2", d1.AmbulanceID)
	d2, err := store.GetDriver(ctx, "drv-2")
	require.NoError(t, err)
	assert.Empty(t, d2.AmbulanceID, "the ambulance's old driver is unlinked")
	a1, err := store.GetAmbulance(ctx, "amb-1")
	require.NoError(t, err)
	assert.Empty(t, a1.DriverID, "the driver's old ambulance is unlinked")
	a2, err := store.GetAmbulance(ctx, "amb-2")
	require.NoError(t, err)
	assert.Equal(t, "drv-1", a2.DriverID)
}

func TestAssignAmbulanceRefusals(t *testing.T) {
	s, store := newFleet(t, nil)
	ctx := context.Background()
	pair(t, s, "drv-1", "amb-1")
	pair(t, s, "drv-2", "amb-2")
	_, err := s.RegisterAmbulance(ctx, dispatch.Ambulance{ID: "amb-3", PlateNumber: "B 3", Type: "icu"})
	require.NoError(t, err)

	_, err = s.SetMaintenance(ctx, "amb-3", true)
	require.NoError(t, err)
	err = s.AssignAmbulance(ctx, "drv-1", "amb-3")
	assert.ErrorIs(t, err, dispatch.ErrInvalidOperation)

	// drv-2 is out on a booking, so amb-2 cannot be taken from them
	bind(t, store, dispatch.ResourceDriver, "drv-2", "bk-1")
	err = s.AssignAmbulance(ctx, "drv-1", "amb-2")
	assert.ErrorIs(t, err, dispatch.ErrResourceTaken)
	a1, err := store.GetAmbulance(ctx, "amb-1")
	require.NoError(t, err)
	assert.Equal(t, "drv-1", a1.DriverID, "a refused pairing changes nothing")

	err = s.AssignAmbulance(ctx, "drv-2", "amb-1")
	assert.ErrorIs(t, err, dispatch.ErrResourceTaken)

	err = s.AssignAmbulance(ctx, "drv-9", "amb-1")
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func TestSetMaintenance(t *testing.T) {
	s, store := newFleet(t, nil)
	ctx := context.Background()
	pair(t, s, "drv-1", "amb-1")

	a, err := s.SetMaintenance(ctx, "amb-1", true)
	require.NoError(t, err)
	assert.True(t, a.Maintenance)
	a, err = s.SetMaintenance(ctx, "amb-1", false)
	require.NoError(t, err)
	assert.False(t, a.Maintenance)

	bind(t, store, dispatch.ResourceAmbulance, "amb-1", "bk-1")
	_, err = s.SetMaintenance(ctx, "amb-1", true)
	assert.ErrorIs(t, err, dispatch.ErrInvalidOperation)
	a, err = s.SetMaintenance(ctx, "amb-1", false)
	require.NoError(t, err, "leaving maintenance is always allowed")
	assert.False(t, a.Maintenance)

	_, err = s.SetMaintenance(ctx, "amb-9", true)
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func TestAvailableScansStoreWhenPrefilterIsShort(t *testing.T) {
	locator := geo.NewInMemoryGeo()
	s, store := newFleet(t, locator)
	ctx := context.Background()

	// the four nearest drivers are busy and fill the whole prefilter window
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("drv-%d", i)
		pair(t, s, id, fmt.Sprintf("amb-%d", i))
		_, err := s.UpdateLocation(ctx, id, dispatch.Coordinate{Latitude: -6.200 - float64(i)*0.001, Longitude: 106.83})
		require.NoError(t, err)
		bind(t, store, dispatch.ResourceDriver, id, "bk-"+id)
	}
	pair(t, s, "drv-far", "amb-far")
	_, err := s.UpdateLocation(ctx, "drv-far", dispatch.Coordinate{Latitude: -6.25, Longitude: 106.83})
	require.NoError(t, err)

	got, err := s.Available(ctx, dispatch.CandidateQuery{
		Pickup:   dispatch.Coordinate{Latitude: -6.20, Longitude: 106.83},
		RadiusKm: 20,
		Limit:    1,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "drv-far", got[0].Driver.ID)
}

func TestAvailableUsesPrefilterWhenItSuffices(t *testing.T) {
	locator := geo.NewInMemoryGeo()
	s, _ := newFleet(t, locator)
	ctx := context.Background()
	pair(t, s, "drv-1", "amb-1")
	_, err := s.UpdateLocation(ctx, "drv-1", dispatch.Coordinate{Latitude: -6.201, Longitude: 106.83})
	require.NoError(t, err)
	pair(t, s, "drv-2", "amb-2")
	_, err = s.UpdateLocation(ctx, "drv-2", dispatch.Coordinate{Latitude: -6.21, Longitude: 106.83})
	require.NoError(t, err)

	got, err := s.Available(ctx, dispatch.CandidateQuery{
		Pickup:   dispatch.Coordinate{Latitude: -6.20, Longitude: 106.83},
		RadiusKm: 20,
		Limit:    2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "drv-1", got[0].Driver.ID)
	assert.Equal(t, "drv-2", got[1].Driver.ID)
}
