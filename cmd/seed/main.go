package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"ambulance/internal/app"
	"ambulance/internal/config"
	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
)

var ambulanceTypes = []string{"basic", "advanced", "icu"}

// Seed script: registers a small fleet around a point plus admin, user and
// driver identities for local testing.
func main() {
	configPath := flag.String("config", "", "path to the YAML config")
	drivers := flag.Int("drivers", 3, "number of driver/ambulance pairs")
	lat := flag.Float64("lat", -6.2088, "fleet centre latitude")
	lon := flag.Float64("lon", 106.8456, "fleet centre longitude")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("ambulance-seed", "INFO", false).Fatal(logger.Entry{Action: "seed", Message: "config load failed", Error: logger.Err(err)})
	}
	log := logger.New("ambulance-seed", cfg.Log.Level, cfg.Log.Pretty)
	if cfg.Database.URL == "" {
		log.Fatal(logger.Entry{Action: "seed", Message: "seeding needs DATABASE_URL", Error: logger.Err(app.ErrNoDatabase)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal(logger.Entry{Action: "seed", Message: "wiring failed", Error: logger.Err(err)})
	}
	defer a.Close()

	var driverIDs []string
	for i := 1; i <= *drivers; i++ {
		amb, err := a.Fleet.RegisterAmbulance(ctx, dispatch.Ambulance{
			ID:          fmt.Sprintf("amb-%02d", i),
			PlateNumber: fmt.Sprintf("B %04d AMB", 1000+i),
			Type:        ambulanceTypes[(i-1)%len(ambulanceTypes)],
		})
		if err != nil {
			log.Fatal(logger.Entry{Action: "seed", Message: "register ambulance failed", Error: logger.Err(err)})
		}
		d, err := a.Fleet.RegisterDriver(ctx, dispatch.Driver{
			ID:     fmt.Sprintf("drv-%02d", i),
			Name:   fmt.Sprintf("Driver %d", i),
			Phone:  fmt.Sprintf("08120000%04d", i),
			Rating: 4.5,
		})
		if err != nil {
			log.Fatal(logger.Entry{Action: "seed", Message: "register driver failed", Error: logger.Err(err)})
		}
		if err := a.Fleet.AssignAmbulance(ctx, d.ID, amb.ID); err != nil {
			log.Fatal(logger.Entry{Action: "seed", Message: "pair driver and ambulance failed", Error: logger.Err(err)})
		}
		// spread drivers roughly a kilometre apart
		offset := float64(i) * 0.009
		if _, err := a.Fleet.UpdateLocation(ctx, d.ID, dispatch.Coordinate{Latitude: *lat + offset, Longitude: *lon - offset, Accuracy: 5}); err != nil {
			log.Fatal(logger.Entry{Action: "seed", Message: "driver location failed", Error: logger.Err(err)})
		}
		driverIDs = append(driverIDs, d.ID)
		fmt.Printf("driver %s on %s (%s)\n", d.ID, amb.ID, amb.Type)
	}

	if a.Auth == nil {
		fmt.Println("auth is off, no identities issued")
		return
	}
	issued := []dispatch.Identity{}
	for _, req := range []struct {
		id   string
		role dispatch.IdentityRole
	}{{"admin-1", dispatch.RoleAdmin}, {"user-1", dispatch.RoleUser}} {
		ident, err := a.Auth.RegisterID(ctx, req.id, req.role)
		if err != nil {
			log.Fatal(logger.Entry{Action: "seed", Message: "issue identity failed", Error: logger.Err(err)})
		}
		issued = append(issued, ident)
	}
	for _, id := range driverIDs {
		ident, err := a.Auth.RegisterID(ctx, id, dispatch.RoleDriver)
		if err != nil {
			log.Fatal(logger.Entry{Action: "seed", Message: "issue identity failed", Error: logger.Err(err)})
		}
		issued = append(issued, ident)
	}
	for _, ident := range issued {
		expires := "never"
		if ident.ExpiresAt != nil {
			expires = ident.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%s: id=%s token=%s expires=%s\n", ident.Role, ident.ID, ident.Token, expires)
	}
}
