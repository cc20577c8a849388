// Command heartbeat moves one or more drivers from a start point towards a
// destination, posting each position to the location endpoint. The history it
// leaves behind is what traveled-distance pricing reads.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"ambulance/internal/dispatch"
	"ambulance/internal/geo"
	"ambulance/internal/logger"
)

type route struct {
	fromLat, fromLng float64
	toLat, toLng     float64
	steps            int
}

// at returns the position after step i of the route, linearly interpolated.
func (r route) at(i int) (float64, float64) {
	f := float64(i) / float64(r.steps)
	return r.fromLat + (r.toLat-r.fromLat)*f, r.fromLng + (r.toLng-r.fromLng)*f
}

func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	drivers := flag.String("drivers", "drv-01", "comma separated driver ids")
	tokens := flag.String("tokens", "", "comma separated bearer tokens, same order as -drivers")
	fromLat := flag.Float64("lat", -6.2088, "start latitude")
	fromLng := flag.Float64("lon", 106.8456, "start longitude")
	toLat := flag.Float64("dest-lat", -6.1754, "destination latitude")
	toLng := flag.Float64("dest-lon", 106.8272, "destination longitude")
	steps := flag.Int("steps", 20, "positions sent per driver")
	interval := flag.Duration("interval", 3*time.Second, "pause between positions")
	accuracy := flag.Float64("accuracy", 5, "reported gps accuracy in meters")
	flag.Parse()

	log := logger.New("ambulance-heartbeat", "INFO", false)
	ids := splitList(*drivers)
	toks := splitList(*tokens)
	if len(ids) == 0 || *steps < 1 {
		log.Fatal(logger.Entry{Action: "heartbeat", Message: "need at least one driver and one step"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r := route{fromLat: *fromLat, fromLng: *fromLng, toLat: *toLat, toLng: *toLng, steps: *steps}
	client := &http.Client{Timeout: 5 * time.Second}
	var wg sync.WaitGroup
	for n, id := range ids {
		token := ""
		if n < len(toks) {
			token = toks[n]
		}
		wg.Add(1)
		go func(id, token string) {
			defer wg.Done()
			drive(ctx, log, client, *api, id, token, r, *interval, *accuracy)
		}(id, token)
	}
	wg.Wait()
}

func drive(ctx context.Context, log *logger.Logger, client *http.Client, api, driverID, token string, r route, every time.Duration, accuracy float64) {
	var covered float64
	prevLat, prevLng := r.at(0)
	for i := 0; i <= r.steps; i++ {
		lat, lng := r.at(i)
		covered += geo.HaversineKm(prevLat, prevLng, lat, lng)
		prevLat, prevLng = lat, lng

		err := post(ctx, client, api, driverID, token, dispatch.Coordinate{Latitude: lat, Longitude: lng, Accuracy: accuracy, At: time.Now()})
		entry := logger.Entry{Action: "heartbeat", Additional: map[string]any{
			"driver_id": driverID, "step": i, "covered_km": fmt.Sprintf("%.2f", covered),
		}}
		if err != nil {
			entry.Message, entry.Error = "heartbeat failed", logger.Err(err)
			log.Warn(entry)
		} else {
			entry.Message = "heartbeat sent"
			log.Info(entry)
		}
		if i == r.steps {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
		}
	}
}

func post(ctx context.Context, client *http.Client, api, driverID, token string, pos dispatch.Coordinate) error {
	body, err := json.Marshal(map[string]any{
		"latitude":  pos.Latitude,
		"longitude": pos.Longitude,
		"accuracy":  pos.Accuracy,
		"timestamp": pos.At.UnixMilli(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api+"/api/drivers/"+driverID+"/location", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
