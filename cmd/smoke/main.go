// Command smoke walks one standard booking through the running API: a user
// books, a driver accepts and drives it to completion while the booking
// websocket is watched for the matching frames. Tokens come from cmd/seed output.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
)

var log = logger.New("ambulance-smoke", "INFO", false)

func main() {
	api := envOrDefault("API_BASE", "http://localhost:8080")
	wsBase := envOrDefault("WS_BASE", "ws://localhost:8080")
	userToken := os.Getenv("USER_TOKEN")
	driverToken := os.Getenv("DRIVER_TOKEN")
	driverID := envOrDefault("DRIVER_ID", "drv-01")
	if userToken == "" || driverToken == "" {
		fail("tokens missing", fmt.Errorf("set USER_TOKEN and DRIVER_TOKEN from cmd/seed output"))
	}

	step("sending driver heartbeat")
	if _, err := call(http.MethodPost, api+"/api/drivers/"+driverID+"/location", driverToken, map[string]any{
		"latitude":  -6.2088,
		"longitude": 106.8456,
		"accuracy":  5,
		"timestamp": time.Now().UnixMilli(),
	}); err != nil {
		fail("heartbeat failed", err)
	}

	step("creating booking")
	var created struct {
		Booking dispatch.Booking `json:"booking"`
	}
	raw, err := call(http.MethodPost, api+"/api/bookings", userToken, map[string]any{
		"type":               "standard",
		"patientName":        "Smoke Patient",
		"contactName":        "Smoke Contact",
		"contactPhone":       "081200001111",
		"pickupAddress":      "Jl. Thamrin 1, Jakarta",
		"destinationAddress": "RSCM, Jakarta",
		"pickupLat":          -6.2000,
		"pickupLng":          106.8230,
		"destinationLat":     -6.1970,
		"destinationLng":     106.8470,
	})
	if err != nil {
		fail("create booking failed", err)
	}
	if err := json.Unmarshal(raw, &created); err != nil || created.Booking.ID == "" {
		fail("booking id missing", fmt.Errorf("response %s", raw))
	}
	bookingID := created.Booking.ID
	step("booking " + bookingID)

	frames := make(chan dispatch.StreamFrame, 16)
	go subscribe(wsBase, bookingID, userToken, frames)
	// give the dialer a moment before events start flowing
	time.Sleep(300 * time.Millisecond)

	step("driver accepting")
	raw, err = call(http.MethodPost, api+"/api/bookings/"+bookingID+"/accept", driverToken, nil)
	if err != nil {
		fail("accept failed", err)
	}
	var accepted dispatch.Booking
	if err := json.Unmarshal(raw, &accepted); err != nil {
		fail("accept response unreadable", err)
	}
	waitFor(frames, string(dispatch.EventDriverAssigned))

	path := []dispatch.BookingStatus{dispatch.StatusDispatched, dispatch.StatusArrived, dispatch.StatusInProgress, dispatch.StatusCompleted}
	if accepted.Status == dispatch.StatusPending {
		path = append([]dispatch.BookingStatus{dispatch.StatusConfirmed}, path...)
	}
	for _, status := range path {
		step("moving to " + string(status))
		if _, err := call(http.MethodPost, api+"/api/bookings/"+bookingID+"/status", driverToken, map[string]any{
			"status": status,
		}); err != nil {
			fail("status update failed", err)
		}
		waitFor(frames, string(dispatch.EventBookingStatusUpdated))
	}
	step("smoke test complete")
}

func call(method, target, token string, payload any) ([]byte, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(method, target, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %s: %s", resp.Status, bytes.TrimSpace(out.Bytes()))
	}
	return out.Bytes(), nil
}

func subscribe(base, bookingID, token string, sink chan<- dispatch.StreamFrame) {
	parsed, err := url.Parse(fmt.Sprintf("%s/ws/bookings/%s", base, bookingID))
	if err != nil {
		fail("bad websocket url", err)
	}
	q := parsed.Query()
	q.Set("token", token)
	parsed.RawQuery = q.Encode()

	c, _, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
	if err != nil {
		log.Warn(logger.Entry{Action: "smoke", Message: "ws dial failed", Error: logger.Err(err)})
		return
	}
	defer c.Close()
	for {
		var frame dispatch.StreamFrame
		if err := c.ReadJSON(&frame); err != nil {
			return
		}
		sink <- frame
	}
}

func waitFor(frames <-chan dispatch.StreamFrame, kind string) {
	timeout := time.After(8 * time.Second)
	for {
		select {
		case f := <-frames:
			log.Info(logger.Entry{Action: "smoke", Message: "ws frame", Additional: map[string]any{"type": f.Type}})
			if f.Type == kind {
				return
			}
		case <-timeout:
			fail("websocket frame not received", fmt.Errorf("expected %q", kind))
		}
	}
}

func step(msg string) {
	log.Info(logger.Entry{Action: "smoke", Message: msg})
}

func fail(msg string, err error) {
	log.Fatal(logger.Entry{Action: "smoke", Message: msg, Error: logger.Err(err)})
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
