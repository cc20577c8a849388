package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Router is an optional road-distance provider.
type Router interface {
	DistanceMeters(ctx context.Context, fromLat, fromLng, toLat, toLng float64) (float64, error)
}

var errNoRoute = errors.New("routing: no route in response")

// HTTPRouter queries a directions endpoint shaped like the common
// routes[].legs[].distance.value response.
type HTTPRouter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPRouter(baseURL, apiKey string, timeout time.Duration) *HTTPRouter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRouter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type directionsResponse struct {
	Status string `json:"status"`
	Routes []struct {
		Legs []struct {
			Distance struct {
				Value float64 `json:"value"`
			} `json:"distance"`
		} `json:"legs"`
	} `json:"routes"`
}

func (r *HTTPRouter) DistanceMeters(ctx context.Context, fromLat, fromLng, toLat, toLng float64) (float64, error) {
	q := url.Values{}
	q.Set("origin", latLng(fromLat, fromLng))
	q.Set("destination", latLng(toLat, toLng))
	if r.apiKey != "" {
		q.Set("key", r.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("routing: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("routing: status %d", resp.StatusCode)
	}
	var body directionsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return 0, fmt.Errorf("routing: decode: %w", err)
	}
	if body.Status != "" && body.Status != "OK" {
		return 0, fmt.Errorf("routing: status %s", body.Status)
	}
	if len(body.Routes) == 0 || len(body.Routes[0].Legs) == 0 {
		return 0, errNoRoute
	}
	var total float64
	for _, leg := range body.Routes[0].Legs {
		total += leg.Distance.Value
	}
	if total <= 0 {
		return 0, errNoRoute
	}
	return total, nil
}

func latLng(lat, lng float64) string {
	return strconv.FormatFloat(lat, 'f', 6, 64) + "," + strconv.FormatFloat(lng, 'f', 6, 64)
}
