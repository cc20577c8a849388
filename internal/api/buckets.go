package api

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// DefaultLatencyBuckets are upper bounds in seconds.
var DefaultLatencyBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5}

// bucketCounter accumulates counts for latency buckets.
type bucketCounter struct {
	mu      sync.Mutex
	buckets map[float64]int64
}

func newBucketCounter(bounds []float64) *bucketCounter {
	buckets := make(map[float64]int64, len(bounds))
	for _, le := range bounds {
		buckets[le] = 0
	}
	return &bucketCounter{buckets: buckets}
}

func (c *bucketCounter) observe(d time.Duration) {
	secs := d.Seconds()
	c.mu.Lock()
	defer c.mu.Unlock()
	for le := range c.buckets {
		if secs <= le {
			c.buckets[le]++
		}
	}
}

func (c *bucketCounter) snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.buckets))
	for k, v := range c.buckets {
		out["le_"+strconv.FormatFloat(k, 'f', -1, 64)] = v
	}
	return out
}

// Metrics counts requests per route and status class, with one latency
// histogram per route.
type Metrics struct {
	bounds []float64

	mu       sync.Mutex
	requests map[string]int64
	latency  map[string]*bucketCounter
}

func NewMetrics(bounds ...float64) *Metrics {
	if len(bounds) == 0 {
		bounds = DefaultLatencyBuckets
	}
	return &Metrics{bounds: bounds, requests: make(map[string]int64), latency: make(map[string]*bucketCounter)}
}

func (m *Metrics) Observe(route string, status int, d time.Duration) {
	m.mu.Lock()
	m.requests[fmt.Sprintf("%s %dxx", route, status/100)]++
	bc, ok := m.latency[route]
	if !ok {
		bc = newBucketCounter(m.bounds)
		m.latency[route] = bc
	}
	m.mu.Unlock()
	bc.observe(d)
}

type MetricsSnapshot struct {
	Requests map[string]int64            `json:"requests"`
	Latency  map[string]map[string]int64 `json:"latency"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	out := MetricsSnapshot{Requests: make(map[string]int64, len(m.requests)), Latency: make(map[string]map[string]int64, len(m.latency))}
	for k, v := range m.requests {
		out.Requests[k] = v
	}
	counters := make(map[string]*bucketCounter, len(m.latency))
	for k, v := range m.latency {
		counters[k] = v
	}
	m.mu.Unlock()
	for route, bc := range counters {
		out.Latency[route] = bc.snapshot()
	}
	return out
}
