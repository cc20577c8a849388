package matching

import (
	"math"

	"ambulance/internal/dispatch"
)

// Weights of the non-emergency score.
const (
	weightDistance   = 0.5
	weightRating     = 0.3
	weightExperience = 0.2

	experienceCap = 100.0
)

// Score rates a candidate for non-emergency bookings. Higher is better.
func Score(c dispatch.Candidate) float64 {
	rating := math.Max(0, math.Min(5, c.Driver.Rating))
	experience := math.Min(1, float64(c.Driver.CompletedBookings)/experienceCap)
	return weightDistance*(1/(1+c.DistanceKm)) + weightRating*(rating/5) + weightExperience*experience
}

// Select picks from candidates sorted by distance. Emergencies take the
// nearest; everything else takes the best score, ties going to the nearer
// driver and then the lower driver id.
func Select(b dispatch.Booking, candidates []dispatch.Candidate) (dispatch.Candidate, bool) {
	if len(candidates) == 0 {
		return dispatch.Candidate{}, false
	}
	if b.Type == dispatch.TypeEmergency {
		return nearest(candidates), true
	}
	best := candidates[0]
	bestScore := Score(best)
	for _, c := range candidates[1:] {
		s := Score(c)
		if s > bestScore || (s == bestScore && closer(c, best)) {
			best, bestScore = c, s
		}
	}
	return best, true
}

func nearest(candidates []dispatch.Candidate) dispatch.Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if closer(c, best) {
			best = c
		}
	}
	return best
}

func closer(a, b dispatch.Candidate) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.Driver.ID < b.Driver.ID
}
