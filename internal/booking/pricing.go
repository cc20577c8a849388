package booking

import (
	"fmt"
	"math"
	"time"

	"ambulance/internal/config"
	"ambulance/internal/dispatch"
)

// Pricing is the injected rate table.
type Pricing struct {
	BasePrices        map[dispatch.BookingType]float64
	PerKmRate         float64
	DownpaymentRatio  float64
	DownpaymentWindow time.Duration
	// FinalLeadTime is how long before the scheduled time the final payment is due.
	FinalLeadTime time.Duration
}

func PricingFrom(c config.PricingConfig) Pricing {
	p := Pricing{
		BasePrices:        make(map[dispatch.BookingType]float64, len(c.BasePrices)),
		PerKmRate:         c.PerKmRate,
		DownpaymentRatio:  c.DownpaymentRatio,
		DownpaymentWindow: c.DownpaymentWindow,
		FinalLeadTime:     c.FinalLeadTime,
	}
	for k, v := range c.BasePrices {
		p.BasePrices[dispatch.BookingType(k)] = v
	}
	return p
}

func DefaultPricing() Pricing {
	return PricingFrom(config.Default().Pricing)
}

// Quote is the price breakdown of one booking.
type Quote struct {
	Base     float64
	Distance float64
	Total    float64
}

// Price is max(0, base + km*rate + fees - discount), rounded to cents.
func (p Pricing) Price(t dispatch.BookingType, km, fees, discount float64) Quote {
	q := Quote{
		Base:     p.BasePrices[t],
		Distance: cents(math.Max(0, km) * p.PerKmRate),
	}
	q.Total = cents(math.Max(0, q.Base+q.Distance+fees-discount))
	return q
}

// Downpayment is round(total * ratio) in whole currency units.
func (p Pricing) Downpayment(total float64) float64 {
	return math.Round(total * p.DownpaymentRatio)
}

// Deadlines are the downpayment and final payment due dates of a scheduled booking.
func (p Pricing) Deadlines(now, scheduledAt time.Time) (dp, final time.Time) {
	return now.Add(p.DownpaymentWindow), scheduledAt.Add(-p.FinalLeadTime)
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}

// Code renders a booking code such as AMB20240101001.
func Code(day time.Time, seq int) string {
	return fmt.Sprintf("AMB%s%03d", day.Format("20060102"), seq)
}
