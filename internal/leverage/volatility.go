package leverage

import (
	"math"
	"sync"
	"time"
)

// VolatilityTracker estimates annualized volatility from periodic price samples.
type VolatilityTracker struct {
	mu       sync.Mutex
	window   int
	interval time.Duration
	fallback float64
	prices   []float64
}

// NewVolatilityTracker keeps the last window samples taken every interval.
// fallback is returned until two returns are available.
func NewVolatilityTracker(window int, interval time.Duration, fallback float64) *VolatilityTracker {
	if window < 3 {
		window = 3
	}
	return &VolatilityTracker{window: window, interval: interval, fallback: fallback}
}

// Observe records a price sample. Non-positive prices are ignored.
func (v *VolatilityTracker) Observe(price float64) {
	if price <= 0 || math.IsNaN(price) {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices = append(v.prices, price)
	if len(v.prices) > v.window {
		v.prices = v.prices[len(v.prices)-v.window:]
	}
}

// Annualized returns the annualized sample stdev of log returns.
func (v *VolatilityTracker) Annualized() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.prices) < 3 || v.interval <= 0 {
		return v.fallback
	}
	returns := make([]float64, 0, len(v.prices)-1)
	for i := 1; i < len(v.prices); i++ {
		returns = append(returns, math.Log(v.prices[i]/v.prices[i-1]))
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	stdev := math.Sqrt(ss / float64(len(returns)-1))
	periodsPerYear := float64(year) / float64(v.interval)
	return stdev * math.Sqrt(periodsPerYear)
}
