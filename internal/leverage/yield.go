package leverage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

// StaticYield is a fixed, configured staking yield.
type StaticYield float64

// StakingYield returns the configured value.
func (s StaticYield) StakingYield(context.Context) (float64, error) {
	if s <= 0 {
		return 0, errors.New("static staking yield not configured")
	}
	return float64(s), nil
}

// HTTPYield reads the staking yield from a JSON endpoint at a gjson path.
// Values above 1 are treated as percentages.
type HTTPYield struct {
	URL     string
	Path    string
	Client  *http.Client
	MaxAge  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	cached  float64
	fetched time.Time
}

// NewHTTPYield builds a feed that caches its value for maxAge.
func NewHTTPYield(url, path string, timeout, maxAge time.Duration) *HTTPYield {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPYield{
		URL:    url,
		Path:   path,
		Client: &http.Client{Timeout: timeout},
		MaxAge: maxAge,
		now:    time.Now,
	}
}

// StakingYield returns the feed value, refreshing when the cache has expired.
func (h *HTTPYield) StakingYield(ctx context.Context) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.fetched.IsZero() && h.now().Sub(h.fetched) < h.MaxAge {
		return h.cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("staking yield feed status %d", resp.StatusCode)
	}

	res := gjson.GetBytes(body, h.Path)
	if !res.Exists() {
		return 0, fmt.Errorf("staking yield path %q not found", h.Path)
	}
	v, err := cast.ToFloat64E(res.Value())
	if err != nil {
		return 0, fmt.Errorf("staking yield not numeric: %w", err)
	}
	if v > 1 {
		v /= 100
	}
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("staking yield out of range: %v", v)
	}

	h.cached = v
	h.fetched = h.now()
	return v, nil
}
