package app

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"kerne-operator/internal/leverage"
	"kerne-operator/internal/por"
	"kerne-operator/internal/storage"
)

// shareSample is the asset value backing one share at a point in time.
type shareSample struct {
	at    time.Time
	value decimal.Decimal
}

func sampleOf(at time.Time, assets, liabilities decimal.Decimal) (shareSample, bool) {
	if !liabilities.IsPositive() {
		return shareSample{}, false
	}
	return shareSample{at: at, value: assets.Div(liabilities)}, true
}

func attestationSamples(points []por.Attestation) []shareSample {
	out := make([]shareSample, 0, len(points))
	for _, att := range points {
		if s, ok := sampleOf(att.At(), att.TotalAssets, att.TotalLiabilities); ok {
			out = append(out, s)
		}
	}
	return out
}

func recordSamples(records []storage.AttestationRecord) []shareSample {
	out := make([]shareSample, 0, len(records))
	for _, rec := range records {
		if s, ok := sampleOf(rec.Timestamp, rec.TotalAssets, rec.TotalLiabilities); ok {
			out = append(out, s)
		}
	}
	return out
}

// realizedAPY annualizes the growth of assets per share between consecutive samples.
// ok is false when fewer than two samples span a positive interval.
func realizedAPY(samples []shareSample) (leverage.Realized, int, bool) {
	sorted := append([]shareSample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].at.Before(sorted[j].at) })

	periods := make([]leverage.Period, 0, len(sorted))
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		days := cur.at.Sub(prev.at).Hours() / 24
		if days <= 0 || !prev.value.IsPositive() {
			continue
		}
		r := cur.value.Div(prev.value).Sub(decimal.NewFromInt(1)).InexactFloat64()
		periods = append(periods, leverage.Period{Return: r, Days: days})
	}
	if len(periods) == 0 {
		return leverage.Realized{}, 0, false
	}
	return leverage.RealizedAPY(periods), len(periods), true
}

func writeRealizedAPY(w io.Writer, samples []shareSample) {
	res, n, ok := realizedAPY(samples)
	if !ok {
		fmt.Fprintln(w, "Realized APY: n/a (needs two attestations)")
		return
	}
	fmt.Fprintf(w, "Realized APY: %.2f%% over %d periods", res.APY*100, n)
	if len(res.Excluded) > 0 {
		fmt.Fprintf(w, " (%d bankrupt periods excluded)", len(res.Excluded))
	}
	fmt.Fprintln(w)
}
