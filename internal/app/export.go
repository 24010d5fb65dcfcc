package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"kerne-operator/internal/por"
)

// Export renders attestation history as CSV and/or a PNG solvency chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	history, err := a.repository().History(0)
	if err != nil {
		return err
	}
	points := selectWindow(history, opts.From, opts.To)
	if len(points) == 0 {
		a.Logger.Info().Msg("no attestations found for export window")
		return nil
	}

	downsampled := downsample(points, opts.MaxPoints)
	ev := a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled))
	if res, n, ok := realizedAPY(attestationSamples(points)); ok {
		ev = ev.Float64("realized_apy", res.APY).Int("periods", n).Ints("excluded_periods", res.Excluded)
	}
	ev.Msg("exporting attestations")

	if opts.CSVPath != "" {
		if err := writeAttestationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSolvencyPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// selectWindow keeps attestations in [from, to) and orders them oldest first.
func selectWindow(history []por.Attestation, from, to *time.Time) []por.Attestation {
	out := make([]por.Attestation, 0, len(history))
	for _, att := range history {
		at := att.At()
		if from != nil && at.Before(from.UTC()) {
			continue
		}
		if to != nil && !at.Before(to.UTC()) {
			continue
		}
		out = append(out, att)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func downsample(points []por.Attestation, max int) []por.Attestation {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]por.Attestation, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeAttestationsCSV(path string, points []por.Attestation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "status", "solvency_ratio", "total_assets", "total_liabilities", "net_delta", "method", "fallback_reason", "hash", "tx_hash", "published", "dry_run"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, att := range points {
		record := []string{
			att.At().Format(time.RFC3339),
			string(att.Status),
			att.SolvencyRatio,
			att.TotalAssets.String(),
			att.TotalLiabilities.String(),
			att.NetDelta.String(),
			string(att.Method),
			att.FallbackReason,
			att.Hash,
			att.TxHash,
			strconv.FormatBool(att.Published),
			strconv.FormatBool(att.DryRun),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSolvencyPNG(path string, points []por.Attestation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(points))
	assets := make([]float64, 0, len(points))
	liabilities := make([]float64, 0, len(points))
	netDelta := make([]float64, 0, len(points))

	for _, att := range points {
		x = append(x, att.At())
		assets = append(assets, att.TotalAssets.InexactFloat64())
		liabilities = append(liabilities, att.TotalLiabilities.InexactFloat64())
		netDelta = append(netDelta, att.NetDelta.Shift(2).InexactFloat64())
	}
	if len(x) < 2 {
		return errors.New("at least two attestations are needed for a chart")
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Assets / Liabilities",
			ValueFormatter: amountFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Net delta (%)",
			ValueFormatter: amountFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Total assets",
				XValues: x,
				YValues: assets,
			},
			chart.TimeSeries{
				Name:    "Total liabilities",
				XValues: x,
				YValues: liabilities,
			},
			chart.TimeSeries{
				Name:    "Net delta %",
				XValues: x,
				YValues: netDelta,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
