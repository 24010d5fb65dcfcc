package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"kerne-operator/internal/por"
	"kerne-operator/internal/storage"
)

// Show prints recent attestations from the local history or the audit database.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Source == "db" {
		store, closeStore, err := a.requireStore(ctx, "show attestations")
		if err != nil {
			return err
		}
		defer closeStore()

		records, err := store.ListRecentAttestations(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeRecords(os.Stdout, records)
	}

	history, err := a.repository().History(opts.Limit)
	if err != nil {
		return err
	}
	return writeHistory(os.Stdout, history)
}

func writeHistory(w io.Writer, history []por.Attestation) error {
	if len(history) == 0 {
		fmt.Fprintln(w, "no attestations found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Time (UTC)\tStatus\tRatio\tAssets\tLiabilities\tNetDelta%\tMethod\tPublished\tDryRun")
	for _, att := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
			att.At().Format(time.RFC3339),
			att.Status,
			att.SolvencyRatio,
			formatDecimal(att.TotalAssets, 4),
			formatDecimal(att.TotalLiabilities, 4),
			formatDecimal(att.NetDelta.Shift(2), 2),
			methodLabel(string(att.Method), att.FallbackReason),
			att.Published,
			att.DryRun,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	writeRealizedAPY(w, attestationSamples(history))
	return nil
}

func writeRecords(w io.Writer, records []storage.AttestationRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "no attestations found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Time (UTC)\tStatus\tRatio\tAssets\tLiabilities\tNetDelta%\tMethod\tTx")
	for _, rec := range records {
		ratio := por.InfiniteRatio
		if rec.SolvencyRatio != nil {
			ratio = formatDecimal(*rec.SolvencyRatio, 4)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.Status,
			ratio,
			formatDecimal(rec.TotalAssets, 4),
			formatDecimal(rec.TotalLiabilities, 4),
			formatDecimal(rec.NetDelta.Shift(2), 2),
			methodLabel(rec.Method, rec.FallbackReason),
			sanitizeInline(rec.TxHash),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	writeRealizedAPY(w, recordSamples(records))
	return nil
}

func methodLabel(method, reason string) string {
	if reason == "" {
		return method
	}
	return method + " (" + reason + ")"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
