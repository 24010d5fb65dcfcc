package app

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"kerne-operator/internal/por"
	"kerne-operator/internal/storage"
)

// BackfillResult counts what a history import did.
type BackfillResult struct {
	Scanned   int
	Inserted  int
	Duplicate int
	Failed    int
}

// Backfill imports local attestation history into the audit database. Rows already present are
// skipped, so the import can be repeated.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) (BackfillResult, error) {
	history, err := a.repository().History(0)
	if err != nil {
		return BackfillResult{}, err
	}
	points := selectWindow(history, opts.From, opts.To)
	if len(points) == 0 {
		a.Logger.Info().Msg("no attestations in backfill window")
		return BackfillResult{}, nil
	}

	var store storage.AttestationStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing is written")
	} else {
		s, closeStore, err := a.requireStore(ctx, "backfill")
		if err != nil {
			return BackfillResult{}, err
		}
		defer closeStore()
		store = s
	}

	res, err := importHistory(ctx, store, points)
	a.Logger.Info().
		Int("scanned", res.Scanned).
		Int("inserted", res.Inserted).
		Int("duplicate", res.Duplicate).
		Int("failed", res.Failed).
		Msg("backfill finished")
	return res, err
}

// importHistory writes every attestation to store; a nil store only counts.
func importHistory(ctx context.Context, store storage.AttestationStore, points []por.Attestation) (BackfillResult, error) {
	var res BackfillResult
	for _, att := range points {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		rec, err := storage.AttestationFromPoR(att)
		if err != nil {
			res.Failed++
			continue
		}
		if store == nil {
			continue
		}
		if _, err := store.InsertAttestation(ctx, rec); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				res.Duplicate++
				continue
			}
			res.Failed++
			continue
		}
		res.Inserted++
	}
	if res.Failed > 0 {
		return res, errors.New("some attestations failed to import; check the logs")
	}
	return res, nil
}
