package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"kerne-operator/internal/por"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `
CREATE TABLE IF NOT EXISTS attestations (
    id                BIGSERIAL PRIMARY KEY,
    attested_at       TIMESTAMPTZ NOT NULL,
    vault             TEXT        NOT NULL,
    status            TEXT        NOT NULL,
    method            TEXT        NOT NULL,
    fallback_reason   TEXT        NOT NULL DEFAULT '',
    total_assets      NUMERIC     NOT NULL,
    total_liabilities NUMERIC     NOT NULL,
    net_delta         NUMERIC     NOT NULL,
    solvency_ratio    NUMERIC,
    payload_hash      TEXT        NOT NULL,
    tx_hash           TEXT        NOT NULL DEFAULT '',
    published         BOOLEAN     NOT NULL,
    dry_run           BOOLEAN     NOT NULL,
    payload           JSONB       NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (vault, attested_at)
);

CREATE TABLE IF NOT EXISTS rebalance_cycles (
    id              BIGSERIAL PRIMARY KEY,
    started_at      TIMESTAMPTZ NOT NULL,
    trigger_kind    TEXT        NOT NULL,
    outcome         TEXT        NOT NULL,
    reason          TEXT        NOT NULL DEFAULT '',
    total_tvl       NUMERIC     NOT NULL,
    current_short   NUMERIC     NOT NULL,
    target_short    NUMERIC     NOT NULL,
    delta           NUMERIC     NOT NULL,
    order_side      TEXT        NOT NULL DEFAULT '',
    order_size      NUMERIC     NOT NULL DEFAULT 0,
    filled_size     NUMERIC     NOT NULL DEFAULT 0,
    target_leverage NUMERIC     NOT NULL DEFAULT 0,
    risk_tier       TEXT        NOT NULL DEFAULT '',
    degraded        BOOLEAN     NOT NULL DEFAULT false,
    duration_ms     BIGINT      NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS rebalance_cycles_started_idx ON rebalance_cycles (started_at DESC);`

	insertAttestationSQL = `INSERT INTO attestations (
        attested_at,
        vault,
        status,
        method,
        fallback_reason,
        total_assets,
        total_liabilities,
        net_delta,
        solvency_ratio,
        payload_hash,
        tx_hash,
        published,
        dry_run,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (vault, attested_at) DO NOTHING
    RETURNING id, created_at;`

	listRecentAttestationsSQL = `SELECT
        id,
        attested_at,
        vault,
        status,
        method,
        fallback_reason,
        total_assets,
        total_liabilities,
        net_delta,
        solvency_ratio,
        payload_hash,
        tx_hash,
        published,
        dry_run,
        payload,
        created_at
    FROM attestations
    ORDER BY attested_at DESC
    LIMIT $1;`

	insertCycleSQL = `INSERT INTO rebalance_cycles (
        started_at,
        trigger_kind,
        outcome,
        reason,
        total_tvl,
        current_short,
        target_short,
        delta,
        order_side,
        order_size,
        filled_size,
        target_leverage,
        risk_tier,
        degraded,
        duration_ms
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    RETURNING id, created_at;`

	listRecentCyclesSQL = `SELECT
        id,
        started_at,
        trigger_kind,
        outcome,
        reason,
        total_tvl,
        current_short,
        target_short,
        delta,
        order_side,
        order_size,
        filled_size,
        target_leverage,
        risk_tier,
        degraded,
        duration_ms,
        created_at
    FROM rebalance_cycles
    ORDER BY started_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AttestationStore audits attestations.
type AttestationStore interface {
	InsertAttestation(ctx context.Context, rec AttestationRecord) (AttestationRecord, error)
	ListRecentAttestations(ctx context.Context, limit int) ([]AttestationRecord, error)
}

// CycleStore audits rebalance cycles.
type CycleStore interface {
	InsertCycle(ctx context.Context, rec CycleRecord) (CycleRecord, error)
	ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to attestations and cycles.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock is held on a dedicated connection until unlock is called.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAttestation persists an attestation. A duplicate (vault, time) is ignored and returns
// pgx.ErrNoRows.
func (s *Store) InsertAttestation(ctx context.Context, rec AttestationRecord) (AttestationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AttestationRecord{}, err
	}

	var ratio interface{}
	if rec.SolvencyRatio != nil {
		ratio = rec.SolvencyRatio.String()
	}

	row := pool.QueryRow(ctx, insertAttestationSQL,
		rec.Timestamp,
		rec.Vault,
		rec.Status,
		rec.Method,
		rec.FallbackReason,
		rec.TotalAssets.String(),
		rec.TotalLiabilities.String(),
		rec.NetDelta.String(),
		ratio,
		rec.Hash,
		rec.TxHash,
		rec.Published,
		rec.DryRun,
		[]byte(rec.Payload),
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, err
		}
		return AttestationRecord{}, fmt.Errorf("insert attestation: %w", err)
	}
	return rec, nil
}

// RecordAttestation lets the attestor mirror every attestation into the audit table.
func (s *Store) RecordAttestation(ctx context.Context, a por.Attestation) error {
	rec, err := AttestationFromPoR(a)
	if err != nil {
		return fmt.Errorf("convert attestation: %w", err)
	}
	if _, err := s.InsertAttestation(ctx, rec); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return nil
}

// ListRecentAttestations lists the most recent attestations, newest first.
func (s *Store) ListRecentAttestations(ctx context.Context, limit int) ([]AttestationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAttestationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent attestations: %w", queryErr)
	}
	defer rows.Close()

	out := make([]AttestationRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAttestation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertCycle persists a rebalance cycle report.
func (s *Store) InsertCycle(ctx context.Context, rec CycleRecord) (CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return CycleRecord{}, err
	}

	row := pool.QueryRow(ctx, insertCycleSQL,
		rec.StartedAt,
		rec.Trigger,
		rec.Outcome,
		rec.Reason,
		rec.TotalTVL.String(),
		rec.CurrentShort.String(),
		rec.TargetShort.String(),
		rec.Delta.String(),
		rec.OrderSide,
		rec.OrderSize.String(),
		rec.FilledSize.String(),
		rec.TargetLeverage.String(),
		rec.RiskTier,
		rec.Degraded,
		rec.Duration.Milliseconds(),
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return CycleRecord{}, fmt.Errorf("insert cycle: %w", err)
	}
	return rec, nil
}

// ListRecentCycles lists the most recent cycles, newest first.
func (s *Store) ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCyclesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent cycles: %w", queryErr)
	}
	defer rows.Close()

	out := make([]CycleRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanCycle(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanAttestation(rows pgx.Rows) (AttestationRecord, error) {
	var (
		rec                          AttestationRecord
		assetsStr, liabStr, deltaStr string
		ratioStr                     sql.NullString
		payload                      json.RawMessage
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Timestamp,
		&rec.Vault,
		&rec.Status,
		&rec.Method,
		&rec.FallbackReason,
		&assetsStr,
		&liabStr,
		&deltaStr,
		&ratioStr,
		&rec.Hash,
		&rec.TxHash,
		&rec.Published,
		&rec.DryRun,
		&payload,
		&rec.CreatedAt,
	); err != nil {
		return AttestationRecord{}, err
	}
	rec.Payload = payload

	decs, err := parseDecimals(
		field{"total assets", assetsStr},
		field{"total liabilities", liabStr},
		field{"net delta", deltaStr},
	)
	if err != nil {
		return AttestationRecord{}, err
	}
	rec.TotalAssets, rec.TotalLiabilities, rec.NetDelta = decs[0], decs[1], decs[2]

	if ratioStr.Valid {
		r, err := decimal.NewFromString(ratioStr.String)
		if err != nil {
			return AttestationRecord{}, fmt.Errorf("parse solvency ratio: %w", err)
		}
		rec.SolvencyRatio = &r
	}
	return rec, nil
}

func scanCycle(rows pgx.Rows) (CycleRecord, error) {
	var (
		rec                                       CycleRecord
		tvl, current, target, delta, size, filled string
		leverage                                  string
		durationMS                                int64
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.StartedAt,
		&rec.Trigger,
		&rec.Outcome,
		&rec.Reason,
		&tvl,
		&current,
		&target,
		&delta,
		&rec.OrderSide,
		&size,
		&filled,
		&leverage,
		&rec.RiskTier,
		&rec.Degraded,
		&durationMS,
		&rec.CreatedAt,
	); err != nil {
		return CycleRecord{}, err
	}

	decs, err := parseDecimals(
		field{"total tvl", tvl},
		field{"current short", current},
		field{"target short", target},
		field{"delta", delta},
		field{"order size", size},
		field{"filled size", filled},
		field{"target leverage", leverage},
	)
	if err != nil {
		return CycleRecord{}, err
	}
	rec.TotalTVL, rec.CurrentShort, rec.TargetShort, rec.Delta = decs[0], decs[1], decs[2], decs[3]
	rec.OrderSize, rec.FilledSize, rec.TargetLeverage = decs[4], decs[5], decs[6]
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

type field struct {
	name  string
	value string
}

func parseDecimals(fields ...field) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		v, err := decimal.NewFromString(f.value)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
		out[i] = v
	}
	return out, nil
}

var (
	_ AttestationStore = (*Store)(nil)
	_ CycleStore       = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
	_ por.Recorder     = (*Store)(nil)
)
