package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"kerne-operator/internal/por"
)

// AttestationRecord is the audit row of one attestation.
type AttestationRecord struct {
	ID               int64
	Timestamp        time.Time
	Vault            string
	Status           string
	Method           string
	FallbackReason   string
	TotalAssets      decimal.Decimal
	TotalLiabilities decimal.Decimal
	NetDelta         decimal.Decimal
	// SolvencyRatio is nil when liabilities are zero.
	SolvencyRatio *decimal.Decimal
	Hash          string
	TxHash        string
	Published     bool
	DryRun        bool
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// CycleRecord is the audit row of one rebalance cycle.
type CycleRecord struct {
	ID             int64
	StartedAt      time.Time
	Trigger        string
	Outcome        string
	Reason         string
	TotalTVL       decimal.Decimal
	CurrentShort   decimal.Decimal
	TargetShort    decimal.Decimal
	Delta          decimal.Decimal
	OrderSide      string
	OrderSize      decimal.Decimal
	FilledSize     decimal.Decimal
	TargetLeverage decimal.Decimal
	RiskTier       string
	Degraded       bool
	Duration       time.Duration
	CreatedAt      time.Time
}

// AttestationFromPoR converts an attestation into its audit row, keeping the canonical JSON.
func AttestationFromPoR(a por.Attestation) (AttestationRecord, error) {
	raw, err := por.Canonical(a)
	if err != nil {
		return AttestationRecord{}, err
	}
	rec := AttestationRecord{
		Timestamp:        a.At(),
		Vault:            a.Vault,
		Status:           string(a.Status),
		Method:           string(a.Method),
		FallbackReason:   a.FallbackReason,
		TotalAssets:      a.TotalAssets,
		TotalLiabilities: a.TotalLiabilities,
		NetDelta:         a.NetDelta,
		Hash:             a.Hash,
		TxHash:           a.TxHash,
		Published:        a.Published,
		DryRun:           a.DryRun,
		Payload:          raw,
	}
	if r, ok := a.Ratio(); ok {
		rec.SolvencyRatio = &r
	}
	return rec, nil
}
