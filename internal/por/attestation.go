package por

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsolvent is returned when assets fall short of liabilities and no override was given.
var ErrInsolvent = errors.New("solvency invariant violated")

// Status is the published health verdict of an attestation.
type Status string

const (
	StatusSolvent         Status = "SOLVENT"
	StatusWarningDelta    Status = "WARNING_DELTA"
	StatusWarningSolvency Status = "WARNING_SOLVENCY"
	StatusCritical        Status = "CRITICAL"
)

// Method is the attestation track used for publication.
type Method string

const (
	MethodZK    Method = "ZK"
	MethodECDSA Method = "ECDSA"
)

// PayloadVersion is bumped whenever the hashed payload changes shape.
const PayloadVersion = 1

// InfiniteRatio is how an undefined solvency ratio (no liabilities) is rendered.
const InfiniteRatio = "N/A"

// ChainReading is one chain's contribution to the attestation.
type ChainReading struct {
	Chain       string          `json:"chain"`
	TotalAssets decimal.Decimal `json:"total_assets"`
	TotalSupply decimal.Decimal `json:"total_supply"`
	Block       uint64          `json:"block"`
}

// Inputs are the raw values collected for one attestation.
type Inputs struct {
	Vault          string
	Chains         []ChainReading
	ExchangeEquity decimal.Decimal
	ShortSize      decimal.Decimal
	Price          decimal.Decimal
	RiskTier       string
	Timestamp      time.Time
}

// Payload is the hashed and signed part of an attestation.
type Payload struct {
	Version          int             `json:"version"`
	Timestamp        int64           `json:"timestamp"`
	Time             string          `json:"time"`
	Vault            string          `json:"vault"`
	Signer           string          `json:"signer"`
	Chains           []ChainReading  `json:"chains"`
	OnChainAssets    decimal.Decimal `json:"on_chain_assets"`
	OffChainAssets   decimal.Decimal `json:"off_chain_assets"`
	ExchangeEquity   decimal.Decimal `json:"exchange_equity"`
	ShortSize        decimal.Decimal `json:"short_size"`
	Price            decimal.Decimal `json:"price"`
	TotalAssets      decimal.Decimal `json:"total_assets"`
	TotalLiabilities decimal.Decimal `json:"total_liabilities"`
	NetDelta         decimal.Decimal `json:"net_delta"`
	SolvencyRatio    string          `json:"solvency_ratio"`
	Status           Status          `json:"status"`
	RiskTier         string          `json:"risk_tier,omitempty"`
}

// Attestation is the full artifact: payload plus signature and publication details.
type Attestation struct {
	Payload
	Hash           string   `json:"hash"`
	Signature      string   `json:"signature"`
	Method         Method   `json:"method"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
	ProofHash      string   `json:"proof_hash,omitempty"`
	ProofIPFS      string   `json:"proof_ipfs,omitempty"`
	TxHash         string   `json:"tx_hash,omitempty"`
	SyncTxs        []string `json:"sync_txs,omitempty"`
	DryRun         bool     `json:"dry_run"`
	Published      bool     `json:"published"`
}

// Ratio returns the solvency ratio; ok is false when it is infinite.
func (p Payload) Ratio() (decimal.Decimal, bool) {
	if p.SolvencyRatio == InfiniteRatio || p.SolvencyRatio == "" {
		return decimal.Zero, false
	}
	r, err := decimal.NewFromString(p.SolvencyRatio)
	if err != nil {
		return decimal.Zero, false
	}
	return r, true
}

// Insolvent reports assets < liabilities.
func (p Payload) Insolvent() bool {
	return p.TotalAssets.LessThan(p.TotalLiabilities)
}

// At returns the attestation time.
func (p Payload) At() time.Time {
	return time.Unix(p.Timestamp, 0).UTC()
}

// Params tune the derived fields.
type Params struct {
	// MaxSolventNetDelta is the largest net delta still reported as SOLVENT.
	MaxSolventNetDelta decimal.Decimal
	// CriticalRatio is the solvency ratio below which the status is CRITICAL.
	CriticalRatio decimal.Decimal
}

// DefaultParams are 5% net delta and a 95% ratio floor.
var DefaultParams = Params{
	MaxSolventNetDelta: decimal.RequireFromString("0.05"),
	CriticalRatio:      decimal.RequireFromString("0.95"),
}

// Build derives every payload field from in. It is pure.
func Build(in Inputs, p Params) Payload {
	chains := make([]ChainReading, len(in.Chains))
	copy(chains, in.Chains)
	sort.Slice(chains, func(i, j int) bool { return chains[i].Chain < chains[j].Chain })

	onChain := decimal.Zero
	liabilities := decimal.Zero
	for _, c := range chains {
		onChain = onChain.Add(c.TotalAssets)
		liabilities = liabilities.Add(c.TotalSupply)
	}

	offChain := decimal.Zero
	if in.Price.IsPositive() {
		offChain = in.ExchangeEquity.Div(in.Price).Round(8)
	}
	total := onChain.Add(offChain)
	ts := in.Timestamp.UTC()

	payload := Payload{
		Version:          PayloadVersion,
		Timestamp:        ts.Unix(),
		Time:             ts.Format(time.RFC3339),
		Vault:            in.Vault,
		Chains:           chains,
		OnChainAssets:    onChain,
		OffChainAssets:   offChain,
		ExchangeEquity:   in.ExchangeEquity,
		ShortSize:        in.ShortSize,
		Price:            in.Price,
		TotalAssets:      total,
		TotalLiabilities: liabilities,
		NetDelta:         NetDelta(in.ShortSize, onChain),
		SolvencyRatio:    InfiniteRatio,
		RiskTier:         in.RiskTier,
	}

	var ratio decimal.NullDecimal
	if liabilities.IsPositive() {
		ratio = decimal.NewNullDecimal(total.Div(liabilities).Round(8))
		payload.SolvencyRatio = ratio.Decimal.String()
	}
	payload.Status = Classify(total, liabilities, ratio, payload.NetDelta, p)

	// a CRITICAL sentinel never publishes a clean bill of health
	if payload.Status == StatusSolvent && in.RiskTier == "CRITICAL" {
		payload.Status = StatusWarningDelta
	}
	return payload
}

// NetDelta is |1 - short/onChain|. With no on-chain assets it is 0 when flat and 1 otherwise.
func NetDelta(short, onChain decimal.Decimal) decimal.Decimal {
	if !onChain.IsPositive() {
		if short.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(1).Sub(short.Div(onChain)).Abs().Round(8)
}

// Classify applies the status table. An invalid ratio means infinite (no liabilities).
func Classify(assets, liabilities decimal.Decimal, ratio decimal.NullDecimal, netDelta decimal.Decimal, p Params) Status {
	if assets.GreaterThanOrEqual(liabilities) {
		if netDelta.LessThanOrEqual(p.MaxSolventNetDelta) {
			return StatusSolvent
		}
		return StatusWarningDelta
	}
	if ratio.Valid && ratio.Decimal.GreaterThanOrEqual(p.CriticalRatio) {
		return StatusWarningSolvency
	}
	return StatusCritical
}
