package por

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kerne-operator/internal/aggregator"
	"kerne-operator/internal/alerting"
	"kerne-operator/internal/chain"
	"kerne-operator/internal/metrics"
	"kerne-operator/internal/risk"
	"kerne-operator/internal/signer"
	"kerne-operator/internal/venue"
)

var (
	// ErrStaleInputs means the chain aggregate cannot back an attestation.
	ErrStaleInputs = errors.New("attestation inputs are stale")
	// ErrVenueUnavailable means the venue returned no usable position or price.
	ErrVenueUnavailable = errors.New("venue data unavailable")
	// ErrSignatureMismatch means the freshly produced signature did not verify.
	ErrSignatureMismatch = errors.New("attestation signature does not verify")
)

// Fallback reasons for the ECDSA track.
const (
	ReasonZKDisabled     = "zk_disabled"
	ReasonHighVolatility = "high_volatility"
	ReasonZKError        = "zk_error"
)

// TVLSource supplies the multi-chain vault state.
type TVLSource interface {
	GetMultiChainTVL(ctx context.Context) (aggregator.Snapshot, error)
}

// TierSource reports the current sentinel tier.
type TierSource interface {
	Tier() risk.Tier
}

// MessageSigner signs payload hashes.
type MessageSigner interface {
	Address() common.Address
	SignMessage(hash common.Hash) ([]byte, error)
}

// ArtifactStore persists attestation files. *Repository implements it.
type ArtifactStore interface {
	AppendHistory(a Attestation) (string, error)
	WriteLatest(a Attestation) error
	WriteReport(a Attestation) (string, error)
	LastTimestamp() (int64, error)
	// InsolvencyLatched and SetInsolvencyLatch keep the publication latch across restarts.
	InsolvencyLatched() (bool, error)
	SetInsolvencyLatch(on bool) error
}

// Recorder mirrors attestations into an audit store.
type Recorder interface {
	RecordAttestation(ctx context.Context, a Attestation) error
}

// Alerter delivers operator alerts. *alerting.Dispatcher implements it.
type Alerter interface {
	Send(ctx context.Context, a alerting.Alert) bool
}

// AttestOptions are the per-run switches exposed on the command line.
type AttestOptions struct {
	// DryRun builds, signs and writes artifacts without any on-chain call.
	DryRun bool
	// NoJSON skips every artifact file.
	NoJSON bool
	// NoValidate skips verifying the signature after signing.
	NoValidate bool
	// PublishInsolvent publishes an insolvent attestation and clears the latch.
	PublishInsolvent bool
}

// Config fixes the attestor's identity and thresholds.
type Config struct {
	Vault  common.Address
	Symbol string
	Params Params
	// HighVolatilityDelta forces the ECDSA track when the net delta is strictly above it.
	HighVolatilityDelta decimal.Decimal
	// ReadOnlyKey is handed to the coprocessor; never logged.
	ReadOnlyKey string
	WriteReport bool
}

// Deps are the attestor's collaborators. Prover, Publisher, Tier, Recorder and Alerts are optional.
type Deps struct {
	TVL       TVLSource
	Venue     venue.PerpVenue
	Signer    MessageSigner
	Prover    Prover
	Publisher Publisher
	Store     ArtifactStore
	Tier      TierSource
	Recorder  Recorder
	Alerts    Alerter
}

// Attestor produces, signs and publishes proof-of-reserve attestations. Runs are serialized.
type Attestor struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	last    int64
	latched bool
}

// NewAttestor wires an attestor.
func NewAttestor(cfg Config, deps Deps, logger zerolog.Logger) (*Attestor, error) {
	if deps.TVL == nil || deps.Venue == nil || deps.Signer == nil || deps.Store == nil {
		return nil, errors.New("attestor requires tvl source, venue, signer and store")
	}
	if cfg.Params.MaxSolventNetDelta.IsZero() && cfg.Params.CriticalRatio.IsZero() {
		cfg.Params = DefaultParams
	}
	if cfg.HighVolatilityDelta.IsZero() {
		cfg.HighVolatilityDelta = decimal.RequireFromString("0.02")
	}
	latched, err := deps.Store.InsolvencyLatched()
	if err != nil {
		return nil, fmt.Errorf("read insolvency latch: %w", err)
	}
	a := &Attestor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With().Str("component", "attestor").Logger(),
		now:     time.Now,
		latched: latched,
	}
	if latched {
		a.logger.Warn().Msg("insolvency latch is set; publication stays disabled until an operator override")
	}
	return a, nil
}

// Latched reports whether publication is disabled after an insolvency.
func (a *Attestor) Latched() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latched
}

// Collect gathers the raw inputs. It refuses stale or anomalous chain state and a blind venue.
func (a *Attestor) Collect(ctx context.Context) (Inputs, error) {
	type venueRead struct {
		pos   venue.Position
		price decimal.Decimal
	}
	venueCh := make(chan venueRead, 1)
	go func() {
		var r venueRead
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); r.pos = a.deps.Venue.AggregatePosition(ctx, a.cfg.Symbol) }()
		go func() { defer wg.Done(); r.price = a.deps.Venue.MarkPrice(ctx, a.cfg.Symbol) }()
		wg.Wait()
		venueCh <- r
	}()

	snap, snapErr := a.deps.TVL.GetMultiChainTVL(ctx)
	vr := <-venueCh

	if snapErr != nil {
		return Inputs{}, fmt.Errorf("read chains: %w", snapErr)
	}
	if snap.ZeroAnomaly {
		return Inputs{}, fmt.Errorf("%w: %v", ErrStaleInputs, aggregator.ErrZeroAnomaly)
	}
	if snap.CriticalStale {
		return Inputs{}, fmt.Errorf("%w: critical chains %v", ErrStaleInputs, snap.StaleChains)
	}
	if !vr.pos.Known() {
		return Inputs{}, fmt.Errorf("%w: position unknown", ErrVenueUnavailable)
	}
	if !vr.price.IsPositive() {
		return Inputs{}, fmt.Errorf("%w: mark price is zero", ErrVenueUnavailable)
	}

	in := Inputs{
		Vault:          a.cfg.Vault.Hex(),
		ExchangeEquity: vr.pos.MarginEquity,
		ShortSize:      vr.pos.ShortSize(),
		Price:          vr.price,
	}
	for _, st := range snap.PerChain {
		in.Chains = append(in.Chains, ChainReading{
			Chain:       st.Chain,
			TotalAssets: st.TVL,
			TotalSupply: st.TotalSupply,
			Block:       st.Block,
		})
	}
	if a.deps.Tier != nil {
		in.RiskTier = string(a.deps.Tier.Tier())
	}
	return in, nil
}

// Attest runs one full attestation. It returns the attestation even on ErrInsolvent so callers can
// report it.
func (a *Attestor) Attest(ctx context.Context, opts AttestOptions) (Attestation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	in, err := a.Collect(ctx)
	if err != nil {
		return Attestation{}, err
	}

	ts, err := a.nextTimestamp()
	if err != nil {
		return Attestation{}, err
	}
	in.Timestamp = ts

	payload := Build(in, a.cfg.Params)
	payload.Signer = a.deps.Signer.Address().Hex()

	att, err := a.sign(payload, opts)
	if err != nil {
		return Attestation{}, err
	}
	att.DryRun = opts.DryRun

	log := a.logger.With().
		Int64("timestamp", att.Timestamp).
		Str("status", string(att.Status)).
		Str("net_delta", att.NetDelta.String()).
		Str("solvency_ratio", att.SolvencyRatio).
		Logger()

	if opts.PublishInsolvent && a.latched {
		log.Warn().Msg("publish-insolvent override clears the insolvency latch")
		a.setLatch(false, log)
	}

	if refuse := a.latched || (att.Insolvent() && !opts.PublishInsolvent); refuse {
		if !a.latched {
			a.setLatch(true, log)
		}
		att.Method = a.plannedMethod(att.Payload)
		a.finish(ctx, &att, opts, false)
		a.alert(ctx, alerting.SeverityCritical, "insolvency", "attestation refused: total assets below liabilities", att)
		log.Error().
			Str("total_assets", att.TotalAssets.String()).
			Str("total_liabilities", att.TotalLiabilities.String()).
			Msg("refusing to publish insolvent attestation")
		return att, ErrInsolvent
	}

	method, reason, proof := a.chooseTrack(ctx, att, opts.DryRun)
	att.Method = method
	att.FallbackReason = reason
	if method == MethodZK {
		att.ProofHash = proof.ProofHash.Hex()
		att.ProofIPFS = proof.IPFSCID
	} else if reason != "" {
		metrics.ZKFallbacks.WithLabelValues(reason).Inc()
		log.Info().Str("reason", reason).Msg("using ECDSA attestation track")
	}

	if opts.DryRun || a.deps.Publisher == nil {
		if !opts.DryRun {
			log.Warn().Msg("no publisher configured; attestation kept off-chain")
		}
		a.finish(ctx, &att, opts, opts.DryRun)
		return att, nil
	}

	if err := a.publish(ctx, &att, proof); err != nil {
		a.finish(ctx, &att, opts, false)
		a.alert(ctx, alerting.SeverityCritical, "publish_failed", err.Error(), att)
		return att, err
	}
	a.finish(ctx, &att, opts, true)
	log.Info().Str("method", string(att.Method)).Str("tx", att.TxHash).Msg("attestation published")
	return att, nil
}

// setLatch updates the latch in memory first so a failed write never reopens publication.
func (a *Attestor) setLatch(on bool, log zerolog.Logger) {
	a.latched = on
	if err := a.deps.Store.SetInsolvencyLatch(on); err != nil {
		log.Error().Err(err).Bool("latched", on).Msg("failed to persist insolvency latch")
	}
}

func (a *Attestor) nextTimestamp() (time.Time, error) {
	last, err := a.deps.Store.LastTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("read last attestation: %w", err)
	}
	if a.last > last {
		last = a.last
	}
	ts := a.now().UTC().Truncate(time.Second)
	if ts.Unix() <= last {
		ts = time.Unix(last+1, 0).UTC()
	}
	a.last = ts.Unix()
	return ts, nil
}

func (a *Attestor) sign(p Payload, opts AttestOptions) (Attestation, error) {
	hash, err := Hash(p)
	if err != nil {
		return Attestation{}, fmt.Errorf("hash payload: %w", err)
	}
	sig, err := a.deps.Signer.SignMessage(hash)
	if err != nil {
		return Attestation{}, fmt.Errorf("sign payload: %w", err)
	}
	if !opts.NoValidate && !signer.Verify(hash, sig, a.deps.Signer.Address()) {
		return Attestation{}, ErrSignatureMismatch
	}
	return Attestation{
		Payload:   p,
		Hash:      hash.Hex(),
		Signature: hexutil.Encode(sig),
	}, nil
}

func (a *Attestor) plannedMethod(p Payload) Method {
	if a.deps.Prover == nil || p.NetDelta.GreaterThan(a.cfg.HighVolatilityDelta) {
		return MethodECDSA
	}
	return MethodZK
}

// chooseTrack picks ZK or ECDSA. The coprocessor is not contacted on a dry run.
func (a *Attestor) chooseTrack(ctx context.Context, att Attestation, dryRun bool) (Method, string, ZKProof) {
	if a.deps.Prover == nil {
		return MethodECDSA, ReasonZKDisabled, ZKProof{}
	}
	if att.NetDelta.GreaterThan(a.cfg.HighVolatilityDelta) {
		return MethodECDSA, ReasonHighVolatility, ZKProof{}
	}
	if dryRun {
		return MethodZK, "", ZKProof{}
	}
	proof, err := a.deps.Prover.Prove(ctx, ZKRequest{
		Vault:        att.Vault,
		SnapshotTime: att.Timestamp,
		PayloadHash:  att.Hash,
		ReadOnlyKey:  a.cfg.ReadOnlyKey,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("zk coprocessor failed")
		return MethodECDSA, ReasonZKError, ZKProof{}
	}
	return MethodZK, "", proof
}

func (a *Attestor) publish(ctx context.Context, att *Attestation, proof ZKProof) error {
	sub := submission(a.cfg.Vault, att.Payload)

	var (
		tx  common.Hash
		err error
	)
	if att.Method == MethodZK {
		tx, err = a.deps.Publisher.SubmitZK(ctx, sub, proof)
	} else {
		var sig []byte
		sig, err = hexutil.Decode(att.Signature)
		if err == nil {
			tx, err = a.deps.Publisher.SubmitVerified(ctx, sub, sig)
		}
	}
	if err != nil {
		return fmt.Errorf("submit %s attestation: %w", att.Method, err)
	}
	att.TxHash = tx.Hex()
	att.Published = true

	for _, res := range a.deps.Publisher.Propagate(ctx, a.cfg.Vault) {
		if res.Err != nil {
			a.logger.Warn().Err(res.Err).Uint32("eid", res.EndpointID).Msg("cross-chain sync failed")
			a.alert(ctx, alerting.SeverityWarning, "sync_failed", res.Err.Error(), *att)
			continue
		}
		att.SyncTxs = append(att.SyncTxs, res.TxHash.Hex())
	}
	return nil
}

// finish writes artifacts and records metrics. latest.json only moves for published or dry-run
// attestations.
func (a *Attestor) finish(ctx context.Context, att *Attestation, opts AttestOptions, updateLatest bool) {
	metrics.AttestationsTotal.WithLabelValues(string(att.Status), string(att.Method)).Inc()
	if r, ok := att.Ratio(); ok {
		metrics.SolvencyRatio.Set(r.InexactFloat64())
	}

	if !opts.NoJSON {
		if path, err := a.deps.Store.AppendHistory(*att); err != nil {
			a.logger.Error().Err(err).Msg("failed to append attestation history")
		} else {
			a.logger.Debug().Str("path", path).Msg("attestation history written")
		}
		if updateLatest {
			if err := a.deps.Store.WriteLatest(*att); err != nil {
				a.logger.Error().Err(err).Msg("failed to write latest attestation")
			}
		}
		if a.cfg.WriteReport {
			if _, err := a.deps.Store.WriteReport(*att); err != nil {
				a.logger.Error().Err(err).Msg("failed to write solvency report")
			}
		}
	}

	if a.deps.Recorder != nil && !opts.DryRun {
		if err := a.deps.Recorder.RecordAttestation(ctx, *att); err != nil {
			a.logger.Warn().Err(err).Msg("failed to record attestation")
		}
	}
}

func (a *Attestor) alert(ctx context.Context, sev alerting.Severity, category, msg string, att Attestation) {
	if a.deps.Alerts == nil {
		return
	}
	a.deps.Alerts.Send(ctx, alerting.Alert{
		Severity:  sev,
		Component: "attestor",
		Category:  category,
		Message:   msg,
		Fields: map[string]string{
			"status":         string(att.Status),
			"solvency_ratio": att.SolvencyRatio,
			"net_delta":      att.NetDelta.String(),
		},
	})
}

func submission(vault common.Address, p Payload) chain.Submission {
	return chain.Submission{
		Vault:          vault,
		OffChainAssets: p.OffChainAssets,
		NetDelta:       p.NetDelta,
		ExchangeEquity: p.ExchangeEquity,
		Timestamp:      p.Timestamp,
	}
}
