package por

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerne-operator/internal/aggregator"
	"kerne-operator/internal/alerting"
	"kerne-operator/internal/chain"
	"kerne-operator/internal/signer"
	"kerne-operator/internal/venue"
)

type fakeTVL struct {
	snap aggregator.Snapshot
	err  error
}

func (f *fakeTVL) GetMultiChainTVL(context.Context) (aggregator.Snapshot, error) {
	return f.snap, f.err
}

func snapshotOf(tvl, supply string) aggregator.Snapshot {
	return aggregator.Snapshot{
		PerChain: map[string]aggregator.ChainState{
			"base": {Chain: "base", TVL: d(tvl), TotalSupply: d(supply), Block: 1234, Healthy: true},
		},
		TotalTVL:         d(tvl),
		KnownTVL:         d(tvl),
		TotalLiabilities: d(supply),
		AsOf:             time.Now(),
	}
}

type fakeProver struct {
	calls int
	err   error
}

func (p *fakeProver) Prove(_ context.Context, req ZKRequest) (ZKProof, error) {
	p.calls++
	if p.err != nil {
		return ZKProof{}, p.err
	}
	return ZKProof{ProofHash: common.HexToHash("0xfeed"), IPFSCID: "bafyproof", ProverSignature: []byte{1}}, nil
}

type fakePublisher struct {
	zk         []chain.Submission
	verified   []chain.Submission
	signatures [][]byte
	propagated int
	submitErr  error
}

func (p *fakePublisher) SubmitZK(_ context.Context, sub chain.Submission, _ ZKProof) (common.Hash, error) {
	if p.submitErr != nil {
		return common.Hash{}, p.submitErr
	}
	p.zk = append(p.zk, sub)
	return common.HexToHash("0x0a"), nil
}

func (p *fakePublisher) SubmitVerified(_ context.Context, sub chain.Submission, sig []byte) (common.Hash, error) {
	if p.submitErr != nil {
		return common.Hash{}, p.submitErr
	}
	p.verified = append(p.verified, sub)
	p.signatures = append(p.signatures, sig)
	return common.HexToHash("0x0b"), nil
}

func (p *fakePublisher) Propagate(context.Context, common.Address) []SyncResult {
	p.propagated++
	return []SyncResult{{EndpointID: 30110, TxHash: common.HexToHash("0x0c")}}
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alerting.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return true
}

type harness struct {
	attestor  *Attestor
	tvl       *fakeTVL
	venue     *venue.Fake
	signer    *signer.Signer
	prover    *fakeProver
	publisher *fakePublisher
	repo      *Repository
	alerts    *recordingAlerter
	dir       string
}

// newHarness builds an attestor over one chain with the given TVL, supply and short size.
func newHarness(t *testing.T, tvl, supply, short string) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		tvl:       &fakeTVL{snap: snapshotOf(tvl, supply)},
		venue:     venue.NewFake("ETH", d("3000"), d(short)),
		signer:    signer.New(key),
		prover:    &fakeProver{},
		publisher: &fakePublisher{},
		alerts:    &recordingAlerter{},
		dir:       t.TempDir(),
	}
	h.venue.Pos.MarginEquity = decimal.Zero
	h.repo = NewRepository(h.dir)

	h.attestor, err = NewAttestor(Config{
		Vault:               common.HexToAddress("0xaa"),
		Symbol:              "ETH",
		Params:              DefaultParams,
		HighVolatilityDelta: d("0.02"),
		WriteReport:         true,
	}, Deps{
		TVL:       h.tvl,
		Venue:     h.venue,
		Signer:    h.signer,
		Prover:    h.prover,
		Publisher: h.publisher,
		Store:     h.repo,
		Alerts:    h.alerts,
	}, zerolog.Nop())
	require.NoError(t, err)

	clock := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	h.attestor.now = func() time.Time { return clock }
	return h
}

func TestAttestBalancedUsesZK(t *testing.T) {
	h := newHarness(t, "100", "100", "100")

	att, err := h.attestor.Attest(context.Background(), AttestOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusSolvent, att.Status)
	assert.Equal(t, MethodZK, att.Method)
	assert.True(t, att.Published)
	assert.Equal(t, 1, h.prover.calls)
	assert.Len(t, h.publisher.zk, 1)
	assert.Empty(t, h.publisher.verified)
	assert.Equal(t, 1, h.publisher.propagated)
	assert.Len(t, att.SyncTxs, 1)
	assert.Equal(t, "bafyproof", att.ProofIPFS)

	sig, err := hexutil.Decode(att.Signature)
	require.NoError(t, err)
	assert.True(t, signer.Verify(common.HexToHash(att.Hash), sig, h.signer.Address()))

	latest, ok, err := h.repo.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, att.Hash, latest.Hash)
}

func TestAttestHighVolatilityFallsBackToECDSA(t *testing.T) {
	// netDelta = |1 - 97.5/100| = 0.025 > 0.02
	h := newHarness(t, "100", "100", "97.5")

	att, err := h.attestor.Attest(context.Background(), AttestOptions{})
	require.NoError(t, err)

	assert.Equal(t, MethodECDSA, att.Method)
	assert.Equal(t, ReasonHighVolatility, att.FallbackReason)
	assert.Zero(t, h.prover.calls, "coprocessor is bypassed")
	require.Len(t, h.publisher.verified, 1)
	assert.Empty(t, h.publisher.zk)
	assert.True(t, h.publisher.verified[0].NetDelta.Equal(d("0.025")))
	assert.True(t, signer.Verify(common.HexToHash(att.Hash), h.publisher.signatures[0], h.signer.Address()))
}

func TestAttestThresholdBoundaryUsesZK(t *testing.T) {
	// netDelta = |1 - 98/100| = 0.02, exactly the threshold
	h := newHarness(t, "100", "100", "98")

	att, err := h.attestor.Attest(context.Background(), AttestOptions{})
	require.NoError(t, err)
	assert.Equal(t, MethodZK, att.Method)
	assert.Len(t, h.publisher.zk, 1)
}

func TestAttestZKErrorFallsBack(t *testing.T) {
	h := newHarness(t, "100", "100", "100")
	h.prover.err = errors.New("timeout")

	att, err := h.attestor.Attest(context.Background(), AttestOptions{})
	require.NoError(t, err)
	assert.Equal(t, MethodECDSA, att.Method)
	assert.Equal(t, ReasonZKError, att.FallbackReason)
	assert.Len(t, h.publisher.verified, 1)
}

func TestAttestInsolvencyShield(t *testing.T) {
	h := newHarness(t, "99", "100", "99")
	ctx := context.Background()

	att, err := h.attestor.Attest(ctx, AttestOptions{})
	require.ErrorIs(t, err, ErrInsolvent)
	assert.Equal(t, StatusWarningSolvency, att.Status)
	assert.False(t, att.Published)
	assert.Empty(t, h.publisher.zk)
	assert.Empty(t, h.publisher.verified)
	assert.True(t, h.attestor.Latched())

	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, alerting.SeverityCritical, h.alerts.alerts[0].Severity)
	assert.Equal(t, "insolvency", h.alerts.alerts[0].Category)

	_, ok, err := h.repo.Latest()
	require.NoError(t, err)
	assert.False(t, ok, "latest.json is not moved by a refused attestation")
	hist, err := h.repo.History(0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	// latched: a solvent reading still does not publish
	h.tvl.snap = snapshotOf("100", "100")
	h.venue.SetPosition(d("-100"))
	_, err = h.attestor.Attest(ctx, AttestOptions{})
	require.ErrorIs(t, err, ErrInsolvent)
	assert.Empty(t, h.publisher.zk)

	// override clears the latch and publishes
	att, err = h.attestor.Attest(ctx, AttestOptions{PublishInsolvent: true})
	require.NoError(t, err)
	assert.True(t, att.Published)
	assert.False(t, h.attestor.Latched())
}

func TestInsolvencyLatchSurvivesRestart(t *testing.T) {
	h := newHarness(t, "99", "100", "99")
	ctx := context.Background()

	_, err := h.attestor.Attest(ctx, AttestOptions{})
	require.ErrorIs(t, err, ErrInsolvent)
	latched, err := h.repo.InsolvencyLatched()
	require.NoError(t, err)
	assert.True(t, latched)

	restarted, err := NewAttestor(h.attestor.cfg, h.attestor.deps, zerolog.Nop())
	require.NoError(t, err)
	restarted.now = h.attestor.now
	assert.True(t, restarted.Latched())

	h.tvl.snap = snapshotOf("100", "100")
	h.venue.SetPosition(d("-100"))
	_, err = restarted.Attest(ctx, AttestOptions{})
	require.ErrorIs(t, err, ErrInsolvent)
	assert.Empty(t, h.publisher.zk)
	assert.Empty(t, h.publisher.verified)

	att, err := restarted.Attest(ctx, AttestOptions{PublishInsolvent: true})
	require.NoError(t, err)
	assert.True(t, att.Published)
	latched, err = h.repo.InsolvencyLatched()
	require.NoError(t, err)
	assert.False(t, latched)

	again, err := NewAttestor(h.attestor.cfg, h.attestor.deps, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, again.Latched())
}

func TestAttestPublishInsolventOverride(t *testing.T) {
	h := newHarness(t, "99", "100", "99")

	att, err := h.attestor.Attest(context.Background(), AttestOptions{PublishInsolvent: true})
	require.NoError(t, err)
	assert.Equal(t, StatusWarningSolvency, att.Status)
	assert.True(t, att.Published)
}

func TestAttestDryRunMakesNoCalls(t *testing.T) {
	h := newHarness(t, "100", "100", "100")

	att, err := h.attestor.Attest(context.Background(), AttestOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, att.DryRun)
	assert.False(t, att.Published)
	assert.Zero(t, h.prover.calls)
	assert.Empty(t, h.publisher.zk)
	assert.Zero(t, h.publisher.propagated)

	latest, ok, err := h.repo.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, latest.DryRun)
}

func TestAttestNoJSONSkipsArtifacts(t *testing.T) {
	h := newHarness(t, "100", "100", "100")

	_, err := h.attestor.Attest(context.Background(), AttestOptions{DryRun: true, NoJSON: true})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.dir, "por"))
	assert.True(t, os.IsNotExist(err))
}

func TestAttestTimestampsStrictlyMonotonic(t *testing.T) {
	h := newHarness(t, "100", "100", "100")
	ctx := context.Background()

	first, err := h.attestor.Attest(ctx, AttestOptions{DryRun: true})
	require.NoError(t, err)
	second, err := h.attestor.Attest(ctx, AttestOptions{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, first.Timestamp+1, second.Timestamp)
	hist, err := h.repo.History(0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestAttestRefusesStaleInputs(t *testing.T) {
	h := newHarness(t, "100", "100", "100")
	h.tvl.snap.ZeroAnomaly = true

	_, err := h.attestor.Attest(context.Background(), AttestOptions{})
	require.ErrorIs(t, err, ErrStaleInputs)

	h.tvl.snap.ZeroAnomaly = false
	h.venue.Unavailable = true
	_, err = h.attestor.Attest(context.Background(), AttestOptions{})
	require.ErrorIs(t, err, ErrVenueUnavailable)
	assert.Empty(t, h.publisher.zk)
}

func TestAttestSubmitFailureAlerts(t *testing.T) {
	h := newHarness(t, "100", "100", "100")
	h.publisher.submitErr = errors.New("nonce too low")

	att, err := h.attestor.Attest(context.Background(), AttestOptions{})
	require.Error(t, err)
	assert.False(t, att.Published)
	require.NotEmpty(t, h.alerts.alerts)
	assert.Equal(t, "publish_failed", h.alerts.alerts[0].Category)
}
