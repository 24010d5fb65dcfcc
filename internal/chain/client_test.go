package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerne-operator/internal/signer"
)

type fakeBackend struct {
	mu        sync.Mutex
	fail      error
	responses map[string][]byte
	reverts   map[string]bool
	block     uint64
	nonce     uint64
	sent      []*types.Transaction
	calls     int
	estimates int
	gasErr    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{responses: map[string][]byte{}, reverts: map[string]bool{}, block: 100}
}

func (f *fakeBackend) respond(contract abi.ABI, method string, values ...interface{}) {
	out, err := contract.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic(err)
	}
	f.responses[string(contract.Methods[method].ID)] = out
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	sel := string(msg.Data[:4])
	if f.reverts[sel] {
		return nil, errors.New("execution reverted")
	}
	out, ok := f.responses[sel]
	if !ok {
		return nil, errors.New("unexpected call")
	}
	return out, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	return f.block, nil
}

func (f *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, f.fail
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimates++
	if f.gasErr != nil {
		return 0, f.gasErr
	}
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) Close() {}

func newTestClient(t *testing.T, backends map[string]*fakeBackend, urls ...string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		Name:      "base",
		ChainID:   8453,
		Endpoints: urls,
		Dial: func(_ context.Context, url string) (Backend, error) {
			b, ok := backends[url]
			if !ok {
				return nil, errors.New("unknown endpoint")
			}
			return b, nil
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func wei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestVaultStateFailsOverToSecondEndpoint(t *testing.T) {
	bad := newFakeBackend()
	bad.fail = errors.New("429 too many requests")
	good := newFakeBackend()
	good.respond(vaultABI, "totalAssets", wei(100))
	good.respond(vaultABI, "totalSupply", wei(95))
	good.block = 1234

	c := newTestClient(t, map[string]*fakeBackend{"a": bad, "b": good}, "a", "b")

	state, err := c.VaultState(context.Background(), common.HexToAddress("0x1"))
	require.NoError(t, err)
	assert.True(t, state.TotalAssets.Equal(decimal.NewFromInt(100)))
	assert.True(t, state.TotalSupply.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, uint64(1234), state.Block)
	assert.False(t, state.At.IsZero())

	// the failing endpoint is cooling down and is skipped on the next read
	badCalls := bad.calls
	_, err = c.VaultState(context.Background(), common.HexToAddress("0x1"))
	require.NoError(t, err)
	assert.Equal(t, badCalls, bad.calls)
}

func TestAllEndpointsFailed(t *testing.T) {
	a := newFakeBackend()
	a.fail = errors.New("timeout")
	b := newFakeBackend()
	b.fail = errors.New("502")

	c := newTestClient(t, map[string]*fakeBackend{"a": a, "b": b}, "a", "b")
	_, err := c.VaultState(context.Background(), common.HexToAddress("0x1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllEndpointsFailed))
}

func TestPendingWithdrawalsZeroWhenNotExposed(t *testing.T) {
	b := newFakeBackend()
	b.reverts[string(vaultABI.Methods["totalPendingWithdrawals"].ID)] = true

	c := newTestClient(t, map[string]*fakeBackend{"a": b}, "a")
	pending, err := c.PendingWithdrawals(context.Background(), common.HexToAddress("0x1"))
	require.NoError(t, err)
	assert.True(t, pending.IsZero())
}

func TestAssetBalanceReadsUnderlying(t *testing.T) {
	b := newFakeBackend()
	b.respond(vaultABI, "asset", common.HexToAddress("0xbeef"))
	b.respond(erc20ABI, "balanceOf", wei(42))

	c := newTestClient(t, map[string]*fakeBackend{"a": b}, "a")
	bal, err := c.AssetBalance(context.Background(), common.HexToAddress("0x1"))
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(42)))
}

func TestTransactIncrementsNonceLocally(t *testing.T) {
	b := newFakeBackend()
	b.nonce = 7
	c := newTestClient(t, map[string]*fakeBackend{"a": b}, "a")

	s, err := signer.FromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)

	vault := common.HexToAddress("0x1")
	_, err = c.UpdateOffChainAssets(context.Background(), s, vault, decimal.NewFromInt(3))
	require.NoError(t, err)
	_, err = c.Pause(context.Background(), s, vault)
	require.NoError(t, err)

	require.Len(t, b.sent, 2)
	assert.Equal(t, uint64(7), b.sent[0].Nonce())
	assert.Equal(t, uint64(8), b.sent[1].Nonce())
	assert.True(t, bytes.HasPrefix(b.sent[1].Data(), vaultABI.Methods["pause"].ID))

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), b.sent[0])
	require.NoError(t, err)
	assert.Equal(t, s.Address(), sender)
}

type revertError struct{}

func (revertError) Error() string          { return "execution reverted: Pausable: paused" }
func (revertError) ErrorCode() int         { return 3 }
func (revertError) ErrorData() interface{} { return "0x08c379a0" }

func TestTransactRevertDoesNotFailOver(t *testing.T) {
	for name, gasErr := range map[string]error{
		"rpc code":     revertError{},
		"message only": errors.New("execution reverted"),
	} {
		t.Run(name, func(t *testing.T) {
			a := newFakeBackend()
			a.gasErr = gasErr
			b := newFakeBackend()
			c := newTestClient(t, map[string]*fakeBackend{"a": a, "b": b}, "a", "b")

			s, err := signer.FromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
			require.NoError(t, err)

			_, err = c.Pause(context.Background(), s, common.HexToAddress("0x1"))
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrAllEndpointsFailed)
			assert.Contains(t, err.Error(), "execution reverted")
			assert.Equal(t, 1, a.estimates)
			assert.Zero(t, b.estimates, "a revert is not retried on the next endpoint")
			assert.Empty(t, b.sent)
			assert.Len(t, c.candidates(), 2, "a revert does not put the endpoint in cooldown")
		})
	}
}

func TestTransactTransientGasErrorFailsOver(t *testing.T) {
	a := newFakeBackend()
	a.gasErr = errors.New("503 service unavailable")
	b := newFakeBackend()
	c := newTestClient(t, map[string]*fakeBackend{"a": a, "b": b}, "a", "b")

	s, err := signer.FromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)

	_, err = c.Pause(context.Background(), s, common.HexToAddress("0x1"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.estimates)
	assert.Len(t, b.sent, 1)
}

func TestBackoffCapped(t *testing.T) {
	base, max := 250*time.Millisecond, 4*time.Second
	assert.Equal(t, 250*time.Millisecond, backoff(base, max, 1))
	assert.Equal(t, 500*time.Millisecond, backoff(base, max, 2))
	assert.Equal(t, 2*time.Second, backoff(base, max, 4))
	assert.Equal(t, 4*time.Second, backoff(base, max, 10))
}

func TestToUnits(t *testing.T) {
	assert.Equal(t, "1500000000000000000", ToUnits(decimal.RequireFromString("1.5"), 18).String())
	assert.Equal(t, "0", ToUnits(decimal.NewFromInt(-1), 18).String())
}
