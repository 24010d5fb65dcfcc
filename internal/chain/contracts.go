package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	vaultABIJSON = `[
{"inputs":[],"name":"totalAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"paused","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"asset","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalPendingWithdrawals","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"updateOffChainAssets","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"pause","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

	erc20ABIJSON = `[
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

	rateProviderABIJSON = `[
{"inputs":[],"name":"getRate","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

	verificationNodeABIJSON = `[
{"inputs":[{"internalType":"address","name":"vault","type":"address"},{"internalType":"uint256","name":"offChainAssets","type":"uint256"},{"internalType":"uint256","name":"netDelta","type":"uint256"},{"internalType":"uint256","name":"exchangeEquity","type":"uint256"},{"internalType":"uint256","name":"timestamp","type":"uint256"},{"internalType":"bytes32","name":"proofHash","type":"bytes32"},{"internalType":"string","name":"proofIpfsHash","type":"string"},{"internalType":"bytes","name":"proverSignature","type":"bytes"}],"name":"submitZKAttestation","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"vault","type":"address"},{"internalType":"uint256","name":"offChainAssets","type":"uint256"},{"internalType":"uint256","name":"netDelta","type":"uint256"},{"internalType":"uint256","name":"exchangeEquity","type":"uint256"},{"internalType":"uint256","name":"timestamp","type":"uint256"},{"internalType":"bytes","name":"signature","type":"bytes"}],"name":"submitVerifiedAttestation","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint32","name":"dstEid","type":"uint32"},{"internalType":"bytes","name":"options","type":"bytes"}],"name":"quote","outputs":[{"internalType":"uint256","name":"nativeFee","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint32","name":"dstEid","type":"uint32"},{"internalType":"address","name":"vault","type":"address"},{"internalType":"bytes","name":"options","type":"bytes"}],"name":"syncAttestation","outputs":[],"stateMutability":"payable","type":"function"}
]`
)

// WadDecimals is the fixed-point scale used for ratios and USD amounts sent on-chain.
const WadDecimals = 18

var (
	vaultABI            abi.ABI
	erc20ABI            abi.ABI
	rateProviderABI     abi.ABI
	verificationNodeABI abi.ABI
)

func init() {
	vaultABI = mustParseABI("vault", vaultABIJSON)
	erc20ABI = mustParseABI("erc20", erc20ABIJSON)
	rateProviderABI = mustParseABI("rate provider", rateProviderABIJSON)
	verificationNodeABI = mustParseABI("verification node", verificationNodeABIJSON)
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// VaultState is a consistent read of one vault, taken against a single endpoint.
type VaultState struct {
	Vault       common.Address
	TotalAssets decimal.Decimal
	TotalSupply decimal.Decimal
	Block       uint64
	At          time.Time
}

// VaultState reads totalAssets, totalSupply and the block height from the same endpoint.
func (c *Client) VaultState(ctx context.Context, vault common.Address) (VaultState, error) {
	state := VaultState{Vault: vault}
	err := c.do(ctx, "vault_state", func(ctx context.Context, b Backend) error {
		assets, err := callUint(ctx, b, vaultABI, vault, "totalAssets")
		if err != nil {
			return err
		}
		supply, err := callUint(ctx, b, vaultABI, vault, "totalSupply")
		if err != nil {
			return err
		}
		block, err := b.BlockNumber(ctx)
		if err != nil {
			return err
		}
		state.TotalAssets = decimal.NewFromBigInt(assets, -c.opts.Decimals)
		state.TotalSupply = decimal.NewFromBigInt(supply, -c.opts.Decimals)
		state.Block = block
		state.At = c.now()
		return nil
	})
	return state, err
}

// Paused reports the vault's pause flag.
func (c *Client) Paused(ctx context.Context, vault common.Address) (bool, error) {
	var paused bool
	err := c.do(ctx, "paused", func(ctx context.Context, b Backend) error {
		out, err := call(ctx, b, vaultABI, vault, "paused")
		if err != nil {
			return err
		}
		v, ok := out[0].(bool)
		if !ok {
			return errors.New("malformed paused() response")
		}
		paused = v
		return nil
	})
	return paused, err
}

// AssetBalance returns the concrete balance of the vault's underlying asset held by the vault.
func (c *Client) AssetBalance(ctx context.Context, vault common.Address) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := c.do(ctx, "asset_balance", func(ctx context.Context, b Backend) error {
		out, err := call(ctx, b, vaultABI, vault, "asset")
		if err != nil {
			return err
		}
		asset, ok := out[0].(common.Address)
		if !ok {
			return errors.New("malformed asset() response")
		}
		raw, err := callUint(ctx, b, erc20ABI, asset, "balanceOf", vault)
		if err != nil {
			return err
		}
		bal = decimal.NewFromBigInt(raw, -c.opts.Decimals)
		return nil
	})
	return bal, err
}

// PendingWithdrawals returns queued withdrawals; vaults without a queue report zero.
func (c *Client) PendingWithdrawals(ctx context.Context, vault common.Address) (decimal.Decimal, error) {
	pending := decimal.Zero
	err := c.do(ctx, "pending_withdrawals", func(ctx context.Context, b Backend) error {
		raw, err := callUint(ctx, b, vaultABI, vault, "totalPendingWithdrawals")
		if err != nil {
			if isRevertMessage(err) {
				pending = decimal.Zero
				return nil
			}
			return err
		}
		pending = decimal.NewFromBigInt(raw, -c.opts.Decimals)
		return nil
	})
	return pending, err
}

// Rate reads getRate() from an LST rate provider, scaled to 1e18.
func (c *Client) Rate(ctx context.Context, provider common.Address) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := c.do(ctx, "rate", func(ctx context.Context, b Backend) error {
		raw, err := callUint(ctx, b, rateProviderABI, provider, "getRate")
		if err != nil {
			return err
		}
		rate = decimal.NewFromBigInt(raw, -WadDecimals)
		return nil
	})
	return rate, err
}

// UpdateOffChainAssets reports the off-chain asset value to the vault.
func (c *Client) UpdateOffChainAssets(ctx context.Context, s TxSigner, vault common.Address, amount decimal.Decimal) (common.Hash, error) {
	data, err := vaultABI.Pack("updateOffChainAssets", ToUnits(amount, c.opts.Decimals))
	if err != nil {
		return common.Hash{}, err
	}
	return c.Transact(ctx, s, vault, data, nil)
}

// Pause invokes the vault's emergency pause.
func (c *Client) Pause(ctx context.Context, s TxSigner, vault common.Address) (common.Hash, error) {
	data, err := vaultABI.Pack("pause")
	if err != nil {
		return common.Hash{}, err
	}
	return c.Transact(ctx, s, vault, data, nil)
}

// Submission carries the numeric attestation fields common to both tracks.
type Submission struct {
	Vault          common.Address
	OffChainAssets decimal.Decimal
	NetDelta       decimal.Decimal
	ExchangeEquity decimal.Decimal
	Timestamp      int64
}

// SubmitZKAttestation publishes a coprocessor-backed attestation.
func (c *Client) SubmitZKAttestation(ctx context.Context, s TxSigner, node common.Address, sub Submission, proofHash common.Hash, proofIPFS string, proverSig []byte) (common.Hash, error) {
	data, err := verificationNodeABI.Pack("submitZKAttestation",
		sub.Vault,
		ToUnits(sub.OffChainAssets, c.opts.Decimals),
		ToUnits(sub.NetDelta, WadDecimals),
		ToUnits(sub.ExchangeEquity, WadDecimals),
		big.NewInt(sub.Timestamp),
		[32]byte(proofHash),
		proofIPFS,
		proverSig,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack submitZKAttestation: %w", err)
	}
	return c.Transact(ctx, s, node, data, nil)
}

// SubmitVerifiedAttestation publishes an ECDSA-signed attestation.
func (c *Client) SubmitVerifiedAttestation(ctx context.Context, s TxSigner, node common.Address, sub Submission, signature []byte) (common.Hash, error) {
	data, err := verificationNodeABI.Pack("submitVerifiedAttestation",
		sub.Vault,
		ToUnits(sub.OffChainAssets, c.opts.Decimals),
		ToUnits(sub.NetDelta, WadDecimals),
		ToUnits(sub.ExchangeEquity, WadDecimals),
		big.NewInt(sub.Timestamp),
		signature,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack submitVerifiedAttestation: %w", err)
	}
	return c.Transact(ctx, s, node, data, nil)
}

// QuoteSync asks the verification node for the messaging fee to reach dstEID.
func (c *Client) QuoteSync(ctx context.Context, node common.Address, dstEID uint32, options []byte) (*big.Int, error) {
	var fee *big.Int
	err := c.do(ctx, "quote", func(ctx context.Context, b Backend) error {
		raw, err := callUint(ctx, b, verificationNodeABI, node, "quote", dstEID, options)
		if err != nil {
			return err
		}
		fee = raw
		return nil
	})
	return fee, err
}

// SyncAttestation propagates the latest attestation of vault to dstEID, paying fee.
func (c *Client) SyncAttestation(ctx context.Context, s TxSigner, node common.Address, dstEID uint32, vault common.Address, options []byte, fee *big.Int) (common.Hash, error) {
	data, err := verificationNodeABI.Pack("syncAttestation", dstEID, vault, options)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack syncAttestation: %w", err)
	}
	return c.Transact(ctx, s, node, data, fee)
}

// ToUnits converts a decimal amount into integer base units.
func ToUnits(amount decimal.Decimal, decimals int32) *big.Int {
	if amount.IsNegative() {
		return new(big.Int)
	}
	return amount.Shift(decimals).BigInt()
}

func call(ctx context.Context, b Backend, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return outputs, nil
}

func callUint(ctx context.Context, b Backend, contract abi.ABI, to common.Address, method string, args ...interface{}) (*big.Int, error) {
	out, err := call(ctx, b, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return v, nil
}

func isRevertMessage(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}
