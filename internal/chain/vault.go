package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrNoSigner is returned by writes on a vault bound without a signer.
var ErrNoSigner = errors.New("no signer configured for vault writes")

// Vault binds one vault address and the operator signer to a chain client.
type Vault struct {
	client *Client
	signer TxSigner
	addr   common.Address
}

// NewVault binds addr on client. signer may be nil for read-only use.
func NewVault(client *Client, signer TxSigner, addr common.Address) *Vault {
	return &Vault{client: client, signer: signer, addr: addr}
}

// Chain returns the chain name.
func (v *Vault) Chain() string { return v.client.Name() }

// Address returns the vault address.
func (v *Vault) Address() common.Address { return v.addr }

// Paused reports the vault's pause flag.
func (v *Vault) Paused(ctx context.Context) (bool, error) {
	return v.client.Paused(ctx, v.addr)
}

// ReportOffChainAssets calls updateOffChainAssets with amount in asset units.
func (v *Vault) ReportOffChainAssets(ctx context.Context, amount decimal.Decimal) (common.Hash, error) {
	if v.signer == nil {
		return common.Hash{}, ErrNoSigner
	}
	return v.client.UpdateOffChainAssets(ctx, v.signer, v.addr, amount)
}

// Pause halts the vault. It satisfies the sentinel's pauser.
func (v *Vault) Pause(ctx context.Context) error {
	if v.signer == nil {
		return ErrNoSigner
	}
	_, err := v.client.Pause(ctx, v.signer, v.addr)
	return err
}
