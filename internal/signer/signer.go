package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSigner marks any failure to load a key or produce a signature.
var ErrSigner = errors.New("signer error")

// Signer holds the operator key used for on-chain transactions and attestation signatures.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// FromHex parses a hex encoded secp256k1 private key, with or without 0x prefix.
func FromHex(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrSigner)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// the parse error may echo key material; keep it out of the message
		return nil, fmt.Errorf("%w: invalid private key", ErrSigner)
	}
	return New(key), nil
}

// New wraps an already loaded key.
func New(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the account controlled by the signer.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the key for collaborators that sign their own payloads (venue orders).
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// SignTx signs a transaction for the given chain id.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign tx: %v", ErrSigner, err)
	}
	return signed, nil
}

// SignMessage signs a 32-byte digest using the Ethereum signed-message prefix.
// The returned signature is 65 bytes with V in {27, 28}.
func (s *Signer) SignMessage(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign message: %v", ErrSigner, err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over hash.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrSigner, crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover: %v", ErrSigner, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over hash was produced by addr.
func Verify(hash common.Hash, sig []byte, addr common.Address) bool {
	recovered, err := Recover(hash, sig)
	if err != nil {
		return false
	}
	return recovered == addr
}
