package por

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"kerne-operator/internal/chain"
)

// SyncResult is the outcome of propagating to one peer chain.
type SyncResult struct {
	EndpointID uint32
	Fee        *big.Int
	TxHash     common.Hash
	Err        error
}

// Publisher submits attestations on the home chain and propagates them to peers.
type Publisher interface {
	SubmitZK(ctx context.Context, sub chain.Submission, proof ZKProof) (common.Hash, error)
	SubmitVerified(ctx context.Context, sub chain.Submission, signature []byte) (common.Hash, error)
	Propagate(ctx context.Context, vault common.Address) []SyncResult
}

// nodeClient is the subset of *chain.Client used by ChainPublisher.
type nodeClient interface {
	SubmitZKAttestation(ctx context.Context, s chain.TxSigner, node common.Address, sub chain.Submission, proofHash common.Hash, proofIPFS string, proverSig []byte) (common.Hash, error)
	SubmitVerifiedAttestation(ctx context.Context, s chain.TxSigner, node common.Address, sub chain.Submission, signature []byte) (common.Hash, error)
	QuoteSync(ctx context.Context, node common.Address, dstEID uint32, options []byte) (*big.Int, error)
	SyncAttestation(ctx context.Context, s chain.TxSigner, node common.Address, dstEID uint32, vault common.Address, options []byte, fee *big.Int) (common.Hash, error)
}

// ChainPublisher publishes through the home chain's verification node.
type ChainPublisher struct {
	client  nodeClient
	signer  chain.TxSigner
	node    common.Address
	peers   []uint32
	options []byte
	logger  zerolog.Logger
}

// NewChainPublisher wires a publisher. peers are the messaging endpoint ids of every other chain.
func NewChainPublisher(client *chain.Client, signer chain.TxSigner, node common.Address, peers []uint32, options []byte, logger zerolog.Logger) *ChainPublisher {
	return newChainPublisher(client, signer, node, peers, options, logger)
}

func newChainPublisher(client nodeClient, signer chain.TxSigner, node common.Address, peers []uint32, options []byte, logger zerolog.Logger) *ChainPublisher {
	return &ChainPublisher{
		client:  client,
		signer:  signer,
		node:    node,
		peers:   peers,
		options: options,
		logger:  logger.With().Str("component", "por_publisher").Logger(),
	}
}

func (p *ChainPublisher) SubmitZK(ctx context.Context, sub chain.Submission, proof ZKProof) (common.Hash, error) {
	return p.client.SubmitZKAttestation(ctx, p.signer, p.node, sub, proof.ProofHash, proof.IPFSCID, proof.ProverSignature)
}

func (p *ChainPublisher) SubmitVerified(ctx context.Context, sub chain.Submission, signature []byte) (common.Hash, error) {
	return p.client.SubmitVerifiedAttestation(ctx, p.signer, p.node, sub, signature)
}

// Propagate quotes and pays the messaging fee for every peer. One failing peer does not stop the others.
func (p *ChainPublisher) Propagate(ctx context.Context, vault common.Address) []SyncResult {
	results := make([]SyncResult, 0, len(p.peers))
	for _, eid := range p.peers {
		res := SyncResult{EndpointID: eid}
		fee, err := p.client.QuoteSync(ctx, p.node, eid, p.options)
		if err != nil {
			res.Err = fmt.Errorf("quote %d: %w", eid, err)
			results = append(results, res)
			continue
		}
		if fee == nil {
			res.Err = errors.New("empty fee quote")
			results = append(results, res)
			continue
		}
		res.Fee = fee
		res.TxHash, err = p.client.SyncAttestation(ctx, p.signer, p.node, eid, vault, p.options, fee)
		if err != nil {
			res.Err = fmt.Errorf("sync %d: %w", eid, err)
		}
		results = append(results, res)
	}
	return results
}

var _ Publisher = (*ChainPublisher)(nil)
