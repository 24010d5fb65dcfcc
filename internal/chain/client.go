package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"kerne-operator/internal/metrics"
)

// ErrAllEndpointsFailed is returned when no endpoint of a chain produced a usable answer.
var ErrAllEndpointsFailed = errors.New("all rpc endpoints failed")

// Backend is the subset of *ethclient.Client used by the adapter.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// DialFunc opens a backend for one endpoint URL.
type DialFunc func(ctx context.Context, url string) (Backend, error)

// DialEthclient is the production DialFunc.
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Options parameterise a per-chain client.
type Options struct {
	Name        string
	ChainID     int64
	Endpoints   []string
	Decimals    int32
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Dial        DialFunc
}

type endpoint struct {
	url      string
	backend  Backend
	failures int
	retryAt  time.Time
}

// Client reads and writes one chain through an ordered list of RPC endpoints.
// A failing endpoint is put on an exponential cooldown and the next one is tried.
type Client struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	endpoints []*endpoint

	txMu  sync.Mutex
	nonce map[common.Address]uint64
}

// NewClient builds a chain client. Endpoints are dialled lazily.
func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("chain %s: no rpc endpoints configured", opts.Name)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 4 * time.Second
	}
	if opts.Decimals == 0 {
		opts.Decimals = 18
	}
	if opts.Dial == nil {
		opts.Dial = DialEthclient
	}

	eps := make([]*endpoint, 0, len(opts.Endpoints))
	for _, url := range opts.Endpoints {
		eps = append(eps, &endpoint{url: url})
	}

	return &Client{
		opts:      opts,
		logger:    logger.With().Str("component", "chain").Str("chain", opts.Name).Logger(),
		now:       time.Now,
		endpoints: eps,
		nonce:     make(map[common.Address]uint64),
	}, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.opts.Name }

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int { return big.NewInt(c.opts.ChainID) }

// Decimals returns the asset decimals used for unit conversion.
func (c *Client) Decimals() int32 { return c.opts.Decimals }

// Close releases every dialled backend.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range c.endpoints {
		if ep.backend != nil {
			ep.backend.Close()
			ep.backend = nil
		}
	}
}

// do runs fn against the first healthy endpoint, failing over in order.
// Endpoints in cooldown are skipped unless every endpoint is cooling down.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context, b Backend) error) error {
	var lastErr error
	for _, ep := range c.candidates() {
		if err := ctx.Err(); err != nil {
			return err
		}

		backend, err := c.backend(ctx, ep)
		if err == nil {
			callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			err = fn(callCtx, backend)
			cancel()
		}
		if err == nil {
			c.markSuccess(ep)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
		c.markFailure(ep)
		metrics.ChainRPCFailures.WithLabelValues(c.opts.Name, op).Inc()
		c.logger.Warn().Err(err).Str("op", op).Str("endpoint", redactURL(ep.url)).Msg("rpc call failed, trying next endpoint")
	}
	return fmt.Errorf("%s on %s: %w: %v", op, c.opts.Name, ErrAllEndpointsFailed, lastErr)
}

func (c *Client) candidates() []*endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ready := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if !now.Before(ep.retryAt) {
			ready = append(ready, ep)
		}
	}
	if len(ready) == 0 {
		ready = append(ready, c.endpoints...)
	}
	return ready
}

func (c *Client) backend(ctx context.Context, ep *endpoint) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ep.backend != nil {
		return ep.backend, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	b, err := c.opts.Dial(dialCtx, ep.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ep.backend = b
	return b, nil
}

func (c *Client) markSuccess(ep *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep.failures = 0
	ep.retryAt = time.Time{}
}

func (c *Client) markFailure(ep *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep.failures++
	ep.retryAt = c.now().Add(backoff(c.opts.BackoffBase, c.opts.BackoffMax, ep.failures))
}

// permanentError stops failover; the next endpoint would fail the same way.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// isRevert reports whether the node rejected the call in the EVM; every endpoint would agree.
func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

// backoff returns base·2^(attempt-1) capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "block_number", func(ctx context.Context, b Backend) error {
		var err error
		n, err = b.BlockNumber(ctx)
		return err
	})
	return n, err
}

// FilterLogs runs eth_getLogs with failover.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "filter_logs", func(ctx context.Context, b Backend) error {
		var err error
		logs, err = b.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// Call executes a read-only contract call.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "call", func(ctx context.Context, b Backend) error {
		var err error
		out, err = b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	return out, err
}

// TxSigner signs transactions on behalf of an account.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Transact builds, signs and broadcasts a legacy transaction calling `to` with data.
// Nonces are serialized per account so concurrent writers never race.
func (c *Client) Transact(ctx context.Context, s TxSigner, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if value == nil {
		value = new(big.Int)
	}
	from := s.Address()

	var hash common.Hash
	err := c.do(ctx, "transact", func(ctx context.Context, b Backend) error {
		nonce, ok := c.nonce[from]
		if !ok {
			pending, err := b.PendingNonceAt(ctx, from)
			if err != nil {
				return fmt.Errorf("nonce: %w", err)
			}
			nonce = pending
		}

		gasPrice, err := b.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("gas price: %w", err)
		}
		gas, err := b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			err = fmt.Errorf("estimate gas: %w", err)
			if isRevert(err) {
				return &permanentError{err: err}
			}
			return err
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      gas + gas/5,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := s.SignTx(tx, c.ChainID())
		if err != nil {
			return &permanentError{err: err}
		}
		if err := b.SendTransaction(ctx, signed); err != nil {
			delete(c.nonce, from)
			return fmt.Errorf("send: %w", err)
		}
		c.nonce[from] = nonce + 1
		hash = signed.Hash()
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	c.logger.Info().Str("tx", hash.Hex()).Str("to", to.Hex()).Msg("transaction sent")
	return hash, nil
}

func redactURL(raw string) string {
	// provider URLs usually embed an API key in the path
	const keep = 32
	if len(raw) <= keep {
		return raw
	}
	return raw[:keep] + "..."
}
