package events

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"kerne-operator/internal/metrics"
)

const (
	transportStream = "ws"
	transportPoll   = "poll"

	// maxPollRange caps one eth_getLogs window.
	maxPollRange = 2000
)

// LogStream is a push transport for vault logs.
type LogStream interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// StreamDialer opens a LogStream on a websocket URL.
type StreamDialer func(ctx context.Context, url string) (LogStream, error)

// DialWebsocket dials a go-ethereum websocket client.
func DialWebsocket(ctx context.Context, url string) (LogStream, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// LogPoller is the request/response transport; *chain.Client satisfies it.
type LogPoller interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// SubscriberOptions tune one chain's subscription.
type SubscriberOptions struct {
	Chain        string
	Vault        common.Address
	WSEndpoints  []string
	PollInterval time.Duration
	// PollTakeover is how long the stream may stay down before polling takes over.
	PollTakeover  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	RPCTimeout    time.Duration
	Dial          StreamDialer
}

func (o *SubscriberOptions) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.PollTakeover <= 0 {
		o.PollTakeover = 2 * time.Minute
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = time.Minute
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 10 * time.Second
	}
	if o.Dial == nil {
		o.Dial = DialWebsocket
	}
}

// Subscriber turns vault Deposit/Withdraw logs of one chain into queued events.
// Exactly one transport runs at a time: the websocket stream when it is healthy,
// HTTP polling when no stream is configured or it has been down past the takeover deadline.
type Subscriber struct {
	opts     SubscriberOptions
	poller   LogPoller
	queue    *Queue
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	lastBlock uint64
}

// NewSubscriber wires a subscriber. observer may be nil.
func NewSubscriber(opts SubscriberOptions, poller LogPoller, queue *Queue, observer Observer, logger zerolog.Logger) *Subscriber {
	opts.applyDefaults()
	return &Subscriber{
		opts:     opts,
		poller:   poller,
		queue:    queue,
		observer: observer,
		logger:   logger.With().Str("component", "subscriber").Str("chain", opts.Chain).Logger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Subscribe runs until ctx is cancelled. Transport failures are logged and retried; they never
// end the loop.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	if head, err := s.head(ctx); err == nil {
		s.lastBlock = head
	} else {
		s.logger.Warn().Err(err).Msg("initial block number unavailable")
	}

	if len(s.opts.WSEndpoints) == 0 {
		s.logger.Info().Msg("no websocket endpoint configured; polling")
		s.poll(ctx, 0)
		return nil
	}

	var downSince time.Time
	attempt := 0
	for ctx.Err() == nil {
		established, err := s.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			attempt = 0
			downSince = s.now()
		} else if downSince.IsZero() {
			downSince = s.now()
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("log stream down")

		if s.now().Sub(downSince) >= s.opts.PollTakeover {
			s.logger.Warn().Dur("down_for", s.now().Sub(downSince)).Msg("polling takes over")
			s.poll(ctx, s.opts.ReconnectMax)
			continue
		}

		if err := s.sleep(ctx, Backoff(s.opts.ReconnectBase, s.opts.ReconnectMax, attempt)); err != nil {
			return nil
		}
		attempt++
	}
	return nil
}

// stream consumes the websocket subscription until it fails. established reports whether the
// subscription was set up before failing.
func (s *Subscriber) stream(ctx context.Context) (established bool, err error) {
	for _, url := range s.opts.WSEndpoints {
		dialCtx, cancel := context.WithTimeout(ctx, s.opts.RPCTimeout)
		var ls LogStream
		ls, err = s.opts.Dial(dialCtx, url)
		cancel()
		if err != nil {
			continue
		}

		logs := make(chan types.Log, 64)
		var sub ethereum.Subscription
		sub, err = ls.SubscribeFilterLogs(ctx, s.query(nil, nil), logs)
		if err != nil {
			ls.Close()
			continue
		}

		s.logger.Info().Msg("log stream established")
		err = s.consume(ctx, sub, logs)
		sub.Unsubscribe()
		ls.Close()
		return true, err
	}
	if err == nil {
		err = errors.New("no websocket endpoint available")
	}
	return false, fmt.Errorf("subscribe logs: %w", err)
}

func (s *Subscriber) consume(ctx context.Context, sub ethereum.Subscription, logs <-chan types.Log) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case lg := <-logs:
			s.handle(lg, transportStream)
		}
	}
}

// poll runs FilterLogs from the last seen block every PollInterval. A positive window bounds how
// long polling runs before the caller retries the stream.
func (s *Subscriber) poll(ctx context.Context, window time.Duration) {
	started := s.now()
	for {
		if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("log poll failed")
		}
		if window > 0 && s.now().Sub(started) >= window {
			return
		}
		if err := s.sleep(ctx, s.opts.PollInterval); err != nil {
			return
		}
	}
}

// PollOnce fetches logs between the last seen block and the current head.
func (s *Subscriber) PollOnce(ctx context.Context) error {
	head, err := s.head(ctx)
	if err != nil {
		return err
	}
	if s.lastBlock == 0 {
		s.lastBlock = head
		return nil
	}
	if head <= s.lastBlock {
		return nil
	}

	from := s.lastBlock + 1
	to := head
	if to-from+1 > maxPollRange {
		to = from + maxPollRange - 1
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RPCTimeout)
	defer cancel()
	logs, err := s.poller.FilterLogs(callCtx, s.query(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
	if err != nil {
		return fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	for _, lg := range logs {
		s.handle(lg, transportPoll)
	}
	if to > s.lastBlock {
		s.lastBlock = to
	}
	return nil
}

func (s *Subscriber) head(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RPCTimeout)
	defer cancel()
	return s.poller.BlockNumber(callCtx)
}

func (s *Subscriber) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{s.opts.Vault},
		Topics:    [][]common.Hash{{DepositTopic, WithdrawTopic}},
	}
}

func (s *Subscriber) handle(lg types.Log, transport string) {
	if lg.Removed || len(lg.Topics) == 0 {
		return
	}
	kind, ok := KindForTopic(lg.Topics[0])
	if !ok {
		return
	}
	if lg.BlockNumber > s.lastBlock {
		s.lastBlock = lg.BlockNumber
	}

	ev := Event{Kind: kind, Chain: s.opts.Chain, Block: lg.BlockNumber, TxHash: lg.TxHash, At: s.now()}
	metrics.EventsReceived.WithLabelValues(string(kind), transport).Inc()
	if s.observer != nil {
		s.observer.ObserveEvent(ev)
	}
	if !s.queue.Publish(ev) {
		s.logger.Warn().Str("kind", string(kind)).Uint64("block", lg.BlockNumber).Msg("event queue full; event dropped")
		return
	}
	s.logger.Debug().Str("kind", string(kind)).Uint64("block", lg.BlockNumber).Str("transport", transport).Msg("vault event queued")
}

// LastBlock returns the highest block seen.
func (s *Subscriber) LastBlock() uint64 { return s.lastBlock }

// Backoff returns base·2^attempt capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
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

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
