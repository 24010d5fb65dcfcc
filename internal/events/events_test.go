package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCoalescesSameKindAndChain(t *testing.T) {
	q := NewQueue(8)
	for i := uint64(1); i <= 5; i++ {
		require.True(t, q.Publish(Event{Kind: KindDeposit, Chain: "base", Block: 100 + i}))
	}
	assert.Equal(t, 1, q.Len())

	ev, ok := q.TryNext()
	require.True(t, ok)
	assert.Equal(t, uint64(105), ev.Block)

	// an older block never rewinds the queued one
	q.Publish(Event{Kind: KindDeposit, Chain: "base", Block: 200})
	q.Publish(Event{Kind: KindDeposit, Chain: "base", Block: 150})
	ev, _ = q.TryNext()
	assert.Equal(t, uint64(200), ev.Block)
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(2)
	assert.True(t, q.Publish(Event{Kind: KindDeposit, Chain: "base", Block: 1}))
	assert.True(t, q.Publish(Event{Kind: KindDeposit, Chain: "arbitrum", Block: 1}))
	assert.False(t, q.Publish(Event{Kind: KindDeposit, Chain: "optimism", Block: 1}))
	// coalescing still works when full
	assert.True(t, q.Publish(Event{Kind: KindDeposit, Chain: "base", Block: 9}))
	assert.Equal(t, 2, q.Len())
}

func TestQueueOrdersSameChainByBlock(t *testing.T) {
	q := NewQueue(8)
	q.Publish(Event{Kind: KindTick})
	q.Publish(Event{Kind: KindDeposit, Chain: "base", Block: 120})
	q.Publish(Event{Kind: KindWithdraw, Chain: "arbitrum", Block: 10})
	q.Publish(Event{Kind: KindWithdraw, Chain: "base", Block: 110})

	var got []Event
	for q.Len() > 0 {
		ev, err := q.Next(context.Background())
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	assert.Equal(t, KindTick, got[0].Kind)
	assert.Equal(t, KindWithdraw, got[1].Kind)
	assert.Equal(t, uint64(110), got[1].Block)
	assert.Equal(t, KindDeposit, got[2].Kind)
	assert.Equal(t, "arbitrum", got[3].Chain)
}

func TestQueueNextBlocksUntilPublish(t *testing.T) {
	q := NewQueue(4)
	got := make(chan Event, 1)
	go func() {
		ev, err := q.Next(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Publish(Event{Kind: KindManual})

	select {
	case ev := <-got:
		assert.Equal(t, KindManual, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestQueueNextHonoursContext(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueDrainAndClose(t *testing.T) {
	q := NewQueue(4)
	q.Publish(Event{Kind: KindTick})
	q.Publish(Event{Kind: KindDeposit, Chain: "base", Block: 3})

	var handled []Kind
	n, err := q.Drain(context.Background(), func(_ context.Context, ev Event) { handled = append(handled, ev.Kind) })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []Kind{KindTick, KindDeposit}, handled)

	assert.False(t, q.Publish(Event{Kind: KindManual}))
	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKindForTopic(t *testing.T) {
	k, ok := KindForTopic(DepositTopic)
	assert.True(t, ok)
	assert.Equal(t, KindDeposit, k)
	k, ok = KindForTopic(WithdrawTopic)
	assert.True(t, ok)
	assert.Equal(t, KindWithdraw, k)
	_, ok = KindForTopic(common.HexToHash("0x01"))
	assert.False(t, ok)

	// keccak256("Deposit(address,address,uint256,uint256)")
	assert.Equal(t, "0xdcbc1c05240f31ff3ad067ef1ee35ce4997762752e3a095284754544f4c709d7", DepositTopic.Hex())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, time.Minute, 0))
	assert.Equal(t, 8*time.Second, Backoff(time.Second, time.Minute, 3))
	assert.Equal(t, time.Minute, Backoff(time.Second, time.Minute, 10))
}

type fakePoller struct {
	mu   sync.Mutex
	head uint64
	// heads, when set, are returned by successive BlockNumber calls before head.
	heads []uint64
	logs  []types.Log
	query []ethereum.FilterQuery
	err   error
}

func (p *fakePoller) BlockNumber(context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.heads) > 0 {
		h := p.heads[0]
		p.heads = p.heads[1:]
		return h, p.err
	}
	return p.head, p.err
}

func (p *fakePoller) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.query = append(p.query, q)
	if p.err != nil {
		return nil, p.err
	}
	var out []types.Log
	for _, lg := range p.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) ObserveEvent(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func vaultLog(topic common.Hash, block uint64) types.Log {
	return types.Log{Topics: []common.Hash{topic}, BlockNumber: block, TxHash: common.HexToHash("0xabc")}
}

func TestPollOnceQueuesVaultEvents(t *testing.T) {
	poller := &fakePoller{head: 100}
	q := NewQueue(8)
	obs := &recordingObserver{}
	s := NewSubscriber(SubscriberOptions{Chain: "base", Vault: common.HexToAddress("0x1")}, poller, q, obs, zerolog.Nop())

	require.NoError(t, s.PollOnce(context.Background()))
	assert.Equal(t, uint64(100), s.LastBlock())
	assert.Zero(t, q.Len())

	poller.mu.Lock()
	poller.head = 110
	poller.logs = []types.Log{
		vaultLog(DepositTopic, 101),
		vaultLog(DepositTopic, 105),
		vaultLog(WithdrawTopic, 107),
		vaultLog(common.HexToHash("0xdead"), 108),
	}
	poller.mu.Unlock()

	require.NoError(t, s.PollOnce(context.Background()))
	assert.Equal(t, uint64(110), s.LastBlock())
	assert.Equal(t, 2, q.Len())
	assert.Len(t, obs.events, 3)

	last := poller.query[len(poller.query)-1]
	assert.Equal(t, uint64(101), last.FromBlock.Uint64())
	assert.Equal(t, uint64(110), last.ToBlock.Uint64())

	ev, _ := q.TryNext()
	assert.Equal(t, KindDeposit, ev.Kind)
	assert.Equal(t, uint64(105), ev.Block)
}

func TestPollOnceCapsRange(t *testing.T) {
	poller := &fakePoller{head: 10}
	s := NewSubscriber(SubscriberOptions{Chain: "base"}, poller, NewQueue(4), nil, zerolog.Nop())
	require.NoError(t, s.PollOnce(context.Background()))

	poller.head = 10 + 5000
	require.NoError(t, s.PollOnce(context.Background()))
	assert.Equal(t, uint64(10+maxPollRange), s.LastBlock())
}

type fakeSub struct {
	errc chan error
	once sync.Once
}

func (s *fakeSub) Err() <-chan error { return s.errc }
func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }

type fakeStream struct {
	logs []types.Log
	fail error
}

func (f *fakeStream) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	sub := &fakeSub{errc: make(chan error, 1)}
	go func() {
		for _, lg := range f.logs {
			ch <- lg
		}
		time.Sleep(10 * time.Millisecond)
		sub.errc <- errors.New("connection reset")
	}()
	return sub, nil
}

func (f *fakeStream) Close() {}

func TestSubscribeStreamsThenReconnects(t *testing.T) {
	poller := &fakePoller{head: 50}
	q := NewQueue(8)

	dials := 0
	var mu sync.Mutex
	dial := func(context.Context, string) (LogStream, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return &fakeStream{logs: []types.Log{vaultLog(DepositTopic, 51), vaultLog(WithdrawTopic, 52)}}, nil
		}
		return nil, errors.New("dial refused")
	}

	s := NewSubscriber(SubscriberOptions{
		Chain:         "base",
		WSEndpoints:   []string{"wss://rpc.example/ws"},
		ReconnectBase: time.Millisecond,
		ReconnectMax:  2 * time.Millisecond,
		PollTakeover:  time.Hour,
		Dial:          dial,
	}, poller, q, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Subscribe(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 2, q.Len())
	assert.Empty(t, poller.query, "polling must not run while the stream is inside its takeover window")
}

func TestSubscribeFallsBackToPolling(t *testing.T) {
	poller := &fakePoller{heads: []uint64{50}, head: 60, logs: []types.Log{vaultLog(DepositTopic, 51)}}
	q := NewQueue(8)

	s := NewSubscriber(SubscriberOptions{
		Chain:         "base",
		WSEndpoints:   []string{"wss://rpc.example/ws"},
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
		PollTakeover:  time.Millisecond,
		PollInterval:  time.Millisecond,
		Dial: func(context.Context, string) (LogStream, error) {
			return &fakeStream{fail: errors.New("ws disabled")}, nil
		},
	}, poller, q, nil, zerolog.Nop())

	clock := time.Now()
	var clockMu sync.Mutex
	s.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Subscribe(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestStartPeriodicTickStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := StartPeriodicTick(ctx, time.Hour, NewQueue(1), zerolog.Nop())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishManual(t *testing.T) {
	q := NewQueue(1)
	assert.True(t, PublishManual(q))
	assert.True(t, PublishManual(q))
	assert.Equal(t, 1, q.Len())
}
