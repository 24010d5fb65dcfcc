package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Kind classifies a rebalance trigger.
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindTick     Kind = "tick"
	KindManual   Kind = "manual"
)

// Event is one rebalance trigger. Chain is empty for ticks and manual triggers.
type Event struct {
	Kind   Kind
	Chain  string
	Block  uint64
	TxHash common.Hash
	At     time.Time
}

// ERC-4626 vault event topics. Presence alone triggers a rebalance; payloads are not decoded.
var (
	DepositTopic  = crypto.Keccak256Hash([]byte("Deposit(address,address,uint256,uint256)"))
	WithdrawTopic = crypto.Keccak256Hash([]byte("Withdraw(address,address,address,uint256,uint256)"))
)

// KindForTopic maps a topic-0 hash to an event kind.
func KindForTopic(topic common.Hash) (Kind, bool) {
	switch topic {
	case DepositTopic:
		return KindDeposit, true
	case WithdrawTopic:
		return KindWithdraw, true
	default:
		return "", false
	}
}

// Observer is told about every on-chain vault event before it is queued.
type Observer interface {
	ObserveEvent(ev Event)
}
