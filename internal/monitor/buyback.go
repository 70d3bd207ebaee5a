package monitor

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"launchwatch/internal/contracts"
	"launchwatch/internal/models"
	"launchwatch/internal/rpcpool"
)

// Subscriber is the push transport the live monitors attach to.
// *rpcpool.PushClient satisfies it.
type Subscriber interface {
	Connect(ctx context.Context) error
	AddSubscription(q ethereum.FilterQuery, handler rpcpool.LogHandler)
	Connected() bool
	Destroy()
}

const dedupCacheSize = 1000

// BuybackTracker watches base-token outflows from the buyback wallet and
// derives spend rate, ETA and progress against the budget fixed at the end of
// the launch window.
type BuybackTracker struct {
	token   common.Address
	wallet  common.Address
	window  time.Duration
	stall   time.Duration
	now     func() time.Time
	onSpend func(amount *big.Int)

	seen *lru.Cache[string, struct{}]

	mu         sync.Mutex
	budget     *big.Int
	spentTotal *big.Int
	recent     []spend
	lastTx     *big.Int
	lastSpend  time.Time
	stallFired bool
}

type spend struct {
	at     time.Time
	amount *big.Int
}

// NewBuybackTracker builds a tracker over the rate window and stall alert
// durations. onSpend, when non-nil, fires once per deduplicated buyback
// transfer.
func NewBuybackTracker(token, wallet common.Address, window, stall time.Duration, onSpend func(*big.Int)) *BuybackTracker {
	seen, _ := lru.New[string, struct{}](dedupCacheSize)
	return &BuybackTracker{
		token:      token,
		wallet:     wallet,
		window:     window,
		stall:      stall,
		now:        time.Now,
		onSpend:    onSpend,
		seen:       seen,
		budget:     new(big.Int),
		spentTotal: new(big.Int),
		lastTx:     new(big.Int),
	}
}

// Start fixes the budget and subscribes to transfers out of the buyback
// wallet. The sender is filtered server-side via the indexed from topic.
func (b *BuybackTracker) Start(ctx context.Context, sub Subscriber, budget *big.Int) error {
	b.mu.Lock()
	b.budget = new(big.Int).Set(budget)
	b.mu.Unlock()

	q := ethereum.FilterQuery{
		Addresses: []common.Address{b.token},
		Topics: [][]common.Hash{
			{contracts.TransferTopic},
			{contracts.AddressTopic(b.wallet)},
		},
	}
	sub.AddSubscription(q, b.handleLog)
	if err := sub.Connect(ctx); err != nil {
		return err
	}
	log.Printf("[buyback] tracking wallet %s budget=%s", b.wallet.Hex(), budget.String())
	return nil
}

func (b *BuybackTracker) handleLog(lg types.Log) {
	if lg.Removed {
		return
	}
	tr, ok := contracts.DecodeTransfer(lg)
	if !ok || tr.From != b.wallet {
		return
	}
	// One buyback tx can emit several transfers; key on hash+index.
	key := lg.TxHash.Hex() + ":" + itoa(lg.Index)
	if found, _ := b.seen.ContainsOrAdd(key, struct{}{}); found {
		return
	}
	b.record(tr.Value, b.now())
	if b.onSpend != nil {
		b.onSpend(new(big.Int).Set(tr.Value))
	}
}

func itoa(n uint) string {
	return new(big.Int).SetUint64(uint64(n)).String()
}

func (b *BuybackTracker) record(amount *big.Int, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spentTotal.Add(b.spentTotal, amount)
	b.lastTx = new(big.Int).Set(amount)
	b.lastSpend = at
	b.stallFired = false
	b.recent = append(b.recent, spend{at: at, amount: new(big.Int).Set(amount)})
	b.pruneLocked(at)
}

func (b *BuybackTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.recent) && b.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.recent = append(b.recent[:0], b.recent[i:]...)
	}
}

// Status derives the spend view at the current moment. The rate is computed
// over the sliding window, scaled to per-hour display units.
func (b *BuybackTracker) Status() models.BuybackStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pruneLocked(now)

	inWindow := new(big.Int)
	for _, s := range b.recent {
		inWindow.Add(inWindow, s.amount)
	}

	rate := 0.0
	if sec := b.window.Seconds(); sec > 0 {
		rate = models.UnitsToFloat(inWindow) / sec * 3600
	}

	remaining := new(big.Int).Sub(b.budget, b.spentTotal)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}

	var eta *float64
	if rate > 0 {
		h := models.UnitsToFloat(remaining) / rate
		eta = &h
	}

	progress := 0.0
	if b.budget.Sign() > 0 {
		// Multiply before dividing so round percentages come out exact.
		scaled := new(big.Float).SetInt(new(big.Int).Mul(b.spentTotal, big.NewInt(100)))
		budget := new(big.Float).SetInt(b.budget)
		progress, _ = new(big.Float).Quo(scaled, budget).Float64()
		if progress > 100 {
			progress = 100
		}
	}

	st := models.BuybackStatus{
		SpentTotal:    b.spentTotal.String(),
		SpentInWindow: inWindow.String(),
		RatePerHour:   rate,
		Remaining:     remaining.String(),
		EtaHours:      eta,
		Progress:      progress,
	}
	if b.lastTx.Sign() > 0 {
		st.LastTxAmount = b.lastTx.String()
	}
	return st
}

// CheckStall reports true exactly once when at least one spend has been
// observed, the budget is still unmet, and no spend has landed for the stall
// duration. The alert re-arms as soon as a new spend arrives.
func (b *BuybackTracker) CheckStall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stallFired || b.lastSpend.IsZero() {
		return false
	}
	if b.budget.Sign() <= 0 || b.spentTotal.Cmp(b.budget) >= 0 {
		return false
	}
	if b.now().Sub(b.lastSpend) < b.stall {
		return false
	}
	b.stallFired = true
	return true
}

// Complete reports whether the cumulative spend has reached the budget.
// A zero budget means there is nothing to buy back.
func (b *BuybackTracker) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.budget.Sign() <= 0 {
		return true
	}
	return b.spentTotal.Cmp(b.budget) >= 0
}

// SpentTotal returns the cumulative spend in base units.
func (b *BuybackTracker) SpentTotal() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.spentTotal)
}
