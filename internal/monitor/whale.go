package monitor

import (
	"context"
	"fmt"
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

// WhaleDetector emits a trade event whenever a single pool interaction moves
// more than the configured base-token threshold. It understands both pool
// shapes: graduated AMM-v2 pairs (Swap logs) and pre-graduation bonding
// curves (base-token Transfer logs touching the curve).
type WhaleDetector struct {
	pool      common.Address
	baseToken common.Address
	threshold *big.Int
	onTrade   func(models.WhaleTrade)
	now       func() time.Time

	seen *lru.Cache[string, struct{}]

	mu         sync.Mutex
	baseIsTok0 bool
}

// NewWhaleDetector builds a detector for one watched pool. onTrade receives
// each deduplicated trade in on-chain order.
func NewWhaleDetector(pool, baseToken common.Address, threshold *big.Int, onTrade func(models.WhaleTrade)) *WhaleDetector {
	seen, _ := lru.New[string, struct{}](dedupCacheSize)
	return &WhaleDetector{
		pool:      pool,
		baseToken: baseToken,
		threshold: new(big.Int).Set(threshold),
		onTrade:   onTrade,
		now:       time.Now,
		seen:      seen,
	}
}

// StartAMM orients the pair (token0 read) and subscribes to its Swap logs.
func (w *WhaleDetector) StartAMM(ctx context.Context, backend rpcpool.Backend, sub Subscriber) error {
	token0, err := contracts.Token0(ctx, backend, w.pool)
	if err != nil {
		return fmt.Errorf("read token0 of %s: %w", w.pool.Hex(), err)
	}
	w.mu.Lock()
	w.baseIsTok0 = token0 == w.baseToken
	w.mu.Unlock()

	q := ethereum.FilterQuery{
		Addresses: []common.Address{w.pool},
		Topics:    [][]common.Hash{{contracts.SwapTopic}},
	}
	sub.AddSubscription(q, w.handleSwap)
	if err := sub.Connect(ctx); err != nil {
		return err
	}
	side := "token1"
	if w.baseIsTok0Val() {
		side = "token0"
	}
	log.Printf("[whale] watching amm pair %s threshold=%s base=%s",
		w.pool.Hex(), w.threshold.String(), side)
	return nil
}

func (w *WhaleDetector) baseIsTok0Val() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseIsTok0
}

// StartCurve subscribes to base-token transfers and keeps only those where
// the curve is the sender or the receiver. A single subscription preserves
// on-chain ordering between buys and sells.
func (w *WhaleDetector) StartCurve(ctx context.Context, sub Subscriber) error {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{w.baseToken},
		Topics:    [][]common.Hash{{contracts.TransferTopic}},
	}
	sub.AddSubscription(q, w.handleCurveTransfer)
	if err := sub.Connect(ctx); err != nil {
		return err
	}
	log.Printf("[whale] watching curve %s threshold=%s", w.pool.Hex(), w.threshold.String())
	return nil
}

// dedup keys on the bare transaction hash: one transaction emits at most one
// trade, even when it carries several matching logs.
func (w *WhaleDetector) dedup(lg types.Log) bool {
	found, _ := w.seen.ContainsOrAdd(lg.TxHash.Hex(), struct{}{})
	return found
}

func (w *WhaleDetector) handleSwap(lg types.Log) {
	if lg.Removed || w.dedup(lg) {
		return
	}
	swap, ok := contracts.DecodeSwap(lg)
	if !ok {
		return
	}

	baseIn, baseOut := swap.Amount0In, swap.Amount0Out
	tokIn, tokOut := swap.Amount1In, swap.Amount1Out
	if !w.baseIsTok0Val() {
		baseIn, baseOut = swap.Amount1In, swap.Amount1Out
		tokIn, tokOut = swap.Amount0In, swap.Amount0Out
	}

	// Base delta decides both side and size: base in means the trader is
	// buying the project token.
	var direction models.TradeDirection
	var amountBase, amountTok *big.Int
	if baseIn.Cmp(baseOut) >= 0 {
		direction = models.TradeBuy
		amountBase = new(big.Int).Sub(baseIn, baseOut)
		amountTok = new(big.Int).Sub(tokOut, tokIn)
	} else {
		direction = models.TradeSell
		amountBase = new(big.Int).Sub(baseOut, baseIn)
		amountTok = new(big.Int).Sub(tokIn, tokOut)
	}
	if amountBase.Cmp(w.threshold) < 0 {
		return
	}
	if amountTok.Sign() < 0 {
		amountTok.SetInt64(0)
	}

	w.emit(models.WhaleTrade{
		Direction:     direction,
		AmountVirtual: amountBase.String(),
		AmountToken:   amountTok.String(),
		Trader:        swap.To.Hex(),
		TxHash:        lg.TxHash.Hex(),
		Block:         lg.BlockNumber,
		Timestamp:     w.now(),
	})
}

func (w *WhaleDetector) handleCurveTransfer(lg types.Log) {
	if lg.Removed {
		return
	}
	tr, ok := contracts.DecodeTransfer(lg)
	if !ok {
		return
	}
	if tr.From != w.pool && tr.To != w.pool {
		return
	}
	if w.dedup(lg) {
		return
	}
	if tr.Value.Cmp(w.threshold) < 0 {
		return
	}

	// Base token flowing into the curve is a buy of the project token. The
	// project-token leg is not observable on the curve, so it reports zero.
	trade := models.WhaleTrade{
		AmountVirtual: tr.Value.String(),
		AmountToken:   "0",
		TxHash:        lg.TxHash.Hex(),
		Block:         lg.BlockNumber,
		Timestamp:     w.now(),
	}
	if tr.To == w.pool {
		trade.Direction = models.TradeBuy
		trade.Trader = tr.From.Hex()
	} else {
		trade.Direction = models.TradeSell
		trade.Trader = tr.To.Hex()
	}

	w.emit(trade)
}

func (w *WhaleDetector) emit(trade models.WhaleTrade) {
	log.Printf("[whale] %s %s virtual tx=%s block=%d",
		trade.Direction, models.FormatUnits(mustBig(trade.AmountVirtual)), trade.TxHash, trade.Block)
	if w.onTrade != nil {
		w.onTrade(trade)
	}
}

func mustBig(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	return v
}
