// Package monitor holds the three event-driven on-chain monitors: the tax
// inflow tracker, the buyback spend tracker and the whale trade detector.
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

	"launchwatch/internal/contracts"
	"launchwatch/internal/models"
	"launchwatch/internal/rpcpool"
)

const (
	maxLogRange       = 2000
	catchUpIterations = 10
	blockSearchSlack  = 500
	blockTimeSample   = 10_000
)

// TaxTracker maintains exact cumulative accounting of base-token transfers
// touching the fee receiver over [T0, now]. It scans transfer logs in bounded
// block ranges and reconciles against a balance diff.
type TaxTracker struct {
	pool     *rpcpool.Pool
	token    common.Address
	receiver common.Address

	mu            sync.Mutex
	blockStart    uint64
	lastProcessed uint64
	startBalance  *big.Int
	netInflowOnly bool
	inflow        *big.Int
	outflow       *big.Int
	balanceDiff   *big.Int
}

// NewTaxTracker builds a tracker for the given base token and fee receiver.
// Call Init before Update.
func NewTaxTracker(pool *rpcpool.Pool, token, receiver common.Address) *TaxTracker {
	return &TaxTracker{
		pool:         pool,
		token:        token,
		receiver:     receiver,
		startBalance: new(big.Int),
		inflow:       new(big.Int),
		outflow:      new(big.Int),
		balanceDiff:  new(big.Int),
	}
}

// Init anchors the scan window: it maps t0 to a block number and reads the
// receiver's balance at that block. When the historical balance read fails
// twice the tracker degrades to net-inflow-only accounting from a zero start
// balance.
func (t *TaxTracker) Init(ctx context.Context, t0 time.Time) error {
	var startBlock uint64
	err := t.pool.Call(ctx, func(b rpcpool.Backend) error {
		var err error
		startBlock, err = blockAtTime(ctx, b, t0)
		return err
	})
	if err != nil {
		return fmt.Errorf("resolve start block for t0: %w", err)
	}

	t.mu.Lock()
	t.blockStart = startBlock
	t.lastProcessed = startBlock
	t.mu.Unlock()

	var bal *big.Int
	for attempt := 0; attempt < 2; attempt++ {
		backend, berr := t.pool.Backend()
		if berr == nil {
			bal, berr = contracts.BalanceOf(ctx, backend, t.token, t.receiver, new(big.Int).SetUint64(startBlock))
		}
		if berr == nil {
			break
		}
		bal = nil
		t.pool.Rotate()
		log.Printf("[tax_tracker] historical balance read failed (attempt %d/2): %v", attempt+1, berr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if bal == nil {
		t.startBalance = new(big.Int)
		t.netInflowOnly = true
		log.Printf("[tax_tracker] start balance unavailable at block %d; running in net-inflow only mode", startBlock)
	} else {
		t.startBalance = bal
		log.Printf("[tax_tracker] anchored at block %d startBalance=%s", startBlock, bal.String())
	}
	return nil
}

// blockAtTime maps a wall-clock moment to the first block at or after it:
// estimate by average block time, then binary-search headers within ±500
// blocks of the estimate.
func blockAtTime(ctx context.Context, b rpcpool.Backend, target time.Time) (uint64, error) {
	latest, err := b.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	head, err := b.HeaderByNumber(ctx, new(big.Int).SetUint64(latest))
	if err != nil {
		return 0, err
	}
	if int64(head.Time) <= target.Unix() {
		return latest, nil
	}

	sample := uint64(0)
	if latest > blockTimeSample {
		sample = latest - blockTimeSample
	}
	sampleHeader, err := b.HeaderByNumber(ctx, new(big.Int).SetUint64(sample))
	if err != nil {
		return 0, err
	}
	span := head.Time - sampleHeader.Time
	if span == 0 || latest == sample {
		return sample, nil
	}
	avg := float64(span) / float64(latest-sample)

	behind := float64(head.Time) - float64(target.Unix())
	estimate := int64(latest) - int64(behind/avg)
	if estimate < 0 {
		estimate = 0
	}

	lo := uint64(0)
	if estimate > blockSearchSlack {
		lo = uint64(estimate - blockSearchSlack)
	}
	hi := uint64(estimate + blockSearchSlack)
	if hi > latest {
		hi = latest
	}

	for lo < hi {
		mid := lo + (hi-lo)/2
		h, err := b.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, err
		}
		if int64(h.Time) < target.Unix() {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Update scans the next bounded range of transfer logs and refreshes the
// counters. On a query failure it rotates the active endpoint and propagates
// the error; the contract handle is rebound automatically on the next call.
func (t *TaxTracker) Update(ctx context.Context) (models.TaxStatus, error) {
	backend, err := t.pool.Backend()
	if err != nil {
		t.pool.Rotate()
		return t.Status(), err
	}

	latest, err := backend.BlockNumber(ctx)
	if err != nil {
		t.pool.Rotate()
		return t.Status(), fmt.Errorf("latest block: %w", err)
	}

	t.mu.Lock()
	from := t.lastProcessed
	t.mu.Unlock()

	to := latest
	if to > from+maxLogRange {
		to = from + maxLogRange
	}

	if to > from {
		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from + 1),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{t.token},
			Topics:    [][]common.Hash{{contracts.TransferTopic}},
		}
		logs, err := backend.FilterLogs(ctx, q)
		if err != nil {
			t.pool.Rotate()
			return t.Status(), fmt.Errorf("transfer logs (%d, %d]: %w", from, to, err)
		}

		inflowDelta := new(big.Int)
		outflowDelta := new(big.Int)
		for _, lg := range logs {
			tr, ok := contracts.DecodeTransfer(lg)
			if !ok {
				continue
			}
			// A self-transfer lands in both deltas and cancels to zero.
			if tr.To == t.receiver {
				inflowDelta.Add(inflowDelta, tr.Value)
			}
			if tr.From == t.receiver {
				outflowDelta.Add(outflowDelta, tr.Value)
			}
		}

		t.mu.Lock()
		t.inflow.Add(t.inflow, inflowDelta)
		t.outflow.Add(t.outflow, outflowDelta)
		t.lastProcessed = to
		t.mu.Unlock()
	}

	bal, err := contracts.BalanceOf(ctx, backend, t.token, t.receiver, nil)
	if err != nil {
		t.pool.Rotate()
		return t.Status(), fmt.Errorf("current balance: %w", err)
	}

	t.mu.Lock()
	t.balanceDiff.Sub(bal, t.startBalance)
	t.mu.Unlock()
	return t.Status(), nil
}

// CatchUp converges a far-behind scan: while the chain is more than one
// range cap ahead it calls Update, at most ten times per invocation, so the
// per-call range limit never starves a late start.
func (t *TaxTracker) CatchUp(ctx context.Context) error {
	for i := 0; i < catchUpIterations; i++ {
		backend, err := t.pool.Backend()
		if err != nil {
			return err
		}
		latest, err := backend.BlockNumber(ctx)
		if err != nil {
			return err
		}
		t.mu.Lock()
		last := t.lastProcessed
		t.mu.Unlock()
		// A lagging endpoint after a rotation can report a tip below the
		// frontier; treat that the same as caught up.
		if latest <= last || latest-last <= maxLogRange {
			return nil
		}
		if _, err := t.Update(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Status snapshots the cumulative counters.
func (t *TaxTracker) Status() models.TaxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	net := new(big.Int).Sub(t.inflow, t.outflow)
	delta := new(big.Int).Sub(t.balanceDiff, net)
	return models.TaxStatus{
		Inflow:             t.inflow.String(),
		Outflow:            t.outflow.String(),
		NetInflow:          net.String(),
		BalanceDiff:        t.balanceDiff.String(),
		Delta:              delta.String(),
		LastProcessedBlock: t.lastProcessed,
	}
}

// TaxTotal returns the cumulative net inflow in base units. The state
// machine snapshots this at T1 as the buyback budget.
func (t *TaxTracker) TaxTotal() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Sub(t.inflow, t.outflow)
}

// StartBalance returns the receiver balance at the window start, or nil in
// net-inflow-only mode.
func (t *TaxTracker) StartBalance() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.netInflowOnly {
		return nil
	}
	return new(big.Int).Set(t.startBalance)
}

// LastProcessedBlock reports the scan frontier; it never regresses.
func (t *TaxTracker) LastProcessedBlock() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastProcessed
}
