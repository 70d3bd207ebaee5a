package monitor

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"launchwatch/internal/contracts"
	"launchwatch/internal/rpcpool"
)

// fakeSub is an in-process Subscriber: tests feed logs straight into the
// registered handlers.
type fakeSub struct {
	mu        sync.Mutex
	handlers  []rpcpool.LogHandler
	connected bool
	destroyed bool
}

func (f *fakeSub) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeSub) AddSubscription(q ethereum.FilterQuery, handler rpcpool.LogHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

func (f *fakeSub) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSub) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
}

func (f *fakeSub) feed(lg types.Log) {
	f.mu.Lock()
	handlers := append([]rpcpool.LogHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(lg)
	}
}

func units(n int64) *big.Int {
	v := big.NewInt(n)
	return v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func transferLog(token, from, to common.Address, value *big.Int, txHash common.Hash, index uint, block uint64) types.Log {
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{contracts.TransferTopic, contracts.AddressTopic(from), contracts.AddressTopic(to)},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		TxHash:      txHash,
		Index:       index,
		BlockNumber: block,
	}
}

func swapLog(pool, sender, to common.Address, a0In, a1In, a0Out, a1Out *big.Int, txHash common.Hash, index uint, block uint64) types.Log {
	data := append(common.LeftPadBytes(a0In.Bytes(), 32), common.LeftPadBytes(a1In.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(a0Out.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(a1Out.Bytes(), 32)...)
	return types.Log{
		Address:     pool,
		Topics:      []common.Hash{contracts.SwapTopic, contracts.AddressTopic(sender), contracts.AddressTopic(to)},
		Data:        data,
		TxHash:      txHash,
		Index:       index,
		BlockNumber: block,
	}
}
