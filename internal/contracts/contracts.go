// Package contracts holds the minimal ABI surface the monitors need: ERC-20
// Transfer and AMM-v2 Swap log decoding, and hand-packed eth_call payloads
// for the handful of read methods (balanceOf, totalSupply, curve price and
// token getters).
package contracts

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// SwapTopic is the UniswapV2-style pair swap event signature.
	SwapTopic = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))

	selBalanceOf     = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	selTotalSupply   = crypto.Keccak256([]byte("totalSupply()"))[:4]
	selToken0        = crypto.Keccak256([]byte("token0()"))[:4]
	selToken         = crypto.Keccak256([]byte("token()"))[:4]
	selAgentToken    = crypto.Keccak256([]byte("agentToken()"))[:4]
	selGetTokenPrice = crypto.Keccak256([]byte("getTokenPrice()"))[:4]
	selGetPrice      = crypto.Keccak256([]byte("getPrice()"))[:4]
)

var errShortReturn = errors.New("contract call returned short data")

// Caller is the subset of the RPC backend needed for read calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// AddressTopic left-pads an address into a 32-byte log topic.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

// TopicAddress extracts the address packed into a log topic.
func TopicAddress(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes()[12:])
}

// Transfer is one decoded ERC-20 Transfer emission.
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// DecodeTransfer decodes an ERC-20 Transfer log. ok is false for logs that
// do not match the event shape.
func DecodeTransfer(lg types.Log) (Transfer, bool) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic || len(lg.Data) < 32 {
		return Transfer{}, false
	}
	return Transfer{
		From:  TopicAddress(lg.Topics[1]),
		To:    TopicAddress(lg.Topics[2]),
		Value: new(big.Int).SetBytes(lg.Data[:32]),
	}, true
}

// Swap is one decoded AMM-v2 pair swap.
type Swap struct {
	Sender     common.Address
	To         common.Address
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

// DecodeSwap decodes a UniswapV2-style Swap log.
func DecodeSwap(lg types.Log) (Swap, bool) {
	if len(lg.Topics) != 3 || lg.Topics[0] != SwapTopic || len(lg.Data) < 128 {
		return Swap{}, false
	}
	return Swap{
		Sender:     TopicAddress(lg.Topics[1]),
		To:         TopicAddress(lg.Topics[2]),
		Amount0In:  new(big.Int).SetBytes(lg.Data[0:32]),
		Amount1In:  new(big.Int).SetBytes(lg.Data[32:64]),
		Amount0Out: new(big.Int).SetBytes(lg.Data[64:96]),
		Amount1Out: new(big.Int).SetBytes(lg.Data[96:128]),
	}, true
}

func call(ctx context.Context, c Caller, to common.Address, data []byte, block *big.Int) ([]byte, error) {
	return c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
}

// BalanceOf reads an ERC-20 balance, optionally at a historical block.
func BalanceOf(ctx context.Context, c Caller, token, holder common.Address, block *big.Int) (*big.Int, error) {
	data := append(append([]byte(nil), selBalanceOf...), common.LeftPadBytes(holder.Bytes(), 32)...)
	ret, err := call(ctx, c, token, data, block)
	if err != nil {
		return nil, err
	}
	if len(ret) < 32 {
		return nil, errShortReturn
	}
	return new(big.Int).SetBytes(ret[:32]), nil
}

// TotalSupply reads an ERC-20 total supply at the latest block.
func TotalSupply(ctx context.Context, c Caller, token common.Address) (*big.Int, error) {
	return callUint(ctx, c, token, selTotalSupply)
}

// Token0 reads an AMM-v2 pair's first token.
func Token0(ctx context.Context, c Caller, pair common.Address) (common.Address, error) {
	return callAddress(ctx, c, pair, selToken0)
}

// CurveToken discovers the project token behind a bonding curve, trying
// token() then agentToken() and returning the first non-zero address.
func CurveToken(ctx context.Context, c Caller, curve common.Address) (common.Address, error) {
	for _, sel := range [][]byte{selToken, selAgentToken} {
		addr, err := callAddress(ctx, c, curve, sel)
		if err == nil && addr != (common.Address{}) {
			return addr, nil
		}
	}
	return common.Address{}, errors.New("curve exposes no token getter")
}

// CurvePrice reads the bonding curve's spot price in base-token units,
// falling back from getTokenPrice() to getPrice().
func CurvePrice(ctx context.Context, c Caller, curve common.Address) (*big.Int, error) {
	price, err := callUint(ctx, c, curve, selGetTokenPrice)
	if err == nil {
		return price, nil
	}
	return callUint(ctx, c, curve, selGetPrice)
}

func callUint(ctx context.Context, c Caller, to common.Address, sel []byte) (*big.Int, error) {
	ret, err := call(ctx, c, to, append([]byte(nil), sel...), nil)
	if err != nil {
		return nil, err
	}
	if len(ret) < 32 {
		return nil, errShortReturn
	}
	return new(big.Int).SetBytes(ret[:32]), nil
}

func callAddress(ctx context.Context, c Caller, to common.Address, sel []byte) (common.Address, error) {
	ret, err := call(ctx, c, to, append([]byte(nil), sel...), nil)
	if err != nil {
		return common.Address{}, err
	}
	if len(ret) < 32 {
		return common.Address{}, errShortReturn
	}
	return common.BytesToAddress(ret[12:32]), nil
}
