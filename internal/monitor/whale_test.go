package monitor

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"launchwatch/internal/models"
)

var testPool = common.HexToAddress("0x00000000000000000000000000000000000000cc")

// token0Backend answers only the token0() read StartAMM performs.
type token0Backend struct {
	token0 common.Address
}

func (b *token0Backend) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (b *token0Backend) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	return nil, nil
}
func (b *token0Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (b *token0Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return common.LeftPadBytes(b.token0.Bytes(), 32), nil
}
func (b *token0Backend) Close() {}

func startAMMDetector(t *testing.T, threshold *big.Int) (*fakeSub, chan models.WhaleTrade) {
	t.Helper()
	trades := make(chan models.WhaleTrade, 10)
	detector := NewWhaleDetector(testPool, testToken, threshold, func(trade models.WhaleTrade) {
		trades <- trade
	})
	sub := &fakeSub{}
	backend := &token0Backend{token0: testToken}
	if err := detector.StartAMM(context.Background(), backend, sub); err != nil {
		t.Fatalf("StartAMM: %v", err)
	}
	return sub, trades
}

func TestWhale_AMMBuyAboveThreshold(t *testing.T) {
	sub, trades := startAMMDetector(t, units(1000))

	lg := swapLog(testPool, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		units(1500), big.NewInt(0), big.NewInt(0), units(7), common.HexToHash("0x51"), 0, 900)
	sub.feed(lg)

	select {
	case trade := <-trades:
		if trade.Direction != models.TradeBuy {
			t.Errorf("direction = %s, want buy", trade.Direction)
		}
		if trade.AmountVirtual != units(1500).String() {
			t.Errorf("amountVirtual = %s, want 1500e18", trade.AmountVirtual)
		}
		if trade.AmountToken != units(7).String() {
			t.Errorf("amountToken = %s, want 7e18", trade.AmountToken)
		}
		if trade.Block != 900 {
			t.Errorf("block = %d, want 900", trade.Block)
		}
	default:
		t.Fatal("no trade emitted")
	}

	// Replay of the same tx must be ignored.
	sub.feed(lg)
	select {
	case <-trades:
		t.Error("duplicate hash emitted a second trade")
	default:
	}
}

func TestWhale_AMMOneTradePerTx(t *testing.T) {
	sub, trades := startAMMDetector(t, units(1000))

	// A router can route one tx through the pool twice; both swap logs share
	// the hash and only the first may surface.
	hash := common.HexToHash("0x777")
	sub.feed(swapLog(testPool, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		units(1500), big.NewInt(0), big.NewInt(0), units(7), hash, 0, 910))
	sub.feed(swapLog(testPool, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		units(2000), big.NewInt(0), big.NewInt(0), units(9), hash, 1, 910))

	select {
	case trade := <-trades:
		if trade.AmountVirtual != units(1500).String() {
			t.Errorf("amountVirtual = %s, want the first log's 1500e18", trade.AmountVirtual)
		}
	default:
		t.Fatal("no trade emitted")
	}
	select {
	case trade := <-trades:
		t.Errorf("second log of the same tx emitted a trade: %+v", trade)
	default:
	}
}

func TestWhale_AMMSellAndBelowThreshold(t *testing.T) {
	sub, trades := startAMMDetector(t, units(1000))

	// Sell: base token flows out of the pool.
	sub.feed(swapLog(testPool, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		big.NewInt(0), units(9), units(1200), big.NewInt(0), common.HexToHash("0x61"), 0, 901))

	select {
	case trade := <-trades:
		if trade.Direction != models.TradeSell {
			t.Errorf("direction = %s, want sell", trade.Direction)
		}
		if trade.AmountVirtual != units(1200).String() {
			t.Errorf("amountVirtual = %s, want 1200e18", trade.AmountVirtual)
		}
	default:
		t.Fatal("no sell emitted")
	}

	// Below threshold: silent.
	sub.feed(swapLog(testPool, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		units(999), big.NewInt(0), big.NewInt(0), units(1), common.HexToHash("0x62"), 0, 902))
	select {
	case trade := <-trades:
		t.Errorf("sub-threshold trade emitted: %+v", trade)
	default:
	}
}

func TestWhale_AMMBaseAsToken1(t *testing.T) {
	trades := make(chan models.WhaleTrade, 10)
	detector := NewWhaleDetector(testPool, testToken, units(1000), func(trade models.WhaleTrade) {
		trades <- trade
	})
	sub := &fakeSub{}
	other := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	if err := detector.StartAMM(context.Background(), &token0Backend{token0: other}, sub); err != nil {
		t.Fatalf("StartAMM: %v", err)
	}

	// Base is token1 here: amount1In carries the buy.
	sub.feed(swapLog(testPool, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		big.NewInt(0), units(2000), units(3), big.NewInt(0), common.HexToHash("0x71"), 0, 903))

	select {
	case trade := <-trades:
		if trade.Direction != models.TradeBuy {
			t.Errorf("direction = %s, want buy", trade.Direction)
		}
		if trade.AmountVirtual != units(2000).String() {
			t.Errorf("amountVirtual = %s, want 2000e18", trade.AmountVirtual)
		}
	default:
		t.Fatal("no trade emitted with inverted pair")
	}
}

func TestWhale_CurveDirections(t *testing.T) {
	trades := make(chan models.WhaleTrade, 10)
	detector := NewWhaleDetector(testPool, testToken, units(1000), func(trade models.WhaleTrade) {
		trades <- trade
	})
	sub := &fakeSub{}
	if err := detector.StartCurve(context.Background(), sub); err != nil {
		t.Fatalf("StartCurve: %v", err)
	}

	trader := common.HexToAddress("0x9999999999999999999999999999999999999999")

	// Base into the curve: buy.
	sub.feed(transferLog(testToken, trader, testPool, units(1500), common.HexToHash("0x81"), 0, 904))
	// Base out of the curve: sell.
	sub.feed(transferLog(testToken, testPool, trader, units(1100), common.HexToHash("0x82"), 0, 905))
	// Unrelated transfer: ignored even above threshold.
	sub.feed(transferLog(testToken, trader, common.HexToAddress("0x3"), units(5000), common.HexToHash("0x83"), 0, 906))

	buy := <-trades
	if buy.Direction != models.TradeBuy || buy.Trader != trader.Hex() {
		t.Errorf("unexpected buy: %+v", buy)
	}
	if buy.AmountToken != "0" {
		t.Errorf(`curve amountToken = %q, want "0"`, buy.AmountToken)
	}
	sell := <-trades
	if sell.Direction != models.TradeSell || sell.Trader != trader.Hex() {
		t.Errorf("unexpected sell: %+v", sell)
	}
	select {
	case trade := <-trades:
		t.Errorf("unrelated transfer emitted: %+v", trade)
	default:
	}
}
