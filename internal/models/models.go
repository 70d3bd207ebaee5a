package models

import (
	"math/big"
	"strings"
	"time"
)

// Phase is a lifecycle state of the monitoring machine. The wire values are
// part of the public API and must not change.
type Phase string

const (
	PhaseDiscover     Phase = "DISCOVER"
	PhaseWaitT0       Phase = "WAIT_T0"
	PhaseLaunchWindow Phase = "LAUNCH_WINDOW"
	PhaseBuybackPhase Phase = "BUYBACK_PHASE"
	PhaseDone         Phase = "DONE"
)

// ProjectStatus is the catalog-reported lifecycle status of a project.
type ProjectStatus string

const (
	StatusInitialized ProjectStatus = "INITIALIZED"
	StatusUndergrad   ProjectStatus = "UNDERGRAD"
	StatusAvailable   ProjectStatus = "AVAILABLE"
)

// Factory identifies which launch factory created a project.
type Factory string

const (
	FactoryBondingV2 Factory = "BONDING_V2"
	FactoryBondingV4 Factory = "BONDING_V4"
	FactoryVibes     Factory = "VIBES"
	FactoryOther     Factory = "OTHER"
)

// PoolType distinguishes the pre-graduation bonding curve from the
// conventional AMM pair a project migrates to.
type PoolType string

const (
	PoolCurve PoolType = "curve"
	PoolAMMV2 PoolType = "ammv2"
)

// Project is an immutable catalog descriptor for one token project.
type Project struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Symbol       string        `json:"symbol"`
	Factory      Factory       `json:"factory"`
	Status       ProjectStatus `json:"status"`
	PreTokenPair string        `json:"preTokenPair,omitempty"`
	LpAddress    string        `json:"lpAddress,omitempty"`
	TokenAddress string        `json:"tokenAddress,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	LaunchedAt   *time.Time    `json:"launchedAt,omitempty"`
	LpCreatedAt  *time.Time    `json:"lpCreatedAt,omitempty"`
	McapVirtual  float64       `json:"mcapInVirtual,omitempty"`
}

// AnchorT0 returns the project's anchor moment: launch time if known,
// otherwise pool creation, otherwise catalog creation.
func (p *Project) AnchorT0() time.Time {
	if p.LaunchedAt != nil && !p.LaunchedAt.IsZero() {
		return *p.LaunchedAt
	}
	if p.LpCreatedAt != nil && !p.LpCreatedAt.IsZero() {
		return *p.LpCreatedAt
	}
	return p.CreatedAt
}

// SelectedProject is a Project chosen by the discovery policy, resolved to
// the pool the monitors should watch.
type SelectedProject struct {
	Project     Project   `json:"project"`
	PoolAddress string    `json:"poolAddress"`
	PoolType    PoolType  `json:"poolType"`
	T0          time.Time `json:"t0"`
}

// TradeDirection is the side of a whale trade relative to the pool.
type TradeDirection string

const (
	TradeBuy  TradeDirection = "buy"
	TradeSell TradeDirection = "sell"
)

// WhaleTrade is one large trade emission. Integer token amounts are decimal
// strings in base units (10^18) so they survive JSON round-trips intact.
type WhaleTrade struct {
	Direction     TradeDirection `json:"direction"`
	AmountVirtual string         `json:"amountVirtual"`
	AmountToken   string         `json:"amountToken"`
	Trader        string         `json:"trader,omitempty"`
	TxHash        string         `json:"txHash"`
	Block         uint64         `json:"block"`
	Timestamp     time.Time      `json:"timestamp"`
}

// TaxStatus is the tax tracker's cumulative accounting snapshot. All amounts
// are decimal strings in base units.
type TaxStatus struct {
	Inflow             string `json:"inflow"`
	Outflow            string `json:"outflow"`
	NetInflow          string `json:"netInflow"`
	BalanceDiff        string `json:"balanceDiff"`
	Delta              string `json:"delta"`
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
}

// BuybackStatus is the spend scanner's derived view. Integer amounts are
// decimal strings in base units; rates and progress are display-scaled
// numbers. EtaHours is nil when the spend rate is zero (infinite ETA).
type BuybackStatus struct {
	SpentTotal    string   `json:"spentTotal"`
	SpentInWindow string   `json:"spentInWindow"`
	RatePerHour   float64  `json:"ratePerHour"`
	Remaining     string   `json:"remaining"`
	EtaHours      *float64 `json:"etaHours"`
	Progress      float64  `json:"progress"`
	LastTxAmount  string   `json:"lastTxAmount,omitempty"`
}

// EventKind enumerates the typed events broadcast to UI clients.
type EventKind string

const (
	EventStateChange     EventKind = "state_change"
	EventWhaleTrade      EventKind = "whale_trade"
	EventTaxUpdate       EventKind = "tax_update"
	EventBuybackUpdate   EventKind = "buyback_update"
	EventProjectStart    EventKind = "project_start"
	EventProjectComplete EventKind = "project_complete"
	EventError           EventKind = "error"
)

// Event is the typed envelope pushed to clients and kept in the event ring.
type Event struct {
	Kind      EventKind   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"data"`
}

// RPCHealth reports the pool's view of its endpoints.
type RPCHealth struct {
	HTTPEndpoint  string `json:"httpEndpoint"`
	Healthy       bool   `json:"healthy"`
	LatencyMs     int64  `json:"latencyMs"`
	PushEndpoint  string `json:"pushEndpoint"`
	PushConnected bool   `json:"pushConnected"`
}

// StateSnapshot is the full dashboard state served by /api/state and sent as
// the state_change payload.
type StateSnapshot struct {
	State             Phase          `json:"state"`
	Project           *Project       `json:"project"`
	T0                *time.Time     `json:"t0"`
	T1                *time.Time     `json:"t1"`
	TaxTotal          string         `json:"taxTotal"`
	StartBalance      string         `json:"startBalance,omitempty"`
	ElapsedMinutes    float64        `json:"elapsedMinutes"`
	RemainingMinutes  float64        `json:"remainingMinutes"`
	OnchainFdvVirtual string         `json:"onchainFdvVirtual,omitempty"`
	OnchainFdvUsd     string         `json:"onchainFdvUsd,omitempty"`
	ApiFdvVirtual     string         `json:"apiFdvVirtual,omitempty"`
	ApiFdvUsd         string         `json:"apiFdvUsd,omitempty"`
	Tax               *TaxStatus     `json:"tax"`
	Buyback           *BuybackStatus `json:"buyback"`
}

// BaseTokenDecimals is the decimal scale of the accounting token.
const BaseTokenDecimals = 18

var baseUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(BaseTokenDecimals), nil)

// FormatUnits renders a base-unit integer amount as a display decimal string,
// trimming trailing zeros ("1500000000000000000000" -> "1500").
func FormatUnits(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	quo, rem := new(big.Int).QuoRem(abs, baseUnit, new(big.Int))
	out := quo.String()
	if rem.Sign() != 0 {
		frac := rem.String()
		for len(frac) < BaseTokenDecimals {
			frac = "0" + frac
		}
		frac = strings.TrimRight(frac, "0")
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// UnitsToFloat converts a base-unit amount to a display-scaled float64.
// Precision loss is acceptable for rates and progress figures only.
func UnitsToFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f := new(big.Float).SetInt(amount)
	f.Quo(f, new(big.Float).SetInt(baseUnit))
	out, _ := f.Float64()
	return out
}

// AmountString renders an integer amount as a plain decimal string of base
// units, never falling back to float formatting.
func AmountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
