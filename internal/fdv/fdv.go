// Package fdv computes fully-diluted valuations for the watched project: an
// on-chain figure from the bonding curve's spot price, and a USD conversion
// via a cached base-token quote.
package fdv

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"launchwatch/internal/contracts"
	"launchwatch/internal/models"
)

const (
	quoteURL     = "https://api.coingecko.com/api/v3/simple/price?ids=virtual-protocol&vs_currencies=usd"
	quoteTimeout = 5 * time.Second
	quoteTTL     = 10 * time.Second
)

// Quote is one cached USD price observation for the base token.
type Quote struct {
	Price  float64
	Source string
	AsOf   time.Time
}

// Fetcher caches the base-token USD quote for a short TTL and collapses
// concurrent refreshes into one upstream request.
type Fetcher struct {
	httpc *http.Client
	sf    singleflight.Group

	mu    sync.Mutex
	quote Quote
}

func NewFetcher() *Fetcher {
	return &Fetcher{httpc: &http.Client{Timeout: quoteTimeout}}
}

// VirtualUSDPrice returns the base-token USD price, refreshing when the
// cached quote is older than 10s. A failed refresh with a stale quote in hand
// serves the stale value.
func (f *Fetcher) VirtualUSDPrice(ctx context.Context) (float64, error) {
	f.mu.Lock()
	cached := f.quote
	f.mu.Unlock()
	if time.Since(cached.AsOf) < quoteTTL && cached.Price > 0 {
		return cached.Price, nil
	}

	v, err, _ := f.sf.Do("virtual-usd", func() (interface{}, error) {
		q, err := f.fetchQuote(ctx)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.quote = q
		f.mu.Unlock()
		return q.Price, nil
	})
	if err != nil {
		if cached.Price > 0 {
			return cached.Price, nil
		}
		return 0, err
	}
	return v.(float64), nil
}

func (f *Fetcher) fetchQuote(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, quoteURL, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("User-Agent", "launchwatch/1.0")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Quote{}, fmt.Errorf("coingecko status: %s", resp.Status)
	}

	var result map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Quote{}, err
	}
	data, ok := result["virtual-protocol"]
	if !ok || data.USD <= 0 {
		return Quote{}, fmt.Errorf("coingecko payload missing virtual-protocol")
	}
	return Quote{Price: data.USD, Source: "coingecko", AsOf: time.Now()}, nil
}

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(models.BaseTokenDecimals), nil)

// ComputeCurveFDV derives the fully-diluted valuation in base-token units
// from the curve's spot price and the project token's total supply:
// price * supply / 10^18, both read at the latest block.
func ComputeCurveFDV(ctx context.Context, c contracts.Caller, curve common.Address) (*big.Int, error) {
	token, err := contracts.CurveToken(ctx, c, curve)
	if err != nil {
		return nil, fmt.Errorf("curve token: %w", err)
	}
	price, err := contracts.CurvePrice(ctx, c, curve)
	if err != nil {
		return nil, fmt.Errorf("curve price: %w", err)
	}
	supply, err := contracts.TotalSupply(ctx, c, token)
	if err != nil {
		return nil, fmt.Errorf("total supply of %s: %w", token.Hex(), err)
	}

	fdv := new(big.Int).Mul(price, supply)
	return fdv.Quo(fdv, scale), nil
}

// ToUSD converts a base-unit valuation to a display USD figure.
func ToUSD(fdvVirtual *big.Int, usdPrice float64) float64 {
	if fdvVirtual == nil || usdPrice <= 0 {
		return 0
	}
	return models.UnitsToFloat(fdvVirtual) * usdPrice
}
