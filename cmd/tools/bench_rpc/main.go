// Benchmarks the configured RPC endpoints: block-number latency, a header
// fetch and a one-block log query per endpoint, printed side by side.
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"launchwatch/internal/config"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	virtualToken := common.HexToAddress(cfg.Addresses.VirtualToken)

	for _, endpoint := range cfg.Chain.RPC.HTTP {
		fmt.Printf("\n========== %s ==========\n", config.RedactURL(endpoint))
		runBench(ctx, endpoint, virtualToken)
	}
}

func runBench(ctx context.Context, endpoint string, token common.Address) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(dctx, endpoint)
	if err != nil {
		fmt.Printf("  dial: FAIL (%v)\n", err)
		return
	}
	defer client.Close()

	t0 := time.Now()
	latest, err := client.BlockNumber(ctx)
	d1 := time.Since(t0)
	if err != nil {
		fmt.Printf("  BlockNumber: FAIL (%v) [%v]\n", err, d1)
		return
	}
	fmt.Printf("  BlockNumber: OK [%v] height=%d\n", d1, latest)

	t1 := time.Now()
	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(latest))
	d2 := time.Since(t1)
	if err != nil {
		fmt.Printf("  HeaderByNumber: FAIL (%v) [%v]\n", err, d2)
		return
	}
	fmt.Printf("  HeaderByNumber: OK [%v] time=%d\n", d2, header.Time)

	t2 := time.Now()
	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(latest),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{token},
	})
	d3 := time.Since(t2)
	if err != nil {
		fmt.Printf("  FilterLogs: FAIL (%v) [%v]\n", err, d3)
		return
	}
	fmt.Printf("  FilterLogs: OK [%v] logs=%d\n", d3, len(logs))
	fmt.Printf("  total: %v\n", d1+d2+d3)
}
