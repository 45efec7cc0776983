// Package main provides peg-simulator, a parameter-tuning and
// scenario-testing harness for the peg controller, grounded on the
// original's tools/peg_simulator.cpp (same scenario set and --flag
// surface, reimplemented against the Go controller and an in-memory
// store/ledger rather than a real database file).
//
// Usage:
//
//	peg-simulator --scenario spike --k 50000 --epochs 100
//
// Scenarios: stable, spike, drift, random, cycle.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/klingon-v2/internal/peg"
	"github.com/klingon-exchange/klingon-v2/internal/peg/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/peg/oracle"
	"github.com/klingon-exchange/klingon-v2/internal/peg/store"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

const simTreasuryAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func main() {
	var (
		scenario = flag.String("scenario", "stable", "Scenario: stable, spike, drift, random, cycle")
		kPPM     = flag.Int64("k", 50_000, "Proportional gain, PPM")
		kiPPM    = flag.Int64("ki", 0, "Integral gain, PPM")
		kdPPM    = flag.Int64("kd", 0, "Derivative gain, PPM")
		deadband = flag.Int64("deadband", 10_000, "Dead-band, PPM")
		epochs   = flag.Int("epochs", 100, "Number of epochs to simulate")
		supply   = flag.Int64("supply", 100_000_000_00, "Initial treasury supply (smallest units)")
		logLevel = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		log.Fatal("opening in-memory database", "error", err)
	}
	defer db.Close()

	l, err := ledger.New(db, &chaincfg.MainNetParams)
	if err != nil {
		log.Fatal("initializing ledger", "error", err)
	}
	if err := l.MintToTreasury(big.NewInt(*supply), simTreasuryAddr); err != nil {
		log.Fatal("seeding initial supply", "error", err)
	}

	s, err := store.New(db)
	if err != nil {
		log.Fatal("initializing store", "error", err)
	}

	o := oracle.NewFixed(1.00)

	cfg := peg.DefaultConfig()
	cfg.Enabled = true
	cfg.KPPM = *kPPM
	cfg.KiPPM = *kiPPM
	cfg.KdPPM = *kdPPM
	cfg.DeadbandPPM = *deadband
	cfg.TreasuryAddress = simTreasuryAddr
	cfg.MaxBondDebt = 0

	c, err := peg.NewController(cfg, o, l, s, nil)
	if err != nil {
		log.Fatal("constructing controller", "error", err)
	}
	defer c.Close()

	driver, err := newPriceDriver(*scenario)
	if err != nil {
		log.Fatal("unknown scenario", "error", err)
	}

	fmt.Printf("%-6s %-10s %-14s %-14s %-10s %s\n", "epoch", "price", "supply", "delta", "action", "reason")
	for epoch := 1; epoch <= *epochs; epoch++ {
		priceUSD := driver(epoch, *epochs)
		o.SetPrice(priceUSD)

		c.RunEpoch(uint64(epoch), uint64(epoch), uint64(time.Now().Unix()))
		st := c.GetState()

		fmt.Printf("%-6d %-10.4f %-14s %-14s %-10s %s\n",
			epoch, priceUSD, st.LastSupply.String(), st.LastDelta.String(), st.LastAction, st.LastReason)

		if st.CircuitBreakerTriggered {
			fmt.Println("circuit breaker latched, stopping simulation")
			break
		}
	}
}

// priceDriver returns the target USD price for a given epoch out of total,
// one per named scenario in the original tool's doc comment.
type priceDriver func(epoch, total int) float64

func newPriceDriver(scenario string) (priceDriver, error) {
	switch scenario {
	case "stable":
		return func(epoch, total int) float64 { return 1.00 }, nil
	case "spike":
		return func(epoch, total int) float64 {
			mid := total / 2
			if epoch >= mid && epoch < mid+10 {
				return 1.50
			}
			return 1.00
		}, nil
	case "drift":
		return func(epoch, total int) float64 {
			if total <= 1 {
				return 1.00
			}
			frac := float64(epoch-1) / float64(total-1)
			return 1.00 + 0.10*frac
		}, nil
	case "random":
		r := oracle.NewRandom(1.00, 0.02)
		return func(epoch, total int) float64 {
			p, _ := r.Latest()
			return float64(p.PriceScaled) / float64(peg.PriceScale)
		}, nil
	case "cycle":
		return func(epoch, total int) float64 {
			const period = 20.0
			return 1.00 + 0.05*math.Sin(2*math.Pi*float64(epoch)/period)
		}, nil
	default:
		return nil, fmt.Errorf("scenario %q not recognized (want stable, spike, drift, random, cycle)", scenario)
	}
}
