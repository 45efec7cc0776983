// Package main provides pegd - a standalone daemon running the algorithmic
// monetary-peg controller on a fixed epoch schedule, grounded on
// cmd/klingond's flag-parsing/config-loading/signal-handling pattern, but
// with its own minimal on-disk config and database connection rather than
// pulling in the exchange daemon's full node/wallet/swap stack, none of
// which the peg controller touches.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-v2/internal/peg"
	"github.com/klingon-exchange/klingon-v2/internal/peg/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/peg/oracle"
	"github.com/klingon-exchange/klingon-v2/internal/peg/store"
	"github.com/klingon-exchange/klingon-v2/internal/rpc"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

var version = "0.1.0-dev"

// daemonConfig is pegd's on-disk yaml shape: the peg controller's own
// config plus the handful of process-level settings (where to put the
// database, what address to serve RPC on) node.Config used to carry for
// every subsystem at once.
type daemonConfig struct {
	DataDir  string            `yaml:"data_dir"`
	APIAddr  string            `yaml:"api_addr"`
	Testnet  bool              `yaml:"testnet"`
	LogLevel string            `yaml:"log_level"`
	Peg      peg.PegYAMLConfig `yaml:"peg"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		DataDir:  "~/.klingon-peg",
		APIAddr:  "127.0.0.1:8090",
		Testnet:  false,
		LogLevel: "info",
		Peg:      peg.DefaultPegYAMLConfig(),
	}
}

const configFileName = "config.yaml"

// loadDaemonConfig loads pegd's config.yaml from dataDir, writing out a
// default file on first run the same way node.LoadConfig used to.
func loadDaemonConfig(dataDir string) (daemonConfig, string, error) {
	configPath := filepath.Join(dataDir, configFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := defaultDaemonConfig()
		cfg.DataDir = dataDir
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return cfg, configPath, err
		}
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return cfg, configPath, err
		}
		header := []byte("# pegd configuration\n# Generated automatically on first run\n\n")
		if err := os.WriteFile(configPath, append(header, data...), 0600); err != nil {
			return cfg, configPath, err
		}
		return cfg, configPath, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return daemonConfig{}, configPath, err
	}
	cfg := defaultDaemonConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return daemonConfig{}, configPath, err
	}
	return cfg, configPath, nil
}

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.klingon-peg", "Data directory")
		apiAddr     = flag.String("api", "", "JSON-RPC API address (overrides config.yaml)")
		testnet     = flag.Bool("testnet", false, "Use testnet address validation (overrides config.yaml)")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config.yaml)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pegd %s\n", version)
		os.Exit(0)
	}

	effectiveDataDir := expandPath(*dataDir)
	cfg, configPath, err := loadDaemonConfig(effectiveDataDir)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log := logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", configPath)

	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}
	if *testnet {
		cfg.Testnet = true
	}

	dbPath := filepath.Join(effectiveDataDir, "peg.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		log.Fatal("Failed to open database", "error", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal("Failed to ping database", "error", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	log.Info("Database opened", "path", dbPath)

	params := &chaincfg.MainNetParams
	if cfg.Testnet {
		params = &chaincfg.TestNet3Params
	}

	l, err := ledger.New(db, params)
	if err != nil {
		log.Fatal("Failed to initialize peg ledger", "error", err)
	}

	s, err := store.New(db)
	if err != nil {
		log.Fatal("Failed to initialize peg store", "error", err)
	}

	pegCfg := cfg.Peg.ToConfig()
	if pegCfg.TreasuryAddress == "" {
		log.Fatal("peg.treasury_address must be set in config.yaml")
	}

	o, err := oracle.NewFromSpec(cfg.Peg.OracleSpec, pegCfg.OracleMaxAgeSeconds)
	if err != nil {
		log.Fatal("Failed to construct peg oracle", "error", err, "spec", cfg.Peg.OracleSpec)
	}

	rpcServer := rpc.NewServer()

	controller, err := peg.NewController(pegCfg, o, l, s, rpcServer.PegEventSink())
	if err != nil {
		log.Fatal("Failed to construct peg controller", "error", err)
	}
	defer controller.Close()

	if fixed, ok := o.(*oracle.FixedOracle); ok {
		rpcServer.SetPegOracle(fixed)
	}
	rpcServer.SetupPegHandlers(controller)

	if err := rpcServer.Start(cfg.APIAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}
	log.Info("pegd started", "api", cfg.APIAddr, "epoch_seconds", pegCfg.EpochSeconds, "enabled", pegCfg.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	epochSeconds := pegCfg.EpochSeconds
	if epochSeconds <= 0 {
		epochSeconds = 600
	}
	ticker := time.NewTicker(time.Duration(epochSeconds) * time.Second)
	defer ticker.Stop()

	var epochID, blockHeight uint64
	runEpoch := func() {
		epochID++
		blockHeight++
		ok := controller.RunEpoch(epochID, blockHeight, uint64(time.Now().Unix()))
		st := controller.GetState()
		log.Info("epoch complete", "epoch_id", epochID, "ok", ok, "action", st.LastAction, "reason", st.LastReason)
	}

	for {
		select {
		case <-ticker.C:
			runEpoch()
		case <-sigCh:
			log.Info("Shutting down...")
			if err := rpcServer.Stop(); err != nil {
				log.Error("Error stopping RPC server", "error", err)
			}
			log.Info("Goodbye!")
			return
		}
	}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
