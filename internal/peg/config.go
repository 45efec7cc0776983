package peg

// Config holds the tunable parameters of the peg controller. Every field
// has a direct effect enumerated in spec.md §3; nothing here is derived.
type Config struct {
	// Enabled is the master switch; when false, epochs succeed as no-ops.
	Enabled bool

	// EpochSeconds / EpochBlocks / UseBlockEpochs describe the intended
	// cadence for a scheduler. The scheduler-supplied epoch id is
	// authoritative; these fields are informational only.
	EpochSeconds   int64
	EpochBlocks    int64
	UseBlockEpochs bool

	// DeadbandPPM: |price - target| below this fraction of target means
	// no action is taken.
	DeadbandPPM int64

	// KPPM is the proportional gain.
	KPPM int64
	// KiPPM, KdPPM are the integral and derivative gains. Both zero
	// selects pure-proportional mode; integral and prev-error are not
	// updated on that path.
	KiPPM int64
	KdPPM int64

	// MaxExpansionPPM, MaxContractionPPM clamp |delta|/supply per epoch.
	MaxExpansionPPM   int64
	MaxContractionPPM int64

	// OracleMaxAgeSeconds: a price is stale if timestamp delta exceeds this.
	OracleMaxAgeSeconds int64

	// CircuitBreakerPPM: |price - target|/target above this latches the
	// breaker and disables the controller.
	CircuitBreakerPPM int64

	// MaxBondDebt bounds cumulative outstanding bond debt; 0 = unbounded.
	MaxBondDebt int64

	// TreasuryAddress is the protocol-owned address used for both
	// expansion destination and contraction source.
	TreasuryAddress string

	// IntegralClampPPM bounds the integral accumulator when nonzero
	// (anti-wind-up, open question #2 in spec.md §9; decided in
	// SPEC_FULL.md §5.2). 0 preserves the original's unbounded
	// accumulation.
	IntegralClampPPM int64

	// BondMaturityEpochs (M) and BondDiscountRatePPM (D) are the policy
	// constants issue_bonds uses to stamp a new bond record.
	BondMaturityEpochs   int64
	BondDiscountRatePPM int64
}

// DefaultConfig returns conservative defaults: disabled, a 1% dead-band, a
// modest proportional gain, 5% per-epoch caps, a 10-minute oracle staleness
// window and a 50% circuit-breaker threshold.
func DefaultConfig() Config {
	return Config{
		Enabled:             false,
		EpochSeconds:        600,
		DeadbandPPM:         10_000,
		KPPM:                50_000,
		MaxExpansionPPM:     50_000,
		MaxContractionPPM:   50_000,
		OracleMaxAgeSeconds: 600,
		CircuitBreakerPPM:   500_000,
		BondMaturityEpochs:  144,
		BondDiscountRatePPM: 50_000,
	}
}

// PID reports whether the controller runs in full PID mode (either gain
// nonzero) as opposed to pure-proportional mode.
func (c Config) PID() bool {
	return c.KiPPM != 0 || c.KdPPM != 0
}

// PegYAMLConfig is the on-disk yaml shape loaded by cmd/pegd. It mirrors
// Config field-for-field with yaml tags; the split exists so
// internal/peg stays free of a yaml.v3 import and only the daemon's
// config loader deals with serialization.
type PegYAMLConfig struct {
	Enabled             bool   `yaml:"enabled"`
	EpochSeconds        int64  `yaml:"epoch_seconds"`
	EpochBlocks         int64  `yaml:"epoch_blocks"`
	UseBlockEpochs      bool   `yaml:"use_block_epochs"`
	DeadbandPPM         int64  `yaml:"deadband_ppm"`
	KPPM                int64  `yaml:"k_ppm"`
	KiPPM               int64  `yaml:"ki_ppm"`
	KdPPM               int64  `yaml:"kd_ppm"`
	MaxExpansionPPM     int64  `yaml:"max_expansion_ppm"`
	MaxContractionPPM   int64  `yaml:"max_contraction_ppm"`
	OracleMaxAgeSeconds int64  `yaml:"oracle_max_age_seconds"`
	CircuitBreakerPPM   int64  `yaml:"circuit_breaker_ppm"`
	MaxBondDebt         int64  `yaml:"max_bond_debt"`
	TreasuryAddress     string `yaml:"treasury_address"`
	IntegralClampPPM    int64  `yaml:"integral_clamp_ppm"`
	BondMaturityEpochs  int64  `yaml:"bond_maturity_epochs"`
	BondDiscountRatePPM int64  `yaml:"bond_discount_rate_ppm"`
	OracleSpec          string `yaml:"oracle_spec"`
}

// DefaultPegYAMLConfig mirrors DefaultConfig for the on-disk form.
func DefaultPegYAMLConfig() PegYAMLConfig {
	d := DefaultConfig()
	return PegYAMLConfig{
		Enabled:             d.Enabled,
		EpochSeconds:        d.EpochSeconds,
		DeadbandPPM:         d.DeadbandPPM,
		KPPM:                d.KPPM,
		MaxExpansionPPM:     d.MaxExpansionPPM,
		MaxContractionPPM:   d.MaxContractionPPM,
		OracleMaxAgeSeconds: d.OracleMaxAgeSeconds,
		CircuitBreakerPPM:   d.CircuitBreakerPPM,
		BondMaturityEpochs:  d.BondMaturityEpochs,
		BondDiscountRatePPM: d.BondDiscountRatePPM,
		OracleSpec:          "fixed:1.00",
	}
}

// ToConfig converts the yaml shape into the runtime Config.
func (y PegYAMLConfig) ToConfig() Config {
	return Config{
		Enabled:             y.Enabled,
		EpochSeconds:        y.EpochSeconds,
		EpochBlocks:         y.EpochBlocks,
		UseBlockEpochs:      y.UseBlockEpochs,
		DeadbandPPM:         y.DeadbandPPM,
		KPPM:                y.KPPM,
		KiPPM:               y.KiPPM,
		KdPPM:               y.KdPPM,
		MaxExpansionPPM:     y.MaxExpansionPPM,
		MaxContractionPPM:   y.MaxContractionPPM,
		OracleMaxAgeSeconds: y.OracleMaxAgeSeconds,
		CircuitBreakerPPM:   y.CircuitBreakerPPM,
		MaxBondDebt:         y.MaxBondDebt,
		TreasuryAddress:     y.TreasuryAddress,
		IntegralClampPPM:    y.IntegralClampPPM,
		BondMaturityEpochs:  y.BondMaturityEpochs,
		BondDiscountRatePPM: y.BondDiscountRatePPM,
	}
}
