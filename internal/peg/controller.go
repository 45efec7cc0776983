package peg

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-v2/internal/peg/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/peg/oracle"
	"github.com/klingon-exchange/klingon-v2/internal/peg/store"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// EpochResult summarizes one run_epoch call for anything that wants to
// observe completed epochs without depending on the controller's
// internals, in particular the RPC layer's WebSocket broadcast.
type EpochResult struct {
	EpochID     uint64
	CorrelationID string
	Action      Action
	Reason      string
	PriceScaled int64
	Supply      string // decimal string, 128-bit amount
	Delta       string // decimal string, 128-bit amount
	Success     bool
}

// EventSink receives a notification after every completed epoch. The
// controller never imports internal/rpc to avoid a cycle; callers that
// want live broadcast (internal/rpc.Server via its WSHub) implement this
// narrow interface themselves and pass it to NewController.
type EventSink interface {
	BroadcastEpoch(EpochResult)
}

// Controller is the epoch state machine (spec.md §4.5 "C5 Peg
// Controller"). A single mutex serializes every public operation exactly
// as spec.md §5 requires: run_epoch holds it for its entire body, and
// read-only queries take it briefly to copy out a snapshot.
type Controller struct {
	mu sync.Mutex

	cfg   Config
	state State

	oracle oracle.Oracle
	ledger ledger.Ledger
	store  store.Store
	sink   EventSink
	log    *logging.Logger

	bonds      map[uint64]Bond
	nextBondID uint64
}

// NewController constructs a Controller. All three ports must be
// non-nil (configuration-invalid otherwise, per spec.md §9's "Exceptions"
// design note — a Go constructor error, not a panic). If the store holds
// a prior state record it is restored; bond records are loaded into
// memory so redemption can walk them in issuance order.
func NewController(cfg Config, o oracle.Oracle, l ledger.Ledger, s store.Store, sink EventSink) (*Controller, error) {
	if o == nil || l == nil || s == nil {
		return nil, newError(ErrConfigurationInvalid, "oracle, ledger, and store must all be non-nil")
	}

	c := &Controller{
		cfg:    cfg,
		state:  NewState(),
		oracle: o,
		ledger: l,
		store:  s,
		sink:   sink,
		log:    logging.GetDefault().Component("peg"),
		bonds:  make(map[uint64]Bond),
	}

	if err := c.loadState(); err != nil {
		return nil, fmt.Errorf("peg: load state: %w", err)
	}
	if err := c.loadBonds(); err != nil {
		return nil, fmt.Errorf("peg: load bonds: %w", err)
	}

	return c, nil
}

func (c *Controller) loadState() error {
	data, ok, err := c.store.Get([]byte(StateKey))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	st, err := DeserializeState(data)
	if err != nil {
		return err
	}
	c.state = st
	return nil
}

func (c *Controller) loadBonds() error {
	kvs, err := c.store.ScanReverse([]byte("bonds:"), 1_000_000)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		b, err := DeserializeBond(kv.Value)
		if err != nil {
			return err
		}
		c.bonds[b.BondID] = b
		if b.BondID >= c.nextBondID {
			c.nextBondID = b.BondID + 1
		}
	}
	return nil
}

// RunEpoch executes the epoch algorithm of spec.md §4.5 for the given
// scheduler-supplied identifiers. It returns true on success (including
// the disabled, circuit-broken, dead-band, and stale-epoch-id no-op
// paths) and false on any of the failure kinds in spec.md §7. Any panic
// raised by the oracle or ledger is recovered here and converted to the
// exception error kind, the same boundary the original's
// catch (const std::exception&) draws in run_epoch.
func (c *Controller) RunEpoch(epochID, blockHeight, timestamp uint64) (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	preEpoch := c.state.Clone()

	defer func() {
		if r := recover(); r != nil {
			c.state = preEpoch
			c.state.LastAction = ActionError
			c.state.LastReason = fmt.Sprintf("exception: %v", r)
			c.persistStateOnly()
			c.log.Error("run_epoch panicked", "recover", r)
			ok = false
		}
	}()

	return c.runEpochLocked(epochID, blockHeight, timestamp, preEpoch)
}

func (c *Controller) runEpochLocked(epochID, blockHeight, timestamp uint64, preEpoch State) bool {
	// Open-question decision #3 (SPEC_FULL.md §5.3): a stale or repeated
	// epoch id is an idempotent no-op, not an error, so a retrying
	// scheduler never gets stuck.
	if epochID <= c.state.EpochID && c.state.EpochID != 0 {
		c.state.LastAction = ActionStaleEpoch
		c.state.LastReason = fmt.Sprintf("epoch_id %d <= last %d", epochID, c.state.EpochID)
		return true
	}

	// Step 1: stamp epoch metadata. BondsIssuedThisEpoch/BondsRedeemedThisEpoch
	// are per-epoch counters (spec.md §3), so they reset here rather than
	// accumulating across the controller's lifetime.
	c.state.EpochID = epochID
	c.state.BlockHeight = blockHeight
	c.state.Timestamp = timestamp
	c.state.BondsIssuedThisEpoch = big.NewInt(0)
	c.state.BondsRedeemedThisEpoch = big.NewInt(0)

	if !c.cfg.Enabled {
		c.state.LastAction = ActionDisabled
		c.state.LastReason = "peg disabled"
		if err := c.persistStateOnly(); err != nil {
			return c.rollback(preEpoch, err)
		}
		return true
	}

	if c.state.CircuitBreakerTriggered {
		c.state.LastAction = ActionCircuitBreaker
		c.state.LastReason = "circuit breaker latched"
		if err := c.persistStateOnly(); err != nil {
			return c.rollback(preEpoch, err)
		}
		return true
	}

	// Step 2: fetch price.
	price, ok := c.oracle.Latest()
	if !ok || !price.IsValid() {
		c.state.LastAction = ActionError
		c.state.LastReason = "oracle fetch failed"
		if err := c.persistStateOnly(); err != nil {
			return c.rollback(preEpoch, err)
		}
		return false
	}

	// Step 3: staleness.
	if price.IsStale(timestamp, c.cfg.OracleMaxAgeSeconds) {
		c.state.LastAction = ActionError
		c.state.LastReason = "oracle price stale"
		if err := c.persistStateOnly(); err != nil {
			return c.rollback(preEpoch, err)
		}
		return false
	}

	c.state.LastPriceScaled = price.PriceScaled

	// Step 4: circuit-breaker check.
	errScaled := price.PriceScaled - TargetPrice
	devPPM := abs128(scaledMulInt64(errScaled, PPMScale, big.NewInt(TargetPrice)))
	if devPPM.Cmp(big.NewInt(c.cfg.CircuitBreakerPPM)) > 0 {
		c.state.CircuitBreakerTriggered = true
		c.cfg.Enabled = false
		c.state.LastAction = ActionCircuitBreaker
		c.state.LastReason = fmt.Sprintf("price deviation %s%% exceeds breaker threshold %s%%",
			ppmToPercentString(devPPM.Int64()), ppmToPercentString(c.cfg.CircuitBreakerPPM))
		if err := c.persistStateOnly(); err != nil {
			return c.rollback(preEpoch, err)
		}
		return true
	}

	// Step 5: dead-band.
	deadbandAbs := ppmOf(big.NewInt(TargetPrice), c.cfg.DeadbandPPM)
	absErr := abs128(big.NewInt(errScaled))
	if absErr.Cmp(deadbandAbs) < 0 {
		c.state.LastAction = ActionDeadband
		c.state.LastReason = "price within dead-band"
		c.state.LastDelta = big.NewInt(0)
		if !c.persistAndEmit(price, c.state.LastSupply) {
			c.state = preEpoch
			return false
		}
		return true
	}

	// Step 6: supply.
	supply, err := c.ledger.TotalSupply()
	if err != nil || supply == nil || supply.Sign() <= 0 {
		c.state.LastAction = ActionError
		c.state.LastReason = "non-positive or unavailable supply"
		if err := c.persistStateOnly(); err != nil {
			return c.rollback(preEpoch, err)
		}
		return false
	}
	c.state.LastSupply = new(big.Int).Set(supply)

	// Step 7: delta computation.
	delta := c.computeDelta(errScaled, supply)

	// Step 8: cap.
	capUp := ppmOf(supply, c.cfg.MaxExpansionPPM)
	capDn := ppmOf(supply, c.cfg.MaxContractionPPM)
	delta = clampBig(delta, new(big.Int).Neg(capDn), capUp)
	c.state.LastDelta = new(big.Int).Set(delta)

	// Step 9: execute.
	action, reason, execErr := c.execute(delta, supply, epochID)
	c.state.LastAction = action
	c.state.LastReason = reason

	// Step 10: persist.
	success := execErr == nil
	if !c.persistAndEmit(price, supply) {
		c.state = preEpoch
		return false
	}
	return success
}

// computeDelta implements spec.md §4.5 step 7: pure-proportional when
// both ki and kd are zero, full PID otherwise (which alone updates the
// integral accumulator and prev_error_scaled).
func (c *Controller) computeDelta(errScaled int64, supply *big.Int) *big.Int {
	// delta = scaled_mul(scaled_mul(k_ppm, error, PPM_SCALE), supply, PRICE_SCALE).
	// The nesting order is significant (truncating integer division at
	// each step), so it is reproduced exactly rather than reassociated.
	proportional := scaledMul(scaledMulInt64(c.cfg.KPPM, errScaled, bigPPMScale), supply, bigPriceScale)

	if !c.cfg.PID() {
		return proportional
	}

	c.state.Integral = new(big.Int).Add(c.state.Integral, big.NewInt(errScaled))
	if c.cfg.IntegralClampPPM > 0 {
		// Open-question decision #2 (SPEC_FULL.md §5.2): anti-wind-up
		// clamp on the integral accumulator, expressed in the same
		// PriceScale units as error_scaled.
		clamp := ppmOf(big.NewInt(TargetPrice), c.cfg.IntegralClampPPM)
		c.state.Integral = clampBig(c.state.Integral, new(big.Int).Neg(clamp), clamp)
	}
	derivative := errScaled - c.state.PrevErrorScaled
	c.state.PrevErrorScaled = errScaled

	integralTerm := scaledMul(scaledMul(big.NewInt(c.cfg.KiPPM), c.state.Integral, bigPPMScale), supply, bigPriceScale)
	derivativeTerm := scaledMul(scaledMulInt64(c.cfg.KdPPM, derivative, bigPPMScale), supply, bigPriceScale)

	delta := new(big.Int).Add(proportional, integralTerm)
	delta.Add(delta, derivativeTerm)
	return delta
}

// execute implements spec.md §4.5 step 9: expand, contract (with bond
// fallback on shortfall), or none. The returned Action reflects delta's
// sign unconditionally (expand for delta>0, contract for delta<0) even
// when the ledger call fails; success/failure is reported only through
// the error return, matching the original controller's separation
// between state_.last_action and the run_epoch success flag.
func (c *Controller) execute(delta, supply *big.Int, epochID uint64) (Action, string, error) {
	switch delta.Sign() {
	case 0:
		return ActionNone, "delta zero after clamping", nil

	case 1:
		mintAmount, redeemed, bondReason := c.redeemMaturedBonds(epochID, delta)
		if mintAmount.Sign() <= 0 {
			return ActionExpand, "fully covered by bond redemption: " + bondReason, nil
		}
		if err := c.ledger.MintToTreasury(mintAmount, c.cfg.TreasuryAddress); err != nil {
			reason := fmt.Sprintf("mint rejected: %v", err)
			if redeemed.Sign() > 0 {
				reason = bondReason + "; " + reason
			}
			return ActionExpand, reason, newError(ErrLedgerRejected, reason)
		}
		reason := fmt.Sprintf("minted %s to treasury", mintAmount.String())
		if redeemed.Sign() > 0 {
			reason = bondReason + "; " + reason
		}
		return ActionExpand, reason, nil

	default:
		amount := abs128(delta)
		err := c.ledger.BurnFromTreasury(amount, c.cfg.TreasuryAddress)
		if err == nil {
			return ActionContract, fmt.Sprintf("burned %s from treasury", amount.String()), nil
		}

		insufficient, isShortfall := err.(*ledger.ErrInsufficientBalance)
		if !isShortfall {
			reason := fmt.Sprintf("burn rejected: %v", err)
			return ActionContract, reason, newError(ErrLedgerRejected, reason)
		}

		// Burn what the treasury can cover, issue bonds for the shortfall.
		// available is the entire spendable balance at the address (the
		// sum BurnFromTreasury accumulated before giving up), which must
		// itself cover the fee before anything is left to actually burn.
		available := insufficient.Available
		burnable := new(big.Int).Sub(available, c.ledger.Fee())
		if burnable.Sign() > 0 {
			if err := c.ledger.BurnFromTreasury(burnable, c.cfg.TreasuryAddress); err != nil {
				reason := fmt.Sprintf("partial burn rejected: %v", err)
				return ActionContract, reason, newError(ErrLedgerRejected, reason)
			}
		} else {
			burnable = big.NewInt(0)
		}
		shortfall := new(big.Int).Sub(amount, burnable)

		bondAmount := shortfall
		capped := ""
		if c.cfg.MaxBondDebt > 0 {
			headroom := new(big.Int).Sub(big.NewInt(c.cfg.MaxBondDebt), c.state.TotalBondDebt)
			if headroom.Sign() < 0 {
				headroom = big.NewInt(0)
			}
			if bondAmount.Cmp(headroom) > 0 {
				capped = fmt.Sprintf("; bond debt capped, %s of shortfall uncovered",
					new(big.Int).Sub(bondAmount, headroom).String())
				bondAmount = headroom
			}
		}

		if bondAmount.Sign() > 0 {
			bond := c.issueBond(bondAmount, epochID)
			reason := fmt.Sprintf("burned %s, issued bond %d for %s%s",
				burnable.String(), bond.BondID, bondAmount.String(), capped)
			return ActionContract, reason, nil
		}

		reason := fmt.Sprintf("burned %s, shortfall %s uncovered (bond debt at cap)", burnable.String(), shortfall.String())
		return ActionContract, reason, nil
	}
}

// issueBond allocates a monotonically increasing bond id, persists the
// record, and updates the running debt counters (spec.md §4.5 "Bond
// issuance").
func (c *Controller) issueBond(amount *big.Int, epochID uint64) Bond {
	bond := Bond{
		BondID:          c.nextBondID,
		Amount:          new(big.Int).Set(amount),
		IssuedEpoch:     epochID,
		MaturityEpoch:   epochID + uint64(c.cfg.BondMaturityEpochs),
		DiscountRatePPM: c.cfg.BondDiscountRatePPM,
	}
	c.nextBondID++
	c.bonds[bond.BondID] = bond
	c.store.Put(EpochKeyBond(bond.BondID), SerializeBond(bond))

	c.state.TotalBondDebt = new(big.Int).Add(c.state.TotalBondDebt, amount)
	c.state.BondsIssuedThisEpoch = new(big.Int).Add(c.state.BondsIssuedThisEpoch, amount)
	return bond
}

// redeemMaturedBonds implements open-question decision #1
// (SPEC_FULL.md §5.1): inside an expansion epoch, before minting, walk
// outstanding bonds in issuance order (FIFO) and redeem those whose
// maturity has arrived, up to the expansion amount. Returns the amount
// still to be minted after redemption and the amount redeemed.
func (c *Controller) redeemMaturedBonds(epochID uint64, expansion *big.Int) (toMint, redeemed *big.Int, reason string) {
	ids := make([]uint64, 0, len(c.bonds))
	for id, b := range c.bonds {
		if !b.Redeemed && b.MaturityEpoch <= epochID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	remaining := new(big.Int).Set(expansion)
	redeemed = big.NewInt(0)
	var redeemedIDs []uint64

	for _, id := range ids {
		bond := c.bonds[id]
		if bond.Amount.Cmp(remaining) > 0 {
			break // FIFO: stop at the first bond too large for the remaining budget
		}
		bond.Redeemed = true
		c.bonds[id] = bond
		c.store.Put(EpochKeyBond(id), SerializeBond(bond))

		remaining.Sub(remaining, bond.Amount)
		redeemed.Add(redeemed, bond.Amount)
		redeemedIDs = append(redeemedIDs, id)
	}

	if redeemed.Sign() > 0 {
		c.state.TotalBondDebt = new(big.Int).Sub(c.state.TotalBondDebt, redeemed)
		c.state.BondsRedeemedThisEpoch = new(big.Int).Add(c.state.BondsRedeemedThisEpoch, redeemed)
		reason = fmt.Sprintf("redeemed bonds %v for %s", redeemedIDs, redeemed.String())
	}
	return remaining, redeemed, reason
}

// persistAndEmit writes the state record and, for acting/dead-band
// epochs, the event record (spec.md §4.5 step 10 / invariant 4), then
// notifies the event sink. Both writes must succeed for the epoch to be
// durably committed; on any failure it returns false and runEpochLocked
// restores the pre-epoch in-memory state.
func (c *Controller) persistAndEmit(price oracle.Price, supply *big.Int) bool {
	if err := c.store.Put([]byte(StateKey), SerializeState(c.state)); err != nil {
		c.log.Error("persist state failed", "err", err)
		return false
	}

	event := Event{
		EpochID:     c.state.EpochID,
		Timestamp:   c.state.Timestamp,
		BlockHeight: c.state.BlockHeight,
		PriceScaled: price.PriceScaled,
		Supply:      supply,
		Delta:       new(big.Int).Set(c.state.LastDelta),
		Action:      c.state.LastAction,
		Reason:      c.state.LastReason,
	}
	if err := c.store.Put(EpochKeyEvent(event.EpochID), SerializeEvent(event)); err != nil {
		c.log.Error("persist event failed", "err", err)
		return false
	}

	c.emit(price)
	return true
}

// persistStateOnly writes only the state record, for the disabled,
// circuit-broken, and error paths which emit no event (invariant 4). The
// stale-epoch-id path persists nothing at all.
func (c *Controller) persistStateOnly() error {
	if err := c.store.Put([]byte(StateKey), SerializeState(c.state)); err != nil {
		c.log.Error("persist state failed", "err", err)
		return err
	}
	c.emit(oracle.Price{PriceScaled: c.state.LastPriceScaled})
	return nil
}

func (c *Controller) rollback(preEpoch State, err error) bool {
	c.state = preEpoch
	c.log.Error("epoch rolled back", "err", err)
	return false
}

func (c *Controller) emit(price oracle.Price) {
	if c.sink == nil {
		return
	}
	c.sink.BroadcastEpoch(EpochResult{
		EpochID:       c.state.EpochID,
		CorrelationID: uuid.New().String(),
		Action:        c.state.LastAction,
		Reason:        c.state.LastReason,
		PriceScaled:   c.state.LastPriceScaled,
		Supply:        c.state.LastSupply.String(),
		Delta:         c.state.LastDelta.String(),
		Success:       c.state.LastAction != ActionError,
	})
}


// GetState returns a snapshot copy of the controller's current state.
func (c *Controller) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// GetConfig returns a snapshot copy of the controller's current config.
func (c *Controller) GetConfig() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// UpdateConfig replaces the controller's configuration. The only
// invariant enforced here is that enabling is rejected while the circuit
// breaker is latched (spec.md §4.5 "active" transition). Takes effect at
// the next run_epoch.
func (c *Controller) UpdateConfig(cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.Enabled && c.state.CircuitBreakerTriggered {
		return newError(ErrConfigurationInvalid, "cannot enable while circuit breaker is latched")
	}
	c.cfg = cfg
	return nil
}

// GetRecentEvents returns up to n events newest-first, skipping epochs
// that have no event (disabled/circuit-broken/stale-id epochs write
// none, per invariant 4). n is clamped to 1000.
func (c *Controller) GetRecentEvents(n int) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}
	if n > 1000 {
		n = 1000
	}

	kvs, err := c.store.ScanReverse([]byte("events:"), n)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(kvs))
	for _, kv := range kvs {
		e, err := DeserializeEvent(kv.Value)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// EmergencyStop latches the circuit breaker and disables the controller
// immediately, persisting the reason (SPEC_FULL.md §4 item 2 mirrors the
// original's destructor best-effort persistence; this is the operator
// path, Close is the shutdown path).
func (c *Controller) EmergencyStop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.CircuitBreakerTriggered = true
	c.cfg.Enabled = false
	c.state.LastAction = ActionEmergencyStop
	c.state.LastReason = reason
	c.persistStateOnly()
}

// ResetCircuitBreaker clears the latch and persists. It does not
// re-enable the peg; the operator must do that explicitly via
// UpdateConfig.
func (c *Controller) ResetCircuitBreaker(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.CircuitBreakerTriggered = false
	c.state.LastAction = ActionCircuitBreakerReset
	c.state.LastReason = reason
	c.persistStateOnly()
}

// IsHealthy reports enabled && not latched && fresh oracle && healthy
// ledger && positive supply.
func (c *Controller) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Enabled || c.state.CircuitBreakerTriggered {
		return false
	}
	price, ok := c.oracle.Latest()
	if !ok || !price.IsValid() {
		return false
	}
	if price.IsStale(c.state.Timestamp, c.cfg.OracleMaxAgeSeconds) {
		return false
	}
	if !c.ledger.IsHealthy() {
		return false
	}
	supply, err := c.ledger.TotalSupply()
	return err == nil && supply != nil && supply.Sign() > 0
}

// Close re-persists the current state once, best-effort, matching the
// original's ~PegController destructor (SPEC_FULL.md §4 item 2).
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Put([]byte(StateKey), SerializeState(c.state))
}
