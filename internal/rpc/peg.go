package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/klingon-v2/internal/peg"
	"github.com/klingon-exchange/klingon-v2/internal/peg/oracle"
	"github.com/klingon-exchange/klingon-v2/pkg/helpers"
)

// priceDecimals is PriceScale's decimal width, used to render a scaled
// price as the human-readable price_usd string spec.md §6 requires.
const priceDecimals uint8 = 6

func formatPriceUSD(priceScaled int64) string {
	if priceScaled < 0 {
		priceScaled = 0
	}
	return helpers.FormatAmount(uint64(priceScaled), priceDecimals)
}

// pegEventSink adapts the controller's narrow EventSink interface to the
// server's WebSocket hub. It resolves the hub lazily through the server,
// since the hub itself isn't created until Server.Start runs, after the
// controller is typically wired.
type pegEventSink struct {
	server *Server
}

const EventPegEpoch EventType = "peg_epoch"

func (s *pegEventSink) BroadcastEpoch(r peg.EpochResult) {
	if s.server == nil || s.server.wsHub == nil {
		return
	}
	s.server.wsHub.Broadcast(EventPegEpoch, r)
}

// SetupPegHandlers wires the peg controller into the RPC server by
// registering the query/debug handlers below. It is called once the
// controller has been constructed; the peg_epoch broadcast sink is
// separate and comes from PegEventSink, which the controller needs first.
func (s *Server) SetupPegHandlers(c *peg.Controller) {
	s.peg = c
	s.handlers["peg_getstatus"] = s.pegGetStatus
	s.handlers["peg_gethistory"] = s.pegGetHistory
	s.handlers["peg_getconfig"] = s.pegGetConfig
	s.handlers["peg_setconfig"] = s.pegSetConfig
	s.handlers["peg_emergencystop"] = s.pegEmergencyStop
	s.handlers["peg_resetcircuitbreaker"] = s.pegResetCircuitBreaker
	s.handlers["peg_setoraclefixedprice"] = s.pegSetOracleFixedPrice
	s.log.Info("Peg controller handlers registered")
}

// PegEventSink returns an EventSink bound to this server's WebSocket hub,
// for passing to peg.NewController at daemon start-up.
func (s *Server) PegEventSink() peg.EventSink {
	return &pegEventSink{server: s}
}

// SetPegOracle records the fixed-price oracle instance, if any, so
// peg_setoraclefixedprice can reach it. Daemons configured with a file,
// random, or aggregated oracle leave this unset and the debug handler
// reports an error rather than silently no-oping.
func (s *Server) SetPegOracle(o *oracle.FixedOracle) {
	s.pegOracle = o
}

// PegConfigInfo is the nested `config` object in peg_getstatus's response
// (spec.md §6). Ki/Kd/Integral are only populated when the controller is
// running in full PID mode, matching the spec's "plus ki, kd, integral
// when integral/derivative gains are non-zero".
type PegConfigInfo struct {
	K                   int64  `json:"k"`
	Deadband            int64  `json:"deadband"`
	MaxExpansion        int64  `json:"max_expansion"`
	MaxContraction      int64  `json:"max_contraction"`
	EpochSeconds        int64  `json:"epoch_seconds"`
	OracleMaxAgeSeconds int64  `json:"oracle_max_age_seconds"`
	TreasuryAddress     string `json:"treasury_address"`
	Ki                  *int64 `json:"ki,omitempty"`
	Kd                  *int64 `json:"kd,omitempty"`
	Integral            string `json:"integral,omitempty"`
}

// PegStatusResult is the response for peg_getstatus.
type PegStatusResult struct {
	Enabled              bool          `json:"enabled"`
	Healthy              bool          `json:"healthy"`
	CircuitBreaker       bool          `json:"circuit_breaker"`
	EpochID              uint64        `json:"epoch_id"`
	Timestamp            uint64        `json:"timestamp"`
	BlockHeight          uint64        `json:"block_height"`
	PriceUSD             string        `json:"price_usd"`
	Supply               string        `json:"supply"`
	LastDelta            string        `json:"last_delta"`
	LastAction           string        `json:"last_action"`
	LastReason           string        `json:"last_reason"`
	TotalBondDebt        string        `json:"total_bond_debt"`
	BondsIssuedThisEpoch string        `json:"bonds_issued_this_epoch"`
	Config               PegConfigInfo `json:"config"`
}

func (s *Server) pegGetStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.peg == nil {
		return nil, fmt.Errorf("peg controller not enabled")
	}
	st := s.peg.GetState()
	cfg := s.peg.GetConfig()

	configInfo := PegConfigInfo{
		K:                   cfg.KPPM,
		Deadband:            cfg.DeadbandPPM,
		MaxExpansion:        cfg.MaxExpansionPPM,
		MaxContraction:      cfg.MaxContractionPPM,
		EpochSeconds:        cfg.EpochSeconds,
		OracleMaxAgeSeconds: cfg.OracleMaxAgeSeconds,
		TreasuryAddress:     cfg.TreasuryAddress,
	}
	if cfg.PID() {
		ki, kd := cfg.KiPPM, cfg.KdPPM
		configInfo.Ki = &ki
		configInfo.Kd = &kd
		configInfo.Integral = st.Integral.String()
	}

	return &PegStatusResult{
		Enabled:              cfg.Enabled,
		Healthy:              s.peg.IsHealthy(),
		CircuitBreaker:       st.CircuitBreakerTriggered,
		EpochID:              st.EpochID,
		Timestamp:            st.Timestamp,
		BlockHeight:          st.BlockHeight,
		PriceUSD:             formatPriceUSD(st.LastPriceScaled),
		Supply:               st.LastSupply.String(),
		LastDelta:            st.LastDelta.String(),
		LastAction:           string(st.LastAction),
		LastReason:           st.LastReason,
		TotalBondDebt:        st.TotalBondDebt.String(),
		BondsIssuedThisEpoch: st.BondsIssuedThisEpoch.String(),
		Config:               configInfo,
	}, nil
}

// PegHistoryParams is the request for peg_gethistory.
type PegHistoryParams struct {
	Count int `json:"count"`
}

// PegEventInfo is a single history entry in the peg_gethistory response.
type PegEventInfo struct {
	EpochID     uint64 `json:"epoch_id"`
	Timestamp   uint64 `json:"timestamp"`
	BlockHeight uint64 `json:"block_height"`
	PriceUSD    string `json:"price_usd"`
	Supply      string `json:"supply"`
	Delta       string `json:"delta"`
	Action      string `json:"action"`
	Reason      string `json:"reason"`
}

// PegHistoryResult is the response for peg_gethistory (spec.md §6's
// `{ events: [...], count }` envelope).
type PegHistoryResult struct {
	Events []PegEventInfo `json:"events"`
	Count  int            `json:"count"`
}

func (s *Server) pegGetHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.peg == nil {
		return nil, fmt.Errorf("peg controller not enabled")
	}
	var p PegHistoryParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	if p.Count <= 0 {
		p.Count = 50
	}
	if p.Count > 1000 {
		p.Count = 1000
	}

	events, err := s.peg.GetRecentEvents(p.Count)
	if err != nil {
		return nil, err
	}
	out := make([]PegEventInfo, 0, len(events))
	for _, e := range events {
		out = append(out, PegEventInfo{
			EpochID:     e.EpochID,
			Timestamp:   e.Timestamp,
			BlockHeight: e.BlockHeight,
			PriceUSD:    formatPriceUSD(e.PriceScaled),
			Supply:      e.Supply.String(),
			Delta:       e.Delta.String(),
			Action:      string(e.Action),
			Reason:      e.Reason,
		})
	}
	return &PegHistoryResult{Events: out, Count: len(out)}, nil
}

func (s *Server) pegGetConfig(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.peg == nil {
		return nil, fmt.Errorf("peg controller not enabled")
	}
	return s.peg.GetConfig(), nil
}

func (s *Server) pegSetConfig(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.peg == nil {
		return nil, fmt.Errorf("peg controller not enabled")
	}
	var cfg peg.Config
	if err := json.Unmarshal(params, &cfg); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := s.peg.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

// PegReasonParams is the request for the operator-override handlers.
type PegReasonParams struct {
	Reason string `json:"reason"`
}

func (s *Server) pegEmergencyStop(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.peg == nil {
		return nil, fmt.Errorf("peg controller not enabled")
	}
	var p PegReasonParams
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	if p.Reason == "" {
		p.Reason = "operator emergency stop via RPC"
	}
	s.peg.EmergencyStop(p.Reason)
	return map[string]bool{"ok": true}, nil
}

func (s *Server) pegResetCircuitBreaker(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.peg == nil {
		return nil, fmt.Errorf("peg controller not enabled")
	}
	var p PegReasonParams
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	if p.Reason == "" {
		p.Reason = "operator reset via RPC"
	}
	s.peg.ResetCircuitBreaker(p.Reason)
	return map[string]bool{"ok": true}, nil
}

// PegSetOracleFixedPriceParams is the request for the debug-only
// peg_setoraclefixedprice handler (SPEC_FULL.md's supplemented operator
// hook, available only when the daemon was started with a fixed oracle).
type PegSetOracleFixedPriceParams struct {
	PriceUSD float64 `json:"price_usd"`
}

func (s *Server) pegSetOracleFixedPrice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.pegOracle == nil {
		return nil, fmt.Errorf("peg oracle not configured for fixed-price overrides")
	}
	var p PegSetOracleFixedPriceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.PriceUSD <= 0 {
		return nil, fmt.Errorf("price_usd must be positive")
	}
	s.pegOracle.SetPrice(p.PriceUSD)
	return map[string]bool{"ok": true}, nil
}
