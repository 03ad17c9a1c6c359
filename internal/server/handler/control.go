package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/engine"
	"github.com/flasharb/engine/internal/guard"
)

// EngineControl is the runtime control surface the handler drives.
type EngineControl interface {
	SetScanning(on bool)
	SetAutoExecute(on bool) error
	AutoExecute() bool
	SetMinProfitThreshold(bps float64)
	SetMaxGasPrice(gwei float64)
	SetMaxSlippage(bps float64)
	Limits() guard.Limits
	ConnectWallet(ctx context.Context) (domain.WalletHandle, error)
	DisconnectWallet()
}

// ControlHandler serves the engine control endpoints: scanning and
// auto-execute toggles, guard limit updates, and the wallet session.
type ControlHandler struct {
	engine EngineControl
	logger *slog.Logger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(eng EngineControl, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{engine: eng, logger: logHandler(logger, "control")}
}

// limitsResponse is the wire form of the guard limits.
type limitsResponse struct {
	MinProfitBps            float64 `json:"min_profit_bps"`
	MaxGasPriceGwei         float64 `json:"max_gas_price_gwei"`
	MaxSlippageBps          float64 `json:"max_slippage_bps"`
	MaxConcurrentExecutions int     `json:"max_concurrent_executions"`
}

// updateLimitsRequest carries partial limit updates; absent fields keep their
// current value.
type updateLimitsRequest struct {
	MinProfitBps    *float64 `json:"min_profit_bps"`
	MaxGasPriceGwei *float64 `json:"max_gas_price_gwei"`
	MaxSlippageBps  *float64 `json:"max_slippage_bps"`
}

func toLimitsResponse(l guard.Limits) limitsResponse {
	return limitsResponse{
		MinProfitBps:            l.MinProfitBps,
		MaxGasPriceGwei:         l.MaxGasPriceGwei,
		MaxSlippageBps:          l.MaxSlippageBps,
		MaxConcurrentExecutions: l.MaxConcurrentExecutions,
	}
}

// GetLimits returns the current guard limits.
// GET /api/engine/limits
func (h *ControlHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toLimitsResponse(h.engine.Limits()))
}

// UpdateLimits applies partial guard limit changes.
// PUT /api/engine/limits
func (h *ControlHandler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	var req updateLimitsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.MinProfitBps != nil {
		if *req.MinProfitBps < 0 {
			writeError(w, http.StatusBadRequest, "min_profit_bps must be non-negative")
			return
		}
		h.engine.SetMinProfitThreshold(*req.MinProfitBps)
	}
	if req.MaxGasPriceGwei != nil {
		if *req.MaxGasPriceGwei < 0 {
			writeError(w, http.StatusBadRequest, "max_gas_price_gwei must be non-negative")
			return
		}
		h.engine.SetMaxGasPrice(*req.MaxGasPriceGwei)
	}
	if req.MaxSlippageBps != nil {
		if *req.MaxSlippageBps < 0 {
			writeError(w, http.StatusBadRequest, "max_slippage_bps must be non-negative")
			return
		}
		h.engine.SetMaxSlippage(*req.MaxSlippageBps)
	}

	writeJSON(w, http.StatusOK, toLimitsResponse(h.engine.Limits()))
}

// toggleRequest is the body for the scanning and auto-execute switches.
type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// SetScanning pauses or resumes detection.
// PUT /api/engine/scanning
func (h *ControlHandler) SetScanning(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.engine.SetScanning(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"scanning": req.Enabled})
}

// SetAutoExecute toggles automatic execution of admitted opportunities.
// PUT /api/engine/auto-execute
func (h *ControlHandler) SetAutoExecute(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.engine.SetAutoExecute(req.Enabled); err != nil {
		if errors.Is(err, engine.ErrWalletRequired) {
			writeError(w, http.StatusConflict, "auto-execute requires a connected wallet")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"auto_execute": h.engine.AutoExecute()})
}

// ConnectWallet establishes the wallet session.
// POST /api/wallet/connect
func (h *ControlHandler) ConnectWallet(w http.ResponseWriter, r *http.Request) {
	handle, err := h.engine.ConnectWallet(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "wallet connect failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "wallet connection failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"address":   handle.Address.Hex(),
	})
}

// DisconnectWallet drops the wallet session and forces auto-execute off.
// POST /api/wallet/disconnect
func (h *ControlHandler) DisconnectWallet(w http.ResponseWriter, r *http.Request) {
	h.engine.DisconnectWallet()
	writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
}
