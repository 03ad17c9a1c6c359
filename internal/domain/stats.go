package domain

import "time"

// EngineStats is the external-facing read model of the engine's counters.
type EngineStats struct {
	TotalOpportunities int64   `json:"total_opportunities"`
	ActiveCount        int64   `json:"active_count"`
	ExecutingCount     int64   `json:"executing_count"`
	ExecutedCount      int64   `json:"executed_count"`
	FailedCount        int64   `json:"failed_count"`
	ExpiredCount       int64   `json:"expired_count"`
	TotalProfitBps     float64 `json:"total_profit_bps"`
	TotalProfitUSD     float64 `json:"total_profit_usd"`
	SuccessRate        float64 `json:"success_rate"` // executed / (executed + failed), 0 when no attempts
	Scanning           bool    `json:"scanning"`
	AutoExecute        bool    `json:"auto_execute"`
	WalletConnected    bool    `json:"wallet_connected"`
	UptimeSeconds      int64   `json:"uptime_seconds"`
}

// ExecutionSummary is the most recent completed execution, surfaced to the
// dashboard the way the original scanner showed its "last execution" card.
type ExecutionSummary struct {
	OpportunityID string    `json:"opportunity_id"`
	TxRef         string    `json:"tx_ref"`
	ProfitBps     float64   `json:"profit_bps"`
	ProfitUSD     float64   `json:"profit_usd"`
	CompletedAt   time.Time `json:"completed_at"`
}

// LogLevel grades telemetry events.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEvent is one structured entry in the engine's append-only telemetry
// stream. Producers never block on the sink; the buffer drops oldest entries
// on overflow.
type LogEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}
