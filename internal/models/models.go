package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LadderVersion tags bracket states written by the current ladder layout.
// States carrying any other tag are re-laddered from scratch.
const LadderVersion = "r1.5-v2"

// Tier bounds of the bracket ladder. TierClosed is never persisted:
// reaching it deletes the state.
const (
	TierInitial = 0
	TierClosed  = 3
)

// BracketTarget is one take-profit rung of the ladder.
type BracketTarget struct {
	Price   decimal.Decimal `json:"price"`
	Qty     int64           `json:"qty"`
	OrderID string          `json:"order_id,omitempty"` // Empty when Qty is zero
}

// BracketState is the protective order ladder kept for one open position.
//
// The text inside the backticks are struct tags; the journal file is a JSON
// object keyed by symbol whose values use these names.
type BracketState struct {
	Ladder      string           `json:"ladder"`
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"` // long, short
	Qty         int64            `json:"qty"`  // Position size when the ladder was placed
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	ATR         decimal.Decimal  `json:"atr"`
	RiskUnit    decimal.Decimal  `json:"risk_unit"` // R = 1.5 x ATR
	StopPrice   decimal.Decimal  `json:"stop_price"`
	StopOrderID string           `json:"stop_order_id"`
	Targets     [3]BracketTarget `json:"targets"`
	Tier        int              `json:"tier"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Remaining returns the shares still open once every target below the current
// tier has filled.
func (b *BracketState) Remaining() int64 {
	rem := b.Qty
	for i := 0; i < b.Tier && i < len(b.Targets); i++ {
		rem -= b.Targets[i].Qty
	}
	return rem
}

// ExitSide is the order side that reduces the position.
func (b *BracketState) ExitSide() string {
	if b.Side == "short" {
		return "buy"
	}
	return "sell"
}

// TaskResult is what every scheduled task and briefing reports back.
type TaskResult struct {
	OK       bool      `json:"ok"`
	Summary  string    `json:"summary"`
	Alert    string    `json:"alert,omitempty"`
	RanAt    time.Time `json:"ran_at,omitempty"`
	Duration string    `json:"duration,omitempty"`
}

// WorkerSnapshot is the externally visible view of the supervised worker.
type WorkerSnapshot struct {
	Status    string    `json:"status"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at,omitempty"`
	UptimeSec int64     `json:"uptime_sec"`
	Restarts  int       `json:"restarts"`
	Crashes   int       `json:"crashes"`
}

// HeartbeatState is the snapshot file written after every tick for
// read-only inspection by external tooling.
type HeartbeatState struct {
	LastTick      time.Time             `json:"last_tick"`
	TickCount     int64                 `json:"tick_count"`
	Worker        WorkerSnapshot        `json:"worker"`
	Tasks         map[string]TaskResult `json:"tasks"`
	Briefings     map[string]string     `json:"briefings"` // key -> date fired
	NextBriefings map[string]time.Time  `json:"next_briefings,omitempty"`
}
