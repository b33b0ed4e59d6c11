// Package bracket keeps a protective order ladder on every open position:
// one stop for the full size and three take-profit limits at 1.5R, 2.5R and
// 3.5R, where R is 1.5 x ATR(14). Each filled target ratchets the stop up.
package bracket

import (
	"errors"
	"fmt"
	"time"

	"alpha_supervisor/internal/models"

	"github.com/shopspring/decimal"
)

// ATRPeriod is the number of true ranges averaged.
const ATRPeriod = 14

var (
	riskPerATR      = decimal.NewFromFloat(1.5)
	targetMultiples = [3]decimal.Decimal{
		decimal.NewFromFloat(1.5),
		decimal.NewFromFloat(2.5),
		decimal.NewFromFloat(3.5),
	}
	tierSplitPct = int64(33)
)

// ErrNotEnoughBars is returned when ATR cannot be computed.
var ErrNotEnoughBars = errors.New("not enough bars for ATR")

// ATR is the simple average of the last period true ranges. The first bar
// only seeds the previous close, so period+1 bars give a full window; with
// fewer, the available ranges are averaged.
func ATR(bars []models.Bar, period int) (decimal.Decimal, error) {
	if len(bars) < 2 || period < 1 {
		return decimal.Zero, ErrNotEnoughBars
	}

	ranges := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		hl := bars[i].High.Sub(bars[i].Low)
		hc := bars[i].High.Sub(prevClose).Abs()
		lc := bars[i].Low.Sub(prevClose).Abs()
		ranges = append(ranges, decimal.Max(hl, hc, lc))
	}
	if len(ranges) > period {
		ranges = ranges[len(ranges)-period:]
	}

	sum := decimal.Zero
	for _, r := range ranges {
		sum = sum.Add(r)
	}
	return sum.Div(decimal.NewFromInt(int64(len(ranges)))), nil
}

// SplitQty divides qty into floor(33%), floor(33%) and the remainder, so the
// three parts always add up to qty.
func SplitQty(qty int64) [3]int64 {
	first := qty * tierSplitPct / 100
	second := qty * tierSplitPct / 100
	return [3]int64{first, second, qty - first - second}
}

// BuildLadder computes the stop and targets for a position. Prices are
// rounded to the cent. Order ids are left empty.
func BuildLadder(symbol, side string, qty int64, entry, atr decimal.Decimal, now time.Time) (models.BracketState, error) {
	if qty <= 0 {
		return models.BracketState{}, fmt.Errorf("%s: non-positive qty %d", symbol, qty)
	}
	if !atr.IsPositive() {
		return models.BracketState{}, fmt.Errorf("%s: non-positive ATR %s", symbol, atr)
	}

	r := atr.Mul(riskPerATR)
	dir := decimal.NewFromInt(1)
	if side == "short" {
		dir = decimal.NewFromInt(-1)
	} else {
		side = "long"
	}

	st := models.BracketState{
		Ladder:     models.LadderVersion,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: entry,
		ATR:        atr.Round(4),
		RiskUnit:   r.Round(4),
		StopPrice:  entry.Sub(r.Mul(dir)).Round(2),
		Tier:       models.TierInitial,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	qtys := SplitQty(qty)
	for i, m := range targetMultiples {
		st.Targets[i] = models.BracketTarget{
			Price: entry.Add(r.Mul(m).Mul(dir)).Round(2),
			Qty:   qtys[i],
		}
	}

	if !st.StopPrice.IsPositive() || !st.Targets[2].Price.IsPositive() {
		return models.BracketState{}, fmt.Errorf("%s: ladder prices out of range (stop %s, last target %s)",
			symbol, st.StopPrice, st.Targets[2].Price)
	}
	return st, nil
}

// stopAfterFill returns the stop price once the target of tier has filled:
// breakeven after the first, the first target price after the second.
func stopAfterFill(st *models.BracketState, tier int) decimal.Decimal {
	if tier == 0 {
		return st.EntryPrice.Round(2)
	}
	return st.Targets[0].Price
}
