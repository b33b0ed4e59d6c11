// Package briefing builds the daily reports fired by the scheduler: the
// market open snapshot, the end-of-day report and the supervisor summary.
package briefing

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"alpha_supervisor/internal/clock"
	"alpha_supervisor/internal/market"
	"alpha_supervisor/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Reporter holds what the briefings read from. provider may be nil when the
// broker is disabled; the market briefings then report a skip.
type Reporter struct {
	provider market.AccountProvider
	clock    *clock.TimeProvider
	worker   func() models.WorkerSnapshot
	ladders  func() int
	perfLog  string
}

// NewReporter wires the sources. ladders returns the number of managed
// bracket ladders and may be nil. perfLog, when set, receives a copy of each
// end-of-day report.
func NewReporter(provider market.AccountProvider, clk *clock.TimeProvider, worker func() models.WorkerSnapshot, ladders func() int, perfLog string) *Reporter {
	return &Reporter{provider: provider, clock: clk, worker: worker, ladders: ladders, perfLog: perfLog}
}

func skipped(what string) models.TaskResult {
	return models.TaskResult{OK: true, Summary: what + " skipped: broker disabled"}
}

// MarketOpen reports market state, account and open positions.
func (r *Reporter) MarketOpen(ctx context.Context) models.TaskResult {
	if r.provider == nil {
		return skipped("market open briefing")
	}

	var (
		wg        sync.WaitGroup
		mktClock  *models.Clock
		account   *models.Account
		positions []models.BrokerPosition
		errClock  error
		errAcct   error
		errPos    error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		mktClock, errClock = r.provider.GetClock()
	}()
	go func() {
		defer wg.Done()
		account, errAcct = r.provider.GetAccount()
	}()
	go func() {
		defer wg.Done()
		positions, errPos = r.provider.ListPositions()
	}()
	wg.Wait()

	if ctx.Err() != nil {
		return models.TaskResult{OK: false, Summary: fmt.Sprintf("market open briefing: %v", ctx.Err())}
	}
	if errAcct != nil {
		return models.TaskResult{OK: false, Summary: fmt.Sprintf("account: %v", errAcct)}
	}

	now := r.clock.Now()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔔 *MARKET OPEN - %s*\n\n", now.Format(clock.DateKeyLayout)))

	switch {
	case errClock != nil:
		log.Printf("Error fetching market clock: %v", errClock)
		sb.WriteString("Market: Unknown\n")
	case mktClock.IsOpen:
		sb.WriteString(fmt.Sprintf("Market: 🟢 OPEN\nCloses: %s (in %s)\n",
			mktClock.NextClose.In(r.clock.Location()).Format("15:04 MST"), until(now, mktClock.NextClose)))
	default:
		sb.WriteString(fmt.Sprintf("Market: 🔴 CLOSED\nNext Open: %s (in %s)\n",
			mktClock.NextOpen.In(r.clock.Location()).Format("Mon 15:04 MST"), until(now, mktClock.NextOpen)))
	}

	sb.WriteString(fmt.Sprintf("Equity: $%s\n", account.Equity.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("Buying Power: $%s\n", account.BuyingPower.StringFixed(2)))
	if account.IsAccountBlocked {
		sb.WriteString("⚠️ Account is BLOCKED\n")
	}

	switch {
	case errPos != nil:
		log.Printf("Error listing positions: %v", errPos)
		sb.WriteString("\nPositions: Err")
	case len(positions) == 0:
		sb.WriteString("\nℹ️ No open positions.")
	default:
		sb.WriteString("\n`Ticker | Qty | Price | TotP/L`\n")
		sb.WriteString("`-----------------------------`\n")
		for _, p := range positions {
			icon := "🟢"
			if p.UnrealizedPL.IsNegative() {
				icon = "🔴"
			}
			sb.WriteString(fmt.Sprintf("`%-6s | %s | %s | %s%s`\n",
				p.Symbol, p.Qty.String(), p.CurrentPrice.StringFixed(2), icon, p.UnrealizedPL.StringFixed(2)))
		}
	}

	return models.TaskResult{
		OK:      true,
		Summary: fmt.Sprintf("equity $%s, %d positions", account.Equity.StringFixed(2), len(positions)),
		Alert:   sb.String(),
	}
}

// MarketClose builds the end-of-day report from the intraday equity curve and
// the unrealized moves of carried positions.
func (r *Reporter) MarketClose(ctx context.Context) models.TaskResult {
	if r.provider == nil {
		return skipped("market close briefing")
	}

	positions, err := r.provider.ListPositions()
	if err != nil {
		return models.TaskResult{OK: false, Summary: fmt.Sprintf("EOD: list positions: %v", err)}
	}

	history, err := r.provider.GetPortfolioHistory("1D", "1Min")
	if err != nil {
		log.Printf("EOD Error: Failed to get history: %v", err)
	}

	var startEquity, endEquity decimal.Decimal
	if history != nil && len(history.Equity) > 0 {
		startEquity = history.Equity[0]
		endEquity = history.Equity[len(history.Equity)-1]
	} else {
		account, err := r.provider.GetAccount()
		if err != nil {
			return models.TaskResult{OK: false, Summary: fmt.Sprintf("EOD: no equity source: %v", err)}
		}
		endEquity = account.Equity
	}
	if ctx.Err() != nil {
		return models.TaskResult{OK: false, Summary: fmt.Sprintf("EOD: %v", ctx.Err())}
	}

	dailyChangePct := decimal.Zero
	if !startEquity.IsZero() {
		dailyChangePct = endEquity.Sub(startEquity).Div(startEquity).Mul(hundred)
	}

	now := r.clock.Now()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 *MARKET CLOSE REPORT - %s*\n\n", now.Format(clock.DateKeyLayout)))

	icon := "🟢"
	if dailyChangePct.IsNegative() {
		icon = "🔴"
	}
	sb.WriteString("*Account Summary*\n")
	sb.WriteString(fmt.Sprintf("End Equity: $%s\n", endEquity.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("Daily Change: %s%s%%\n\n", icon, dailyChangePct.StringFixed(2)))

	if len(positions) > 0 {
		sb.WriteString("`Ticker | Day % | Tot %`\n")
		sb.WriteString("`---------------------`\n")
		for _, p := range positions {
			dayChange := p.ChangeToday.Mul(hundred)
			totPct := decimal.Zero
			if !p.AvgEntryPrice.IsZero() {
				totPct = p.CurrentPrice.Sub(p.AvgEntryPrice).Div(p.AvgEntryPrice).Mul(hundred)
			}
			sb.WriteString(fmt.Sprintf("`%-6s | %5s%%| %5s%%`\n",
				p.Symbol, dayChange.StringFixed(2), totPct.StringFixed(2)))
		}
	} else {
		sb.WriteString("ℹ️ No active positions carried overnight.")
	}

	report := sb.String()
	r.saveDailyPerformance(now, report)

	return models.TaskResult{
		OK:      true,
		Summary: fmt.Sprintf("end equity $%s (%s%%)", endEquity.StringFixed(2), dailyChangePct.StringFixed(2)),
		Alert:   report,
	}
}

// SupervisorDaily summarises the worker's day.
func (r *Reporter) SupervisorDaily(ctx context.Context) models.TaskResult {
	w := r.worker()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🩺 *SUPERVISOR DAILY - %s*\n\n", r.clock.DateKey()))
	sb.WriteString(fmt.Sprintf("Worker: %s", w.Status))
	if w.PID > 0 {
		sb.WriteString(fmt.Sprintf(" (pid %d)", w.PID))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Uptime: %s\n", (time.Duration(w.UptimeSec) * time.Second).String()))
	sb.WriteString(fmt.Sprintf("Restarts: %d\nCrashes: %d\n", w.Restarts, w.Crashes))
	if r.ladders != nil {
		sb.WriteString(fmt.Sprintf("Bracket ladders: %d\n", r.ladders()))
	}

	return models.TaskResult{
		OK:      true,
		Summary: fmt.Sprintf("worker %s, %d restarts, %d crashes", w.Status, w.Restarts, w.Crashes),
		Alert:   strings.TrimRight(sb.String(), "\n"),
	}
}

// saveDailyPerformance appends report to the performance log.
func (r *Reporter) saveDailyPerformance(now time.Time, report string) {
	if r.perfLog == "" {
		return
	}
	f, err := os.OpenFile(r.perfLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("Error opening %s: %v", r.perfLog, err)
		return
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\n--- %s ---\n%s\n", now.Format("2006-01-02 15:04:05"), report); err != nil {
		log.Printf("Error writing to daily log: %v", err)
	}
}

func until(now, t time.Time) time.Duration {
	d := t.Sub(now).Round(time.Minute)
	if d < 0 {
		return 0
	}
	return d
}
