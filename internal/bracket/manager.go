package bracket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"alpha_supervisor/internal/clock"
	"alpha_supervisor/internal/market"
	"alpha_supervisor/internal/metrics"
	"alpha_supervisor/internal/models"
	"alpha_supervisor/internal/storage"

	"github.com/google/uuid"
)

// Journal maps symbol to its ladder.
type Journal map[string]*models.BracketState

// Manager reconciles bracket ladders with the venue's open positions.
type Manager struct {
	broker      market.OrderManager
	journalPath string
	clock       clock.Clock

	// clearancePoll is the wait between checks that cancelled orders are gone.
	clearancePoll time.Duration
	newID         func(symbol, kind string) string

	running sync.Mutex
}

func NewManager(broker market.OrderManager, journalPath string, clk clock.Clock) *Manager {
	return &Manager{
		broker:        broker,
		journalPath:   journalPath,
		clock:         clk,
		clearancePoll: 500 * time.Millisecond,
		newID:         clientOrderID,
	}
}

// clientOrderID builds an idempotency key the venue echoes back on the order.
func clientOrderID(symbol, kind string) string {
	return fmt.Sprintf("brk-%s-%s-%s", strings.ToLower(symbol), kind, uuid.NewString())
}

// report accumulates what one run did.
type report struct {
	placed, advanced, closed, collected int
	events                              []string
	errs                                []string
}

func (r *report) event(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *report) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("ERROR: bracket: %s", msg)
	r.errs = append(r.errs, msg)
}

// Run is the bracket.orders task. A run that overlaps a previous one (the
// scheduler abandoned it after a timeout) returns immediately.
func (m *Manager) Run(ctx context.Context) models.TaskResult {
	if !m.running.TryLock() {
		return models.TaskResult{OK: false, Summary: "previous run still in progress"}
	}
	defer m.running.Unlock()

	positions, err := m.broker.ListPositions()
	if err != nil {
		return models.TaskResult{OK: false, Summary: fmt.Sprintf("list positions: %v", err)}
	}

	journal := m.loadJournal()
	rep := &report{}

	open := make(map[string]models.BrokerPosition, len(positions))
	for _, p := range positions {
		if positionQty(p) > 0 {
			open[p.Symbol] = p
		}
	}

	// Garbage collection by absence.
	for _, sym := range sortedKeys(journal) {
		if _, ok := open[sym]; ok {
			continue
		}
		m.cancelLadder(journal[sym])
		delete(journal, sym)
		m.save(journal, rep)
		rep.collected++
		log.Printf("🧹 [%s] Position gone at venue, bracket state dropped", sym)
	}

	symbols := make([]string, 0, len(open))
	for sym := range open {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		if ctx.Err() != nil {
			rep.fail("run cut short: %v", ctx.Err())
			break
		}
		pos := open[sym]
		st, ok := journal[sym]

		if !ok || st.Ladder != models.LadderVersion {
			if ok {
				log.Printf("[%s] Ladder version %q is not %q, re-laddering", sym, st.Ladder, models.LadderVersion)
				m.cancelLadder(st)
				delete(journal, sym)
				m.save(journal, rep)
			}
			fresh, err := m.placeLadder(pos)
			if err != nil {
				rep.fail("%s: %v", sym, err)
				continue
			}
			journal[sym] = fresh
			m.save(journal, rep)
			rep.placed++
			rep.event("🛡️ *%s* bracket placed: stop $%s, targets $%s / $%s / $%s",
				sym, fresh.StopPrice.StringFixed(2), fresh.Targets[0].Price.StringFixed(2),
				fresh.Targets[1].Price.StringFixed(2), fresh.Targets[2].Price.StringFixed(2))
			continue
		}

		m.advance(journal, st, rep)
	}

	res := models.TaskResult{
		OK: len(rep.errs) == 0,
		Summary: fmt.Sprintf("%d managed, %d placed, %d advanced, %d closed, %d collected",
			len(journal), rep.placed, rep.advanced, rep.closed, rep.collected),
	}
	if len(rep.errs) > 0 {
		res.Summary += "; errors: " + strings.Join(rep.errs, "; ")
	}
	if len(rep.events) > 0 {
		res.Alert = strings.Join(rep.events, "\n")
	}
	return res
}

// placeLadder clears stale exit orders for the symbol and places a fresh
// stop plus three targets.
func (m *Manager) placeLadder(pos models.BrokerPosition) (*models.BracketState, error) {
	qty := positionQty(pos)

	bars, err := m.broker.GetBars(pos.Symbol, ATRPeriod+1)
	if err != nil {
		return nil, fmt.Errorf("bars: %w", err)
	}
	atr, err := ATR(bars, ATRPeriod)
	if err != nil {
		return nil, err
	}

	st, err := BuildLadder(pos.Symbol, pos.Side, qty, pos.AvgEntryPrice, atr, m.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := m.clearExitOrders(pos.Symbol, st.ExitSide()); err != nil {
		return nil, err
	}

	stop, err := m.broker.PlaceStopOrder(st.Symbol, qty, st.ExitSide(), st.StopPrice, m.newID(st.Symbol, "stop"))
	if err != nil {
		return nil, fmt.Errorf("place stop: %w", err)
	}
	st.StopOrderID = stop.ID

	// A target that fails here keeps an empty id and is re-placed on a later run.
	for i := range st.Targets {
		m.placeTarget(&st, i)
	}

	log.Printf("🛡️ [%s] Bracket placed: %d %s, entry $%s, ATR %s, stop $%s",
		st.Symbol, st.Qty, st.Side, st.EntryPrice.StringFixed(2), st.ATR.StringFixed(2), st.StopPrice.StringFixed(2))
	return &st, nil
}

func (m *Manager) placeTarget(st *models.BracketState, i int) {
	t := &st.Targets[i]
	if t.Qty == 0 || t.OrderID != "" {
		return
	}
	o, err := m.broker.PlaceLimitOrder(st.Symbol, t.Qty, st.ExitSide(), t.Price, m.newID(st.Symbol, "tp"+strconv.Itoa(i+1)))
	if err != nil {
		log.Printf("ERROR: [%s] target %d placement failed: %v", st.Symbol, i+1, err)
		return
	}
	t.OrderID = o.ID
}

// advance walks the ladder as far as filled targets allow, repairing a
// missing stop or target first.
func (m *Manager) advance(journal Journal, st *models.BracketState, rep *report) {
	if st.StopOrderID == "" {
		o, err := m.broker.PlaceStopOrder(st.Symbol, st.Remaining(), st.ExitSide(), st.StopPrice, m.newID(st.Symbol, "stop"))
		if err != nil {
			rep.fail("%s: stop repair: %v", st.Symbol, err)
		} else {
			st.StopOrderID = o.ID
			st.UpdatedAt = m.clock.Now()
			m.save(journal, rep)
			log.Printf("🔧 [%s] Stop re-placed at $%s for %d shares", st.Symbol, st.StopPrice.StringFixed(2), st.Remaining())
		}
	}

	for st.Tier < models.TierClosed {
		tier := st.Tier
		t := &st.Targets[tier]

		if t.Qty == 0 {
			// Small positions leave lower tiers empty; nothing can fill there.
			st.Tier++
			st.UpdatedAt = m.clock.Now()
			m.save(journal, rep)
			continue
		}

		if t.OrderID == "" {
			m.placeTarget(st, tier)
			if t.OrderID != "" {
				st.UpdatedAt = m.clock.Now()
				m.save(journal, rep)
			}
			return
		}

		o, err := m.broker.GetOrder(t.OrderID)
		if err != nil {
			if market.IsGone(err) {
				log.Printf("Warning: [%s] target %d order %s unknown at venue, will re-place", st.Symbol, tier+1, t.OrderID)
				t.OrderID = ""
				m.save(journal, rep)
				return
			}
			rep.fail("%s: poll target %d: %v", st.Symbol, tier+1, err)
			return
		}

		if o.Status != "filled" {
			if o.IsTerminal() {
				log.Printf("Warning: [%s] target %d order ended %s, will re-place", st.Symbol, tier+1, o.Status)
				t.OrderID = ""
				m.save(journal, rep)
			}
			return
		}

		if tier == 2 {
			if err := m.cancel(st.StopOrderID); err != nil {
				rep.fail("%s: cancel stop after final target: %v", st.Symbol, err)
				return
			}
			delete(journal, st.Symbol)
			m.save(journal, rep)
			metrics.TierAdvances.WithLabelValues(strconv.Itoa(models.TierClosed)).Inc()
			rep.closed++
			rep.event("🏁 *%s* final target filled at $%s, bracket closed", st.Symbol, t.Price.StringFixed(2))
			log.Printf("🏁 [%s] Final target filled, bracket closed", st.Symbol)
			return
		}

		newStop := stopAfterFill(st, tier)
		if err := m.cancel(st.StopOrderID); err != nil {
			rep.fail("%s: cancel stop for tier %d: %v", st.Symbol, tier+1, err)
			return
		}

		st.Tier++
		st.StopPrice = newStop
		st.StopOrderID = ""
		st.UpdatedAt = m.clock.Now()

		if o, err := m.broker.PlaceStopOrder(st.Symbol, st.Remaining(), st.ExitSide(), newStop, m.newID(st.Symbol, "stop")); err != nil {
			rep.fail("%s: place raised stop: %v", st.Symbol, err)
		} else {
			st.StopOrderID = o.ID
		}
		m.save(journal, rep)

		metrics.TierAdvances.WithLabelValues(strconv.Itoa(st.Tier)).Inc()
		rep.advanced++
		rep.event("📈 *%s* target %d filled at $%s, stop raised to $%s", st.Symbol, tier+1, t.Price.StringFixed(2), newStop.StringFixed(2))
		log.Printf("📈 [%s] Tier %d -> %d, stop $%s for %d shares", st.Symbol, tier, st.Tier, newStop.StringFixed(2), st.Remaining())
	}
}

// cancel treats an order the venue no longer knows as cancelled.
func (m *Manager) cancel(orderID string) error {
	if orderID == "" {
		return nil
	}
	if err := m.broker.CancelOrder(orderID); err != nil && !market.IsGone(err) {
		return err
	}
	return nil
}

// cancelLadder cancels every order still recorded for st. Best-effort.
func (m *Manager) cancelLadder(st *models.BracketState) {
	ids := []string{st.StopOrderID}
	for i := st.Tier; i < len(st.Targets); i++ {
		ids = append(ids, st.Targets[i].OrderID)
	}
	for _, id := range ids {
		if err := m.cancel(id); err != nil {
			log.Printf("Warning: [%s] cancel %s: %v", st.Symbol, id, err)
		}
	}
}

// clearExitOrders cancels open orders on the exit side of symbol and waits
// until the venue stops listing them.
func (m *Manager) clearExitOrders(symbol, exitSide string) error {
	orders, err := m.broker.ListOrders("open")
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	found := false
	for _, o := range orders {
		if o.Symbol == symbol && o.Side == exitSide {
			found = true
			if err := m.cancel(o.ID); err != nil {
				log.Printf("Warning: [%s] failed to cancel stale order %s: %v", symbol, o.ID, err)
			}
		}
	}
	if !found {
		return nil
	}
	log.Printf("[%s] Cleared stale %s orders before laddering", symbol, exitSide)

	for i := 0; i < 5; i++ {
		time.Sleep(m.clearancePoll)
		orders, err = m.broker.ListOrders("open")
		if err != nil {
			continue
		}
		pending := false
		for _, o := range orders {
			if o.Symbol == symbol && o.Side == exitSide {
				pending = true
				break
			}
		}
		if !pending {
			return nil
		}
	}
	return fmt.Errorf("timeout waiting for %s orders on %s to clear", exitSide, symbol)
}

// loadJournal reads the journal. A corrupt file is moved aside so the next
// save does not destroy it; the exit-order clearance keeps the re-ladder
// free of duplicates.
func (m *Manager) loadJournal() Journal {
	journal := Journal{}
	err := storage.LoadJSON(m.journalPath, &journal)
	switch {
	case err == nil, errors.Is(err, storage.ErrNotExist):
	default:
		aside := m.journalPath + ".corrupt"
		log.Printf("ERROR: bracket journal unreadable (%v), moving it to %s", err, aside)
		if rerr := os.Rename(m.journalPath, aside); rerr != nil {
			log.Printf("ERROR: could not move journal aside: %v", rerr)
		}
		journal = Journal{}
	}
	for sym, st := range journal {
		if st == nil {
			delete(journal, sym)
		}
	}
	return journal
}

func (m *Manager) save(journal Journal, rep *report) {
	if err := storage.SaveJSON(m.journalPath, journal); err != nil {
		rep.fail("journal write: %v", err)
	}
}

// positionQty is the whole-share size of p. Fractional remainders are not
// laddered.
func positionQty(p models.BrokerPosition) int64 {
	return p.Qty.Abs().Floor().IntPart()
}

func sortedKeys(j Journal) []string {
	keys := make([]string, 0, len(j))
	for k := range j {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Journal returns the persisted ladders, for status reporting.
func (m *Manager) Journal() Journal {
	return m.loadJournal()
}
