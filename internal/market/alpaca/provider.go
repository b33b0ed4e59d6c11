package alpaca

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"alpha_supervisor/internal/market"
	"alpha_supervisor/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// Provider implements the generic broker interfaces for Alpaca.
type Provider struct {
	mdClient    *marketdata.Client
	tradeClient *alpaca.Client
}

// Ensure Provider implements the interfaces
var (
	_ market.OrderManager    = (*Provider)(nil)
	_ market.AccountProvider = (*Provider)(nil)
)

// NewProvider returns a new Alpaca provider.
// Credentials are picked up by the SDK from APCA_API_KEY_ID, APCA_API_SECRET_KEY
// and APCA_API_BASE_URL.
func NewProvider() *Provider {
	return &Provider{
		mdClient:    marketdata.NewClient(marketdata.ClientOpts{}),
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{}),
	}
}

// --- Market Data ---

func (p *Provider) GetClock() (*models.Clock, error) {
	c, err := p.tradeClient.GetClock()
	if err != nil {
		return nil, err
	}
	return &models.Clock{
		Timestamp: c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

// GetBars returns up to limit most recent daily bars, oldest first.
func (p *Provider) GetBars(ticker string, limit int) ([]models.Bar, error) {
	// Weekends and holidays: twice the bar count in calendar days covers it.
	start := time.Now().AddDate(0, 0, -(limit*2 + 7))
	bars, err := p.mdClient.GetBars(ticker, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
	})
	if err != nil {
		return nil, err
	}

	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}

	result := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		result = append(result, models.Bar{
			Time:   b.Timestamp,
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: int64(b.Volume),
		})
	}
	return result, nil
}

// --- Execution ---

func (p *Provider) PlaceStopOrder(ticker string, qty int64, side string, stopPrice decimal.Decimal, clientOrderID string) (*models.Order, error) {
	q := decimal.NewFromInt(qty)
	stop := stopPrice.Round(2)
	o, err := p.tradeClient.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        ticker,
		Qty:           &q,
		Side:          alpaca.Side(side),
		Type:          alpaca.Stop,
		TimeInForce:   alpaca.GTC,
		StopPrice:     &stop,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("place stop %s %d %s @ %s: %w", side, qty, ticker, stop.StringFixed(2), err)
	}
	return mapOrder(o), nil
}

func (p *Provider) PlaceLimitOrder(ticker string, qty int64, side string, limitPrice decimal.Decimal, clientOrderID string) (*models.Order, error) {
	q := decimal.NewFromInt(qty)
	limit := limitPrice.Round(2)
	o, err := p.tradeClient.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        ticker,
		Qty:           &q,
		Side:          alpaca.Side(side),
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.GTC,
		LimitPrice:    &limit,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("place limit %s %d %s @ %s: %w", side, qty, ticker, limit.StringFixed(2), err)
	}
	return mapOrder(o), nil
}

func (p *Provider) GetOrder(orderID string) (*models.Order, error) {
	o, err := p.tradeClient.GetOrder(orderID)
	if err != nil {
		return nil, translateErr(err)
	}
	return mapOrder(o), nil
}

func (p *Provider) ListOrders(status string) ([]models.Order, error) {
	orders, err := p.tradeClient.GetOrders(alpaca.GetOrdersRequest{
		Status: status,
		Limit:  500,
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Order, 0, len(orders))
	for i := range orders {
		result = append(result, *mapOrder(&orders[i]))
	}
	return result, nil
}

func (p *Provider) CancelOrder(orderID string) error {
	return translateErr(p.tradeClient.CancelOrder(orderID))
}

// --- Account ---

func (p *Provider) ListPositions() ([]models.BrokerPosition, error) {
	alpacaPositions, err := p.tradeClient.GetPositions()
	if err != nil {
		return nil, err
	}

	result := make([]models.BrokerPosition, 0, len(alpacaPositions))
	for _, x := range alpacaPositions {
		// Helper to safely dereference decimal pointers from Alpaca SDK
		current := decimal.Zero
		if x.CurrentPrice != nil {
			current = *x.CurrentPrice
		}
		change := decimal.Zero
		if x.ChangeToday != nil {
			change = *x.ChangeToday
		}
		marketValue := decimal.Zero
		if x.MarketValue != nil {
			marketValue = *x.MarketValue
		}
		unrealizedPL := decimal.Zero
		if x.UnrealizedPL != nil {
			unrealizedPL = *x.UnrealizedPL
		}
		unrealizedPLPC := decimal.Zero
		if x.UnrealizedPLPC != nil {
			unrealizedPLPC = *x.UnrealizedPLPC
		}

		result = append(result, models.BrokerPosition{
			Symbol:         x.Symbol,
			Side:           x.Side,
			Qty:            x.Qty,
			AvgEntryPrice:  x.AvgEntryPrice,
			CurrentPrice:   current,
			MarketValue:    marketValue,
			CostBasis:      x.CostBasis,
			UnrealizedPL:   unrealizedPL,
			UnrealizedPLPC: unrealizedPLPC,
			ChangeToday:    change,
		})
	}
	return result, nil
}

func (p *Provider) GetPortfolioHistory(period string, timeframe string) (*models.PortfolioHistory, error) {
	h, err := p.tradeClient.GetPortfolioHistory(alpaca.GetPortfolioHistoryRequest{
		Period:    period,
		TimeFrame: alpaca.TimeFrame(timeframe),
	})
	if err != nil {
		return nil, err
	}

	return &models.PortfolioHistory{
		Timestamps:    h.Timestamp,
		Equity:        h.Equity,
		ProfitLoss:    h.ProfitLoss,
		ProfitLossPct: h.ProfitLossPct,
	}, nil
}

func (p *Provider) GetAccount() (*models.Account, error) {
	a, err := p.tradeClient.GetAccount()
	if err != nil {
		return nil, err
	}
	return &models.Account{
		ID:               a.ID,
		Currency:         a.Currency,
		Equity:           a.Equity,
		BuyingPower:      a.BuyingPower,
		Cash:             a.Cash,
		PortfolioValue:   a.PortfolioValue,
		DaytradeCount:    int(a.DaytradeCount),
		IsDayTrader:      a.DaytradeCount > 3,
		IsAccountBlocked: a.AccountBlocked,
	}, nil
}

// Helpers

// translateErr maps "unknown order" style API failures onto market.ErrOrderGone.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusUnprocessableEntity {
			return fmt.Errorf("%w: %v", market.ErrOrderGone, err)
		}
	}
	return err
}

func mapOrder(o *alpaca.Order) *models.Order {
	if o == nil {
		return nil
	}

	res := &models.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		FilledQty:     o.FilledQty,
		Type:          string(o.Type),
		Side:          string(o.Side),
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Qty != nil {
		res.Qty = *o.Qty
	}
	if o.LimitPrice != nil {
		res.LimitPrice = *o.LimitPrice
	}
	if o.StopPrice != nil {
		res.StopPrice = *o.StopPrice
	}
	if o.FilledAvgPrice != nil {
		res.FilledAvgPrice = *o.FilledAvgPrice
	}
	return res
}
