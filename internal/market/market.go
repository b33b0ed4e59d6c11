package market

import (
	"errors"

	"alpha_supervisor/internal/models"

	"github.com/shopspring/decimal"
)

// ErrOrderGone is returned when the venue no longer knows an order as
// cancellable (HTTP 404/422). For cancellation it means "already filled or
// already cancelled" and callers treat it as success.
var ErrOrderGone = errors.New("order not found or no longer cancelable")

// OrderManager is the slice of broker functionality the bracket ladder needs.
// Any struct that implements these methods satisfies the interface, so a mock
// can stand in for Alpaca in tests.
type OrderManager interface {
	ListPositions() ([]models.BrokerPosition, error)
	GetBars(ticker string, limit int) ([]models.Bar, error)
	ListOrders(status string) ([]models.Order, error)
	GetOrder(orderID string) (*models.Order, error)
	CancelOrder(orderID string) error
	PlaceStopOrder(ticker string, qty int64, side string, stopPrice decimal.Decimal, clientOrderID string) (*models.Order, error)
	PlaceLimitOrder(ticker string, qty int64, side string, limitPrice decimal.Decimal, clientOrderID string) (*models.Order, error)
}

// AccountProvider serves the read-only account views used by briefings.
type AccountProvider interface {
	GetClock() (*models.Clock, error)
	GetAccount() (*models.Account, error)
	ListPositions() ([]models.BrokerPosition, error)
	GetPortfolioHistory(period string, timeframe string) (*models.PortfolioHistory, error)
}

// IsGone reports whether err means the order is already closed at the venue.
func IsGone(err error) bool {
	return errors.Is(err, ErrOrderGone)
}
