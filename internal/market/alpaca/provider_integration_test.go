//go:build integration

package alpaca

import (
	"os"
	"testing"

	"alpha_supervisor/internal/market"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func setupTestEnv(t *testing.T) {
	key := os.Getenv("TEST_APCA_API_KEY_ID")
	secret := os.Getenv("TEST_APCA_API_SECRET_KEY")
	url := os.Getenv("TEST_APCA_API_BASE_URL")

	if key == "" || secret == "" {
		t.Skip("Skipping integration test: TEST_APCA credentials not set")
	}

	// Override standard env vars for the library
	t.Setenv("APCA_API_KEY_ID", key)
	t.Setenv("APCA_API_SECRET_KEY", secret)
	if url != "" {
		t.Setenv("APCA_API_BASE_URL", url)
	} else {
		t.Setenv("APCA_API_BASE_URL", "https://paper-api.alpaca.markets")
	}
}

func TestIntegration_DailyBarsForATR(t *testing.T) {
	setupTestEnv(t)
	provider := NewProvider()

	bars, err := provider.GetBars("AAPL", 15)
	if err != nil {
		t.Fatalf("GetBars failed: %v", err)
	}
	if len(bars) < 2 {
		t.Fatalf("Expected several daily bars, got %d", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Time.After(bars[i-1].Time) {
			t.Errorf("Bars not in ascending order at %d", i)
		}
	}
}

func TestIntegration_LimitOrderCancelThenGone(t *testing.T) {
	setupTestEnv(t)
	provider := NewProvider()

	// A far-from-market buy limit that will rest on the book.
	limit := decimal.NewFromFloat(1.00)
	order, err := provider.PlaceLimitOrder("AAPL", 1, "buy", limit, "itest-"+uuid.NewString())
	if err != nil {
		t.Fatalf("PlaceLimitOrder failed: %v", err)
	}
	t.Logf("Placed Order %s", order.ID)

	fetched, err := provider.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if !fetched.LimitPrice.Equal(limit) {
		t.Errorf("Expected limit %s, got %s", limit, fetched.LimitPrice)
	}

	if err := provider.CancelOrder(order.ID); err != nil && !market.IsGone(err) {
		t.Fatalf("CancelOrder failed: %v", err)
	}

	// A second cancel must be reported as gone, not as a hard failure.
	if err := provider.CancelOrder(order.ID); err != nil && !market.IsGone(err) {
		t.Errorf("Expected ErrOrderGone on repeated cancel, got %v", err)
	}
}
