package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/mifflin_roller/internal/models"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *GatewayClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGatewayClient(srv.URL, "DU1234567", 5*time.Second, false)
}

func TestSnapshotPrice(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{`4.25`, 4.25},
		{`"4.25"`, 4.25},
		{`"C4.25"`, 4.25}, // closing price prefix
		{`"H6010.50"`, 6010.50},
		{`""`, 0},
		{`null`, 0},
	}
	for _, tt := range tests {
		got := snapshotPrice(json.RawMessage(tt.raw))
		assert.Equal(t, tt.want, got, "raw %s", tt.raw)
	}
	assert.Zero(t, snapshotPrice(nil))
}

func TestMonthOf(t *testing.T) {
	assert.Equal(t, "AUG26", monthOf("20260831"))
	assert.Equal(t, "JAN27", monthOf("20270104"))
	assert.Equal(t, "bad", monthOf("bad"))
}

func TestGetQuoteCtx(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/iserver/marketdata/snapshot", r.URL.Path)
		_, _ = w.Write([]byte(`[{"84": "4.00", "86": 4.50, "31": "4.25", "7296": "C4.10"}]`))
	})

	q, err := g.GetQuoteCtx(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, models.Quote{Bid: 4.00, Ask: 4.50, Last: 4.25, Close: 4.10}, q)
}

func TestGetPositionsCtx(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/portfolio/DU1234567/positions/0", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"conid": 1, "ticker": "MES", "contractDesc": "MES SEP26",
			 "position": 2, "avgCost": 30125.0, "multiplier": "5", "assetClass": "FUT",
			 "expiry": "20260918"},
			{"conid": 2, "ticker": "MES", "contractDesc": "MES 20260904 C6000",
			 "position": -1, "avgCost": -51.25, "multiplier": 5, "assetClass": "FOP",
			 "strike": "6000", "putOrCall": "C", "expiry": "20260904"},
			{"conid": 3, "ticker": "MES", "position": 0, "assetClass": "FUT", "multiplier": "5"}
		]`))
	})

	positions, err := g.GetPositionsCtx(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2, "flat positions are dropped")

	future := positions[0]
	assert.Equal(t, models.SecurityFuture, future.Contract.SecType)
	assert.True(t, future.IsLong())

	call := positions[1]
	assert.Equal(t, models.SecurityFutureOption, call.Contract.SecType)
	assert.Equal(t, models.RightCall, call.Contract.Right)
	assert.Equal(t, 6000.0, call.Contract.Strike)
	assert.True(t, call.IsShort())
}

func TestPlaceLimitOrder_DirectOrderID(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/iserver/account/DU1234567/orders", r.URL.Path)

		var body struct {
			Orders []map[string]interface{} `json:"orders"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Orders, 1)
		assert.Equal(t, "LMT", body.Orders[0]["orderType"])
		assert.Equal(t, "SELL", body.Orders[0]["side"])
		assert.Equal(t, "DAY", body.Orders[0]["tif"])
		assert.Equal(t, 4.25, body.Orders[0]["price"])
		assert.Equal(t, "coid-1", body.Orders[0]["cOID"])

		_, _ = w.Write([]byte(`[{"order_id": "987654"}]`))
	})

	contract := models.Contract{ConID: 1001, Symbol: "MES", SecType: models.SecurityFutureOption,
		Strike: 6000, Right: models.RightCall, Multiplier: 5}
	orderID, err := g.PlaceLimitOrderCtx(context.Background(), contract, models.SideSell, 1, 4.25, "coid-1")
	require.NoError(t, err)
	assert.Equal(t, "987654", orderID)
}

func TestPlaceOrder_ConfirmsReplyPrompt(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/iserver/account/DU1234567/orders":
			_, _ = w.Write([]byte(`[{"id": "reply-abc", "message": ["confirm price cap"]}]`))
		case "/iserver/reply/reply-abc":
			var body map[string]bool
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.True(t, body["confirmed"])
			_, _ = w.Write([]byte(`[{"order_id": "111222"}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	contract := models.Contract{ConID: 1001, Symbol: "MES", SecType: models.SecurityFutureOption,
		Strike: 6000, Right: models.RightCall, Multiplier: 5}
	orderID, err := g.PlaceMarketableOrderCtx(context.Background(), contract, models.SideBuy, 1, 6.50, "coid-2")
	require.NoError(t, err)
	assert.Equal(t, "111222", orderID)
}

func TestGetOpenOrdersCtx_FiltersTerminal(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orders": [
			{"orderId": 1, "conid": 1001, "side": "SELL", "status": "Submitted",
			 "orderType": "LMT", "price": "4.25", "totalSize": "1", "filledQuantity": "0"},
			{"orderId": 2, "conid": 1001, "side": "BUY", "status": "Filled",
			 "orderType": "LMT", "price": "4.00", "totalSize": "1", "filledQuantity": "1"}
		]}`))
	})

	open, err := g.GetOpenOrdersCtx(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1, "terminal orders are excluded")
	assert.Equal(t, "1", open[0].OrderID)
	assert.Equal(t, models.SideSell, open[0].Side)
	assert.Equal(t, 4.25, open[0].LimitPrice)
}

func TestAPIError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("gateway restarting"))
	})

	_, err := g.GetPositionsCtx(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Contains(t, apiErr.Body, "gateway restarting")
}

func TestGetCashBalanceCtx(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/portfolio/DU1234567/ledger", r.URL.Path)
		_, _ = w.Write([]byte(`{"USD": {"cashbalance": 25000.50, "currency": "USD"}}`))
	})

	cash, err := g.GetCashBalanceCtx(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, 25000.50, cash)

	_, err = g.GetCashBalanceCtx(context.Background(), "EUR")
	assert.Error(t, err)
}
