package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/mifflin_roller/internal/models"
)

// Snapshot field IDs used by the Client Portal market data endpoint.
const (
	fieldLast  = "31"
	fieldBid   = "84"
	fieldAsk   = "86"
	fieldClose = "7296"
)

const defaultGatewayTimeout = 10 * time.Second

// APIError represents a gateway error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Status, e.Body)
}

// GatewayClient talks to the IBKR Client Portal Web API. The gateway itself
// owns connectivity and session auth; this client only issues requests and
// keeps the session alive via /tickle.
type GatewayClient struct {
	client    *http.Client
	baseURL   string
	accountID string
	timeout   time.Duration
}

// NewGatewayClient creates a new Client Portal API client. insecure allows
// the gateway's self-signed certificate on localhost deployments.
func NewGatewayClient(baseURL, accountID string, timeout time.Duration, insecure bool) *GatewayClient {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	transport := http.DefaultTransport
	if insecure {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- local gateway with self-signed cert
		}
	}
	return &GatewayClient{
		client:    &http.Client{Timeout: timeout, Transport: transport},
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		timeout:   timeout,
	}
}

// ConnectCtx verifies the gateway session is alive and authenticated.
func (g *GatewayClient) ConnectCtx(ctx context.Context) error {
	var tickle struct {
		Session   string `json:"session"`
		IServer   struct {
			AuthStatus struct {
				Authenticated bool `json:"authenticated"`
				Connected     bool `json:"connected"`
			} `json:"authStatus"`
		} `json:"iserver"`
	}
	if err := g.post(ctx, "/tickle", nil, &tickle); err != nil {
		return fmt.Errorf("gateway tickle: %w", err)
	}
	if !tickle.IServer.AuthStatus.Authenticated || !tickle.IServer.AuthStatus.Connected {
		return fmt.Errorf("gateway session not authenticated")
	}
	return nil
}

// ibPosition is the wire shape of a portfolio position. Numeric fields that
// the gateway serializes inconsistently arrive as json.Number.
type ibPosition struct {
	ConID         int64       `json:"conid"`
	ContractDesc  string      `json:"contractDesc"`
	Position      float64     `json:"position"`
	AvgCost       float64     `json:"avgCost"`
	Multiplier    json.Number `json:"multiplier"`
	AssetClass    string      `json:"assetClass"`
	Ticker        string      `json:"ticker"`
	Strike        json.Number `json:"strike"`
	PutOrCall     string      `json:"putOrCall"`
	Expiry        string      `json:"expiry"`
}

// GetPositionsCtx returns all nonzero positions in the account. Positions
// with missing identity fields produce a typed error rather than defaulting
// silently.
func (g *GatewayClient) GetPositionsCtx(ctx context.Context) ([]models.Position, error) {
	var raw []ibPosition
	path := fmt.Sprintf("/portfolio/%s/positions/0", url.PathEscape(g.accountID))
	if err := g.get(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	positions := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		if p.Position == 0 {
			continue
		}
		contract, err := p.toContract()
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", p.ContractDesc, err)
		}
		positions = append(positions, models.Position{
			Contract: contract,
			Quantity: p.Position,
			AvgCost:  p.AvgCost,
		})
	}
	return positions, nil
}

func (p *ibPosition) toContract() (models.Contract, error) {
	mult, _ := p.Multiplier.Float64()
	if mult == 0 {
		mult = 5
	}
	strike, _ := p.Strike.Float64()
	c := models.Contract{
		ConID:       p.ConID,
		Symbol:      p.Ticker,
		LocalSymbol: p.ContractDesc,
		SecType:     models.SecurityType(p.AssetClass),
		Expiry:      p.Expiry,
		Strike:      strike,
		Multiplier:  mult,
	}
	switch p.PutOrCall {
	case "C":
		c.Right = models.RightCall
	case "P":
		c.Right = models.RightPut
	}
	if err := c.Validate(); err != nil {
		return models.Contract{}, err
	}
	return c, nil
}

// GetCashBalanceCtx returns the cash balance for a currency from the
// account ledger.
func (g *GatewayClient) GetCashBalanceCtx(ctx context.Context, currency string) (float64, error) {
	var ledger map[string]struct {
		CashBalance float64 `json:"cashbalance"`
		Currency    string  `json:"currency"`
	}
	path := fmt.Sprintf("/portfolio/%s/ledger", url.PathEscape(g.accountID))
	if err := g.get(ctx, path, &ledger); err != nil {
		return 0, fmt.Errorf("fetching ledger: %w", err)
	}
	entry, ok := ledger[currency]
	if !ok {
		return 0, fmt.Errorf("no ledger entry for currency %s", currency)
	}
	return entry.CashBalance, nil
}

// GetQuoteCtx fetches a best bid/offer snapshot for a contract.
func (g *GatewayClient) GetQuoteCtx(ctx context.Context, conID int64) (models.Quote, error) {
	var rows []map[string]json.RawMessage
	path := fmt.Sprintf("/iserver/marketdata/snapshot?conids=%d&fields=%s,%s,%s,%s",
		conID, fieldLast, fieldBid, fieldAsk, fieldClose)
	if err := g.get(ctx, path, &rows); err != nil {
		return models.Quote{}, fmt.Errorf("fetching snapshot for conid %d: %w", conID, err)
	}
	if len(rows) == 0 {
		return models.Quote{}, fmt.Errorf("empty snapshot for conid %d", conID)
	}
	row := rows[0]
	return models.Quote{
		Bid:   snapshotPrice(row[fieldBid]),
		Ask:   snapshotPrice(row[fieldAsk]),
		Last:  snapshotPrice(row[fieldLast]),
		Close: snapshotPrice(row[fieldClose]),
	}, nil
}

// snapshotPrice parses a snapshot field that may be a number or a string,
// and may carry a halted-market "C" or "H" prefix.
func snapshotPrice(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.TrimLeft(s, "CH")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

type secdefSection struct {
	SecType string `json:"secType"`
	Months  string `json:"months"`
}

type secdefResult struct {
	ConID    json.Number     `json:"conid"`
	Symbol   string          `json:"symbol"`
	Sections []secdefSection `json:"sections"`
}

// ResolveFutureCtx resolves the front-month futures contract for a symbol.
func (g *GatewayClient) ResolveFutureCtx(ctx context.Context, symbol string) (models.Contract, error) {
	var futures map[string][]struct {
		ConID          int64  `json:"conid"`
		Symbol         string `json:"symbol"`
		ExpirationDate string `json:"expirationDate"`
		LtdDate        string `json:"ltd"`
	}
	path := fmt.Sprintf("/trsrv/futures?symbols=%s", url.QueryEscape(symbol))
	if err := g.get(ctx, path, &futures); err != nil {
		return models.Contract{}, fmt.Errorf("resolving future %s: %w", symbol, err)
	}
	chain := futures[symbol]
	if len(chain) == 0 {
		return models.Contract{}, fmt.Errorf("no %s future contract found", symbol)
	}
	// The gateway returns the chain sorted by expiry; front month first.
	sort.Slice(chain, func(i, j int) bool {
		return chain[i].ExpirationDate < chain[j].ExpirationDate
	})
	front := chain[0]
	c := models.Contract{
		ConID:       front.ConID,
		Symbol:      symbol,
		LocalSymbol: fmt.Sprintf("%s %s", symbol, front.ExpirationDate),
		SecType:     models.SecurityFuture,
		Expiry:      front.ExpirationDate,
		Multiplier:  5, // MES contract multiplier
	}
	if err := c.Validate(); err != nil {
		return models.Contract{}, err
	}
	return c, nil
}

// GetCallStrikesCtx returns the sorted call strikes listed for an expiry.
func (g *GatewayClient) GetCallStrikesCtx(ctx context.Context, symbol, expiry string) ([]float64, error) {
	underConID, err := g.underlyingConID(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var strikes struct {
		Call []float64 `json:"call"`
		Put  []float64 `json:"put"`
	}
	path := fmt.Sprintf("/iserver/secdef/strikes?conid=%d&sectype=FOP&month=%s",
		underConID, url.QueryEscape(monthOf(expiry)))
	if err := g.get(ctx, path, &strikes); err != nil {
		return nil, fmt.Errorf("fetching strikes for %s %s: %w", symbol, expiry, err)
	}
	if len(strikes.Call) == 0 {
		return nil, fmt.Errorf("no %s call strikes listed for expiry %s", symbol, expiry)
	}
	out := append([]float64(nil), strikes.Call...)
	sort.Float64s(out)
	return out, nil
}

// ResolveCallCtx qualifies the call contract at a specific strike and expiry.
func (g *GatewayClient) ResolveCallCtx(ctx context.Context, symbol, expiry string, strike float64) (models.Contract, error) {
	underConID, err := g.underlyingConID(ctx, symbol)
	if err != nil {
		return models.Contract{}, err
	}
	var infos []struct {
		ConID      int64       `json:"conid"`
		Symbol     string      `json:"symbol"`
		Desc2      string      `json:"desc2"`
		MaturityDate string    `json:"maturityDate"`
		Multiplier json.Number `json:"multiplier"`
		TradingClass string    `json:"tradingClass"`
	}
	path := fmt.Sprintf("/iserver/secdef/info?conid=%d&sectype=FOP&month=%s&strike=%s&right=C",
		underConID, url.QueryEscape(monthOf(expiry)), url.QueryEscape(strconv.FormatFloat(strike, 'f', -1, 64)))
	if err := g.get(ctx, path, &infos); err != nil {
		return models.Contract{}, fmt.Errorf("resolving %s call %.2f %s: %w", symbol, strike, expiry, err)
	}
	for _, info := range infos {
		if info.MaturityDate != "" && info.MaturityDate != expiry {
			continue
		}
		mult, _ := info.Multiplier.Float64()
		if mult == 0 {
			mult = 5
		}
		c := models.Contract{
			ConID:       info.ConID,
			Symbol:      symbol,
			LocalSymbol: fmt.Sprintf("%s %s C%s", info.TradingClass, expiry, strconv.FormatFloat(strike, 'f', -1, 64)),
			SecType:     models.SecurityFutureOption,
			Expiry:      expiry,
			Strike:      strike,
			Right:       models.RightCall,
			Multiplier:  mult,
		}
		if err := c.Validate(); err != nil {
			return models.Contract{}, err
		}
		return c, nil
	}
	return models.Contract{}, fmt.Errorf("no %s call found at strike %.2f for expiry %s", symbol, strike, expiry)
}

// underlyingConID finds the futures-options underlying conid via secdef search.
func (g *GatewayClient) underlyingConID(ctx context.Context, symbol string) (int64, error) {
	var results []secdefResult
	path := fmt.Sprintf("/iserver/secdef/search?symbol=%s", url.QueryEscape(symbol))
	if err := g.get(ctx, path, &results); err != nil {
		return 0, fmt.Errorf("secdef search %s: %w", symbol, err)
	}
	for _, r := range results {
		if r.Symbol != symbol {
			continue
		}
		for _, s := range r.Sections {
			if s.SecType == "FOP" {
				id, err := r.ConID.Int64()
				if err != nil {
					return 0, fmt.Errorf("secdef search %s: bad conid %q", symbol, r.ConID)
				}
				return id, nil
			}
		}
	}
	return 0, fmt.Errorf("no FOP section for symbol %s", symbol)
}

// ibOrder is the wire shape of a live order row.
type ibOrder struct {
	OrderID      json.Number `json:"orderId"`
	ConID        int64       `json:"conid"`
	Side         string      `json:"side"`
	Status       string      `json:"status"`
	OrderType    string      `json:"orderType"`
	Price        json.Number `json:"price"`
	TotalSize    json.Number `json:"totalSize"`
	FilledQty    json.Number `json:"filledQuantity"`
	AvgPrice     json.Number `json:"avgPrice"`
}

func (o *ibOrder) toStatus() OrderStatus {
	price, _ := o.Price.Float64()
	size, _ := o.TotalSize.Float64()
	filled, _ := o.FilledQty.Float64()
	avg, _ := o.AvgPrice.Float64()
	side := models.SideBuy
	if strings.EqualFold(o.Side, "SELL") || strings.EqualFold(o.Side, "S") {
		side = models.SideSell
	}
	return OrderStatus{
		OrderID:        o.OrderID.String(),
		ConID:          o.ConID,
		Side:           side,
		Status:         strings.ToLower(o.Status),
		OrderType:      o.OrderType,
		LimitPrice:     price,
		Quantity:       size,
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}
}

// GetOpenOrdersCtx returns all live orders for the account.
func (g *GatewayClient) GetOpenOrdersCtx(ctx context.Context) ([]OrderStatus, error) {
	var resp struct {
		Orders []ibOrder `json:"orders"`
	}
	if err := g.get(ctx, "/iserver/account/orders", &resp); err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}
	out := make([]OrderStatus, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		st := o.toStatus()
		if st.Terminal() {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

type orderTicket struct {
	ConID         int64   `json:"conid"`
	OrderType     string  `json:"orderType"`
	Side          string  `json:"side"`
	Quantity      int     `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
	Tif           string  `json:"tif"`
	ClientOrderID string  `json:"cOID,omitempty"`
}

// PlaceLimitOrderCtx places a standing DAY limit order.
func (g *GatewayClient) PlaceLimitOrderCtx(ctx context.Context, contract models.Contract,
	side models.OrderSide, quantity int, price float64, clientOrderID string) (string, error) {
	return g.placeOrder(ctx, orderTicket{
		ConID:         contract.ConID,
		OrderType:     "LMT",
		Side:          string(side),
		Quantity:      quantity,
		Price:         price,
		Tif:           "DAY",
		ClientOrderID: clientOrderID,
	})
}

// PlaceMarketableOrderCtx places a marketable limit at the price cap: it
// executes immediately against available liquidity like a market order but
// cannot fill beyond the cap, protecting against extreme slippage.
func (g *GatewayClient) PlaceMarketableOrderCtx(ctx context.Context, contract models.Contract,
	side models.OrderSide, quantity int, priceCap float64, clientOrderID string) (string, error) {
	return g.placeOrder(ctx, orderTicket{
		ConID:         contract.ConID,
		OrderType:     "LMT",
		Side:          string(side),
		Quantity:      quantity,
		Price:         priceCap,
		Tif:           "IOC",
		ClientOrderID: clientOrderID,
	})
}

// PlaceMarketOrderCtx places a plain market order; used only by the
// reconciler's best-effort drift corrections.
func (g *GatewayClient) PlaceMarketOrderCtx(ctx context.Context, contract models.Contract,
	side models.OrderSide, quantity int) (string, error) {
	return g.placeOrder(ctx, orderTicket{
		ConID:     contract.ConID,
		OrderType: "MKT",
		Side:      string(side),
		Quantity:  quantity,
		Tif:       "DAY",
	})
}

func (g *GatewayClient) placeOrder(ctx context.Context, ticket orderTicket) (string, error) {
	body := map[string]interface{}{"orders": []orderTicket{ticket}}

	var resp []struct {
		OrderID string `json:"order_id"`
		ID      string `json:"id"`
		Message []string `json:"message"`
	}
	path := fmt.Sprintf("/iserver/account/%s/orders", url.PathEscape(g.accountID))
	if err := g.post(ctx, path, body, &resp); err != nil {
		return "", fmt.Errorf("placing %s order for conid %d: %w", ticket.Side, ticket.ConID, err)
	}
	if len(resp) == 0 {
		return "", fmt.Errorf("empty order response for conid %d", ticket.ConID)
	}
	// The gateway answers order confirmations with a reply prompt; suppressed
	// variants answer with the order id directly.
	if resp[0].OrderID != "" {
		return resp[0].OrderID, nil
	}
	if resp[0].ID != "" {
		return g.confirmOrder(ctx, resp[0].ID)
	}
	return "", fmt.Errorf("order response missing id for conid %d", ticket.ConID)
}

// confirmOrder acknowledges the gateway's confirmation prompt.
func (g *GatewayClient) confirmOrder(ctx context.Context, replyID string) (string, error) {
	var resp []struct {
		OrderID string `json:"order_id"`
	}
	path := fmt.Sprintf("/iserver/reply/%s", url.PathEscape(replyID))
	if err := g.post(ctx, path, map[string]bool{"confirmed": true}, &resp); err != nil {
		return "", fmt.Errorf("confirming order reply %s: %w", replyID, err)
	}
	if len(resp) == 0 || resp[0].OrderID == "" {
		return "", fmt.Errorf("order confirmation %s returned no order id", replyID)
	}
	return resp[0].OrderID, nil
}

// CancelOrderCtx cancels a working order.
func (g *GatewayClient) CancelOrderCtx(ctx context.Context, orderID string) error {
	path := fmt.Sprintf("/iserver/account/%s/order/%s",
		url.PathEscape(g.accountID), url.PathEscape(orderID))
	if err := g.delete(ctx, path); err != nil {
		return fmt.Errorf("cancelling order %s: %w", orderID, err)
	}
	return nil
}

// GetOrderStatusCtx retrieves the status of a single order.
func (g *GatewayClient) GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderStatus, error) {
	var o ibOrder
	path := fmt.Sprintf("/iserver/account/order/status/%s", url.PathEscape(orderID))
	if err := g.get(ctx, path, &o); err != nil {
		return nil, fmt.Errorf("fetching status for order %s: %w", orderID, err)
	}
	if o.OrderID.String() == "" {
		o.OrderID = json.Number(orderID)
	}
	st := o.toStatus()
	return &st, nil
}

// --- HTTP plumbing ---

func (g *GatewayClient) get(ctx context.Context, path string, out interface{}) error {
	return g.do(ctx, http.MethodGet, path, nil, out)
}

func (g *GatewayClient) post(ctx context.Context, path string, body, out interface{}) error {
	return g.do(ctx, http.MethodPost, path, body, out)
}

func (g *GatewayClient) delete(ctx context.Context, path string) error {
	return g.do(ctx, http.MethodDelete, path, nil, nil)
}

func (g *GatewayClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// monthOf converts a YYYYMMDD expiry to the MMMYY month token the secdef
// endpoints expect, e.g. 20260831 -> AUG26.
func monthOf(expiry string) string {
	if len(expiry) < 6 {
		return expiry
	}
	months := [...]string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN",
		"JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}
	m, err := strconv.Atoi(expiry[4:6])
	if err != nil || m < 1 || m > 12 {
		return expiry
	}
	return months[m-1] + expiry[2:4]
}
