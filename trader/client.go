package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/google/uuid"

	"flowbot/config"
	"flowbot/logger"
	"flowbot/market"
)

// Balance is the USDT unified-account wallet view.
type Balance struct {
	TotalEquity   float64
	WalletBalance float64
	Available     float64
	UnrealizedPnL float64
}

// ExchangePosition is one live position reported by the exchange.
type ExchangePosition struct {
	Symbol        string
	Side          string // long/short
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	LiqPrice      float64
	Leverage      float64
}

// OrderStatus is the resolved state of one order.
type OrderStatus struct {
	OrderID  string
	Status   string // NEW, PARTIALLY_FILLED, FILLED, CANCELED
	AvgPrice float64
	ExecQty  float64
	Fee      float64
}

// Kline is one OHLCV candle.
type Kline struct {
	Start    int64 // ms
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Turnover float64
}

// BybitClient wraps the v5 REST API for a USDT perpetual symbol.
type BybitClient struct {
	client   *bybit.Client
	baseURL  string
	category string

	// balance cache
	cachedBalance *Balance
	balanceTime   time.Time
	balanceMu     sync.RWMutex

	// positions cache
	cachedPositions []ExchangePosition
	positionsTime   time.Time
	positionsMu     sync.RWMutex

	// symbol -> qtyStep
	qtyStepCache map[string]float64
	qtyStepMu    sync.RWMutex

	cacheDuration time.Duration
}

// NewBybitClient builds the REST client from config. category is the v5
// product category, "linear" when empty.
func NewBybitClient(cfg config.BybitConfig, category string) *BybitClient {
	base := cfg.BaseURL
	if base == "" {
		base = bybit.MAINNET
	}
	if cfg.Testnet {
		base = bybit.TESTNET
	}
	if category == "" {
		category = "linear"
	}
	client := bybit.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit.WithBaseURL(base))

	logger.Infof("bybit client initialized (base=%s category=%s)", base, category)
	return &BybitClient{
		client:        client,
		baseURL:       base,
		category:      category,
		qtyStepCache:  make(map[string]float64),
		cacheDuration: 5 * time.Second,
	}
}

func (c *BybitClient) clearCache() {
	c.balanceMu.Lock()
	c.cachedBalance = nil
	c.balanceMu.Unlock()

	c.positionsMu.Lock()
	c.cachedPositions = nil
	c.positionsMu.Unlock()
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func mapFloat(m map[string]interface{}, key string) float64 {
	s, _ := m[key].(string)
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// WalletBalance returns the unified-account USDT balance, cached briefly.
func (c *BybitClient) WalletBalance() (*Balance, error) {
	c.balanceMu.RLock()
	if c.cachedBalance != nil && time.Since(c.balanceTime) < c.cacheDuration {
		b := *c.cachedBalance
		c.balanceMu.RUnlock()
		return &b, nil
	}
	c.balanceMu.RUnlock()

	params := map[string]interface{}{"accountType": "UNIFIED"}
	result, err := c.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch wallet balance: %w", err)
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}

	resultData := asMap(result.Result)
	if resultData == nil {
		return nil, fmt.Errorf("unexpected wallet balance payload")
	}
	list, _ := resultData["list"].([]interface{})

	b := &Balance{}
	if len(list) > 0 {
		account := asMap(list[0])
		b.TotalEquity = mapFloat(account, "totalEquity")
		b.WalletBalance = mapFloat(account, "totalWalletBalance")
		b.Available = mapFloat(account, "totalAvailableBalance")
		b.UnrealizedPnL = mapFloat(account, "totalPerpUPL")
	}
	if b.WalletBalance == 0 {
		b.WalletBalance = b.TotalEquity
	}

	c.balanceMu.Lock()
	c.cachedBalance = b
	c.balanceTime = time.Now()
	c.balanceMu.Unlock()

	out := *b
	return &out, nil
}

// Positions returns the open linear positions, cached briefly.
func (c *BybitClient) Positions(symbol string) ([]ExchangePosition, error) {
	c.positionsMu.RLock()
	if c.cachedPositions != nil && time.Since(c.positionsTime) < c.cacheDuration {
		out := filterPositions(c.cachedPositions, symbol)
		c.positionsMu.RUnlock()
		return out, nil
	}
	c.positionsMu.RUnlock()

	params := map[string]interface{}{
		"category":   c.category,
		"settleCoin": "USDT",
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).GetPositionList(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}

	resultData := asMap(result.Result)
	if resultData == nil {
		return nil, fmt.Errorf("unexpected position payload")
	}
	list, _ := resultData["list"].([]interface{})

	var positions []ExchangePosition
	for _, item := range list {
		pos := asMap(item)
		if pos == nil {
			continue
		}
		size := mapFloat(pos, "size")
		if size == 0 {
			continue
		}
		side := "long"
		if s, _ := pos["side"].(string); s == "Sell" {
			side = "short"
		}
		sym, _ := pos["symbol"].(string)
		positions = append(positions, ExchangePosition{
			Symbol:        sym,
			Side:          side,
			Qty:           size,
			EntryPrice:    mapFloat(pos, "avgPrice"),
			MarkPrice:     mapFloat(pos, "markPrice"),
			UnrealizedPnL: mapFloat(pos, "unrealisedPnl"),
			LiqPrice:      mapFloat(pos, "liqPrice"),
			Leverage:      mapFloat(pos, "leverage"),
		})
	}

	c.positionsMu.Lock()
	c.cachedPositions = positions
	c.positionsTime = time.Now()
	c.positionsMu.Unlock()

	return filterPositions(positions, symbol), nil
}

func filterPositions(in []ExchangePosition, symbol string) []ExchangePosition {
	if symbol == "" {
		return append([]ExchangePosition(nil), in...)
	}
	var out []ExchangePosition
	for _, p := range in {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// NetQty returns the signed net quantity for the symbol, positive long.
func (c *BybitClient) NetQty(symbol string) (float64, error) {
	positions, err := c.Positions(symbol)
	if err != nil {
		return 0, err
	}
	var net float64
	for _, p := range positions {
		if p.Side == "short" {
			net -= p.Qty
		} else {
			net += p.Qty
		}
	}
	return net, nil
}

// SetLeverage sets both-side leverage. "leverage not modified" is not an
// error.
func (c *BybitClient) SetLeverage(symbol string, leverage int) error {
	params := map[string]interface{}{
		"category":     c.category,
		"symbol":       symbol,
		"buyLeverage":  fmt.Sprintf("%d", leverage),
		"sellLeverage": fmt.Sprintf("%d", leverage),
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).SetPositionLeverage(context.Background())
	if err != nil {
		if strings.Contains(err.Error(), "leverage not modified") {
			return nil
		}
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	if result.RetCode != 0 && result.RetCode != 110043 { // 110043 = leverage not modified
		return fmt.Errorf("failed to set leverage: %s", result.RetMsg)
	}
	return nil
}

// MarketOrder places a market order. side is "Buy" or "Sell".
func (c *BybitClient) MarketOrder(symbol, side string, qty float64, reduceOnly bool) (string, error) {
	qtyStr, err := c.FormatQuantity(symbol, qty)
	if err != nil {
		return "", err
	}
	params := map[string]interface{}{
		"category":    c.category,
		"symbol":      symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         qtyStr,
		"positionIdx": 0, // one-way mode
		"orderLinkId": uuid.NewString(),
	}
	if reduceOnly {
		params["reduceOnly"] = true
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).PlaceOrder(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to place market order: %w", err)
	}
	c.clearCache()
	return parseOrderID(result)
}

// LimitOrder places a limit order, optionally post-only.
func (c *BybitClient) LimitOrder(symbol, side string, qty, price float64, postOnly bool) (string, error) {
	qtyStr, err := c.FormatQuantity(symbol, qty)
	if err != nil {
		return "", err
	}
	params := map[string]interface{}{
		"category":    c.category,
		"symbol":      symbol,
		"side":        side,
		"orderType":   "Limit",
		"qty":         qtyStr,
		"price":       strconv.FormatFloat(price, 'f', -1, 64),
		"positionIdx": 0,
		"orderLinkId": uuid.NewString(),
	}
	if postOnly {
		params["timeInForce"] = "PostOnly"
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).PlaceOrder(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to place limit order: %w", err)
	}
	c.clearCache()
	return parseOrderID(result)
}

// SetStopLoss attaches a reduce-only conditional stop to the position.
func (c *BybitClient) SetStopLoss(symbol, posSide string, qty, stopPrice, refPrice float64) error {
	side := "Sell"
	triggerDirection := 2 // triggers on falling price
	if posSide == "short" {
		side = "Buy"
	}
	if stopPrice > refPrice {
		triggerDirection = 1
	}
	qtyStr, err := c.FormatQuantity(symbol, qty)
	if err != nil {
		return err
	}
	params := map[string]interface{}{
		"category":         c.category,
		"symbol":           symbol,
		"side":             side,
		"orderType":        "Market",
		"qty":              qtyStr,
		"triggerPrice":     strconv.FormatFloat(stopPrice, 'f', -1, 64),
		"triggerDirection": triggerDirection,
		"triggerBy":        "LastPrice",
		"reduceOnly":       true,
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).PlaceOrder(context.Background())
	if err != nil {
		return fmt.Errorf("failed to set stop loss: %w", err)
	}
	if result.RetCode != 0 {
		return fmt.Errorf("failed to set stop loss: %s", result.RetMsg)
	}
	return nil
}

// SetTakeProfit attaches a reduce-only conditional take-profit.
func (c *BybitClient) SetTakeProfit(symbol, posSide string, qty, tpPrice, refPrice float64) error {
	side := "Sell"
	triggerDirection := 1 // triggers on rising price
	if posSide == "short" {
		side = "Buy"
	}
	if tpPrice < refPrice {
		triggerDirection = 2
	}
	qtyStr, err := c.FormatQuantity(symbol, qty)
	if err != nil {
		return err
	}
	params := map[string]interface{}{
		"category":         c.category,
		"symbol":           symbol,
		"side":             side,
		"orderType":        "Market",
		"qty":              qtyStr,
		"triggerPrice":     strconv.FormatFloat(tpPrice, 'f', -1, 64),
		"triggerDirection": triggerDirection,
		"triggerBy":        "LastPrice",
		"reduceOnly":       true,
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).PlaceOrder(context.Background())
	if err != nil {
		return fmt.Errorf("failed to set take profit: %w", err)
	}
	if result.RetCode != 0 {
		return fmt.Errorf("failed to set take profit: %s", result.RetMsg)
	}
	return nil
}

// CancelOrder cancels one order by id.
func (c *BybitClient) CancelOrder(symbol, orderID string) error {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).CancelOrder(context.Background())
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	if result.RetCode != 0 {
		return fmt.Errorf("failed to cancel order %s: %s", orderID, result.RetMsg)
	}
	c.clearCache()
	return nil
}

// CancelAllOrders cancels every open order for the symbol, conditional
// orders included.
func (c *BybitClient) CancelAllOrders(symbol string) error {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}
	if _, err := c.client.NewUtaBybitServiceWithParams(params).CancelAllOrders(context.Background()); err != nil {
		return fmt.Errorf("failed to cancel all orders: %w", err)
	}
	c.clearCache()
	return nil
}

// OrderStatusByID resolves one order from history.
func (c *BybitClient) OrderStatusByID(symbol, orderID string) (*OrderStatus, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).GetOrderHistory(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order status: %w", err)
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}
	resultData := asMap(result.Result)
	if resultData == nil {
		return nil, fmt.Errorf("unexpected order payload")
	}
	list, _ := resultData["list"].([]interface{})
	if len(list) == 0 {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	order := asMap(list[0])

	status, _ := order["orderStatus"].(string)
	unified := status
	switch status {
	case "Filled":
		unified = "FILLED"
	case "New", "Created", "Untriggered":
		unified = "NEW"
	case "Cancelled", "Rejected", "Deactivated":
		unified = "CANCELED"
	case "PartiallyFilled":
		unified = "PARTIALLY_FILLED"
	}
	return &OrderStatus{
		OrderID:  orderID,
		Status:   unified,
		AvgPrice: mapFloat(order, "avgPrice"),
		ExecQty:  mapFloat(order, "cumExecQty"),
		Fee:      mapFloat(order, "cumExecFee"),
	}, nil
}

// Klines fetches recent candles, oldest first.
func (c *BybitClient) Klines(symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"interval": interval,
		"limit":    limit,
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).GetMarketKline(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines: %w", err)
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}
	resultData := asMap(result.Result)
	if resultData == nil {
		return nil, fmt.Errorf("unexpected kline payload")
	}
	list, _ := resultData["list"].([]interface{})

	// v5 returns newest first: [start, open, high, low, close, volume, turnover]
	out := make([]Kline, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		row, _ := list[i].([]interface{})
		if len(row) < 7 {
			continue
		}
		f := func(idx int) float64 {
			s, _ := row[idx].(string)
			v, _ := strconv.ParseFloat(s, 64)
			return v
		}
		startStr, _ := row[0].(string)
		start, _ := strconv.ParseInt(startStr, 10, 64)
		out = append(out, Kline{
			Start: start, Open: f(1), High: f(2), Low: f(3),
			Close: f(4), Volume: f(5), Turnover: f(6),
		})
	}
	return out, nil
}

// RecentTrades fetches the latest public trades, newest first, in the same
// shape as the WS tape.
func (c *BybitClient) RecentTrades(symbol string, limit int) ([]market.Trade, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"limit":    limit,
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).GetPublicRecentTrades(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent trades: %w", err)
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}
	resultData := asMap(result.Result)
	if resultData == nil {
		return nil, fmt.Errorf("unexpected trade payload")
	}
	list, _ := resultData["list"].([]interface{})

	out := make([]market.Trade, 0, len(list))
	for _, item := range list {
		row := asMap(item)
		if row == nil {
			continue
		}
		timeStr, _ := row["time"].(string)
		ts, _ := strconv.ParseInt(timeStr, 10, 64)
		side, _ := row["side"].(string)
		out = append(out, market.Trade{
			Time:  ts,
			Side:  side,
			Qty:   mapFloat(row, "size"),
			Price: mapFloat(row, "price"),
		})
	}
	return out, nil
}

// OpenInterest returns the latest open interest. Implements
// market.OpenInterestFetcher.
func (c *BybitClient) OpenInterest(symbol string) (float64, error) {
	params := map[string]interface{}{
		"category":     c.category,
		"symbol":       symbol,
		"intervalTime": "5min",
		"limit":        1,
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).GetOpenInterests(context.Background())
	if err != nil {
		return 0, fmt.Errorf("failed to fetch open interest: %w", err)
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}
	resultData := asMap(result.Result)
	if resultData == nil {
		return 0, fmt.Errorf("unexpected open interest payload")
	}
	list, _ := resultData["list"].([]interface{})
	if len(list) == 0 {
		return 0, fmt.Errorf("no open interest data for %s", symbol)
	}
	row := asMap(list[0])
	return mapFloat(row, "openInterest"), nil
}

// LastPrice fetches the ticker last price.
func (c *BybitClient) LastPrice(symbol string) (float64, error) {
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}
	result, err := c.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(context.Background())
	if err != nil {
		return 0, fmt.Errorf("failed to fetch ticker: %w", err)
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}
	resultData := asMap(result.Result)
	list, _ := resultData["list"].([]interface{})
	if len(list) == 0 {
		return 0, fmt.Errorf("no ticker data for %s", symbol)
	}
	ticker := asMap(list[0])
	price := mapFloat(ticker, "lastPrice")
	if price <= 0 {
		return 0, fmt.Errorf("invalid last price for %s", symbol)
	}
	return price, nil
}

// getQtyStep resolves the lot-size step for the symbol, cached forever.
// Falls back to whole units when the instruments endpoint misbehaves.
func (c *BybitClient) getQtyStep(symbol string) float64 {
	c.qtyStepMu.RLock()
	if step, ok := c.qtyStepCache[symbol]; ok {
		c.qtyStepMu.RUnlock()
		return step
	}
	c.qtyStepMu.RUnlock()

	url := fmt.Sprintf("%s/v5/market/instruments-info?category=%s&symbol=%s", c.baseURL, c.category, symbol)
	resp, err := http.Get(url)
	if err != nil {
		logger.Warnf("failed to fetch instrument info for %s: %v", symbol, err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 1
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				LotSizeFilter struct {
					QtyStep string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 1
	}
	if result.RetCode != 0 || len(result.Result.List) == 0 {
		return 1
	}
	qtyStep, _ := strconv.ParseFloat(result.Result.List[0].LotSizeFilter.QtyStep, 64)
	if qtyStep <= 0 {
		qtyStep = 1
	}

	c.qtyStepMu.Lock()
	c.qtyStepCache[symbol] = qtyStep
	c.qtyStepMu.Unlock()

	logger.Debugf("%s qtyStep: %v", symbol, qtyStep)
	return qtyStep
}

// FormatQuantity aligns a quantity down to the symbol's lot step and
// renders it with the step's precision.
func (c *BybitClient) FormatQuantity(symbol string, quantity float64) (string, error) {
	qtyStep := c.getQtyStep(symbol)
	aligned := math.Floor(quantity/qtyStep) * qtyStep
	if aligned <= 0 {
		return "", fmt.Errorf("quantity %v below lot step %v", quantity, qtyStep)
	}

	decimals := 0
	if qtyStep < 1 {
		stepStr := strconv.FormatFloat(qtyStep, 'f', -1, 64)
		if idx := strings.Index(stepStr, "."); idx >= 0 {
			decimals = len(stepStr) - idx - 1
		}
	}
	return strconv.FormatFloat(aligned, 'f', decimals, 64), nil
}

func parseOrderID(result *bybit.ServerResponse) (string, error) {
	if result.RetCode != 0 {
		return "", fmt.Errorf("order rejected: %s", result.RetMsg)
	}
	resultData := asMap(result.Result)
	if resultData == nil {
		return "", fmt.Errorf("unexpected order payload")
	}
	orderID, _ := resultData["orderId"].(string)
	if orderID == "" {
		return "", fmt.Errorf("order accepted without id")
	}
	return orderID, nil
}
