package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/logger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

// apiError is the error payload the exchange returns alongside non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("exchange error: code=%d, msg=%s", e.Code, e.Msg)
}

type symbolFilters struct {
	tickSize string
	stepSize string
}

// LiveExchange implements Venue against the Binance spot API: signed REST calls
// for order management, an aggTrade stream for prices, and the user data stream
// for order updates. One instance carries one API key, so in practice one
// instance serves one bot.
type LiveExchange struct {
	apiKey     string
	secretKey  string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	timeOffset int64

	mu           sync.Mutex
	filters      map[string]*symbolFilters
	priceStreams map[string]chan models.PriceUpdate
	orderCh      chan []models.OrderSnapshot
	userStreamUp bool
	listenKey    string
	stopCh       chan struct{}
	closed       bool
}

// NewLiveExchange builds a live venue client and syncs the local clock against
// the exchange.
func NewLiveExchange(apiKey, secretKey, baseURL, wsBaseURL string) (*LiveExchange, error) {
	e := &LiveExchange{
		apiKey:       apiKey,
		secretKey:    secretKey,
		baseURL:      baseURL,
		wsBaseURL:    wsBaseURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		filters:      make(map[string]*symbolFilters),
		priceStreams: make(map[string]chan models.PriceUpdate),
		orderCh:      make(chan []models.OrderSnapshot, 64),
		stopCh:       make(chan struct{}),
	}

	if err := e.syncTime(); err != nil {
		return nil, fmt.Errorf("failed to sync time with exchange: %w", err)
	}

	return e, nil
}

func (e *LiveExchange) syncTime() error {
	data, err := e.doRequest(context.Background(), "GET", "/api/v3/time", nil, false)
	if err != nil {
		return err
	}
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &serverTime); err != nil {
		return err
	}
	e.timeOffset = serverTime.ServerTime - time.Now().UnixMilli()
	logger.S().Infow("synced exchange time", "offset_ms", e.timeOffset)
	return nil
}

// doRequest sends one REST call, signing it when required.
func (e *LiveExchange) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := e.baseURL + endpoint
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := time.Now().UnixMilli() + e.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		payload := queryParams.Encode()
		encodedParams = payload + "&signature=" + e.sign(payload)
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fullURL + "?" + encodedParams
		}
		req, err = http.NewRequestWithContext(ctx, method, finalURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(encodedParams))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("X-MBX-APIKEY", e.apiKey)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var exErr apiError
	if json.Unmarshal(body, &exErr) == nil && exErr.Code != 0 {
		return body, &exErr
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func (e *LiveExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// --- Venue implementation ---

func (e *LiveExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(ctx, "GET", "/api/v3/ticker/price", params, false)
	if err != nil {
		return 0, err
	}

	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(ticker.Price, 64)
}

func (e *LiveExchange) WatchPrice(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	ch := e.ensurePriceStream(symbol)
	select {
	case upd := <-ch:
		return upd, nil
	case <-ctx.Done():
		return models.PriceUpdate{}, ctx.Err()
	case <-e.stopCh:
		return models.PriceUpdate{}, fmt.Errorf("exchange closed")
	}
}

func (e *LiveExchange) WatchOrderUpdates(ctx context.Context, symbol string) ([]models.OrderSnapshot, error) {
	if err := e.ensureUserStream(); err != nil {
		return nil, err
	}
	for {
		select {
		case batch := <-e.orderCh:
			var matched []models.OrderSnapshot
			for _, snap := range batch {
				if snap.Symbol == symbol {
					matched = append(matched, snap)
				}
			}
			if len(matched) > 0 {
				return matched, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.stopCh:
			return nil, fmt.Errorf("exchange closed")
		}
	}
}

func (e *LiveExchange) PlaceOrder(ctx context.Context, symbol string, side models.Side, orderType string, quantity, price float64, clientOrderID string) (*models.OrderSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", orderType)
	params.Set("quantity", formatFloat(e.ToVenueQty(symbol, quantity)))
	if orderType == "LIMIT" {
		params.Set("timeInForce", "GTC")
		params.Set("price", formatFloat(e.ToVenuePrice(symbol, price)))
	}
	if clientOrderID != "" {
		params.Set("newClientOrderId", clientOrderID)
	}

	data, err := e.doRequest(ctx, "POST", "/api/v3/order", params, true)
	if err != nil {
		logger.S().Errorw("order submission rejected", "symbol", symbol, "side", side, "err", err)
		return nil, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}

	snap := &models.OrderSnapshot{
		VenueOrderID:  strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        symbol,
		Side:          side,
		Status:        venueStatus(resp.Status),
		Price:         parseFloat(resp.Price),
		Quantity:      parseFloat(resp.OrigQty),
		Filled:        parseFloat(resp.ExecutedQty),
	}
	snap.Remaining = snap.Quantity - snap.Filled
	return snap, nil
}

func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)
	_, err := e.doRequest(ctx, "DELETE", "/api/v3/order", params, true)
	return err
}

func (e *LiveExchange) FetchOrder(ctx context.Context, symbol, venueOrderID string) (*models.OrderSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)
	data, err := e.doRequest(ctx, "GET", "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp restOrder
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	snap := resp.toSnapshot(symbol)
	return &snap, nil
}

func (e *LiveExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]models.OrderSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(ctx, "GET", "/api/v3/openOrders", params, true)
	if err != nil {
		return nil, err
	}

	var resp []restOrder
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}

	snaps := make([]models.OrderSnapshot, 0, len(resp))
	for _, o := range resp {
		snaps = append(snaps, o.toSnapshot(symbol))
	}
	return snaps, nil
}

func (e *LiveExchange) GetFreeBalance(ctx context.Context, asset string) (float64, error) {
	data, err := e.doRequest(ctx, "GET", "/api/v3/account", nil, true)
	if err != nil {
		return 0, err
	}

	var account struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(data, &account); err != nil {
		return 0, err
	}

	for _, b := range account.Balances {
		if b.Asset == asset {
			return strconv.ParseFloat(b.Free, 64)
		}
	}
	return 0, nil
}

func (e *LiveExchange) ToVenuePrice(symbol string, price float64) float64 {
	f := e.symbolFilters(symbol)
	if f == nil {
		return price
	}
	return adjustValueToStep(price, f.tickSize)
}

func (e *LiveExchange) ToVenueQty(symbol string, qty float64) float64 {
	f := e.symbolFilters(symbol)
	if f == nil {
		return qty
	}
	return adjustValueToStep(qty, f.stepSize)
}

// Close stops all streams. Safe to call more than once.
func (e *LiveExchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.stopCh)
	return nil
}

// --- helpers ---

type restOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
}

func (o restOrder) toSnapshot(symbol string) models.OrderSnapshot {
	snap := models.OrderSnapshot{
		VenueOrderID:  strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          models.Side(o.Side),
		Status:        venueStatus(o.Status),
		Price:         parseFloat(o.Price),
		Quantity:      parseFloat(o.OrigQty),
		Filled:        parseFloat(o.ExecutedQty),
	}
	snap.Remaining = snap.Quantity - snap.Filled
	return snap
}

// venueStatus maps exchange-specific order states onto the venue-neutral set.
func venueStatus(status string) string {
	switch status {
	case "NEW", "PARTIALLY_FILLED":
		return models.VenueOpen
	case "FILLED":
		return models.VenueClosed
	case "CANCELED", "EXPIRED", "PENDING_CANCEL":
		return models.VenueCanceled
	case "REJECTED":
		return models.VenueRejected
	default:
		return strings.ToLower(status)
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// symbolFilters returns the cached precision filters for a symbol, fetching
// exchangeInfo on first use.
func (e *LiveExchange) symbolFilters(symbol string) *symbolFilters {
	e.mu.Lock()
	if f, ok := e.filters[symbol]; ok {
		e.mu.Unlock()
		return f
	}
	e.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(context.Background(), "GET", "/api/v3/exchangeInfo", params, false)
	if err != nil {
		logger.S().Warnw("failed to fetch exchange info", "symbol", symbol, "err", err)
		return nil
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		logger.S().Warnw("failed to parse exchange info", "symbol", symbol, "err", err)
		return nil
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := &symbolFilters{}
		for _, filter := range s.Filters {
			switch filter.FilterType {
			case "PRICE_FILTER":
				f.tickSize = filter.TickSize
			case "LOT_SIZE":
				f.stepSize = filter.StepSize
			}
		}
		e.mu.Lock()
		e.filters[symbol] = f
		e.mu.Unlock()
		return f
	}
	return nil
}

// adjustValueToStep truncates a value to the decimal precision implied by the
// step string, going through string formatting to dodge float artifacts.
func adjustValueToStep(value float64, step string) float64 {
	if step == "" {
		return value
	}
	if !strings.Contains(step, ".") {
		return math.Floor(value)
	}
	decimalPlaces := len(step) - strings.Index(step, ".") - 1

	factor := math.Pow(10, float64(decimalPlaces))
	adjusted := math.Floor(value*factor) / factor

	final, _ := strconv.ParseFloat(fmt.Sprintf("%.*f", decimalPlaces, adjusted), 64)
	return final
}

// --- streams ---

// ensurePriceStream starts (once per symbol) a goroutine that keeps an aggTrade
// websocket alive and publishes ticks. The channel holds only the latest tick;
// a slow consumer sees the freshest price, not a backlog.
func (e *LiveExchange) ensurePriceStream(symbol string) chan models.PriceUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.priceStreams[symbol]; ok {
		return ch
	}

	ch := make(chan models.PriceUpdate, 1)
	e.priceStreams[symbol] = ch
	go e.priceStreamLoop(symbol, ch)
	return ch
}

func (e *LiveExchange) priceStreamLoop(symbol string, ch chan models.PriceUpdate) {
	wsURL := fmt.Sprintf("%s/ws/%s@aggTrade", e.wsBaseURL, strings.ToLower(symbol))
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			logger.S().Warnw("price stream dial failed, retrying", "symbol", symbol, "err", err)
			e.sleepOrStop(5 * time.Second)
			continue
		}

		e.readPriceMessages(conn, symbol, ch)
		conn.Close()
		logger.S().Infow("price stream disconnected, reconnecting", "symbol", symbol)
		e.sleepOrStop(5 * time.Second)
	}
}

func (e *LiveExchange) readPriceMessages(conn *websocket.Conn, symbol string, ch chan models.PriceUpdate) {
	const pongWait = 60 * time.Second
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pongWait * 9 / 10)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-e.stopCh:
				return
			}
		}
	}()

	for {
		select {
		case <-e.stopCh:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var trade struct {
			Price     json.Number `json:"p"`
			TradeTime int64       `json:"T"`
		}
		if err := json.Unmarshal(message, &trade); err != nil {
			continue
		}
		price, err := trade.Price.Float64()
		if err != nil {
			continue
		}

		upd := models.PriceUpdate{Symbol: symbol, Price: price, At: time.UnixMilli(trade.TradeTime)}
		select {
		case ch <- upd:
		default:
			// Replace the stale tick.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- upd:
			default:
			}
		}
	}
}

// ensureUserStream starts the user data stream once: listen key creation,
// keepalive, and the websocket read loop feeding orderCh.
func (e *LiveExchange) ensureUserStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.userStreamUp {
		return nil
	}

	key, err := e.createListenKey()
	if err != nil {
		return err
	}
	e.listenKey = key
	e.userStreamUp = true

	go e.userStreamLoop()
	go e.keepAliveLoop()
	return nil
}

func (e *LiveExchange) createListenKey() (string, error) {
	data, err := e.doRequest(context.Background(), "POST", "/api/v3/userDataStream", nil, false)
	if err != nil {
		return "", fmt.Errorf("failed to create listen key: %w", err)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

func (e *LiveExchange) keepAliveLoop() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			params := url.Values{}
			params.Set("listenKey", e.listenKey)
			if _, err := e.doRequest(context.Background(), "PUT", "/api/v3/userDataStream", params, false); err != nil {
				logger.S().Warnw("listen key keepalive failed", "err", err)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *LiveExchange) userStreamLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		wsURL := fmt.Sprintf("%s/ws/%s", e.wsBaseURL, e.listenKey)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			logger.S().Warnw("user stream dial failed, retrying", "err", err)
			e.sleepOrStop(5 * time.Second)
			continue
		}

		e.readUserMessages(conn)
		conn.Close()
		logger.S().Info("user stream disconnected, reconnecting")
		e.sleepOrStop(5 * time.Second)
	}
}

func (e *LiveExchange) readUserMessages(conn *websocket.Conn) {
	const pongWait = 60 * time.Second
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var event struct {
			EventType     string      `json:"e"`
			Symbol        string      `json:"s"`
			ClientOrderID string      `json:"c"`
			Side          string      `json:"S"`
			Price         json.Number `json:"p"`
			OrigQty       json.Number `json:"q"`
			CumQty        json.Number `json:"z"`
			Status        string      `json:"X"`
			OrderID       int64       `json:"i"`
			OrigClientID  string      `json:"C"` // set on cancels
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.EventType != "executionReport" {
			continue
		}

		clientID := event.ClientOrderID
		if event.OrigClientID != "" {
			clientID = event.OrigClientID
		}

		price, _ := event.Price.Float64()
		qty, _ := event.OrigQty.Float64()
		filled, _ := event.CumQty.Float64()
		snap := models.OrderSnapshot{
			VenueOrderID:  strconv.FormatInt(event.OrderID, 10),
			ClientOrderID: clientID,
			Symbol:        event.Symbol,
			Side:          models.Side(event.Side),
			Status:        venueStatus(event.Status),
			Price:         price,
			Quantity:      qty,
			Filled:        filled,
			Remaining:     qty - filled,
		}

		select {
		case e.orderCh <- []models.OrderSnapshot{snap}:
		case <-e.stopCh:
			return
		}
	}
}

func (e *LiveExchange) sleepOrStop(d time.Duration) {
	select {
	case <-time.After(d):
	case <-e.stopCh:
	}
}
