// Package exchange implements the ExchangeClient and MarketFeed contracts
// (spec.md §6) against a single REST+WebSocket crypto exchange. It is the
// one place in the module allowed to know the exchange's wire format.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botctl/internal/authguard"
	"botctl/internal/config"
	"botctl/internal/core"
	"botctl/internal/ratelimit"
	apperrors "botctl/pkg/errors"
	pkghttp "botctl/pkg/http"
	pkgws "botctl/pkg/websocket"

	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://api.exchange.example.com"
const defaultStreamURL = "wss://stream.exchange.example.com/ws"

// Adapter implements core.ExchangeClient and core.MarketFeed against one
// exchange's REST and WebSocket APIs.
type Adapter struct {
	cfg       config.ExchangeConfig
	logger    core.ILogger
	http      *pkghttp.Client
	limiter   *ratelimit.Limiter
	authGuard *authguard.Guard

	mu          sync.Mutex
	ws          *pkgws.Client
	subscribed  map[string]bool
	onTick      func(core.TickerEvent)
	lastMessage atomic.Int64 // unix millis
}

// New creates an Adapter. limiter guards every REST call made through it.
// authGuard is tripped whenever a REST call classifies as an auth failure,
// and may be nil if the caller doesn't want process-wide auth degradation.
func New(cfg config.ExchangeConfig, logger core.ILogger, limiter *ratelimit.Limiter, authGuard *authguard.Guard) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	a := &Adapter{
		cfg:        cfg,
		logger:     logger.WithField("component", "exchange_adapter"),
		limiter:    limiter,
		authGuard:  authGuard,
		subscribed: make(map[string]bool),
	}
	a.http = pkghttp.NewClient(baseURL, 10*time.Second, a)
	return a
}

// SignRequest implements pkghttp.Signer using an HMAC-SHA256 signature over
// timestamp+method+path+body, the same shape the teacher's exchange clients
// use for REST authentication.
func (a *Adapter) SignRequest(req *http.Request) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	var body string
	// Body is re-readable because pkg/http.Client builds requests with a
	// buffered Reader, so GetBody yields a copy without consuming req.Body.
	// GET/DELETE requests carry no body and sign an empty one.
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("sign request: read body: %w", err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("sign request: read body: %w", err)
		}
		body = string(b)
	}
	prehash := ts + req.Method + req.URL.Path
	if req.URL.RawQuery != "" {
		prehash += "?" + req.URL.RawQuery
	}
	prehash += body

	mac := hmac.New(sha256.New, []byte(string(a.cfg.APISecret)))
	mac.Write([]byte(prehash))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BOTCTL-KEY", string(a.cfg.APIKey))
	req.Header.Set("X-BOTCTL-TIMESTAMP", ts)
	req.Header.Set("X-BOTCTL-SIGNATURE", signature)
	return nil
}

// parseError maps a non-2xx REST response to the apperrors taxonomy.
func parseError(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &errResp)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.ErrAuthenticationFailed
	case http.StatusTooManyRequests:
		return apperrors.ErrRateLimitExceeded
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		switch errResp.Code {
		case "insufficient_funds":
			return apperrors.ErrInsufficientFunds
		case "invalid_symbol":
			return apperrors.ErrInvalidSymbol
		case "duplicate_client_order_id":
			return apperrors.ErrDuplicateOrder
		case "timestamp_out_of_bounds":
			return apperrors.ErrTimestampOutOfBounds
		default:
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, errResp.Message)
		}
	case http.StatusServiceUnavailable:
		return apperrors.ErrExchangeMaintenance
	default:
		if statusCode >= 500 {
			return apperrors.ErrSystemOverload
		}
		return fmt.Errorf("exchange error %d: %s", statusCode, errResp.Message)
	}
}

// classify maps a REST error into the apperrors taxonomy: errors carrying the
// status code pkghttp attaches to non-2xx responses go through parseError;
// anything else is treated as a network error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *pkghttp.APIError
	if ok := asAPIError(err, &apiErr); ok {
		return parseError(apiErr.StatusCode, apiErr.Body)
	}
	return apperrors.ErrNetwork
}

func asAPIError(err error, target **pkghttp.APIError) bool {
	apiErr, ok := err.(*pkghttp.APIError)
	if !ok {
		return false
	}
	*target = apiErr
	return true
}

// ListBalances implements core.ExchangeClient.
func (a *Adapter) ListBalances(ctx context.Context) (map[string]core.Balance, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := a.http.Get(ctx, "/accounts", nil)
	if err != nil {
		return nil, a.onRESTError(err)
	}

	var raw []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
		Hold      string `json:"hold"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode accounts response: %w", err)
	}

	balances := make(map[string]core.Balance, len(raw))
	for _, r := range raw {
		avail, _ := decimal.NewFromString(r.Available)
		hold, _ := decimal.NewFromString(r.Hold)
		balances[r.Currency] = core.Balance{
			Currency:  r.Currency,
			Available: avail,
			Held:      hold,
		}
	}
	return balances, nil
}

// GetCandles implements core.ExchangeClient.
func (a *Adapter) GetCandles(ctx context.Context, pair string, interval string, limit int) ([]core.Candle, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := a.http.Get(ctx, fmt.Sprintf("/products/%s/candles", pair), map[string]string{
		"granularity": interval,
		"limit":       strconv.Itoa(limit),
	})
	if err != nil {
		return nil, a.onRESTError(err)
	}

	var raw [][]json.Number // [ts, low, high, open, close, volume]
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode candles response: %w", err)
	}

	candles := make([]core.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		ts, _ := row[0].Int64()
		low, _ := decimal.NewFromString(row[1].String())
		high, _ := decimal.NewFromString(row[2].String())
		open, _ := decimal.NewFromString(row[3].String())
		cl, _ := decimal.NewFromString(row[4].String())
		vol, _ := decimal.NewFromString(row[5].String())

		candles = append(candles, core.Candle{
			Ts:     time.Unix(ts, 0).UTC(),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  cl,
			Volume: vol,
		})
	}
	return candles, nil
}

// SubmitMarketOrder implements core.ExchangeClient.
func (a *Adapter) SubmitMarketOrder(ctx context.Context, req core.OrderRequest) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	payload := map[string]interface{}{
		"product_id":      req.Pair,
		"side":            strings.ToLower(string(req.Side)),
		"type":            "market",
		"client_order_id": req.IdempotencyKey,
	}
	if req.Side == core.SideBuy {
		payload["funds"] = req.NotionalOrSize.String()
	} else {
		payload["size"] = req.NotionalOrSize.String()
	}

	body, err := a.http.Post(ctx, "/orders", payload)
	if err != nil {
		return "", a.onRESTError(err)
	}

	var raw struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	return raw.ID, nil
}

// GetOrder implements core.ExchangeClient.
func (a *Adapter) GetOrder(ctx context.Context, exchangeOrderID string) (core.ExchangeOrder, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return core.ExchangeOrder{}, err
	}

	body, err := a.http.Get(ctx, "/orders/"+exchangeOrderID, nil)
	if err != nil {
		return core.ExchangeOrder{}, a.onRESTError(err)
	}

	var raw struct {
		Status string `json:"status"`
		Fills  []struct {
			FillID     string `json:"fill_id"`
			Pair       string `json:"product_id"`
			Side       string `json:"side"`
			Size       string `json:"size"`
			Price      string `json:"price"`
			Commission string `json:"fee"`
			CreatedAt  string `json:"created_at"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return core.ExchangeOrder{}, fmt.Errorf("decode order response: %w", err)
	}

	fills := make([]core.Fill, 0, len(raw.Fills))
	for _, f := range raw.Fills {
		size, _ := decimal.NewFromString(f.Size)
		price, _ := decimal.NewFromString(f.Price)
		fee, _ := decimal.NewFromString(f.Commission)
		executedAt, _ := time.Parse(time.RFC3339, f.CreatedAt)

		fills = append(fills, core.Fill{
			FillID:          f.FillID,
			ExchangeOrderID: exchangeOrderID,
			Pair:            f.Pair,
			Side:            core.Side(strings.ToUpper(f.Side)),
			BaseQty:         size,
			QuoteValueUSD:   size.Mul(price),
			Price:           price,
			CommissionUSD:   fee,
			ExecutedAt:      executedAt,
		})
	}

	return core.ExchangeOrder{
		ExchangeOrderID: exchangeOrderID,
		Status:          mapOrderStatus(raw.Status),
		Fills:           fills,
	}, nil
}

func mapOrderStatus(raw string) core.ExchangeOrderStatus {
	switch strings.ToLower(raw) {
	case "done", "filled":
		return core.ExchangeOrderFilled
	case "cancelled", "canceled", "expired":
		return core.ExchangeOrderCancelled
	case "rejected", "failed":
		return core.ExchangeOrderFailed
	default:
		return core.ExchangeOrderOpen
	}
}

// onRESTError classifies a REST failure and, when the exchange itself
// reports rate_limited, drains the token bucket so every other caller backs
// off immediately rather than discovering the limit independently.
func (a *Adapter) onRESTError(err error) error {
	classified := classify(err)
	switch apperrors.Classify(classified) {
	case apperrors.KindRateLimit:
		a.limiter.Drain()
	case apperrors.KindAuth:
		if a.authGuard != nil {
			a.authGuard.Trip(classified.Error())
		}
	}
	return classified
}

// Subscribe implements core.MarketFeed. Only one stream connection is kept;
// repeated calls add pairs to the same subscription.
func (a *Adapter) Subscribe(ctx context.Context, pairs []string, onTick func(core.TickerEvent)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.onTick = onTick
	for _, p := range pairs {
		a.subscribed[p] = true
	}

	if a.ws != nil {
		return a.sendSubscribe(pairs)
	}

	streamURL := a.cfg.StreamURL
	if streamURL == "" {
		streamURL = defaultStreamURL
	}

	a.ws = pkgws.NewClient(streamURL, a.handleMessage, a.logger)
	a.ws.SetOnConnected(func() {
		a.mu.Lock()
		all := make([]string, 0, len(a.subscribed))
		for p := range a.subscribed {
			all = append(all, p)
		}
		a.mu.Unlock()
		_ = a.sendSubscribe(all)
	})
	a.ws.Start()
	return nil
}

// Unsubscribe implements core.MarketFeed.
func (a *Adapter) Unsubscribe(pairs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range pairs {
		delete(a.subscribed, p)
	}
	if a.ws == nil {
		return nil
	}
	return a.ws.Send(map[string]interface{}{
		"type":        "unsubscribe",
		"product_ids": pairs,
		"channels":    []string{"ticker"},
	})
}

func (a *Adapter) sendSubscribe(pairs []string) error {
	if len(pairs) == 0 || a.ws == nil {
		return nil
	}
	return a.ws.Send(map[string]interface{}{
		"type":        "subscribe",
		"product_ids": pairs,
		"channels":    []string{"ticker"},
	})
}

// Healthy implements core.MarketFeed: the stream is healthy if a message has
// been received in the last two ping intervals.
func (a *Adapter) Healthy() bool {
	last := a.lastMessage.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.UnixMilli(last)) < time.Minute
}

func (a *Adapter) handleMessage(raw []byte) {
	a.lastMessage.Store(time.Now().UnixMilli())

	var msg struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
		Time      string `json:"time"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.logger.Warn("failed to decode ticker message", "error", err)
		return
	}
	if msg.Type != "ticker" {
		return
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return
	}
	ts, err := time.Parse(time.RFC3339, msg.Time)
	if err != nil {
		ts = time.Now().UTC()
	}

	a.mu.Lock()
	handler := a.onTick
	a.mu.Unlock()
	if handler != nil {
		handler(core.TickerEvent{Pair: msg.ProductID, Price: price, Ts: ts})
	}
}

// Stop tears down the streaming connection.
func (a *Adapter) Stop() {
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws != nil {
		ws.Stop()
	}
}
