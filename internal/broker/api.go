package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"brokergate/pkg/types"
)

// Typed wrappers over Do for the broker's REST surface. Reads go out at
// NORMAL priority; order placement at HIGH; cancels, closes, and modifies
// at CRITICAL so risk-reducing actions queue through an active block.

const (
	maxHistoryDays  = 365
	maxHistoryLimit = 1000

	defaultSeriesLimit = 2000
	minSeriesLimit     = 50
	maxSeriesLimit     = 10000
)

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// call submits a governed request and decodes a 2xx JSON body into out.
// Non-2xx responses without a transport-level error become plain errors
// carrying the status and body.
func (c *Client) call(ctx context.Context, method, pathname string, out any, opts ...RequestOption) error {
	resp, err := c.Do(ctx, method, pathname, opts...)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, pathname, resp.Status, truncate(resp.Body, 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, pathname, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func jsonBody(v any) (RequestOption, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return WithBody(b), nil
}

// GetAccount fetches the current account snapshot.
func (c *Client) GetAccount(ctx context.Context) (types.AccountSnapshot, error) {
	var out types.AccountSnapshot
	err := c.call(ctx, http.MethodGet, "/account", &out)
	return out, err
}

// GetPositions lists open positions.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	err := c.call(ctx, http.MethodGet, "/positions", &out)
	return out, err
}

// GetOrders lists working orders.
func (c *Client) GetOrders(ctx context.Context) ([]types.Order, error) {
	var out []types.Order
	err := c.call(ctx, http.MethodGet, "/orders", &out)
	return out, err
}

// GetHistory fetches closed deals from the last days days, newest first.
// Out-of-range arguments are clamped rather than rejected.
func (c *Client) GetHistory(ctx context.Context, days, limit int) ([]types.Deal, error) {
	days = clampInt(days, 1, maxHistoryDays)
	limit = clampInt(limit, 1, maxHistoryLimit)
	var out []types.Deal
	pathname := fmt.Sprintf("/history?days=%d&limit=%d", days, limit)
	err := c.call(ctx, http.MethodGet, pathname, &out)
	return out, err
}

// GetQuote fetches the latest tick for one symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	var out types.Quote
	pathname := "/quote?symbol=" + url.QueryEscape(symbol)
	err := c.call(ctx, http.MethodGet, pathname, &out)
	return out, err
}

// GetQuotes fetches the latest ticks for a batch of symbols in one
// governed request.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]types.Quote, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("get quotes: at least one symbol required")
	}
	var out []types.Quote
	pathname := "/quotes?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	err := c.call(ctx, http.MethodGet, pathname, &out)
	return out, err
}

type seriesRequest struct {
	Symbol     string `json:"symbol"`
	Resolution string `json:"resolution"`
	FromMs     int64  `json:"from,omitempty"`
	ToMs       int64  `json:"to,omitempty"`
	Limit      int    `json:"limit"`
}

// GetHistorySeries fetches OHLC bars for a symbol at the given resolution
// (for example "1m", "1h", "1d"). Zero from/to values let the broker apply
// its default range; a non-positive limit uses the broker default, and
// out-of-range limits are clamped rather than rejected.
func (c *Client) GetHistorySeries(ctx context.Context, symbol, resolution string, from, to time.Time, limit int) ([]types.Bar, error) {
	if limit <= 0 {
		limit = defaultSeriesLimit
	}
	req := seriesRequest{
		Symbol:     symbol,
		Resolution: resolution,
		Limit:      clampInt(limit, minSeriesLimit, maxSeriesLimit),
	}
	if !from.IsZero() {
		req.FromMs = from.UnixMilli()
	}
	if !to.IsZero() {
		req.ToMs = to.UnixMilli()
	}

	body, err := jsonBody(req)
	if err != nil {
		return nil, err
	}
	var out []types.Bar
	err = c.call(ctx, http.MethodPost, "/history/series", &out, body)
	return out, err
}

// PlaceOrder submits a new order at HIGH priority.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	var out types.OrderResult
	body, err := jsonBody(req)
	if err != nil {
		return out, err
	}
	err = c.call(ctx, http.MethodPost, "/order", &out, body, WithPriority(PriorityHigh))
	return out, err
}

// ModifyOrder updates price, stop loss, or take profit on a working order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, req types.OrderRequest) (types.OrderResult, error) {
	var out types.OrderResult
	body, err := jsonBody(req)
	if err != nil {
		return out, err
	}
	pathname := "/order/modify?id=" + url.QueryEscape(orderID)
	err = c.call(ctx, http.MethodPost, pathname, &out, body, WithPriority(PriorityHigh))
	return out, err
}

// CancelOrder cancels a working order. Risk-reducing, so CRITICAL: it
// queues even while the route is blocked by a rate limit.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error) {
	var out types.OrderResult
	pathname := "/order/cancel?id=" + url.QueryEscape(orderID)
	err := c.call(ctx, http.MethodPost, pathname, &out, WithPriority(PriorityCritical))
	return out, err
}

// ClosePosition closes an open position, fully or by partial volume when
// volume is positive. Risk-reducing, so CRITICAL.
func (c *Client) ClosePosition(ctx context.Context, positionID string, volume float64) (types.OrderResult, error) {
	var out types.OrderResult
	pathname := "/position/close?id=" + url.QueryEscape(positionID)
	if volume > 0 {
		pathname += "&volume=" + strconv.FormatFloat(volume, 'f', -1, 64)
	}
	err := c.call(ctx, http.MethodPost, pathname, &out, WithPriority(PriorityCritical))
	return out, err
}

// ModifyPosition updates stop loss or take profit on an open position.
// Risk-reducing, so CRITICAL.
func (c *Client) ModifyPosition(ctx context.Context, positionID string, req types.OrderRequest) (types.OrderResult, error) {
	var out types.OrderResult
	body, err := jsonBody(req)
	if err != nil {
		return out, err
	}
	pathname := "/position/modify?id=" + url.QueryEscape(positionID)
	err = c.call(ctx, http.MethodPost, pathname, &out, body, WithPriority(PriorityCritical))
	return out, err
}
