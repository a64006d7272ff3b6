// Package types defines the wire-level data structures shared between the
// governed REST client, the streaming session, and host applications.
//
// The broker serializes money and quantity fields inconsistently (sometimes
// JSON numbers, sometimes strings), so every such field is a decimal.Decimal,
// which unmarshals from either form without precision loss.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token is an access token handed out by the host's credential provider.
// A zero ExpiresAt means the expiry is unknown and proactive refresh is
// disabled for it.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at the given instant.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Quote is a single bid/ask observation for one symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Mid    decimal.Decimal `json:"mid"`
	Last   decimal.Decimal `json:"last"`
	Spread decimal.Decimal `json:"spread"`
	// TimeMs is the broker-side tick timestamp in milliseconds. Quotes for a
	// symbol arriving with TimeMs at or before the last seen value are
	// duplicates and are dropped by the stream session.
	TimeMs int64 `json:"time_msc"`
}

// Position is one open position as reported by the broker.
type Position struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Volume     decimal.Decimal `json:"volume"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	Price      decimal.Decimal `json:"price"`
	Profit     decimal.Decimal `json:"profit"`
	StopLoss   decimal.Decimal `json:"sl"`
	TakeProfit decimal.Decimal `json:"tp"`
}

// Order is one working order as reported by the broker.
type Order struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Type       string          `json:"type"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	StopLoss   decimal.Decimal `json:"sl"`
	TakeProfit decimal.Decimal `json:"tp"`
	Status     string          `json:"status"`
}

// AccountSnapshot is the account state delivered during the stream sync
// phase and by the /account endpoint.
type AccountSnapshot struct {
	AccountID  string          `json:"account_id"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	Equity     decimal.Decimal `json:"equity"`
	Margin     decimal.Decimal `json:"margin"`
	FreeMargin decimal.Decimal `json:"free_margin"`
	Leverage   int64           `json:"leverage"`
}

// Deal is one closed deal from the broker's trade history.
type Deal struct {
	ID     string          `json:"id"`
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"`
	Volume decimal.Decimal `json:"volume"`
	Price  decimal.Decimal `json:"price"`
	Profit decimal.Decimal `json:"profit"`
	TimeMs int64           `json:"time_msc"`
}

// Bar is one OHLC candle from the history series endpoint. TimeMs is the
// bar's open time in milliseconds.
type Bar struct {
	TimeMs int64           `json:"t"`
	Open   decimal.Decimal `json:"o"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Close  decimal.Decimal `json:"c"`
	Volume int64           `json:"v"`
}

// OrderRequest is the payload for placing a new order.
type OrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Type       string          `json:"type"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price,omitempty"`
	StopLoss   decimal.Decimal `json:"sl,omitempty"`
	TakeProfit decimal.Decimal `json:"tp,omitempty"`
	Comment    string          `json:"comment,omitempty"`
}

// OrderResult is the broker's acknowledgement of an order operation.
type OrderResult struct {
	OK      bool   `json:"ok"`
	OrderID string `json:"order_id"`
	Error   string `json:"error,omitempty"`
	RetCode int    `json:"retcode,omitempty"`
}
