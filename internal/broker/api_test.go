package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestGetQuotesBatch(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{
		handler: func(call int, method, pathname string) (*Response, error) {
			if method != http.MethodGet || pathname != "/quotes?symbols=EURUSD%2CGBPUSD" {
				t.Errorf("unexpected request: %s %s", method, pathname)
			}
			body := []byte(`[
				{"symbol":"EURUSD","bid":1.1,"ask":1.2,"time_msc":100},
				{"symbol":"GBPUSD","bid":1.3,"ask":1.4,"time_msc":101}
			]`)
			return &Response{Status: 200, Headers: http.Header{}, Body: body}, nil
		},
	}
	c := newTestClient(t, ft, Options{})

	quotes, err := c.GetQuotes(context.Background(), []string{"EURUSD", "GBPUSD"})
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
	if quotes[0].Symbol != "EURUSD" || !quotes[0].Bid.Equal(decimal.NewFromFloat(1.1)) {
		t.Errorf("unexpected first quote: %+v", quotes[0])
	}
	if quotes[1].TimeMs != 101 {
		t.Errorf("expected time_msc 101, got %d", quotes[1].TimeMs)
	}
}

func TestGetQuotesRequiresSymbols(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	c := newTestClient(t, ft, Options{})

	if _, err := c.GetQuotes(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty symbol list")
	}
	if ft.callCount() != 0 {
		t.Fatalf("expected no transport calls, got %d", ft.callCount())
	}
}

func TestGetHistorySeries(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{
		handler: func(call int, method, pathname string) (*Response, error) {
			if method != http.MethodPost || pathname != "/history/series" {
				t.Errorf("unexpected request: %s %s", method, pathname)
			}
			body := []byte(`[
				{"t":1700000000000,"o":10,"h":12,"l":9,"c":11,"v":42},
				{"t":1700000060000,"o":11,"h":13,"l":10,"c":12,"v":17}
			]`)
			return &Response{Status: 200, Headers: http.Header{}, Body: body}, nil
		},
	}
	c := newTestClient(t, ft, Options{})

	from := time.UnixMilli(1700000000000)
	to := time.UnixMilli(1700000120000)
	bars, err := c.GetHistorySeries(context.Background(), "EURUSD", "1m", from, to, 500)
	if err != nil {
		t.Fatalf("GetHistorySeries: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0].TimeMs != 1700000000000 || !bars[0].Close.Equal(decimal.NewFromInt(11)) {
		t.Errorf("unexpected first bar: %+v", bars[0])
	}
	if bars[1].Volume != 17 {
		t.Errorf("expected volume 17, got %d", bars[1].Volume)
	}

	var req seriesRequest
	if err := json.Unmarshal(ft.body(0), &req); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	want := seriesRequest{
		Symbol:     "EURUSD",
		Resolution: "1m",
		FromMs:     1700000000000,
		ToMs:       1700000120000,
		Limit:      500,
	}
	if req != want {
		t.Errorf("request body = %+v, want %+v", req, want)
	}
}

func TestGetHistorySeriesClampsLimit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero uses default", 0, 2000},
		{"below floor", 7, 50},
		{"above ceiling", 50000, 10000},
		{"in range", 500, 500},
	}

	ft := &fakeTransport{
		handler: func(call int, method, pathname string) (*Response, error) {
			return &Response{Status: 200, Headers: http.Header{}, Body: []byte(`[]`)}, nil
		},
	}
	c := newTestClient(t, ft, Options{})

	for i, tc := range cases {
		if _, err := c.GetHistorySeries(context.Background(), "EURUSD", "1h", time.Time{}, time.Time{}, tc.limit); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		var req seriesRequest
		if err := json.Unmarshal(ft.body(i), &req); err != nil {
			t.Fatalf("%s: decode body: %v", tc.name, err)
		}
		if req.Limit != tc.want {
			t.Errorf("%s: limit = %d, want %d", tc.name, req.Limit, tc.want)
		}
		if req.FromMs != 0 || req.ToMs != 0 {
			t.Errorf("%s: zero times should be omitted, got from=%d to=%d", tc.name, req.FromMs, req.ToMs)
		}
	}
}
