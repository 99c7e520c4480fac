// Package exchange implements a duplex JSON-RPC-over-WebSocket client for
// the Deribit derivatives exchange.
//
// The client holds two sockets: one for request/response RPC calls and one
// for streaming subscriptions, mirroring how the venue separates the two
// traffic classes. Responses are correlated to requests by monotonically
// increasing ids; ticker notifications feed an in-memory price/IV cache and
// a single registered price callback. Both sockets reconnect independently
// with capped exponential backoff, re-authenticating and re-subscribing as
// needed.
package exchange

import (
	"encoding/json"
	"fmt"
	"time"
)

// rpcRequest is an outbound JSON-RPC 2.0 frame.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is the error member of a JSON-RPC response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcInbound is any inbound frame: a response (ID set) or a subscription
// notification (Method == "subscription").
type rpcInbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *notifyParams   `json:"params,omitempty"`
}

type notifyParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// tickerData is the payload of a ticker.<instrument>.100ms notification.
// Some venues quote IV in percent; values above 3 are normalized to a
// fraction on ingest.
type tickerData struct {
	InstrumentName string   `json:"instrument_name"`
	MarkPrice      float64  `json:"mark_price"`
	MarkIV         float64  `json:"mark_iv"`
	LastPrice      float64  `json:"last_price"`
	IndexPrice     *float64 `json:"index_price,omitempty"`
}

// bookSummary is one entry of public/get_book_summary_by_instrument.
type bookSummary struct {
	InstrumentName string  `json:"instrument_name"`
	MarkPrice      float64 `json:"mark_price"`
	MarkIV         float64 `json:"mark_iv"`
	LastPrice      float64 `json:"last"`
}

// indexPriceResult is the payload of public/get_index_price.
type indexPriceResult struct {
	IndexPrice float64 `json:"index_price"`
}

// authResult is the payload of public/auth.
type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Quote is one cached market data point.
type Quote struct {
	Instrument string
	MarkPrice  float64
	IV         float64
	UpdatedAt  time.Time
}

// Age returns how stale the quote is.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.UpdatedAt)
}

// normalizeIV converts percent-quoted implied volatility to a fraction.
func normalizeIV(iv float64) float64 {
	if iv > 3 {
		return iv / 100
	}
	return iv
}

// TickerChannel returns the streaming channel name for an instrument.
func TickerChannel(instrument string) string {
	return "ticker." + instrument + ".100ms"
}

// instrumentFromChannel extracts the instrument from a ticker channel name,
// returning "" for non-ticker channels.
func instrumentFromChannel(channel string) string {
	const prefix = "ticker."
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return ""
	}
	rest := channel[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '.' {
			return rest[:i]
		}
	}
	return rest
}
