package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	authRequestID      = 1
	firstRequestID     = 100
	defaultCallTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second
	reconnectBase      = time.Second
	reconnectMax       = 60 * time.Second
)

var errNotConnected = errors.New("exchange: not connected")
var errClosed = errors.New("exchange: client closed")

// Config holds connection parameters for the exchange client.
type Config struct {
	URL          string
	ClientID     string
	ClientSecret string
	// CallTimeout bounds each RPC round trip. Zero means 10s.
	CallTimeout time.Duration
}

// wsLink wraps one websocket connection so reconnects can swap the
// underlying conn while writers serialize through a single lock.
type wsLink struct {
	name    string
	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
}

func (l *wsLink) get() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *wsLink) set(conn *websocket.Conn) {
	l.mu.Lock()
	old := l.conn
	l.conn = conn
	l.mu.Unlock()
	if old != nil && old != conn {
		old.Close()
	}
}

func (l *wsLink) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn := l.get()
	if conn == nil {
		return errNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// Client is the duplex exchange client. One socket carries RPC calls, the
// other carries streaming subscriptions; both share the response
// correlation map since subscribe acks arrive on the streaming socket.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	reqLink *wsLink
	subLink *wsLink

	nextID atomic.Int64

	mu             sync.Mutex
	pending        map[int64]chan rpcInbound
	channels       map[string]struct{}
	confirmed      map[string]bool
	quotes         map[string]Quote
	priceCallback  func(instrument string, price, iv float64)
	confirmHandler func(instrument string)
	accessToken    string
	connected      bool
	closed         bool

	// Metrics hooks; must not block.
	OnReconnect func(socket string)
	OnTick      func(instrument string)
	OnSubscribe func(channels int)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client. Connect must be called before use.
func NewClient(cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		dialer:    websocket.DefaultDialer,
		reqLink:   &wsLink{name: "request"},
		subLink:   &wsLink{name: "subscription"},
		pending:   make(map[int64]chan rpcInbound),
		channels:  make(map[string]struct{}),
		confirmed: make(map[string]bool),
		quotes:    make(map[string]Quote),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.nextID.Store(firstRequestID - 1)
	return c
}

// Connect dials both sockets and authenticates. Calling Connect on an
// already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	reqConn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial request socket: %w", err)
	}
	subConn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		reqConn.Close()
		return fmt.Errorf("dial subscription socket: %w", err)
	}

	c.reqLink.set(reqConn)
	c.subLink.set(subConn)

	c.wg.Add(2)
	go c.readLoop(c.reqLink)
	go c.readLoop(c.subLink)

	if err := c.authenticate(ctx); err != nil {
		c.Close()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	slog.Info("exchange connected", "url", c.cfg.URL)
	return nil
}

// Connected reports whether Connect has completed.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// Close tears down both sockets and fails in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	c.cancel()
	for _, link := range []*wsLink{c.reqLink, c.subLink} {
		if conn := link.get(); conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
	}
	c.failPending(errClosed)
	c.wg.Wait()
	return nil
}

// SetPriceCallback registers the single price handler. Ticker updates for
// every subscribed instrument invoke it with the normalized price and IV.
func (c *Client) SetPriceCallback(fn func(instrument string, price, iv float64)) {
	c.mu.Lock()
	c.priceCallback = fn
	c.mu.Unlock()
}

// SetConfirmationHandler registers the handler invoked once per instrument
// when its subscription is confirmed, either by the subscribe ack or by the
// first streamed ticker.
func (c *Client) SetConfirmationHandler(fn func(instrument string)) {
	c.mu.Lock()
	c.confirmHandler = fn
	c.mu.Unlock()
}

// SubscribeToInstruments subscribes to ticker streams for any instruments
// not already subscribed. The exchange call is batched; already subscribed
// instruments are skipped locally. On RPC failure the local subscription
// state is rolled back so a retry re-issues the request.
func (c *Client) SubscribeToInstruments(ctx context.Context, instruments []string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	var newChannels []string
	for _, ins := range instruments {
		ch := TickerChannel(ins)
		if _, ok := c.channels[ch]; ok {
			continue
		}
		c.channels[ch] = struct{}{}
		newChannels = append(newChannels, ch)
	}
	c.mu.Unlock()

	if len(newChannels) == 0 {
		return nil
	}
	if c.OnSubscribe != nil {
		c.OnSubscribe(len(newChannels))
	}

	var result json.RawMessage
	err := c.call(ctx, c.subLink, c.nextID.Add(1), "public/subscribe",
		map[string]any{"channels": newChannels}, &result)
	if err != nil {
		c.mu.Lock()
		for _, ch := range newChannels {
			delete(c.channels, ch)
		}
		c.mu.Unlock()
		return fmt.Errorf("subscribe %d channels: %w", len(newChannels), err)
	}

	for _, ch := range parseSubscribeResult(result) {
		if ins := instrumentFromChannel(ch); ins != "" {
			c.markConfirmed(ins)
		}
	}
	slog.Info("subscribed", "channels", len(newChannels))
	return nil
}

// parseSubscribeResult accepts the three ack shapes venues send back:
// a bare array of channel names, an object wrapping the array under
// "channels", or a single channel string. Anything else yields no
// confirmations and the first streamed ticker confirms instead.
func parseSubscribeResult(result json.RawMessage) []string {
	if len(result) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(result, &list); err == nil {
		return list
	}
	var wrapped struct {
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(result, &wrapped); err == nil && len(wrapped.Channels) > 0 {
		return wrapped.Channels
	}
	var single string
	if err := json.Unmarshal(result, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

func (c *Client) markConfirmed(instrument string) {
	c.mu.Lock()
	if c.confirmed[instrument] {
		c.mu.Unlock()
		return
	}
	c.confirmed[instrument] = true
	handler := c.confirmHandler
	c.mu.Unlock()
	if handler != nil {
		handler(instrument)
	}
}

// LatestQuote returns the cached quote for an instrument, if any.
func (c *Client) LatestQuote(instrument string) (Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[instrument]
	return q, ok
}

// GetInstrumentMarkPriceAndIV returns the mark price and implied volatility
// for an instrument, serving from the ticker cache when possible and
// falling back to a book summary RPC.
func (c *Client) GetInstrumentMarkPriceAndIV(ctx context.Context, instrument string) (price, iv float64, err error) {
	c.mu.Lock()
	q, ok := c.quotes[instrument]
	c.mu.Unlock()
	if ok {
		return q.MarkPrice, q.IV, nil
	}
	return c.RefreshMarkPriceAndIV(ctx, instrument)
}

// RefreshMarkPriceAndIV bypasses the cache and fetches a fresh book summary,
// repopulating the cache on success.
func (c *Client) RefreshMarkPriceAndIV(ctx context.Context, instrument string) (price, iv float64, err error) {
	var summaries []bookSummary
	err = c.call(ctx, c.reqLink, c.nextID.Add(1), "public/get_book_summary_by_instrument",
		map[string]any{"instrument_name": instrument}, &summaries)
	if err != nil {
		return 0, 0, fmt.Errorf("book summary %s: %w", instrument, err)
	}
	if len(summaries) == 0 {
		return 0, 0, fmt.Errorf("book summary %s: empty result", instrument)
	}

	s := summaries[0]
	price = s.MarkPrice
	if price == 0 {
		price = s.LastPrice
	}
	iv = normalizeIV(s.MarkIV)

	c.mu.Lock()
	c.quotes[instrument] = Quote{Instrument: instrument, MarkPrice: price, IV: iv, UpdatedAt: time.Now()}
	c.mu.Unlock()
	return price, iv, nil
}

// GetIndexPrice returns the venue index price, e.g. for "btc_usd".
func (c *Client) GetIndexPrice(ctx context.Context, indexName string) (float64, error) {
	var res indexPriceResult
	err := c.call(ctx, c.reqLink, c.nextID.Add(1), "public/get_index_price",
		map[string]any{"index_name": indexName}, &res)
	if err != nil {
		return 0, fmt.Errorf("index price %s: %w", indexName, err)
	}
	return res.IndexPrice, nil
}

// authenticate performs public/auth with client credentials on the request
// socket using the fixed auth request id. Empty credentials skip auth and
// leave the client in public-data mode.
func (c *Client) authenticate(ctx context.Context) error {
	if c.cfg.ClientID == "" {
		return nil
	}
	var res authResult
	err := c.call(ctx, c.reqLink, authRequestID, "public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	}, &res)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	c.mu.Lock()
	c.accessToken = res.AccessToken
	c.mu.Unlock()
	slog.Info("exchange authenticated", "expires_in", res.ExpiresIn)
	return nil
}

// call sends one RPC and waits for the correlated response.
func (c *Client) call(ctx context.Context, link *wsLink, id int64, method string, params, out any) error {
	ch := make(chan rpcInbound, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := link.writeJSON(req); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: timed out after %s", method, c.cfg.CallTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errClosed
	}
}

// failPending resolves every in-flight call with an error response.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- rpcInbound{Error: &rpcError{Code: -1, Message: err.Error()}}:
		default:
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop pumps one socket, dispatching responses and notifications, and
// drives reconnection when the socket drops.
func (c *Client) readLoop(link *wsLink) {
	defer c.wg.Done()
	for {
		conn := link.get()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			slog.Warn("socket read failed", "socket", link.name, "error", err)
			c.failPending(err)
			if !c.reconnect(link) {
				return
			}
			// Re-auth / re-subscribe must not block the read pump: the
			// responses they wait on come through this very loop.
			go c.afterReconnect(link)
			continue
		}
		c.handleInbound(data)
	}
}

// reconnect re-dials one socket with capped exponential backoff.
// Returns false when the client is closed.
func (c *Client) reconnect(link *wsLink) bool {
	backoff := reconnectBase
	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if c.isClosed() {
			return false
		}
		conn, _, err := c.dialer.Dial(c.cfg.URL, nil)
		if err != nil {
			slog.Warn("reconnect failed", "socket", link.name, "backoff", backoff, "error", err)
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		link.set(conn)
		if c.OnReconnect != nil {
			c.OnReconnect(link.name)
		}
		slog.Info("socket reconnected", "socket", link.name)
		return true
	}
}

func (c *Client) afterReconnect(link *wsLink) {
	switch link {
	case c.reqLink:
		if err := c.authenticate(c.ctx); err != nil {
			slog.Error("re-auth after reconnect failed", "error", err)
			if conn := link.get(); conn != nil {
				conn.Close() // force another reconnect cycle
			}
		}
	case c.subLink:
		if err := c.resubscribe(c.ctx); err != nil {
			slog.Error("resubscribe after reconnect failed", "error", err)
		}
	}
}

// resubscribe re-issues public/subscribe for every known channel.
func (c *Client) resubscribe(ctx context.Context) error {
	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	if len(channels) == 0 {
		return nil
	}
	var result json.RawMessage
	err := c.call(ctx, c.subLink, c.nextID.Add(1), "public/subscribe",
		map[string]any{"channels": channels}, &result)
	if err != nil {
		return err
	}
	slog.Info("resubscribed", "channels", len(channels))
	return nil
}

// handleInbound routes one frame: responses resolve pending calls,
// subscription notifications update the cache and fire callbacks.
func (c *Client) handleInbound(data []byte) {
	var in rpcInbound
	if err := json.Unmarshal(data, &in); err != nil {
		slog.Warn("dropping unparseable frame", "error", err)
		return
	}

	if in.ID != nil {
		c.mu.Lock()
		ch, ok := c.pending[*in.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- in:
			default:
			}
		}
		return
	}

	if in.Method != "subscription" || in.Params == nil {
		return
	}
	instrument := instrumentFromChannel(in.Params.Channel)
	if instrument == "" {
		return
	}

	var tick tickerData
	if err := json.Unmarshal(in.Params.Data, &tick); err != nil {
		slog.Warn("dropping malformed ticker", "channel", in.Params.Channel, "error", err)
		return
	}
	price := tick.MarkPrice
	if price == 0 {
		price = tick.LastPrice
	}
	iv := normalizeIV(tick.MarkIV)

	c.mu.Lock()
	c.quotes[instrument] = Quote{Instrument: instrument, MarkPrice: price, IV: iv, UpdatedAt: time.Now()}
	cb := c.priceCallback
	c.mu.Unlock()

	c.markConfirmed(instrument)
	if c.OnTick != nil {
		c.OnTick(instrument)
	}
	if cb != nil && price > 0 {
		cb(instrument, price, iv)
	}
}
