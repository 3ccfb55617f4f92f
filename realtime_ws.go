package ringside

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Feed frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameChange      = "change"
	frameError       = "error"
)

// feedMessage is the JSON wire format for feed frames in both directions.
type feedMessage struct {
	Type  string       `json:"type"`
	Table string       `json:"table,omitempty"`
	Event *ChangeEvent `json:"event,omitempty"`
	Error string       `json:"error,omitempty"`
}

// WSFeedConfig configures the websocket event feed.
type WSFeedConfig struct {
	// URL is the websocket endpoint, e.g. "wss://api.example.com/feed".
	URL string `json:"url"`

	// PingInterval keeps idle connections alive. Default: 30s.
	PingInterval time.Duration `json:"ping_interval"`

	// ReconnectMin and ReconnectMax bound the exponential reconnect
	// backoff. Defaults: 1s and 30s.
	ReconnectMin time.Duration `json:"reconnect_min"`
	ReconnectMax time.Duration `json:"reconnect_max"`

	// Token, when set, supplies a bearer token for the handshake.
	Token func(ctx context.Context) (string, error) `json:"-"`

	// Signals receives online/offline transitions on connect and drop.
	Signals *SignalHub `json:"-"`

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer `json:"-"`

	Logger *slog.Logger `json:"-"`
}

// FeedStats is a snapshot of feed counters.
type FeedStats struct {
	Connected  bool  `json:"connected"`
	Events     int64 `json:"events"`
	Reconnects int64 `json:"reconnects"`
}

// WSFeed is an EventSource backed by a websocket connection. It reconnects
// with exponential backoff, replays active subscriptions after a reconnect,
// and reports connectivity transitions to the signal hub.
type WSFeed struct {
	config WSFeedConfig
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]map[int64]func(ChangeEvent)
	subSeq int64
	closed bool

	writeMu sync.Mutex

	connected  atomic.Bool
	events     atomic.Int64
	reconnects atomic.Int64
}

// NewWSFeed creates a websocket feed and starts connecting.
func NewWSFeed(config WSFeedConfig) (*WSFeed, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &WSFeed{
		config: config,
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]map[int64]func(ChangeEvent)),
	}

	f.wg.Add(1)
	go f.connectLoop()
	return f, nil
}

// Subscribe registers fn for a table's change events. The table is
// subscribed on the server when it gains its first subscriber and
// unsubscribed when the last one cancels.
func (f *WSFeed) Subscribe(ctx context.Context, table string, fn func(ChangeEvent)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	f.subSeq++
	id := f.subSeq
	first := len(f.subs[table]) == 0
	if f.subs[table] == nil {
		f.subs[table] = make(map[int64]func(ChangeEvent))
	}
	f.subs[table][id] = fn
	conn := f.conn
	f.mu.Unlock()

	if first && conn != nil {
		f.send(conn, feedMessage{Type: frameSubscribe, Table: table})
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[table], id)
			last := len(f.subs[table]) == 0
			if last {
				delete(f.subs, table)
			}
			conn := f.conn
			f.mu.Unlock()

			if last && conn != nil {
				f.send(conn, feedMessage{Type: frameUnsubscribe, Table: table})
			}
		})
	}
	return cancel, nil
}

// Connected reports whether the feed currently has a live connection.
func (f *WSFeed) Connected() bool {
	return f.connected.Load()
}

// Stats returns a snapshot of feed counters.
func (f *WSFeed) Stats() FeedStats {
	return FeedStats{
		Connected:  f.connected.Load(),
		Events:     f.events.Load(),
		Reconnects: f.reconnects.Load(),
	}
}

// Close shuts the feed down and stops reconnection attempts.
func (f *WSFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	conn := f.conn
	f.mu.Unlock()

	f.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	f.wg.Wait()
}

func (f *WSFeed) connectLoop() {
	defer f.wg.Done()

	backoff := f.config.ReconnectMin
	for {
		if f.ctx.Err() != nil {
			return
		}

		conn, err := f.dial()
		if err != nil {
			f.logger.Warn("feed dial failed", "url", f.config.URL, "err", err)
			if !f.sleep(backoff) {
				return
			}
			backoff = f.nextBackoff(backoff)
			continue
		}

		backoff = f.config.ReconnectMin
		f.onConnected(conn)
		f.readLoop(conn)
		f.onDisconnected()
		f.reconnects.Add(1)
	}
}

func (f *WSFeed) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if f.config.Token != nil {
		token, err := f.config.Token(f.ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve auth token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialer := f.config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithTimeout(f.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, f.config.URL, header)
	return conn, err
}

// onConnected installs the new connection and replays active subscriptions.
func (f *WSFeed) onConnected(conn *websocket.Conn) {
	f.mu.Lock()
	f.conn = conn
	tables := make([]string, 0, len(f.subs))
	for table := range f.subs {
		tables = append(tables, table)
	}
	f.mu.Unlock()

	sort.Strings(tables)
	for _, table := range tables {
		f.send(conn, feedMessage{Type: frameSubscribe, Table: table})
	}

	f.connected.Store(true)
	if f.config.Signals != nil {
		f.config.Signals.NotifyOnline()
	}
	f.logger.Info("feed connected", "url", f.config.URL, "tables", len(tables))
}

func (f *WSFeed) onDisconnected() {
	f.mu.Lock()
	f.conn = nil
	closed := f.closed
	f.mu.Unlock()

	if !f.connected.Swap(false) || closed {
		return
	}
	if f.config.Signals != nil {
		f.config.Signals.NotifyOffline()
	}
	f.logger.Warn("feed disconnected", "url", f.config.URL)
}

func (f *WSFeed) readLoop(conn *websocket.Conn) {
	stopPing := make(chan struct{})
	f.wg.Add(1)
	go f.pingLoop(conn, stopPing)
	defer close(stopPing)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame feedMessage
		if err := json.Unmarshal(msg, &frame); err != nil {
			f.logger.Warn("feed frame malformed", "err", err)
			continue
		}

		switch frame.Type {
		case frameChange:
			if frame.Event == nil {
				continue
			}
			f.events.Add(1)
			f.dispatch(*frame.Event)
		case frameError:
			f.logger.Warn("feed error frame", "err", frame.Error)
		default:
			// Subscription acks and unknown frames are ignored.
		}
	}
}

// pingLoop keeps the connection alive and closes it when the feed shuts
// down, which unblocks the read loop.
func (f *WSFeed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-f.ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (f *WSFeed) dispatch(ev ChangeEvent) {
	f.mu.Lock()
	fns := make([]func(ChangeEvent), 0, len(f.subs[ev.Table]))
	for _, fn := range f.subs[ev.Table] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (f *WSFeed) send(conn *websocket.Conn, msg feedMessage) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		f.logger.Warn("feed write failed", "type", msg.Type, "table", msg.Table, "err", err)
	}
}

func (f *WSFeed) sleep(d time.Duration) bool {
	select {
	case <-f.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// nextBackoff doubles the delay up to ReconnectMax with 10% jitter so
// reconnecting clients do not synchronize.
func (f *WSFeed) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > f.config.ReconnectMax {
		next = f.config.ReconnectMax
	}
	jitterRange := float64(next) * 0.1
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(next) + jitter)
}

// ChannelFeed is an in-memory EventSource for tests and embedding. Events
// published to it are delivered synchronously to table subscribers.
type ChannelFeed struct {
	mu     sync.Mutex
	subs   map[string]map[int64]func(ChangeEvent)
	seq    int64
	closed bool
}

// NewChannelFeed creates an empty in-memory feed.
func NewChannelFeed() *ChannelFeed {
	return &ChannelFeed{subs: make(map[string]map[int64]func(ChangeEvent))}
}

// Subscribe registers fn for a table's events.
func (c *ChannelFeed) Subscribe(ctx context.Context, table string, fn func(ChangeEvent)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrFeedClosed
	}

	c.seq++
	id := c.seq
	if c.subs[table] == nil {
		c.subs[table] = make(map[int64]func(ChangeEvent))
	}
	c.subs[table][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if m, ok := c.subs[table]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(c.subs, table)
			}
		}
	}, nil
}

// Publish delivers an event to the table's subscribers synchronously.
func (c *ChannelFeed) Publish(ev ChangeEvent) {
	c.mu.Lock()
	fns := make([]func(ChangeEvent), 0, len(c.subs[ev.Table]))
	for _, fn := range c.subs[ev.Table] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Close drops all subscriptions; further Subscribe calls fail.
func (c *ChannelFeed) Close() {
	c.mu.Lock()
	c.closed = true
	c.subs = make(map[string]map[int64]func(ChangeEvent))
	c.mu.Unlock()
}

var (
	_ EventSource = (*WSFeed)(nil)
	_ EventSource = (*ChannelFeed)(nil)
)
