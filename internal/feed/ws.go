package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// TickSink receives decoded ticks.
type TickSink interface {
	Push(t domain.Tick)
}

// WSConfig holds the live feed connection parameters.
type WSConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	WriteWait         time.Duration
	PongWait          time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

func (c *WSConfig) defaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 60 * time.Second
	}
}

type instrument struct {
	Segment    string `json:"segment"`
	SecurityID string `json:"security_id"`
}

type wsCommand struct {
	Action      string       `json:"action"`
	Instruments []instrument `json:"instruments"`
}

type tickMessage struct {
	Type       string  `json:"type"`
	Segment    string  `json:"segment"`
	SecurityID string  `json:"security_id"`
	LastPrice  float64 `json:"ltp"`
	Timestamp  string  `json:"ts"`
}

// WSFeed is the live tick feed. It keeps one websocket connection, restores
// every active subscription after a reconnect and pushes decoded ticks into
// a TickSink.
type WSFeed struct {
	cfg    WSConfig
	sink   TickSink
	logger *slog.Logger

	mu   sync.Mutex // guards conn, subs and all writes to conn
	conn *websocket.Conn
	subs map[domain.InstrumentKey]struct{}
}

// NewWSFeed creates a feed; Run connects it.
func NewWSFeed(cfg WSConfig, sink TickSink, logger *slog.Logger) *WSFeed {
	cfg.defaults()
	return &WSFeed{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(slog.String("component", "ws_feed")),
		subs:   make(map[domain.InstrumentKey]struct{}),
	}
}

// Subscribe starts streaming ticks for key. It fails while disconnected;
// the caller retries.
func (f *WSFeed) Subscribe(_ context.Context, key domain.InstrumentKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed: subscribe %s: %w", key, domain.ErrWSDisconnect)
	}
	if err := f.sendLocked(wsCommand{Action: "subscribe", Instruments: []instrument{toInstrument(key)}}); err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", key, err)
	}
	f.subs[key] = struct{}{}
	return nil
}

// Unsubscribe stops streaming ticks for key.
func (f *WSFeed) Unsubscribe(_ context.Context, key domain.InstrumentKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, key)
	if f.conn == nil {
		return nil
	}
	if err := f.sendLocked(wsCommand{Action: "unsubscribe", Instruments: []instrument{toInstrument(key)}}); err != nil {
		return fmt.Errorf("feed: unsubscribe %s: %w", key, err)
	}
	return nil
}

// Subscriptions returns the number of instruments currently subscribed.
func (f *WSFeed) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Run keeps the connection up until ctx is cancelled, reconnecting with
// exponential backoff.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := f.cfg.ReconnectDelay
	for {
		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}
		f.logger.WarnContext(ctx, "feed disconnected, reconnecting",
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	})

	f.mu.Lock()
	f.conn = conn
	restore := make([]instrument, 0, len(f.subs))
	for key := range f.subs {
		restore = append(restore, toInstrument(key))
	}
	if len(restore) > 0 {
		err = f.sendLocked(wsCommand{Action: "subscribe", Instruments: restore})
	}
	f.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = conn.Close()
	}()
	if err != nil {
		return true, fmt.Errorf("feed: restore subscriptions: %w", err)
	}
	f.logger.InfoContext(ctx, "feed connected", slog.Int("restored", len(restore)))

	go f.pingLoop(connCtx, conn)
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(data)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) handleMessage(raw []byte) {
	var msg tickMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "tick" {
		return
	}
	if msg.Segment == "" || msg.SecurityID == "" || !(msg.LastPrice > 0) {
		return
	}
	ts := time.Now().UTC()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.Timestamp); err == nil {
			ts = t
		}
	}
	f.sink.Push(domain.Tick{
		Segment:    msg.Segment,
		SecurityID: msg.SecurityID,
		LastPrice:  msg.LastPrice,
		Timestamp:  ts,
	})
}

// sendLocked writes a command. Caller must hold f.mu.
func (f *WSFeed) sendLocked(cmd wsCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	_ = f.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteWait))
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func toInstrument(key domain.InstrumentKey) instrument {
	return instrument{Segment: key.Segment, SecurityID: key.SecurityID}
}

var _ domain.FeedSubscriber = (*WSFeed)(nil)
