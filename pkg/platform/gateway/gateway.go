package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/metrics"
	"github.com/cuemby/clanmanager/pkg/platform"
	"github.com/cuemby/clanmanager/pkg/retry"
)

// ComponentName is the health registry entry maintained by the gateway
const ComponentName = "gateway"

// Config configures the gateway connection
type Config struct {
	URL              string
	Token            string
	BufferSize       int
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// Reconnect supplies the wait between connection attempts. MaxAttempts
	// is ignored; the gateway reconnects until stopped.
	Reconnect retry.Policy
}

// Gateway is a websocket platform.EventStream that reconnects on failure
type Gateway struct {
	cfg       Config
	dialer    *websocket.Dialer
	events    chan platform.RawEvent
	connected atomic.Bool
	sessions  atomic.Int64
	logger    zerolog.Logger
}

// New creates a gateway. Call Run to connect.
func New(cfg Config) *Gateway {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Reconnect.Multiplier == 0 {
		cfg.Reconnect = retry.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2, Clock: cfg.Reconnect.Clock}
	}

	return &Gateway{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		events: make(chan platform.RawEvent, cfg.BufferSize),
		logger: log.WithComponent("gateway"),
	}
}

// Events returns the event channel. It is closed when Run returns.
func (g *Gateway) Events() <-chan platform.RawEvent {
	return g.events
}

// Connected reports whether a session is currently open
func (g *Gateway) Connected() bool {
	return g.connected.Load()
}

// Sessions returns the number of sessions opened so far
func (g *Gateway) Sessions() int64 {
	return g.sessions.Load()
}

// Run connects and reads events until ctx is cancelled, reconnecting with
// backoff after every failure
func (g *Gateway) Run(ctx context.Context) error {
	defer close(g.events)

	clock := g.cfg.Reconnect.Clock
	if clock == nil {
		clock = retry.RealClock
	}

	attempt := 0
	for {
		received, err := g.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received > 0 {
			attempt = 0
		}
		attempt++

		wait := g.cfg.Reconnect.Backoff(attempt)
		g.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Gateway session ended")

		select {
		case <-ctx.Done():
			return nil
		case <-clock.After(wait):
		}
	}
}

func (g *Gateway) session(ctx context.Context) (int, error) {
	header := http.Header{}
	if g.cfg.Token != "" {
		header.Set("Authorization", "Bot "+g.cfg.Token)
	}

	conn, _, err := g.dialer.DialContext(ctx, g.cfg.URL, header)
	if err != nil {
		metrics.UpdateComponent(ComponentName, false, fmt.Sprintf("dial failed: %v", err))
		return 0, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	g.sessions.Add(1)
	g.connected.Store(true)
	defer g.connected.Store(false)
	metrics.UpdateComponent(ComponentName, true, "connected")
	g.logger.Info().Str("url", g.cfg.URL).Msg("Gateway connected")

	done := make(chan struct{})
	defer close(done)
	go g.keepalive(ctx, conn, done)

	readTimeout := 2 * g.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	received := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			metrics.UpdateComponent(ComponentName, false, "disconnected")
			return received, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		ev, ok := decodeFrame(msg)
		if !ok {
			metrics.EventsDroppedTotal.WithLabelValues("malformed_frame").Inc()
			continue
		}
		received++
		metrics.EventsReceivedTotal.Inc()

		select {
		case g.events <- ev:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}
}

// keepalive pings the server and closes the connection when ctx ends so the
// blocked read returns
func (g *Gateway) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.HandshakeTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func decodeFrame(msg []byte) (platform.RawEvent, bool) {
	if !gjson.ValidBytes(msg) {
		return platform.RawEvent{}, false
	}
	frame := gjson.ParseBytes(msg)
	eventType := frame.Get("t").String()
	data := frame.Get("d")
	if eventType == "" || !data.IsObject() {
		return platform.RawEvent{}, false
	}
	return platform.RawEvent{
		ID:         frame.Get("id").String(),
		Type:       eventType,
		Payload:    []byte(data.Raw),
		ReceivedAt: time.Now(),
	}, true
}
