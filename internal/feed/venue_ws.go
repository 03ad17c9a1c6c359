// Package feed ingests venue quotes into the quote store: a WebSocket client
// per venue plus an optional Redis fan-in for quotes relayed by sibling
// processes.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flasharb/engine/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// QuoteHandler receives each decoded quote. It must not block; the store's
// upsert path is lock-bounded and fast.
type QuoteHandler func(q domain.Quote)

// quoteMessage is the wire format venues push after subscription.
type quoteMessage struct {
	Pair      string  `json:"pair"`
	Price     float64 `json:"price"`
	Liquidity float64 `json:"liquidity"`
	TsMillis  int64   `json:"ts"`
}

// subscribeCommand is sent once per (re)connection.
type subscribeCommand struct {
	Op    string   `json:"op"`
	Pairs []string `json:"pairs"`
}

// VenueFeed streams quotes for one venue over WebSocket, reconnecting with
// exponential backoff on any failure.
type VenueFeed struct {
	venue   domain.Venue
	wsURL   string
	pairs   []string
	onQuote QuoteHandler
	logger  *slog.Logger
}

// NewVenueFeed creates a feed for one venue subscribing to the given pairs.
func NewVenueFeed(venue domain.Venue, wsURL string, pairs []string, onQuote QuoteHandler, logger *slog.Logger) *VenueFeed {
	return &VenueFeed{
		venue:   venue,
		wsURL:   wsURL,
		pairs:   pairs,
		onQuote: onQuote,
		logger: logger.With(
			slog.String("component", "venue_feed"),
			slog.String("venue", string(venue)),
		),
	}
}

// Run connects and consumes quotes until ctx is cancelled. Each disconnect
// doubles the retry delay up to the cap; a successful session resets it.
func (f *VenueFeed) Run(ctx context.Context) error {
	if len(f.pairs) == 0 {
		f.logger.Info("no pairs configured, feed idle")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := reconnectDelay
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection: dial, subscribe, then read until failure.
func (f *VenueFeed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sub, err := json.Marshal(subscribeCommand{Op: "subscribe", Pairs: f.pairs})
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("feed subscribed", slog.Int("pairs", len(f.pairs)))

	// Close the connection when ctx ends so ReadMessage unblocks, and keep
	// the peer alive with pings meanwhile.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				conn.Close()
				return
			case <-sessionDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.dispatch(raw)
	}
}

// dispatch decodes one wire message and forwards it. Unparseable or
// incomplete messages are dropped.
func (f *VenueFeed) dispatch(raw []byte) {
	var msg quoteMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Pair == "" || msg.Price <= 0 {
		return
	}
	observed := time.UnixMilli(msg.TsMillis).UTC()
	if msg.TsMillis == 0 {
		observed = time.Now().UTC()
	}
	f.onQuote(domain.Quote{
		Venue:      f.venue,
		Pair:       domain.AssetPair(msg.Pair),
		Price:      msg.Price,
		Liquidity:  msg.Liquidity,
		ObservedAt: observed,
	})
}
