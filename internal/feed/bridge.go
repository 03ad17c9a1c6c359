package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/quote"
)

// QuoteMirror receives every accepted quote for cross-process visibility.
type QuoteMirror interface {
	Set(ctx context.Context, q domain.Quote) error
}

const (
	// mirrorQueueSize bounds pending mirror writes. Overflow evicts the
	// oldest pending quote; the mirror is a cache, not a ledger.
	mirrorQueueSize = 256

	// mirrorWriteTimeout bounds one Set against a slow mirror.
	mirrorWriteTimeout = 2 * time.Second
)

// Bridge funnels quotes from every source into the quote store. It is the
// single writer path, so the store's ordering rules apply uniformly.
type Bridge struct {
	store    *quote.Store
	mirror   QuoteMirror // optional
	mirrorCh chan domain.Quote
	bus      domain.SignalBus
	logger   *slog.Logger
}

// NewBridge creates a Bridge writing into store.
func NewBridge(store *quote.Store, logger *slog.Logger) *Bridge {
	return &Bridge{
		store:  store,
		logger: logger.With(slog.String("component", "feed_bridge")),
	}
}

// SetMirror mirrors accepted quotes to an external cache. Writes run on a
// dedicated worker draining a bounded queue, so a stalled mirror never backs
// up into the feed read loops. Failures are logged and dropped. Call during
// wiring, before the first Ingest.
func (b *Bridge) SetMirror(m QuoteMirror) {
	b.mirror = m
	b.mirrorCh = make(chan domain.Quote, mirrorQueueSize)
	go b.runMirror()
}

// runMirror drains the mirror queue for the life of the process.
func (b *Bridge) runMirror() {
	for q := range b.mirrorCh {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
		if err := b.mirror.Set(ctx, q); err != nil {
			b.logger.Debug("quote mirror write failed",
				slog.String("key", q.Key().String()),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// SetBus enables the Redis fan-in consumed by RunBusIngest.
func (b *Bridge) SetBus(bus domain.SignalBus) {
	b.bus = bus
}

// Ingest is the QuoteHandler handed to every VenueFeed.
func (b *Bridge) Ingest(q domain.Quote) {
	if !b.store.Upsert(q) {
		// Out-of-order or duplicate delivery; the store kept the newer quote.
		return
	}
	if b.mirrorCh != nil {
		select {
		case b.mirrorCh <- q:
		default:
			// Queue full: evict the oldest pending write, then retry once.
			select {
			case <-b.mirrorCh:
			default:
			}
			select {
			case b.mirrorCh <- q:
			default:
			}
		}
	}
}

// RunBusIngest consumes relayed quotes from the bus channel until ctx is
// done. Payloads are JSON-encoded domain.Quote values.
func (b *Bridge) RunBusIngest(ctx context.Context, channel string) error {
	if b.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	msgs, err := b.bus.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	b.logger.Info("bus quote ingest started", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			var q domain.Quote
			if err := json.Unmarshal(payload, &q); err != nil {
				b.logger.Debug("dropping malformed bus quote", slog.String("error", err.Error()))
				continue
			}
			if q.Venue == "" || q.Pair == "" || q.Price <= 0 {
				continue
			}
			b.Ingest(q)
		}
	}
}
