package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/quote"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsVenue is a scripted venue endpoint: it waits for the subscribe command
// and then pushes its quotes.
func wsVenue(t *testing.T, quotes []quoteMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeCommand
		if err := conn.ReadJSON(&sub); err != nil || sub.Op != "subscribe" {
			return
		}
		for _, q := range quotes {
			payload, _ := json.Marshal(q)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestVenueFeedDeliversQuotes(t *testing.T) {
	now := time.Now().UTC()
	srv := wsVenue(t, []quoteMessage{
		{Pair: "ETH/USDC", Price: 3000, Liquidity: 1e6, TsMillis: now.UnixMilli()},
		{Pair: "WBTC/USDC", Price: 64000, Liquidity: 5e5, TsMillis: now.UnixMilli() + 1},
	})

	var mu sync.Mutex
	var got []domain.Quote
	feed := NewVenueFeed("uniswap", wsURL(srv), []string{"ETH/USDC", "WBTC/USDC"}, func(q domain.Quote) {
		mu.Lock()
		got = append(got, q)
		mu.Unlock()
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.Venue("uniswap"), got[0].Venue)
	assert.Equal(t, domain.AssetPair("ETH/USDC"), got[0].Pair)
	assert.Equal(t, 3000.0, got[0].Price)
	assert.Equal(t, now.UnixMilli(), got[0].ObservedAt.UnixMilli())
}

func TestVenueFeedDropsMalformed(t *testing.T) {
	srv := wsVenue(t, []quoteMessage{
		{Pair: "", Price: 10},              // missing pair
		{Pair: "ETH/USDC", Price: 0},       // non-positive price
		{Pair: "ETH/USDC", Price: 3000.25}, // valid
	})

	var mu sync.Mutex
	var got []domain.Quote
	feed := NewVenueFeed("sushiswap", wsURL(srv), []string{"ETH/USDC"}, func(q domain.Quote) {
		mu.Lock()
		got = append(got, q)
		mu.Unlock()
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3000.25, got[0].Price)
	assert.False(t, got[0].ObservedAt.IsZero(), "missing ts falls back to receive time")
}

// memBus is an in-memory SignalBus for bridge tests.
type memBus struct {
	ch chan []byte
}

func (m *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	m.ch <- payload
	return nil
}
func (m *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return m.ch, nil }
func (m *memBus) StreamAppend(context.Context, string, []byte) error       { return nil }
func (m *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBridgeBusIngest(t *testing.T) {
	store := quote.NewStore()
	bridge := NewBridge(store, testLogger())
	bus := &memBus{ch: make(chan []byte, 8)}
	bridge.SetBus(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridge.RunBusIngest(ctx, "quotes") }()

	good, _ := json.Marshal(domain.Quote{
		Venue: "curve", Pair: "DAI/USDC", Price: 1.0002, Liquidity: 8e6,
		ObservedAt: time.Now().UTC(),
	})
	require.NoError(t, bus.Publish(ctx, "quotes", []byte("not json")))
	require.NoError(t, bus.Publish(ctx, "quotes", good))

	assert.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	snap := store.Snapshot()
	q, ok := snap.Get("curve", "DAI/USDC")
	require.True(t, ok)
	assert.Equal(t, 1.0002, q.Price)
}

func TestBridgeIngestDeduplicates(t *testing.T) {
	store := quote.NewStore()
	bridge := NewBridge(store, testLogger())

	now := time.Now().UTC()
	q := domain.Quote{Venue: "uniswap", Pair: "ETH/USDC", Price: 3000, Liquidity: 1e6, ObservedAt: now}
	bridge.Ingest(q)
	bridge.Ingest(q) // duplicate delivery
	q.ObservedAt = now.Add(-time.Second)
	q.Price = 2990
	bridge.Ingest(q) // out of order

	assert.Equal(t, uint64(1), store.Version(), "only the first delivery is accepted")
	snap := store.Snapshot()
	kept, _ := snap.Get("uniswap", "ETH/USDC")
	assert.Equal(t, 3000.0, kept.Price)
}

type failingMirror struct {
	mu    sync.Mutex
	calls int
}

func (f *failingMirror) Set(context.Context, domain.Quote) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return context.DeadlineExceeded
}

func (f *failingMirror) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestBridgeMirrorFailureDoesNotBlockIngest(t *testing.T) {
	store := quote.NewStore()
	bridge := NewBridge(store, testLogger())
	mirror := &failingMirror{}
	bridge.SetMirror(mirror)

	bridge.Ingest(domain.Quote{
		Venue: "uniswap", Pair: "ETH/USDC", Price: 3000, Liquidity: 1e6,
		ObservedAt: time.Now().UTC(),
	})

	assert.Equal(t, 1, store.Len())
	assert.Eventually(t, func() bool { return mirror.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

// stuckMirror blocks every Set until its context expires.
type stuckMirror struct{}

func (stuckMirror) Set(ctx context.Context, _ domain.Quote) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBridgeMirrorStallDoesNotBlockIngest(t *testing.T) {
	store := quote.NewStore()
	bridge := NewBridge(store, testLogger())
	bridge.SetMirror(stuckMirror{})

	now := time.Now().UTC()
	start := time.Now()
	for i := 0; i < 1000; i++ {
		bridge.Ingest(domain.Quote{
			Venue: "uniswap", Pair: "ETH/USDC", Price: 3000 + float64(i), Liquidity: 1e6,
			ObservedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
	}

	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"Ingest must not wait on the mirror; the feed read loop depends on it")
	assert.Equal(t, 1000, int(store.Version()), "every quote still lands in the store")
}
