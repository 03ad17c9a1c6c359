package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharb/engine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	bodies []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func executedOpp() domain.Opportunity {
	return domain.Opportunity{
		ID:   "opp-1",
		Pair: "ETH/USDC",
		Path: []domain.Hop{
			{Venue: "uniswap", Pair: "ETH/USDC"},
			{Venue: "sushiswap", Pair: "ETH/USDC", Invert: true},
		},
		Volume:       25_000,
		NetProfitBps: 64,
		Attempts:     1,
		Status:       domain.StatusExecuted,
	}
}

func TestExecutedTransitionAlerts(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	n.ObserveTransition(executedOpp(), domain.StatusExecuting, domain.StatusExecuted)

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Arbitrage executed", sender.titles[0])
	assert.Contains(t, sender.bodies[0], "uniswap -> sushiswap")
	assert.Contains(t, sender.bodies[0], "64.0 bps")
}

func TestRetryableFailureDoesNotAlert(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	opp := executedOpp()
	opp.Status = domain.StatusFailed
	opp.FailReason = domain.ReasonTimeout
	n.ObserveTransition(opp, domain.StatusExecuting, domain.StatusFailed)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sender.count())
}

func TestTerminalFailureAlerts(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	opp := executedOpp()
	opp.Status = domain.StatusFailed
	opp.FailReason = domain.ReasonStaleQuote
	n.ObserveTransition(opp, domain.StatusExecuting, domain.StatusFailed)

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Arbitrage failed", sender.titles[0])
	assert.Contains(t, sender.bodies[0], "stale_quote")
}

func TestEventFilterSuppressesUnlisted(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier([]Sender{sender}, []string{EventFailed}, discardLogger())

	n.ObserveTransition(executedOpp(), domain.StatusExecuting, domain.StatusExecuted)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sender.count())
}

func TestTelegramSenderPostsMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("test-token", "chat-9")
	s.baseURL = srv.URL

	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "chat-9", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad webhook", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	err := s.Send(context.Background(), "Title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

type failingSender struct{}

func (failingSender) Send(context.Context, string, string) error {
	return context.DeadlineExceeded
}
func (failingSender) Name() string { return "failing" }

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier([]Sender{failingSender{}, sender}, nil, discardLogger())

	err := n.Notify(context.Background(), EventExecuted, "Title", "body")
	require.Error(t, err)
	assert.Equal(t, 1, sender.count())
}
