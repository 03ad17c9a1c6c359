// Package stats aggregates engine counters and carries the append-only
// telemetry feed. The sink is strictly fire-and-forget: producers never block
// on a slow or absent consumer, and the event buffer drops its oldest entries
// on overflow.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/flasharb/engine/internal/domain"
)

const (
	// mirrorQueueSize bounds pending stream appends. Overflow evicts the
	// oldest pending event, same discipline as the ring buffer.
	mirrorQueueSize = 256

	// mirrorAppendTimeout bounds one append against a slow or absent bus.
	mirrorAppendTimeout = 2 * time.Second
)

// Sink collects counters and telemetry events. Safe for concurrent use.
type Sink struct {
	mu sync.Mutex

	startedAt time.Time
	total     int64
	executed  int64
	failed    int64
	expired   int64

	profitBps float64
	profitUSD float64

	lastExec *domain.ExecutionSummary

	events []domain.LogEvent
	head   int // ring buffer write index
	filled bool
	cap    int

	subsMu sync.RWMutex
	subs   []chan domain.LogEvent

	bus      domain.SignalBus // optional durable mirror
	stream   string
	mirrorCh chan domain.LogEvent
	logger   *slog.Logger
}

// NewSink creates a sink retaining the last capacity events.
func NewSink(capacity int, logger *slog.Logger) *Sink {
	if capacity <= 0 {
		capacity = 256
	}
	return &Sink{
		startedAt: time.Now().UTC(),
		events:    make([]domain.LogEvent, capacity),
		cap:       capacity,
		logger:    logger.With(slog.String("component", "stats_sink")),
	}
}

// SetStreamMirror mirrors every event to a durable stream on the given bus.
// Appends run on a dedicated worker draining a bounded queue, so a stalled
// bus never backs up into producers. Appends are best-effort; stream errors
// are logged and dropped. Call during wiring, before the first Log.
func (s *Sink) SetStreamMirror(bus domain.SignalBus, stream string) {
	s.bus = bus
	s.stream = stream
	s.mirrorCh = make(chan domain.LogEvent, mirrorQueueSize)
	go s.runMirror()
}

// runMirror drains the mirror queue for the life of the process.
func (s *Sink) runMirror() {
	for ev := range s.mirrorCh {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), mirrorAppendTimeout)
		if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
			s.logger.Debug("telemetry mirror append failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// ObserveTransition is wired as a registry transition hook. It must not block:
// it only bumps counters.
func (s *Sink) ObserveTransition(opp domain.Opportunity, from, to domain.OpportunityStatus) {
	s.mu.Lock()
	switch to {
	case domain.StatusDetected:
		if from == "" {
			s.total++
		}
	case domain.StatusExecuted:
		s.executed++
	case domain.StatusExpired:
		s.expired++
	case domain.StatusFailed:
		s.failed++
	case domain.StatusActive:
		if from == domain.StatusFailed {
			// Retry re-entry: the earlier Failed bump was not terminal.
			s.failed--
		}
	}
	s.mu.Unlock()
}

// RecordExecution accounts a confirmed execution and keeps it as the most
// recent summary.
func (s *Sink) RecordExecution(opp domain.Opportunity, outcome domain.ExecutionOutcome) {
	if !outcome.Executed {
		return
	}
	s.mu.Lock()
	s.profitBps += outcome.RealizedProfitBps
	s.profitUSD += outcome.RealizedProfitUSD
	s.lastExec = &domain.ExecutionSummary{
		OpportunityID: opp.ID,
		TxRef:         outcome.TxRef,
		ProfitBps:     outcome.RealizedProfitBps,
		ProfitUSD:     outcome.RealizedProfitUSD,
		CompletedAt:   time.Now().UTC(),
	}
	s.mu.Unlock()
}

// Snapshot returns the current counters. Live counts (active, executing) and
// flags are supplied by the caller, which owns that state.
func (s *Sink) Snapshot(active, executing int, scanning, autoExecute, walletConnected bool) domain.EngineStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempts := s.executed + s.failed
	rate := 0.0
	if attempts > 0 {
		rate = float64(s.executed) / float64(attempts)
	}
	return domain.EngineStats{
		TotalOpportunities: s.total,
		ActiveCount:        int64(active),
		ExecutingCount:     int64(executing),
		ExecutedCount:      s.executed,
		FailedCount:        s.failed,
		ExpiredCount:       s.expired,
		TotalProfitBps:     s.profitBps,
		TotalProfitUSD:     s.profitUSD,
		SuccessRate:        rate,
		Scanning:           scanning,
		AutoExecute:        autoExecute,
		WalletConnected:    walletConnected,
		UptimeSeconds:      int64(time.Since(s.startedAt).Seconds()),
	}
}

// LastExecution returns the most recent confirmed execution, if any.
func (s *Sink) LastExecution() (domain.ExecutionSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastExec == nil {
		return domain.ExecutionSummary{}, false
	}
	return *s.lastExec, true
}

// Log appends a telemetry event. It never blocks: slow subscribers miss
// events and the ring overwrites its oldest entry when full.
func (s *Sink) Log(level domain.LogLevel, message string, fields map[string]any) {
	ev := domain.LogEvent{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}

	s.mu.Lock()
	s.events[s.head] = ev
	s.head = (s.head + 1) % s.cap
	if s.head == 0 {
		s.filled = true
	}
	s.mu.Unlock()

	s.subsMu.RLock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.subsMu.RUnlock()

	if s.mirrorCh != nil {
		select {
		case s.mirrorCh <- ev:
		default:
			// Queue full: evict the oldest pending append, then retry once.
			select {
			case <-s.mirrorCh:
			default:
			}
			select {
			case s.mirrorCh <- ev:
			default:
			}
		}
	}
}

// Recent returns up to n events, oldest first.
func (s *Sink) Recent(n int) []domain.LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.head
	if s.filled {
		size = s.cap
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]domain.LogEvent, 0, n)
	start := s.head - n
	if start < 0 {
		start += s.cap
	}
	for i := 0; i < n; i++ {
		out = append(out, s.events[(start+i)%s.cap])
	}
	return out
}

// Subscribe returns a channel receiving future events. The channel is
// buffered; events are dropped for subscribers that fall behind. The returned
// cancel function removes the subscription.
func (s *Sink) Subscribe(buffer int) (<-chan domain.LogEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.LogEvent, buffer)

	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.subsMu.Unlock()
	}
	return ch, cancel
}
