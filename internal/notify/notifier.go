// Package notify pushes operator alerts for engine events over Telegram and
// Discord. Alerts are dispatched asynchronously so registry hooks and the
// coordinator never block on a webhook.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flasharb/engine/internal/domain"
)

// Event types the notifier can filter on.
const (
	EventExecuted = "executed"
	EventFailed   = "failed"
	EventWallet   = "wallet"
)

// sendTimeout bounds one delivery attempt per sender.
const sendTimeout = 10 * time.Second

// Sender is one notification channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// Notifier dispatches alerts to all registered senders. Only events whose
// type appears in the configured set are forwarded; an empty set allows all.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// ObserveTransition is wired as a registry transition hook. It formats and
// dispatches alerts for terminal outcomes; delivery happens on a background
// goroutine so the hook returns immediately.
func (n *Notifier) ObserveTransition(opp domain.Opportunity, from, to domain.OpportunityStatus) {
	switch to {
	case domain.StatusExecuted:
		n.notifyAsync(EventExecuted,
			"Arbitrage executed",
			fmt.Sprintf("%s via %s\nnet profit %.1f bps on $%.0f volume (attempt %d)",
				opp.Pair, opp.PathString(), opp.NetProfitBps, opp.Volume, opp.Attempts),
		)
	case domain.StatusFailed:
		// Retryable failures bounce back to Active; only alert once the
		// opportunity is out of retries.
		if opp.FailReason.Retryable() {
			return
		}
		n.notifyAsync(EventFailed,
			"Arbitrage failed",
			fmt.Sprintf("%s via %s\nreason: %s (attempt %d)",
				opp.Pair, opp.PathString(), opp.FailReason, opp.Attempts),
		)
	}
}

// WalletDisconnected alerts that the wallet session dropped.
func (n *Notifier) WalletDisconnected() {
	n.notifyAsync(EventWallet, "Wallet disconnected", "auto-execution disabled until reconnect")
}

func (n *Notifier) notifyAsync(event, title, message string) {
	if len(n.events) > 0 && !n.events[event] {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := n.dispatch(ctx, title, message); err != nil {
			n.logger.Warn("alert delivery incomplete", slog.String("error", err.Error()))
		}
	}()
}

// Notify sends an alert through the event filter. Exported for callers that
// need synchronous delivery, such as shutdown notices.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
