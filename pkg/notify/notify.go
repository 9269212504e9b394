// Package notify is the delivery boundary for user-facing notifications.
// The engine records per-recipient outcomes; actual transport lives behind
// the Notifier interface.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Channel constants mirror the notification action configuration.
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
)

// Message is one delivery to one recipient on one channel.
type Message struct {
	Recipient string
	Channel   string
	Title     string
	Body      string
	Subject   string
	// External marks deliveries to addresses outside the system (raw email
	// addresses rather than user IDs).
	External bool
}

// Notifier delivers a single message. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LogNotifier writes deliveries to the log. It is the default sink when no
// real transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("module", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, message Message) error {
	n.logger.InfoContext(ctx, "Notification delivered",
		"recipient", message.Recipient,
		"channel", message.Channel,
		"external", message.External,
		"title", message.Title,
	)

	return nil
}

// MemoryNotifier collects deliveries in memory. Test helper; FailFor makes
// deliveries to specific recipients fail so partial-failure paths can be
// exercised.
type MemoryNotifier struct {
	mu       sync.Mutex
	messages []Message
	failFor  map[string]bool
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{failFor: make(map[string]bool)}
}

func (n *MemoryNotifier) Send(_ context.Context, message Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failFor[message.Recipient] {
		return fmt.Errorf("delivery to %s refused", message.Recipient)
	}

	n.messages = append(n.messages, message)

	return nil
}

// FailFor makes subsequent deliveries to the recipient fail.
func (n *MemoryNotifier) FailFor(recipient string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.failFor[recipient] = true
}

// Messages returns a copy of everything delivered so far.
func (n *MemoryNotifier) Messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Message, len(n.messages))
	copy(out, n.messages)

	return out
}
