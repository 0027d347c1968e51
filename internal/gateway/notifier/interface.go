package notifier

// TextNotifier defines a minimal text notification interface.
// It is intentionally small so components can depend on it without importing
// concrete implementations (e.g. Telegram). Delivery is best-effort: a failed
// send must never abort the trading operation that produced the event.
type TextNotifier interface {
	SendText(text string) error
}

// Nop discards every message. Used when no notifier is configured.
type Nop struct{}

func (Nop) SendText(string) error { return nil }
