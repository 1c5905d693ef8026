package drain

import (
	"context"
	"log/slog"
)

// Sender delivers a notice over one channel. Deliver may be called more than
// once for the same notice and channel; receivers must tolerate duplicates.
type Sender interface {
	Deliver(ctx context.Context, n *Notice, ch Channel) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, n *Notice, ch Channel) error

// Deliver calls f(ctx, n, ch).
func (f SenderFunc) Deliver(ctx context.Context, n *Notice, ch Channel) error {
	return f(ctx, n, ch)
}

// LogSender only logs deliveries. It stands in for real integrations in
// development.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Deliver(ctx context.Context, n *Notice, ch Channel) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "drain notice delivered",
		"notice_id", n.ID,
		"node", n.Node,
		"pool", n.Pool,
		"recipient", n.Recipient,
		"channel", ch)
	return nil
}
