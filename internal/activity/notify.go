package activity

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
)

// Notification is a templated message for a set of recipients. Delivery is
// owned by the notification service.
type Notification struct {
	TenantID   string
	Recipients []string
	Template   string
	Data       map[string]any
}

// Notifier hands notifications to the delivery channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs each notification.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	observability.LoggerFrom(ctx, n.logger).Info("notification",
		zap.String("tenant_id", msg.TenantID),
		zap.Strings("recipients", msg.Recipients),
		zap.String("template", msg.Template),
		zap.Any("data", msg.Data),
	)
	return nil
}

// MemoryNotifier keeps notifications in memory. Err, when set, is returned
// from every Notify call after the notification is kept.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

// Notify implements Notifier.
func (n *MemoryNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.Err
}

// Sent returns a copy of the notifications received.
func (n *MemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}
