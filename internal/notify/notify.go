// Package notify delivers admin escalations. Notifications are fire and
// forget: delivery failure is logged, never returned, because an escalation
// path that can fail a refund would be worse than the condition it reports.
package notify

import (
	"context"
	"log/slog"

	"github.com/tradeshield/tradeshield/internal/metrics"
	"github.com/tradeshield/tradeshield/internal/realtime"
)

// LogNotifier writes escalations to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyAdmin(ctx context.Context, kind, message string, fields map[string]any) {
	metrics.AdminNotifications.WithLabelValues(kind).Inc()
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "kind", kind)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	n.logger.Warn("ADMIN: "+message, attrs...)
}

// HubNotifier forwards escalations to the realtime ops feed.
type HubNotifier struct {
	hub *realtime.Hub
}

// NewHubNotifier creates a hub-backed notifier.
func NewHubNotifier(hub *realtime.Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) NotifyAdmin(ctx context.Context, kind, message string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["kind"] = kind
	payload["message"] = message
	n.hub.Emit("admin.notification", payload)
}

// Multi fans one escalation out to several notifiers.
type Multi []interface {
	NotifyAdmin(ctx context.Context, kind, message string, fields map[string]any)
}

func (m Multi) NotifyAdmin(ctx context.Context, kind, message string, fields map[string]any) {
	for _, n := range m {
		n.NotifyAdmin(ctx, kind, message, fields)
	}
}
