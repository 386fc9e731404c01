package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ChatMetrics counts chat session lifecycle events
type ChatMetrics struct {
	sessionsCreated     metric.Int64Counter
	sessionsArchived    metric.Int64Counter
	messagesSent        metric.Int64Counter
	messagesRejected    metric.Int64Counter
	provisionConflicts  metric.Int64Counter
	optimisticConflicts metric.Int64Counter
}

// NewChatMetrics registers the chat instruments on the global meter provider.
// With no provider installed the instruments are no-ops.
func NewChatMetrics() (*ChatMetrics, error) {
	meter := otel.Meter("clinic-chat/backend/chat")

	m := &ChatMetrics{}
	var err error
	if m.sessionsCreated, err = meter.Int64Counter("chat_sessions_created_total",
		metric.WithDescription("Chat sessions provisioned")); err != nil {
		return nil, err
	}
	if m.sessionsArchived, err = meter.Int64Counter("chat_sessions_archived_total",
		metric.WithDescription("Chat sessions latched into the archived state")); err != nil {
		return nil, err
	}
	if m.messagesSent, err = meter.Int64Counter("chat_messages_sent_total",
		metric.WithDescription("Messages appended to chat sessions")); err != nil {
		return nil, err
	}
	if m.messagesRejected, err = meter.Int64Counter("chat_messages_rejected_total",
		metric.WithDescription("Messages refused by admission control")); err != nil {
		return nil, err
	}
	if m.provisionConflicts, err = meter.Int64Counter("chat_provision_conflicts_total",
		metric.WithDescription("Concurrent provisioning attempts resolved as lookups")); err != nil {
		return nil, err
	}
	if m.optimisticConflicts, err = meter.Int64Counter("chat_optimistic_retries_total",
		metric.WithDescription("Writes retried after a concurrent modification")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ChatMetrics) SessionCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsCreated.Add(ctx, 1)
}

func (m *ChatMetrics) SessionArchived(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sessionsArchived.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *ChatMetrics) MessageSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1)
}

func (m *ChatMetrics) MessageRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.messagesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *ChatMetrics) ProvisionConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.provisionConflicts.Add(ctx, 1)
}

func (m *ChatMetrics) OptimisticRetry(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.optimisticConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
