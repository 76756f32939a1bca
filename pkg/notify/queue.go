package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"atlaslibrary/pkg/queue"
)

// TopicEmail is the queue topic used for outbound mail.
const TopicEmail = "email"

// Publisher is the part of the outbox QueueSender needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, body any) (queue.Task, error)
}

// QueueSender hands mail to the job queue so request paths never wait on SMTP.
type QueueSender struct {
	q Publisher
}

func NewQueueSender(q Publisher) *QueueSender {
	return &QueueSender{q: q}
}

func (s *QueueSender) Send(ctx context.Context, msg Email) error {
	task, err := s.q.Publish(ctx, TopicEmail, msg)
	if err != nil {
		return fmt.Errorf("queue email: %w", err)
	}
	slog.Debug("email queued", "task_id", task.ID, "to", msg.To, "subject", msg.Subject)
	return nil
}

// DeliveryHandler returns a queue handler that pushes email tasks to sender.
// Tasks on other topics are settled and dropped.
func DeliveryHandler(sender Sender) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		if task.Topic != TopicEmail {
			slog.Warn("unknown queue topic", "task_id", task.ID, "topic", task.Topic)
			return nil
		}
		var msg Email
		if err := json.Unmarshal(task.Body, &msg); err != nil {
			slog.Warn("undecodable email task", "task_id", task.ID, "err", err)
			return nil
		}
		return sender.Send(ctx, msg)
	}
}

// StartDelivery consumes queued email with the given concurrency until ctx ends.
func StartDelivery(ctx context.Context, q *queue.Stream, concurrency int, sender Sender) {
	q.Run(ctx, concurrency, DeliveryHandler(sender))
}
