package azure

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"pkt.systems/queuedrain/internal/storage"
)

// Queue implements storage.Queue on an Azure storage queue.
type Queue struct {
	name   string
	client *azqueue.QueueClient
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Create creates the queue, tolerating an existing one.
func (q *Queue) Create(ctx context.Context) error {
	if _, err := q.client.Create(ctx, nil); err != nil && !hasErrorCode(err, "QueueAlreadyExists") {
		return fmt.Errorf("azure: create queue %s: %w", q.name, err)
	}
	return nil
}

// Exists probes the queue properties.
func (q *Queue) Exists(ctx context.Context) (bool, error) {
	if _, err := q.client.GetProperties(ctx, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("azure: queue %s properties: %w", q.name, err)
	}
	return true, nil
}

// ApproximateCount returns the service's message count estimate.
func (q *Queue) ApproximateCount(ctx context.Context) (int64, error) {
	resp, err := q.client.GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("azure: queue %s: %w", q.name, storage.ErrQueueNotFound)
		}
		return 0, q.wrap("properties", err)
	}
	if resp.ApproximateMessagesCount == nil {
		return 0, nil
	}
	return int64(*resp.ApproximateMessagesCount), nil
}

// Receive dequeues up to max messages, hiding them for visibility. The
// service takes whole seconds, so any fraction of visibility is dropped.
func (q *Queue) Receive(ctx context.Context, max int, visibility time.Duration) ([]storage.Message, error) {
	if err := storage.CheckMessageCount(max); err != nil {
		return nil, err
	}
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  to.Ptr(int32(max)),
		VisibilityTimeout: to.Ptr(int32(visibility / time.Second)),
	})
	if err != nil {
		return nil, q.wrap("dequeue", err)
	}
	out := make([]storage.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil {
			continue
		}
		out = append(out, storage.Message{
			ID:            deref(m.MessageID),
			PopReceipt:    deref(m.PopReceipt),
			Body:          deref(m.MessageText),
			DequeueCount:  derefInt64(m.DequeueCount),
			InsertedAt:    derefTime(m.InsertionTime),
			ExpiresAt:     derefTime(m.ExpirationTime),
			NextVisibleAt: derefTime(m.TimeNextVisible),
		})
	}
	return out, nil
}

// Peek returns up to max visible messages without dequeuing them.
func (q *Queue) Peek(ctx context.Context, max int) ([]storage.Message, error) {
	if err := storage.CheckMessageCount(max); err != nil {
		return nil, err
	}
	resp, err := q.client.PeekMessages(ctx, &azqueue.PeekMessagesOptions{NumberOfMessages: to.Ptr(int32(max))})
	if err != nil {
		return nil, q.wrap("peek", err)
	}
	out := make([]storage.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil {
			continue
		}
		out = append(out, storage.Message{
			ID:           deref(m.MessageID),
			Body:         deref(m.MessageText),
			DequeueCount: derefInt64(m.DequeueCount),
			InsertedAt:   derefTime(m.InsertionTime),
			ExpiresAt:    derefTime(m.ExpirationTime),
		})
	}
	return out, nil
}

// Enqueue adds a message.
func (q *Queue) Enqueue(ctx context.Context, body string, opts storage.EnqueueOptions) (storage.Message, error) {
	var eopts azqueue.EnqueueMessageOptions
	if opts.VisibilityDelay > 0 {
		eopts.VisibilityTimeout = to.Ptr(int32(opts.VisibilityDelay / time.Second))
	}
	if opts.TimeToLive > 0 {
		eopts.TimeToLive = to.Ptr(int32(opts.TimeToLive / time.Second))
	}
	resp, err := q.client.EnqueueMessage(ctx, body, &eopts)
	if err != nil {
		return storage.Message{}, q.wrap("enqueue", err)
	}
	msg := storage.Message{Body: body}
	if len(resp.Messages) > 0 && resp.Messages[0] != nil {
		m := resp.Messages[0]
		msg.ID = deref(m.MessageID)
		msg.PopReceipt = deref(m.PopReceipt)
		msg.InsertedAt = derefTime(m.InsertionTime)
		msg.ExpiresAt = derefTime(m.ExpirationTime)
		msg.NextVisibleAt = derefTime(m.TimeNextVisible)
	}
	return msg, nil
}

// Delete removes a received message.
func (q *Queue) Delete(ctx context.Context, id, popReceipt string) error {
	if _, err := q.client.DeleteMessage(ctx, id, popReceipt, nil); err != nil {
		return q.wrap("delete message "+id, err)
	}
	return nil
}

func (q *Queue) wrap(action string, err error) error {
	switch {
	case hasErrorCode(err, "QueueNotFound"):
		return fmt.Errorf("azure: queue %s %s: %w", q.name, action, storage.ErrQueueNotFound)
	case hasErrorCode(err, "PopReceiptMismatch"):
		return fmt.Errorf("azure: queue %s %s: %w", q.name, action, storage.ErrPopReceipt)
	case isNotFound(err):
		return fmt.Errorf("azure: queue %s %s: %w", q.name, action, storage.ErrNotFound)
	}
	return fmt.Errorf("azure: queue %s %s: %w", q.name, action, err)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefTime(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return p.UTC()
}
