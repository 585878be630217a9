package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
)

type WebhookHandler func(ctx context.Context, ev WebhookEvent) error

// WebhookConsumer long-polls the webhook event queue. A message is deleted
// once its handler succeeds or when it cannot be decoded; handler errors leave
// it for redelivery (and eventually the DLQ).
type WebhookConsumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent runs one receiver and `workers` handlers until ctx is done.
// Messages already received are handled before it returns ctx.Err().
func (c *WebhookConsumer) PollConcurrent(ctx context.Context, workers int, handler WebhookHandler) error {
	workers = max(1, workers)
	jobs := make(chan types.Message, workers*2)

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		return c.receive(ctx, jobs)
	})
	return g.Wait()
}

func (c *WebhookConsumer) receive(ctx context.Context, jobs chan<- types.Message) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("sqs receive webhook message failed", "err", err)
				time.Sleep(500 * time.Millisecond)
			}
			continue
		}
		for _, m := range out.Messages {
			select {
			case jobs <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *WebhookConsumer) handle(ctx context.Context, m types.Message, handler WebhookHandler) {
	var ev WebhookEvent
	if m.Body == nil || json.Unmarshal([]byte(*m.Body), &ev) != nil {
		slog.Warn("sqs webhook message undecodable, dropping", "message_id", aws.ToString(m.MessageId))
		c.delete(ctx, m)
		return
	}
	if err := handler(ctx, ev); err != nil {
		slog.Error("sqs webhook handler error", "err", err, "svix_id", ev.Headers.ID)
		return
	}
	c.delete(ctx, m)
}

func (c *WebhookConsumer) delete(ctx context.Context, m types.Message) {
	if _, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Warn("sqs delete message failed", "err", err)
	}
}
