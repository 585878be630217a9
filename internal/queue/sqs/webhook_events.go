package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"timecapsule/internal/providers/resend"
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// WebhookEvent is an internal envelope for a verified provider callback.
// Keep it small; SQS has a 256KB message size limit.
type WebhookEvent struct {
	Headers    resend.Headers  `json:"headers"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

type WebhookProducer struct {
	SQS      API
	QueueURL string
}

func (p *WebhookProducer) Enqueue(ctx context.Context, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"svix_id": {DataType: str("String"), StringValue: str(ev.Headers.ID)},
		},
	})
	return err
}

func str(s string) *string { return &s }
