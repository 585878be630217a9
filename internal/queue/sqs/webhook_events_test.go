package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/internal/providers/resend"
)

// fakeSQS is an in-memory queue: sent messages are received once, deletes are recorded.
type fakeSQS struct {
	mu      sync.Mutex
	pending []types.Message
	deleted []string
	seq     int
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	h := string(rune('a' + f.seq))
	f.pending = append(f.pending, types.Message{Body: in.MessageBody, ReceiptHandle: &h})
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func TestWebhookRoundTripDeletesOnlyHandled(t *testing.T) {
	q := &fakeSQS{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &WebhookProducer{SQS: q, QueueURL: "q"}
	good := WebhookEvent{
		Headers: resend.Headers{ID: "msg_1", Timestamp: "1", Signature: "v1,x"},
		Body:    json.RawMessage(`{"type":"email.delivered","data":{"email_id":"prov_1"}}`),
	}
	bad := good
	bad.Headers.ID = "msg_2"
	require.NoError(t, p.Enqueue(ctx, good))
	require.NoError(t, p.Enqueue(ctx, bad))
	poison := "not json"
	q.pending = append(q.pending, types.Message{Body: &poison, ReceiptHandle: str("poison")})

	var (
		mu  sync.Mutex
		got []WebhookEvent
	)
	c := &WebhookConsumer{SQS: q, QueueURL: "q"}
	done := make(chan error, 1)
	go func() {
		done <- c.PollConcurrent(ctx, 2, func(ctx context.Context, ev WebhookEvent) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			if ev.Headers.ID == "msg_2" {
				return errors.New("transient")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return q.deletedCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Contains(t, q.deleted, "poison")
	for _, ev := range got {
		if ev.Headers.ID == "msg_1" {
			assert.JSONEq(t, string(good.Body), string(ev.Body))
		}
	}
}
