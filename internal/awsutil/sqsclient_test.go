package awsutil

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timecapsule/internal/config"
)

type fakeAttrs struct {
	url string
	err error
}

func (f *fakeAttrs) GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.url = *in.QueueUrl
	return &sqs.GetQueueAttributesOutput{}, f.err
}

func TestQueueCheck(t *testing.T) {
	f := &fakeAttrs{}
	require.NoError(t, QueueCheck(f, "http://localhost:4566/000000000000/events")(context.Background()))
	assert.Equal(t, "http://localhost:4566/000000000000/events", f.url)

	f.err = errors.New("no such queue")
	assert.Error(t, QueueCheck(f, "x")(context.Background()))
}

func TestNewSQSClientLocalstack(t *testing.T) {
	c, err := NewSQSClient(context.Background(), config.Queue{AWSRegion: "us-east-1", LocalstackEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", c.Options().Region)
	require.NotNil(t, c.Options().BaseEndpoint)
	assert.Equal(t, "http://localhost:4566", *c.Options().BaseEndpoint)
}
