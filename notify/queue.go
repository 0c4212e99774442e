package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink ships conditions to an Azure storage queue. Retention is the
// message time-to-live, so Prune has nothing to do.
type QueueSink struct {
	queue queueClient
	ttl   int32
}

// OpenQueueSink connects to the queue, creating it if needed.
func OpenQueueSink(ctx context.Context, connStr, queueName string, retention time.Duration) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return nil, fmt.Errorf("create queue: %w", err)
		}
	}
	return newQueueSink(q, retention), nil
}

func newQueueSink(q queueClient, retention time.Duration) *QueueSink {
	ttl := int32(-1)
	if secs := retention / time.Second; secs > 0 && secs < math.MaxInt32 {
		ttl = int32(secs)
	}
	return &QueueSink{queue: q, ttl: ttl}
}

func (s *QueueSink) Append(ctx context.Context, c Condition) error {
	body, err := sonic.MarshalString(c)
	if err != nil {
		return err
	}
	ttl := s.ttl
	_, err = s.queue.EnqueueMessage(ctx, body, &azqueue.EnqueueMessageOptions{TimeToLive: &ttl})
	return err
}

func (s *QueueSink) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func (s *QueueSink) Close() error { return nil }
