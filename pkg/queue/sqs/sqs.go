/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sqs implements the queue on AWS SQS. SQS natively provides the
// at-least-once and visibility-timeout semantics of the contract; the worker's
// prefetch of one maps onto MaxNumberOfMessages=1.
package sqs

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"k8s.io/utils/clock"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/errors"
	"github.com/datagate-io/datagate/pkg/queue"
)

const defaultVisibilityTimeout = 120 * time.Second

func init() {
	queue.Register("sqs", func(ctx context.Context, backend config.Backend, _ clock.Clock) (queue.Interface, error) {
		cfg := Config{}
		if err := backend.Decode(&cfg); err != nil {
			return nil, err
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.ServiceUnavailable("loading aws configuration, %s", err)
		}
		return NewQueue(awssqs.NewFromConfig(awsCfg), cfg), nil
	})
}

type Config struct {
	QueueURL          string        `mapstructure:"queue_url"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	WaitTime          time.Duration `mapstructure:"wait_time"`
}

// Client is the subset of the SQS API the queue uses; narrowed for fakes.
type Client interface {
	SendMessage(ctx context.Context, in *awssqs.SendMessageInput, opts ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, opts ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, opts ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *awssqs.ChangeMessageVisibilityInput, opts ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *awssqs.GetQueueAttributesInput, opts ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

type Queue struct {
	client     Client
	queueURL   string
	visibility time.Duration
	waitTime   time.Duration

	mu   sync.Mutex
	held map[string]struct{} // receipt handles this consumer has in flight
}

func NewQueue(client Client, cfg Config) *Queue {
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &Queue{
		client:     client,
		queueURL:   cfg.QueueURL,
		visibility: visibility,
		waitTime:   cfg.WaitTime,
		held:       map[string]struct{}{},
	}
}

// Name returns the queue name portion of the queue URL
func (q *Queue) Name() string {
	ss := strings.Split(q.queueURL, "/")
	return ss[len(ss)-1]
}

func (q *Queue) Enqueue(ctx context.Context, m *queue.Message) error {
	raw, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &awssqs.SendMessageInput{
		MessageBody: aws.String(string(raw)),
		QueueUrl:    aws.String(q.queueURL),
	})
	if err != nil {
		return errors.ServiceUnavailable("sending message to sqs queue, %s", err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		VisibilityTimeout:   int32(q.visibility.Seconds()),
		WaitTimeSeconds:     int32(q.waitTime.Seconds()),
	})
	if err != nil {
		return nil, errors.ServiceUnavailable("receiving sqs messages, %s", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	raw := out.Messages[0]
	m, err := queue.UnmarshalMessage([]byte(aws.ToString(raw.Body)))
	if err != nil {
		return nil, err
	}
	handle := aws.ToString(raw.ReceiptHandle)
	q.mu.Lock()
	q.held[handle] = struct{}{}
	q.mu.Unlock()
	return m.WithReceipt(handle), nil
}

func (q *Queue) Ack(ctx context.Context, m *queue.Message) error {
	handle, ok := m.Receipt().(string)
	if !ok {
		return errors.InvalidArgument("message for request %s carries no receipt", m.RequestID)
	}
	q.release(handle)
	_, err := q.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return errors.ServiceUnavailable("deleting message from sqs queue, %s", err)
	}
	return nil
}

// Nack zeroes the message's visibility so the queue redelivers it immediately
func (q *Queue) Nack(ctx context.Context, m *queue.Message) error {
	handle, ok := m.Receipt().(string)
	if !ok {
		return errors.InvalidArgument("message for request %s carries no receipt", m.RequestID)
	}
	q.release(handle)
	_, err := q.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return errors.ServiceUnavailable("returning message to sqs queue, %s", err)
	}
	return nil
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	out, err := q.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameApproximateNumberOfMessages,
			sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return 0, errors.ServiceUnavailable("getting sqs queue attributes, %s", err)
	}
	count := 0
	for _, v := range out.Attributes {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		count += n
	}
	return count, nil
}

// KeepAlive extends the visibility of every message this consumer holds
func (q *Queue) KeepAlive(ctx context.Context) error {
	q.mu.Lock()
	held := make([]string, 0, len(q.held))
	for handle := range q.held {
		held = append(held, handle)
	}
	q.mu.Unlock()
	for _, handle := range held {
		_, err := q.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(q.queueURL),
			ReceiptHandle:     aws.String(handle),
			VisibilityTimeout: int32(q.visibility.Seconds()),
		})
		if err != nil {
			return errors.ServiceUnavailable("extending sqs message visibility, %s", err)
		}
	}
	return nil
}

func (q *Queue) Close() error {
	return nil
}

func (q *Queue) release(handle string) {
	q.mu.Lock()
	delete(q.held, handle)
	q.mu.Unlock()
}
