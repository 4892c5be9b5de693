// Package dispatch delivers step messages with at-least-once semantics.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/retry"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// Message is one step invocation on the wire.
type Message struct {
	Step    types.Step     `json:"step"`
	Payload map[string]any `json:"payload"`
}

// Dispatcher delivers a step message after an optional delay.
type Dispatcher interface {
	Dispatch(ctx context.Context, step types.Step, payload map[string]any, delay time.Duration) error
}

// SQSAPI is the slice of the SQS API the dispatcher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// maxSQSDelay is the SQS DelaySeconds ceiling.
const maxSQSDelay = 900 * time.Second

// SQSDispatcher delivers step messages through an SQS queue, using
// DelaySeconds for deferred polling re-dispatch. Sends run under the
// transient-retry policy.
type SQSDispatcher struct {
	api      SQSAPI
	queueURL string
	policy   retry.Policy
}

// NewSQSDispatcher creates a dispatcher for a queue.
func NewSQSDispatcher(api SQSAPI, queueURL string) *SQSDispatcher {
	return &SQSDispatcher{api: api, queueURL: queueURL, policy: retry.DefaultPolicy()}
}

// NewSQSDispatcherFromConfig creates a dispatcher from an AWS config.
func NewSQSDispatcherFromConfig(cfg aws.Config, queueURL string) *SQSDispatcher {
	return &SQSDispatcher{api: sqs.NewFromConfig(cfg), queueURL: queueURL, policy: retry.DefaultPolicy()}
}

// WithRetryPolicy overrides the transient-retry policy. Tests use it to drop
// the backoff sleeps.
func (d *SQSDispatcher) WithRetryPolicy(p retry.Policy) *SQSDispatcher {
	d.policy = p
	return d
}

func (d *SQSDispatcher) Dispatch(ctx context.Context, step types.Step, payload map[string]any, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	body, err := json.Marshal(Message{Step: step, Payload: payload})
	if err != nil {
		return errors.Wrap(err, "marshal step message")
	}
	err = d.policy.Do(ctx, nil, "dispatch", func(ctx context.Context) error {
		_, err := d.api.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:     aws.String(d.queueURL),
			MessageBody:  aws.String(string(body)),
			DelaySeconds: int32(delay / time.Second),
			MessageAttributes: map[string]sqstypes.MessageAttributeValue{
				"step": {DataType: aws.String("String"), StringValue: aws.String(string(step))},
			},
		})
		return retry.Classify(err)
	})
	if err != nil {
		return errors.Wrapf(err, "dispatch %s", step)
	}
	return nil
}

// Parse decodes a step message body.
func Parse(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrap(err, "parse step message")
	}
	if !m.Step.Valid() {
		return nil, errors.Newf("unknown step %q", m.Step)
	}
	return &m, nil
}

// Queue is an in-process dispatcher for the local runner and tests. Delays
// are recorded, not slept; Pop returns messages in dispatch order.
type Queue struct {
	mu     sync.Mutex
	items  []queued
	delays []time.Duration
}

type queued struct {
	msg   Message
	delay time.Duration
}

// NewQueue creates an empty in-process queue.
func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Dispatch(ctx context.Context, step types.Step, payload map[string]any, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queued{msg: Message{Step: step, Payload: payload}, delay: delay})
	q.delays = append(q.delays, delay)
	return nil
}

// Pop removes and returns the oldest message, or nil when the queue is empty.
func (q *Queue) Pop() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	msg := item.msg
	return &msg
}

// Delays returns the delay requested with each dispatch, in order.
func (q *Queue) Delays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]time.Duration, len(q.delays))
	copy(out, q.delays)
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
