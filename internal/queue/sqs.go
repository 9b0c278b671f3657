package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

// SQSOptions configures the SQS binding.
type SQSOptions struct {
	QueueURL          string
	VisibilityTimeout time.Duration
	// WaitTime is the long-poll duration of one receive call, at most 20s.
	WaitTime time.Duration
}

// SQSQueue binds the Work Queue to Amazon SQS. FIFO queues (".fifo" suffix) get
// MessageGroupId and MessageDeduplicationId from the publish options.
type SQSQueue struct {
	client sqsiface.SQSAPI
	opts   SQSOptions
	fifo   bool
}

// NewSQSClient builds an SQS client. Empty keys fall back to the default AWS
// credential chain; a non-empty endpoint targets a local emulator.
func NewSQSClient(region, accessKey, secretKey, endpoint string) (sqsiface.SQSAPI, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return sqs.New(sess), nil
}

func NewSQSQueue(client sqsiface.SQSAPI, opts SQSOptions) *SQSQueue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.WaitTime <= 0 || opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	return &SQSQueue{
		client: client,
		opts:   opts,
		fifo:   strings.HasSuffix(opts.QueueURL, ".fifo"),
	}
}

func (q *SQSQueue) Publish(ctx context.Context, body []byte, opts PublishOptions) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.opts.QueueURL),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		if opts.GroupKey != "" {
			input.MessageGroupId = aws.String(opts.GroupKey)
		}
		if opts.DedupKey != "" {
			input.MessageDeduplicationId = aws.String(opts.DedupKey)
		}
	}
	if _, err := q.client.SendMessageWithContext(ctx, input); err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if max > 10 {
		max = 10
	}
	out, err := q.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.opts.QueueURL),
		MaxNumberOfMessages: aws.Int64(int64(max)),
		WaitTimeSeconds:     aws.Int64(int64(q.opts.WaitTime / time.Second)),
		VisibilityTimeout:   aws.Int64(int64(q.opts.VisibilityTimeout / time.Second)),
		AttributeNames:      aws.StringSlice([]string{sqs.MessageSystemAttributeNameApproximateReceiveCount}),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sqs receive message: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		attempt := 1
		if raw, ok := m.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]; ok && raw != nil {
			if n, err := strconv.Atoi(*raw); err == nil && n > 0 {
				attempt = n
			}
		}
		deliveries = append(deliveries, &sqsDelivery{
			queue:   q,
			body:    []byte(aws.StringValue(m.Body)),
			receipt: aws.StringValue(m.ReceiptHandle),
			attempt: attempt,
		})
	}
	return deliveries, nil
}

// Close is a no-op; the SQS client holds no connection of its own.
func (q *SQSQueue) Close() error { return nil }

type sqsDelivery struct {
	queue   *SQSQueue
	body    []byte
	receipt string
	attempt int
}

func (d *sqsDelivery) Body() []byte { return d.body }

func (d *sqsDelivery) Attempt() int { return d.attempt }

func (d *sqsDelivery) Ack(ctx context.Context) error {
	_, err := d.queue.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queue.opts.QueueURL),
		ReceiptHandle: aws.String(d.receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete message: %w", err)
	}
	return nil
}

// Requeue makes the message visible again after delay. SQS caps visibility at 12h.
func (d *sqsDelivery) Requeue(ctx context.Context, delay time.Duration) error {
	seconds := int64(delay / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if seconds > 43200 {
		seconds = 43200
	}
	_, err := d.queue.client.ChangeMessageVisibilityWithContext(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.queue.opts.QueueURL),
		ReceiptHandle:     aws.String(d.receipt),
		VisibilityTimeout: aws.Int64(seconds),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}
