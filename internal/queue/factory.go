package queue

import (
	"context"
	"fmt"

	"datasync/internal/config"
)

// Open creates the Work Queue binding selected by QUEUE_DRIVER.
func Open(ctx context.Context, cfg *config.QueueConfig, worker *config.WorkerConfig) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(MemoryOptions{
			VisibilityTimeout: worker.VisibilityTimeout,
			DedupWindow:       cfg.DedupWindow,
		}), nil
	case "sqs":
		client, err := NewSQSClient(cfg.AWSRegion, cfg.AWSAccessKey, cfg.AWSSecretKey, cfg.AWSEndpoint)
		if err != nil {
			return nil, err
		}
		return NewSQSQueue(client, SQSOptions{
			QueueURL:          cfg.SQSQueueURL,
			VisibilityTimeout: worker.VisibilityTimeout,
		}), nil
	case "nats":
		return NewNATSQueue(ctx, NATSOptions{
			URL:               cfg.NATSURL,
			Stream:            cfg.NATSStream,
			Subject:           cfg.NATSSubject,
			Consumer:          cfg.NATSConsumer,
			DedupWindow:       cfg.DedupWindow,
			VisibilityTimeout: worker.VisibilityTimeout,
			MaxDeliver:        worker.MaxAttempts + 2,
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}
