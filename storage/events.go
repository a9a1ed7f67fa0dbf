package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type EventType string

const (
	EventTaskCreated    EventType = "task-created"
	EventTaskUpdated    EventType = "task-updated"
	EventTaskDeleted    EventType = "task-deleted"
	EventTasksReordered EventType = "tasks-reordered"
	EventSubtaskAdded   EventType = "subtask-added"
	EventSubtaskUpdated EventType = "subtask-updated"
	EventSubtaskDeleted EventType = "subtask-deleted"
)

// TaskEvent announces a committed change to a user's tasks.
type TaskEvent struct {
	UserID string    `json:"userId"`
	TaskID string    `json:"taskId,omitempty"`
	Type   EventType `json:"type"`
	Time   time.Time `json:"time"`
}

// Publisher delivers task events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, ev TaskEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TaskEvent) error { return nil }

// Publishers fans an event out to every publisher and joins their errors.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, ev TaskEvent) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QueuePublisher enqueues events on an Azure Storage queue.
type QueuePublisher struct {
	queue *azqueue.QueueClient
}

func NewQueuePublisher(connStr, queueName string) (*QueuePublisher, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueuePublisher{queue: q}, nil
}

func (p *QueuePublisher) Publish(ctx context.Context, ev TaskEvent) error {
	data, err := sonic.MarshalString(ev)
	if err != nil {
		return err
	}
	_, err = p.queue.EnqueueMessage(ctx, data, nil)
	return err
}

// RedisPublisher broadcasts events on a Redis pub/sub channel so that every
// API instance can notify its own stream subscribers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev TaskEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// RelayRedis forwards events from a Redis channel into broker until ctx is
// done. It closes the subscription on return.
func RelayRedis(ctx context.Context, logger *log.Logger, client *redis.Client, channel string, broker *Broker) {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Error("task event subscription closed")
				return
			}
			var ev TaskEvent
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
				logger.WithError(err).Warn("unable to parse task event")
				continue
			}
			if ev.UserID == "" {
				logger.Warn("task event without user id - ignoring it")
				continue
			}
			_ = broker.Publish(ctx, ev)
		}
	}
}
