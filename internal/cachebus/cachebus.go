// Package cachebus broadcasts snapshot-cache invalidations between API
// processes over Redis pub/sub. Every process still clears its own cache
// synchronously on save; the bus only shortens how long other processes
// serve a stale board.
package cachebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "kanban:cache:invalidate"

// Event is one invalidation message.
type Event struct {
	DocumentID string    `json:"document_id"`
	Origin     string    `json:"origin"`
	At         time.Time `json:"at"`
}

// Connect parses redisURL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Bus publishes and receives invalidations. A nil *Bus is a no-op, which
// is what a process without Redis gets.
type Bus struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	logger     *slog.Logger
}

func New(client redis.UniversalClient, channel string, logger *slog.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

func (b *Bus) InstanceID() string {
	if b == nil {
		return ""
	}
	return b.instanceID
}

// Publish announces that documentID was saved by this process.
func (b *Bus) Publish(ctx context.Context, documentID string) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(Event{DocumentID: documentID, Origin: b.instanceID, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Listener is a live subscription started by Listen.
type Listener struct {
	sub  *redis.PubSub
	done chan struct{}
	once sync.Once
}

// Close stops the subscription and waits for the delivery loop to exit.
func (l *Listener) Close() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		err = l.sub.Close()
		<-l.done
	})
	return err
}

// Listen subscribes and calls handle for every event published by another
// process. It returns once the subscription is confirmed.
func (b *Bus) Listen(ctx context.Context, handle func(Event)) (*Listener, error) {
	if b == nil {
		return nil, nil
	}
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	l := &Listener{sub: sub, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("dropping malformed invalidation", "error", err.Error())
					continue
				}
				if event.Origin == b.instanceID {
					continue
				}
				handle(event)
			}
		}
	}()
	return l, nil
}
