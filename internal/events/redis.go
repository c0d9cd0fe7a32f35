package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lectern/internal/logging"
)

// RedisBus relays events over redis pub/sub on <prefix>:events and carries
// queue wake-ups on <prefix>:wake.
type RedisBus struct {
	client   *redis.Client
	events   string
	wake     string
	local    *LocalBus
	wakeMu   sync.Mutex
	wakeCh   chan struct{}
	logger   *slog.Logger
	stopOnce sync.Once
	done     chan struct{}
}

// NewRedisBus connects to url (redis://...) and starts relaying.
func NewRedisBus(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "lectern"
	}
	b := &RedisBus{
		client: client,
		events: prefix + ":events",
		wake:   prefix + ":wake",
		local:  NewLocalBus(),
		wakeCh: make(chan struct{}),
		logger: logging.NewComponentLogger(logger, "events"),
		done:   make(chan struct{}),
	}

	pubsub := client.Subscribe(ctx, b.events, b.wake)
	if _, err := pubsub.Receive(pingCtx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe redis channels: %w", err)
	}
	go b.relay(pubsub)
	return b, nil
}

func (b *RedisBus) relay(pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Channel, msg.Payload)
		}
	}
}

func (b *RedisBus) dispatch(channel, payload string) {
	switch channel {
	case b.wake:
		b.fire()
	case b.events:
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			b.logger.Debug("discarding malformed event", logging.Error(err))
			return
		}
		b.local.deliver(ev)
	}
}

// Publish sends event to every daemon subscribed to the prefix, this one included.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(stamp(event))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.client.Publish(ctx, b.events, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return b.local.Subscribe(ctx)
}

// Notify broadcasts a queue wake-up.
func (b *RedisBus) Notify() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.wake, "1").Err(); err != nil {
		b.logger.Debug("redis wake publish failed", logging.Error(err))
		b.fire()
	}
}

// C returns a channel that closes on the next wake-up from any daemon.
func (b *RedisBus) C() <-chan struct{} {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	return b.wakeCh
}

func (b *RedisBus) fire() {
	b.wakeMu.Lock()
	close(b.wakeCh)
	b.wakeCh = make(chan struct{})
	b.wakeMu.Unlock()
}

// Close stops relaying and closes the client.
func (b *RedisBus) Close() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.done)
		err = b.client.Close()
	})
	return err
}
