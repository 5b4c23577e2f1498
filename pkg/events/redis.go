package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/metrics"
	"github.com/cuemby/cyberrange/pkg/types"
)

// ChannelPrefix prefixes the pub/sub channel of every range
const ChannelPrefix = "cyberrange:events:"

// Channel returns the Redis pub/sub channel carrying a range's live events
func Channel(rangeID string) string {
	return ChannelPrefix + rangeID
}

// RedisRelay mirrors live events to Redis pub/sub so observers outside the
// process can follow a range
type RedisRelay struct {
	client *redis.Client
	queue  chan *types.EventLogEntry
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewRedisRelay creates a relay publishing through client
func NewRedisRelay(client *redis.Client, buffer int) *RedisRelay {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisRelay{
		client: client,
		queue:  make(chan *types.EventLogEntry, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("events-relay"),
	}
}

// Start begins the publish loop
func (r *RedisRelay) Start() {
	go r.run()
}

// Stop ends the publish loop and waits for it to exit. Queued events are dropped.
func (r *RedisRelay) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Relay queues entry for publishing, dropping it if the queue is full
func (r *RedisRelay) Relay(entry *types.EventLogEntry) {
	select {
	case r.queue <- entry:
	default:
		metrics.EventsDropped.Inc()
	}
}

func (r *RedisRelay) run() {
	defer close(r.doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	for {
		select {
		case entry := <-r.queue:
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if err := r.client.Publish(ctx, Channel(entry.RangeID), payload).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("range_id", entry.RangeID).Msg("Failed to relay event")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Follow subscribes to a range's relayed events. The channel closes when ctx
// ends or the subscription fails.
func Follow(ctx context.Context, client *redis.Client, rangeID string) (<-chan *types.EventLogEntry, error) {
	pubsub := client.Subscribe(ctx, Channel(rangeID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Channel(rangeID), err)
	}

	out := make(chan *types.EventLogEntry)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var entry types.EventLogEntry
				if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
					continue
				}
				select {
				case out <- &entry:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
