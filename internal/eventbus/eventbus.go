// Package eventbus publishes non-ACK Runner Protocol events to Redis
// pub/sub so external observers can watch plugin instance activity
// without polling the supervisor's HTTP surface. It is purely additive:
// the supervisor's own request/ACK correlator still logs and discards
// events itself regardless of whether a Bus is attached.
//
// Grounded on queue.RedisClient (connection setup via
// redis.ParseURL, Publish over go-redis/v9).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nullboard/pluginsup/internal/protocol"
)

// Bus publishes plugin instance events to Redis pub/sub, one channel per
// instance.
type Bus struct {
	client        *redis.Client
	channelPrefix string
}

// Options configures a Bus.
type Options struct {
	// URL is the Redis connection string, e.g. "redis://localhost:6379".
	URL string

	// ChannelPrefix namespaces the pub/sub channel names; the full channel
	// for an instance is "<prefix><instance_id>". Defaults to
	// "pluginsup:events:".
	ChannelPrefix string

	ConnectTimeout time.Duration
}

// New connects to Redis and returns a Bus, or an error if the connection
// cannot be established.
func New(opts Options) (*Bus, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = "pluginsup:events:"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("eventbus: parse redis url: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: connect to redis: %w", err)
	}

	return &Bus{client: client, channelPrefix: opts.ChannelPrefix}, nil
}

// NewWithClient wraps an already-configured go-redis client, used by tests
// against an in-process miniredis server.
func NewWithClient(client *redis.Client, channelPrefix string) *Bus {
	if channelPrefix == "" {
		channelPrefix = "pluginsup:events:"
	}
	return &Bus{client: client, channelPrefix: channelPrefix}
}

// Publish serializes msg and publishes it to the instance's channel.
// Publish failures are non-fatal to the caller's lifecycle operation; the
// supervisor logs them and proceeds.
func (b *Bus) Publish(ctx context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("eventbus: marshal message: %w", err)
	}
	channel := fmt.Sprintf("%s%d", b.channelPrefix, msg.InstanceID)
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("eventbus: publish to %s: %w", channel, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}
