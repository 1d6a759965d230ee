package transport

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisStreamOptions configures the Redis Streams backed dialer.
type RedisStreamOptions struct {
	Addr     string
	Group    string
	Consumer string
	Prefix   string
}

// NewRedisStreamDialer builds a WatermillDialer on top of Redis Streams. The
// returned dialer owns the redis client; Close releases it.
func NewRedisStreamDialer(opts RedisStreamOptions) (*WatermillDialer, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis stream dialer: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: opts.Group,
		Consumer:      opts.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}

	d, err := NewWatermillDialer(pub, sub, opts.Prefix)
	if err != nil {
		return nil, err
	}
	group := opts.Group
	d.beforeSubscribe = func(ctx context.Context, topic string) error {
		return EnsureGroupAtTail(ctx, client, topic, group)
	}
	d.closer = func() error {
		var firstErr error
		for _, c := range []func() error{sub.Close, pub.Close, client.Close} {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return d, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) so a
// fresh subscriber does not replay the whole history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
