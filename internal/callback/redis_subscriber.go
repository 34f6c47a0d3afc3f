package callback

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSubscriber feeds notifications published on a Redis channel into
// the receiver. Pub/sub delivery is at-most-once; the reconciler repairs
// anything lost while disconnected.
type RedisSubscriber struct {
	client   *redis.Client
	channel  string
	receiver *Receiver
	logger   *zap.Logger
}

// NewRedisSubscriber creates a subscriber for channel.
func NewRedisSubscriber(client *redis.Client, channel string, receiver *Receiver, logger *zap.Logger) *RedisSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSubscriber{client: client, channel: channel, receiver: receiver, logger: logger}
}

// Run consumes the channel until ctx is done.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("listening for engine callbacks", zap.String("channel", s.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg.Payload)
		}
	}
}

func (s *RedisSubscriber) handleMessage(ctx context.Context, payload string) Result {
	n, err := ParseNotification([]byte(payload))
	if err != nil {
		s.logger.Warn("dropping malformed callback message", zap.String("channel", s.channel), zap.Error(err))
		return ""
	}
	result, err := s.receiver.Handle(ctx, n)
	if err != nil {
		s.logger.Warn("callback message not applied",
			zap.String("process_instance_id", n.ProcessInstanceID),
			zap.String("event_type", string(n.EventType)),
			zap.Error(err))
	}
	return result
}
