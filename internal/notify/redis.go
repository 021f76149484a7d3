package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/flagyard/internal/config"
	"github.com/zulandar/flagyard/internal/logging"
	"github.com/zulandar/flagyard/internal/relay"
)

// publishTimeout bounds one Redis publish so a dead broker cannot pile up
// goroutines behind the relay's event path.
const publishTimeout = 5 * time.Second

// RedisPublisher publishes every update as JSON to a Redis channel, for
// scoreboards and other team tooling subscribed to the relay.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

// NewRedisPublisher connects a publisher to the configured Redis.
func NewRedisPublisher(cfg config.RedisConfig, logger *logging.Logger) *RedisPublisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisPublisher{
		client:  redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		channel: cfg.Channel,
		logger:  logger,
	}
}

// Publish implements relay.Publisher.
func (p *RedisPublisher) Publish(update relay.Update) {
	payload, err := json.Marshal(update)
	if err != nil {
		p.logger.Errorf("NOTIFY: marshal update: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warningf("NOTIFY: redis publish: %v", err)
	}
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
