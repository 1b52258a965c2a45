// Package analytics keeps hourly delivery outcome counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/domain"
)

// DefaultRetention keeps counters for a week.
const DefaultRetention = 7 * 24 * time.Hour

// RedisSink increments stats:<user>:<channel>:<outcome>:<yyyymmddhh>.
// Failures are logged and dropped.
type RedisSink struct {
	client    redis.UniversalClient
	retention time.Duration
	logger    logrus.FieldLogger
}

func NewRedisSink(client redis.UniversalClient, retention time.Duration, logger logrus.FieldLogger) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{
		client:    client,
		retention: retention,
		logger:    logger.WithField("component", "analytics"),
	}
}

func (s *RedisSink) Record(ctx context.Context, userID string, channel domain.Channel, outcome string, at time.Time) {
	key := Key(userID, channel, outcome, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("analytics write failed")
	}
}

// Count returns the counter for one hourly bucket; missing buckets are zero.
func (s *RedisSink) Count(ctx context.Context, userID string, channel domain.Channel, outcome string, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, Key(userID, channel, outcome, at)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "redis get")
	}
	return n, nil
}

// Key builds the counter key for the UTC hour containing at.
func Key(userID string, channel domain.Channel, outcome string, at time.Time) string {
	return fmt.Sprintf("stats:%s:%s:%s:%s", userID, channel, outcome, at.UTC().Format("2006010215"))
}
