package report

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL keeps session hashes around long enough for a consumer to pick them up.
const DefaultRedisTTL = 7 * 24 * time.Hour

// RedisSink stores one hash per session: field = file name, value = JSON report.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig configures RedisSink.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// NewRedisSink creates the client lazily; nothing is dialled until Write.
func NewRedisSink(cfg RedisConfig) *RedisSink {
	if cfg.Prefix == "" {
		cfg.Prefix = "recorder"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRedisTTL
	}
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: 2 * time.Second,
		}),
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}
}

// HashKey is the Redis key holding a session's reports.
func (s *RedisSink) HashKey(sessionID string) string {
	return s.prefix + ":session:" + sessionID + ":chunks"
}

// Write implements Sink in a single round trip.
func (s *RedisSink) Write(ctx context.Context, reports []ChunkReport) error {
	fields := make(map[string][]any)
	for _, r := range reports {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		key := s.HashKey(r.SessionID)
		fields[key] = append(fields[key], r.FileName, string(data))
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, values := range fields {
			pipe.HSet(ctx, key, values...)
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
