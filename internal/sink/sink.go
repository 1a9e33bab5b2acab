// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sink forwards polled readings to external storage.
package sink

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Thermoquad/derv/internal/config"
	"github.com/Thermoquad/derv/pkg/derv"
)

// Reading is one address slot of a polled reply
type Reading struct {
	Time    time.Time
	Segment uint8
	Address uint16
	Code    uint8
	Data    []byte
	Error   string
}

// Values returns the stream entry fields for r
func (r Reading) Values() map[string]interface{} {
	v := map[string]interface{}{
		"ts":      r.Time.UnixMilli(),
		"segment": strconv.Itoa(int(r.Segment)),
		"addr":    strconv.Itoa(int(r.Address)),
		"code":    strconv.Itoa(int(r.Code)),
	}
	if r.Error != "" {
		v["error"] = r.Error
	} else {
		v["data"] = hex.EncodeToString(r.Data)
	}
	return v
}

// FromReply splits a readings reply into per-address readings
func FromReply(c *derv.Command, r *derv.Reply, at time.Time) []Reading {
	if r.Code != derv.ReplyReadings {
		return nil
	}
	out := make([]Reading, 0, len(c.Addresses))
	for i, addr := range c.Addresses {
		rd := Reading{Time: at, Segment: c.Port, Address: addr, Code: r.EchoCode}
		if kind, failed := r.ErrorFor(uint8(i + 1)); failed {
			rd.Error = kind.String()
		} else {
			rd.Data = append([]byte(nil), r.Slot(i)...)
		}
		out = append(out, rd)
	}
	return out
}

// Sink receives batches of readings
type Sink interface {
	Publish(ctx context.Context, readings []Reading) error
	Close() error
}

// Nop discards every reading
type Nop struct{}

func (Nop) Publish(context.Context, []Reading) error { return nil }
func (Nop) Close() error                             { return nil }

// RedisSink appends readings to a capped redis stream
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedis connects to redis and checks the connection
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis sink needs sink.redis.addr")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisSink{client: rdb, stream: cfg.Stream, maxLen: cfg.MaxLen, logger: logger}, nil
}

// Publish adds one stream entry per reading in a single round trip
func (s *RedisSink) Publish(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, r := range readings {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: s.maxLen > 0,
			Values: r.Values(),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	s.logger.Debug("readings published", zap.String("stream", s.stream), zap.Int("count", len(readings)))
	return nil
}

// Close releases the redis connection
func (s *RedisSink) Close() error {
	return s.client.Close()
}
