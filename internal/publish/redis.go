// Package publish fans fleet updates out to Redis so other services can
// follow the device fleet without a WebSocket.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/avaropoint/devmirror/internal/adb"
	"github.com/avaropoint/devmirror/internal/config"
	"github.com/avaropoint/devmirror/internal/fleet"
	"github.com/avaropoint/devmirror/internal/protocol"
)

// RedisPublisher publishes a message per changed or removed device on a
// channel and mirrors the current descriptors in a hash named after it.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// Removal is the payload published for a device that left the fleet.
type Removal struct {
	UDID  string    `json:"udid"`
	State adb.State `json:"state"`
}

// NewRedisPublisher connects to Redis and checks the connection.
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisPublisherFromClient(rdb, cfg.Channel, log), nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(client *redis.Client, channel string, log *zap.Logger) *RedisPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPublisher{client: client, channel: channel, log: log.Named("publish")}
}

// HashKey is the hash holding one JSON descriptor per udid.
func (p *RedisPublisher) HashKey() string { return p.channel + ":state" }

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error { return p.client.Close() }

// Run publishes every update until updates is closed or ctx ends.
func (p *RedisPublisher) Run(ctx context.Context, updates <-chan fleet.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if err := p.Publish(ctx, u); err != nil {
				p.log.Warn("publish fleet update", zap.Error(err))
			}
		}
	}
}

// Publish sends the devices an update touched.
func (p *RedisPublisher) Publish(ctx context.Context, u fleet.Update) error {
	byUDID := make(map[string]fleet.DeviceDescriptor, len(u.Devices))
	for _, d := range u.Devices {
		byUDID[d.UDID] = d
	}

	pipe := p.client.TxPipeline()
	for _, udid := range u.Changed {
		d, ok := byUDID[udid]
		if !ok {
			continue
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		msg, err := json.Marshal(protocol.Message{Type: protocol.MsgDevice, Payload: raw})
		if err != nil {
			return err
		}
		pipe.HSet(ctx, p.HashKey(), udid, raw)
		pipe.Publish(ctx, p.channel, msg)
	}
	for _, udid := range u.Removed {
		msg, err := protocol.NewMessage(protocol.MsgDevice, Removal{UDID: udid, State: adb.StateDisconnected})
		if err != nil {
			return err
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		pipe.HDel(ctx, p.HashKey(), udid)
		pipe.Publish(ctx, p.channel, raw)
	}
	if pipe.Len() == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}
