package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avaropoint/devmirror/internal/adb"
	"github.com/avaropoint/devmirror/internal/config"
	"github.com/avaropoint/devmirror/internal/fleet"
	"github.com/avaropoint/devmirror/internal/protocol"
)

func TestRedisPublisher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Requires a running Redis; DB 1 keeps test data apart.
	cfg := config.RedisConfig{Addr: "localhost:6379", DB: 1, Channel: "devmirror:test:" + t.Name()}
	pub, err := NewRedisPublisher(ctx, cfg, nil)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer pub.Close()

	reader := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	defer reader.Close()
	defer reader.Del(context.Background(), pub.HashKey())

	sub := reader.Subscribe(ctx, cfg.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	d := fleet.NewDescriptor("serial-9", adb.StateDevice)
	d.Model = "Pixel"
	if err := pub.Publish(ctx, fleet.Update{Devices: []fleet.DeviceDescriptor{d}, Changed: []string{"serial-9"}}); err != nil {
		t.Fatal(err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var env protocol.Message
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Type != protocol.MsgDevice {
		t.Fatalf("message = %q, %v", msg.Payload, err)
	}
	var got fleet.DeviceDescriptor
	if err := json.Unmarshal(env.Payload, &got); err != nil || got.Model != "Pixel" {
		t.Errorf("descriptor = %+v, %v", got, err)
	}

	stored, err := reader.HGet(ctx, pub.HashKey(), "serial-9").Result()
	if err != nil || stored == "" {
		t.Errorf("hash entry = %q, %v", stored, err)
	}

	if err := pub.Publish(ctx, fleet.Update{Removed: []string{"serial-9"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := sub.ReceiveMessage(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := reader.HGet(ctx, pub.HashKey(), "serial-9").Result(); err != redis.Nil {
		t.Errorf("removed device still in hash: %v", err)
	}
}

func TestPublishEmptyUpdate(t *testing.T) {
	// An update that touches nothing never reaches Redis.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	pub := NewRedisPublisherFromClient(client, "devmirror:devices", nil)
	if err := pub.Publish(context.Background(), fleet.Update{}); err != nil {
		t.Errorf("empty update: %v", err)
	}
}
