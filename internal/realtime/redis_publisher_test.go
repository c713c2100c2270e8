package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	pub, err := NewRedisPublisher("redis://"+s.Addr(), "rt:")
	if err != nil {
		t.Fatalf("failed to create redis publisher: %v", err)
	}
	return pub, s
}

func TestNewRedisPublisher(t *testing.T) {
	pub, s := setupTestPublisher(t)
	defer s.Close()
	defer pub.Close()

	if err := pub.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisPublisherBadURL(t *testing.T) {
	if _, err := NewRedisPublisher("not-a-url", "rt:"); err == nil {
		t.Error("expected error for invalid redis url, got nil")
	}
}

func TestPublishDeliversToRoomChannel(t *testing.T) {
	pub, s := setupTestPublisher(t)
	defer s.Close()
	defer pub.Close()

	ctx := context.Background()

	sub := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer sub.Close()
	pubsub := sub.Subscribe(ctx, "rt:board:board-1")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	payload := map[string]any{"boardId": "board-1", "activity": map[string]any{"id": "act_1"}}
	if err := pub.Publish(ctx, "board:board-1", "activity:created", payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-pubsub.Channel():
		var envelope message
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if envelope.Event != "activity:created" {
			t.Errorf("expected event activity:created, got %s", envelope.Event)
		}
		data, ok := envelope.Data.(map[string]any)
		if !ok || data["boardId"] != "board-1" {
			t.Errorf("unexpected data %v", envelope.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	pub, s := setupTestPublisher(t)
	defer s.Close()
	defer pub.Close()

	err := pub.Publish(context.Background(), "board:empty", "activity:created", map[string]any{"boardId": "empty"})
	if err != nil {
		t.Errorf("Publish to empty room failed: %v", err)
	}
}
