package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewConsumerRequiresKey(t *testing.T) {
	if _, err := NewConsumer(Config{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestPushThenPop(t *testing.T) {
	addr := os.Getenv("RISKFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RISKFLOW_TEST_REDIS_ADDR not set")
	}
	c, err := NewConsumer(Config{Addr: addr, Key: "riskflow:test:" + uuid.NewString(), BlockTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	n, err := c.Push(ctx, []byte(`{"a":1}`), []byte(`{"a":2}`))
	if err != nil || n != 2 {
		t.Fatalf("push: n=%d err=%v", n, err)
	}
	first, err := c.Pop(ctx)
	if err != nil || string(first) != `{"a":1}` {
		t.Fatalf("pop first: %q %v", first, err)
	}
	if _, err := c.Pop(ctx); err != nil {
		t.Fatalf("pop second: %v", err)
	}
	empty, err := c.Pop(ctx)
	if err != nil || empty != nil {
		t.Fatalf("expected nil on timeout, got %q %v", empty, err)
	}
}
