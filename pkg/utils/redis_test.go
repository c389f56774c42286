package utils

import (
	"context"
	"testing"
	"time"
)

func TestRedisConfigDefaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379", MinIdleConns: -1}.withDefaults()
	if c.PoolSize != 20 || c.MinIdleConns != 0 {
		t.Fatalf("unexpected pool defaults: %+v", c)
	}
	if c.PingTimeout != 2*time.Second {
		t.Fatalf("expected ping timeout default")
	}
}

func TestOpenRedisRequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
