package db

import (
	"context"
	"testing"
	"time"
)

const unreachableDSN = "host=127.0.0.1 port=1 user=app dbname=app sslmode=disable connect_timeout=1"

func TestConnect_GivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	gdb, err := Connect(ctx, unreachableDSN)
	if err == nil || gdb != nil {
		t.Fatalf("Connect() = %v, %v; want an error", gdb, err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Connect() kept retrying for %s after the context ended", elapsed)
	}
}
