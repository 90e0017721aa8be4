package api

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("r1")

	b.Publish("r1", newRunEvent("run.improved", "r1", map[string]any{"x": 1}))
	b.Publish("r2", newRunEvent("run.improved", "r2", nil))

	select {
	case got := <-ch:
		if got.Type != "run.improved" || got.RunID != "r1" {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.Data["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	select {
	case got := <-ch:
		t.Fatalf("received event of another run: %+v", got)
	default:
	}

	b.Unsubscribe("r1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// a second unsubscribe and a publish with no subscribers are no-ops
	b.Unsubscribe("r1", ch)
	b.Publish("r1", newRunEvent("run.completed", "r1", nil))
}

func TestBrokerDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("r1")
	for i := 0; i < 100; i++ {
		b.Publish("r1", newRunEvent("run.improved", "r1", nil))
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer holds %d of %d", len(ch), cap(ch))
	}
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := NewRedisBroker(rdb)
	ch := b.Subscribe("r1")
	b.Publish("r1", newRunEvent("run.completed", "r1", map[string]any{"objectiveValue": 12.5}))

	select {
	case got := <-ch:
		if got.Type != "run.completed" || got.Data["objectiveValue"] != 12.5 {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}

	b.Unsubscribe("r1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
