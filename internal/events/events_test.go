package events

import (
	"encoding/json"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventNameHelpers(t *testing.T) {
	if got := EventName("nation", "create"); got != "nation_create" {
		t.Errorf("EventName = %q, want nation_create", got)
	}
	if got := FieldEventName("nation", "score"); got != "nation_score_update" {
		t.Errorf("FieldEventName = %q, want nation_score_update", got)
	}
	if got := ReconcileStartedEvent("city"); got != "reconcile_city_started" {
		t.Errorf("ReconcileStartedEvent = %q", got)
	}
}

func TestPublishSubscribe_FIFOWithinName(t *testing.T) {
	bus, err := New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bus.Close()

	var mu sync.Mutex
	var got []int

	done := make(chan struct{})
	sub, err := bus.Subscribe("nation_score_update", func(data []byte) error {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, n)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	for i := 1; i <= 3; i++ {
		if err := bus.Publish("nation_score_update", i); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i+1 {
			t.Errorf("event %d out of order: got %v", i, got)
		}
	}
}

func TestSubscribe_HandlerPanicIsolated(t *testing.T) {
	bus, err := New(testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bus.Close()

	done := make(chan struct{})
	sub, err := bus.Subscribe("alliance_create", func(data []byte) error {
		defer close(done)
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish("alliance_create", map[string]int{"id": 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	// No assertion beyond "test process didn't crash": a panicking handler
	// must not bring down the bus.
	time.Sleep(10 * time.Millisecond)
}
