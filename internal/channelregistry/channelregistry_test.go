package channelregistry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/komodohq/pnwsync/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []wire.Frame
	sendFn func(wire.Frame) error
}

func (f *fakeSender) Send(ctx context.Context, fr wire.Frame) error {
	f.mu.Lock()
	f.sent = append(f.sent, fr)
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(fr)
	}
	return nil
}

func TestBind_SubscribesOnFirstBind(t *testing.T) {
	sender := &fakeSender{}
	reg := New(sender, testLogger())

	if err := reg.Bind(context.Background(), "nation-create", "NATION_CREATE", func(data json.RawMessage) error {
		return nil
	}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0].Event != "pusher:subscribe" {
		t.Fatalf("expected one subscribe frame, got %+v", sender.sent)
	}
}

func TestBind_SecondBindDoesNotResubscribe(t *testing.T) {
	sender := &fakeSender{}
	reg := New(sender, testLogger())
	ctx := context.Background()
	noop := func(data json.RawMessage) error { return nil }

	reg.Bind(ctx, "nation-create", "NATION_CREATE", noop)
	reg.Bind(ctx, "nation-create", "NATION_CREATE_METADATA", noop)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one subscribe frame across both binds, got %d", len(sender.sent))
	}
}

func TestDispatch_CallbacksInRegistrationOrder(t *testing.T) {
	sender := &fakeSender{}
	reg := New(sender, testLogger())
	ctx := context.Background()

	var order []int
	reg.Bind(ctx, "ch", "EVT", func(data json.RawMessage) error { order = append(order, 1); return nil })
	reg.Bind(ctx, "ch", "EVT", func(data json.RawMessage) error { order = append(order, 2); return nil })

	reg.Dispatch("ch", "EVT", json.RawMessage(`{}`))

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("callbacks ran out of order: %v", order)
	}
}

func TestDispatch_SubscriptionSucceededTransitionsState(t *testing.T) {
	sender := &fakeSender{}
	reg := New(sender, testLogger())
	ctx := context.Background()
	reg.Bind(ctx, "ch", "EVT", func(data json.RawMessage) error { return nil })

	if reg.State("ch") != Unsubscribed {
		t.Fatal("expected Unsubscribed before ack")
	}
	reg.Dispatch("ch", "pusher_internal:subscription_succeeded", json.RawMessage(`{}`))
	if reg.State("ch") != Subscribed {
		t.Fatal("expected Subscribed after ack")
	}
}

func TestDispatch_CallbackErrorDoesNotStopOthers(t *testing.T) {
	sender := &fakeSender{}
	reg := New(sender, testLogger())
	ctx := context.Background()

	var secondRan bool
	reg.Bind(ctx, "ch", "EVT", func(data json.RawMessage) error { return io.ErrUnexpectedEOF })
	reg.Bind(ctx, "ch", "EVT", func(data json.RawMessage) error { secondRan = true; return nil })

	reg.Dispatch("ch", "EVT", json.RawMessage(`{}`))
	if !secondRan {
		t.Error("second callback should still run after first returns an error")
	}
}

func TestUnsubscribe_IdempotentOnUnknownChannel(t *testing.T) {
	sender := &fakeSender{}
	reg := New(sender, testLogger())
	if err := reg.Unsubscribe(context.Background(), "never-bound"); err != nil {
		t.Fatalf("Unsubscribe on unknown channel should be a no-op, got: %v", err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 0 {
		t.Errorf("expected no frame sent, got %+v", sender.sent)
	}
}

func TestUnsubscribe_RemovesChannelImmediately(t *testing.T) {
	sender := &fakeSender{}
	reg := New(sender, testLogger())
	ctx := context.Background()
	reg.Bind(ctx, "ch", "EVT", func(data json.RawMessage) error { return nil })

	if err := reg.Unsubscribe(ctx, "ch"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if reg.State("ch") != Unsubscribed {
		t.Error("channel should report Unsubscribed after removal")
	}
	if err := reg.Unsubscribe(ctx, "ch"); err != nil {
		t.Fatalf("second Unsubscribe should be a no-op, got: %v", err)
	}
}
