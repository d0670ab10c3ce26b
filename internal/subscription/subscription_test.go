package subscription

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/komodohq/pnwsync/internal/channelregistry"
	"github.com/komodohq/pnwsync/internal/models"
	"github.com/komodohq/pnwsync/internal/restclient"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRest struct {
	mu          sync.Mutex
	subscribes  []string
	channelName string
}

func (f *fakeRest) Subscribe(ctx context.Context, kind, event string, include []string, since *restclient.SinceCursor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	label := kind + "/" + event
	if since != nil {
		label += "(resub)"
	}
	f.subscribes = append(f.subscribes, label)
	return f.channelName, nil
}

type fakeBinder struct {
	mu       sync.Mutex
	binds    map[string]map[string]channelregistry.Callback
	unsubs   []string
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{binds: make(map[string]map[string]channelregistry.Callback)}
}

func (f *fakeBinder) Bind(ctx context.Context, channel, event string, cb channelregistry.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.binds[channel] == nil {
		f.binds[channel] = make(map[string]channelregistry.Callback)
	}
	f.binds[channel][event] = cb
	return nil
}

func (f *fakeBinder) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, channel)
	delete(f.binds, channel)
	return nil
}

func (f *fakeBinder) fire(t *testing.T, channel, event string, data json.RawMessage) {
	t.Helper()
	f.mu.Lock()
	cb := f.binds[channel][event]
	f.mu.Unlock()
	require.NotNil(t, cb, "no callback bound for %s/%s", channel, event)
	require.NoError(t, cb(data))
}

func TestStart_BindsThreeEvents(t *testing.T) {
	rest := &fakeRest{channelName: "nation-update"}
	reg := newFakeBinder()
	sub := New(models.KindNation, models.EventUpdate, []string{"id", "score"}, rest, reg, func(ctx context.Context, raw json.RawMessage) error { return nil }, nil, testLogger())

	require.NoError(t, sub.Start(context.Background()))

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.Contains(t, reg.binds["nation-update"], "NATION_UPDATE")
	require.Contains(t, reg.binds["nation-update"], "BULK_NATION_UPDATE")
	require.Contains(t, reg.binds["nation-update"], "NATION_UPDATE_METADATA")
}

func TestOnSingle_InvokesHandler(t *testing.T) {
	rest := &fakeRest{channelName: "nation-update"}
	reg := newFakeBinder()

	var got json.RawMessage
	sub := New(models.KindNation, models.EventUpdate, nil, rest, reg, func(ctx context.Context, raw json.RawMessage) error {
		got = raw
		return nil
	}, nil, testLogger())
	require.NoError(t, sub.Start(context.Background()))

	reg.fire(t, "nation-update", "NATION_UPDATE", json.RawMessage(`{"id":1}`))
	require.JSONEq(t, `{"id":1}`, string(got))
}

func TestOnBulk_InvokesHandlerPerRecord(t *testing.T) {
	rest := &fakeRest{channelName: "nation-update"}
	reg := newFakeBinder()

	var count int
	sub := New(models.KindNation, models.EventUpdate, nil, rest, reg, func(ctx context.Context, raw json.RawMessage) error {
		count++
		return nil
	}, nil, testLogger())
	require.NoError(t, sub.Start(context.Background()))

	reg.fire(t, "nation-update", "BULK_NATION_UPDATE", json.RawMessage(`[{"id":1},{"id":2},{"id":3}]`))
	require.Equal(t, 3, count)
}

func TestOnBulk_PerRecordFailureDoesNotStopOthers(t *testing.T) {
	rest := &fakeRest{channelName: "nation-update"}
	reg := newFakeBinder()

	var ids []int
	sub := New(models.KindNation, models.EventUpdate, nil, rest, reg, func(ctx context.Context, raw json.RawMessage) error {
		var rec struct {
			ID int `json:"id"`
		}
		json.Unmarshal(raw, &rec)
		if rec.ID == 2 {
			return io.ErrUnexpectedEOF
		}
		ids = append(ids, rec.ID)
		return nil
	}, nil, testLogger())
	require.NoError(t, sub.Start(context.Background()))

	reg.fire(t, "nation-update", "BULK_NATION_UPDATE", json.RawMessage(`[{"id":1},{"id":2},{"id":3}]`))
	require.Equal(t, []int{1, 3}, ids)
}

func TestOnMetadata_NoGapAdvancesCache(t *testing.T) {
	rest := &fakeRest{channelName: "nation-update"}
	reg := newFakeBinder()
	sub := New(models.KindNation, models.EventUpdate, nil, rest, reg, func(ctx context.Context, raw json.RawMessage) error { return nil }, nil, testLogger())
	require.NoError(t, sub.Start(context.Background()))

	meta1 := models.Metadata{After: models.MetadataTime{Millis: 1, Nanos: 0}, Max: models.MetadataTime{Millis: 5, Nanos: 0}}
	raw1, _ := json.Marshal(meta1)
	reg.fire(t, "nation-update", "NATION_UPDATE_METADATA", raw1)

	meta2 := models.Metadata{After: models.MetadataTime{Millis: 5, Nanos: 1}, Max: models.MetadataTime{Millis: 10, Nanos: 0}}
	raw2, _ := json.Marshal(meta2)
	reg.fire(t, "nation-update", "NATION_UPDATE_METADATA", raw2)

	require.Equal(t, int64(10), sub.cached.Max.Millis)
	require.Empty(t, reg.unsubs, "no gap should trigger no resubscribe")
}

func TestOnMetadata_GapTriggersResubscribeWithSince(t *testing.T) {
	rest := &fakeRest{channelName: "nation-update"}
	reg := newFakeBinder()
	sub := New(models.KindNation, models.EventUpdate, nil, rest, reg, func(ctx context.Context, raw json.RawMessage) error { return nil }, nil, testLogger())
	require.NoError(t, sub.Start(context.Background()))

	meta1 := models.Metadata{After: models.MetadataTime{Millis: 1, Nanos: 0}, Max: models.MetadataTime{Millis: 5, Nanos: 0}}
	raw1, _ := json.Marshal(meta1)
	reg.fire(t, "nation-update", "NATION_UPDATE_METADATA", raw1)

	// new.after (100) is well past cached.max (5): a gap.
	meta2 := models.Metadata{After: models.MetadataTime{Millis: 100, Nanos: 0}, Max: models.MetadataTime{Millis: 200, Nanos: 0}}
	raw2, _ := json.Marshal(meta2)
	reg.fire(t, "nation-update", "NATION_UPDATE_METADATA", raw2)

	require.Contains(t, reg.unsubs, "nation-update")
	rest.mu.Lock()
	defer rest.mu.Unlock()
	require.Contains(t, rest.subscribes, "nation/update(resub)")
}

func TestStop_IdempotentOnNoChannel(t *testing.T) {
	rest := &fakeRest{channelName: "nation-update"}
	reg := newFakeBinder()
	sub := New(models.KindNation, models.EventUpdate, nil, rest, reg, func(ctx context.Context, raw json.RawMessage) error { return nil }, nil, testLogger())

	// Never started: Stop must be a no-op, not panic or error.
	require.NoError(t, sub.Stop(context.Background()))
}

func TestStop_UnsubscribesAndIsIdempotent(t *testing.T) {
	rest := &fakeRest{channelName: "nation-update"}
	reg := newFakeBinder()
	sub := New(models.KindNation, models.EventUpdate, nil, rest, reg, func(ctx context.Context, raw json.RawMessage) error { return nil }, nil, testLogger())
	require.NoError(t, sub.Start(context.Background()))

	require.NoError(t, sub.Stop(context.Background()))
	require.Contains(t, reg.unsubs, "nation-update")

	unsubCountBefore := len(reg.unsubs)
	require.NoError(t, sub.Stop(context.Background()))
	require.Equal(t, unsubCountBefore, len(reg.unsubs), "second Stop should not unsubscribe again")
}
