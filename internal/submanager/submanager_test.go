package submanager

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

type fakeSubscriber struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, kind, event string, include []string, since *restclient.SinceCursor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return kind + "-" + event + "-channel", nil
}

func (f *fakeSubscriber) Snapshot(ctx context.Context, kind string) ([]json.RawMessage, error) {
	return []json.RawMessage{json.RawMessage(`{"id":1}`)}, nil
}

type fakeBinder struct {
	mu    sync.Mutex
	binds int
}

func (f *fakeBinder) Bind(ctx context.Context, channel, event string, cb channelregistry.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds++
	return nil
}

func (f *fakeBinder) Unsubscribe(ctx context.Context, channel string) error { return nil }

type fakeStore struct {
	mu               sync.Mutex
	allianceCreates  []models.Alliance
	nationUpdates    []models.Nation
	accountUpdates   []models.AccountUpdate
	cityDeletes      []int64
}

func (f *fakeStore) ApplyAllianceCreate(ctx context.Context, a models.Alliance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allianceCreates = append(f.allianceCreates, a)
	return nil
}
func (f *fakeStore) ApplyAllianceUpdate(ctx context.Context, a models.Alliance) error { return nil }
func (f *fakeStore) ApplyAllianceDelete(ctx context.Context, id int64) error          { return nil }

func (f *fakeStore) ApplyAlliancePositionCreate(ctx context.Context, p models.AlliancePosition) error {
	return nil
}
func (f *fakeStore) ApplyAlliancePositionUpdate(ctx context.Context, p models.AlliancePosition) error {
	return nil
}
func (f *fakeStore) ApplyAlliancePositionDelete(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) ApplyNationCreate(ctx context.Context, n models.Nation) error { return nil }
func (f *fakeStore) ApplyNationUpdate(ctx context.Context, n models.Nation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nationUpdates = append(f.nationUpdates, n)
	return nil
}
func (f *fakeStore) ApplyNationDelete(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) ApplyCityCreate(ctx context.Context, c models.City) error { return nil }
func (f *fakeStore) ApplyCityUpdate(ctx context.Context, c models.City) error { return nil }
func (f *fakeStore) ApplyCityDelete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cityDeletes = append(f.cityDeletes, id)
	return nil
}

func (f *fakeStore) ApplyAccountUpdate(ctx context.Context, acc models.AccountUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountUpdates = append(f.accountUpdates, acc)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscribe_IsIdempotent(t *testing.T) {
	rest := &fakeSubscriber{}
	reg := &fakeBinder{}
	st := &fakeStore{}
	mgr := New(rest, reg, st, nil, testLogger())

	sub1, err := mgr.Subscribe(context.Background(), models.KindNation, models.EventUpdate, nil)
	require.NoError(t, err)
	sub2, err := mgr.Subscribe(context.Background(), models.KindNation, models.EventUpdate, nil)
	require.NoError(t, err)

	require.Same(t, sub1, sub2)
	require.Equal(t, 1, rest.calls)
}

func TestSubscribe_AccountOnlySupportsUpdate(t *testing.T) {
	rest := &fakeSubscriber{}
	reg := &fakeBinder{}
	st := &fakeStore{}
	mgr := New(rest, reg, st, nil, testLogger())

	_, err := mgr.Subscribe(context.Background(), models.KindAccount, models.EventCreate, nil)
	require.Error(t, err)

	_, err = mgr.Subscribe(context.Background(), models.KindAccount, models.EventUpdate, nil)
	require.NoError(t, err)
}

func TestStartAll_OpensEveryConfiguredPair(t *testing.T) {
	rest := &fakeSubscriber{}
	reg := &fakeBinder{}
	st := &fakeStore{}
	mgr := New(rest, reg, st, nil, testLogger())

	modelEvents := map[string][]string{
		"nation":   {"create", "update", "delete"},
		"alliance": {"create"},
		"account":  {"update"},
	}
	err := mgr.StartAll(context.Background(), modelEvents)
	require.NoError(t, err)
	require.Equal(t, 5, rest.calls)
}

func TestHandlerFor_AllianceCreateDispatchesToStore(t *testing.T) {
	rest := &fakeSubscriber{}
	reg := &fakeBinder{}
	st := &fakeStore{}
	mgr := New(rest, reg, st, nil, testLogger())

	handler, err := mgr.handlerFor(models.KindAlliance, models.EventCreate)
	require.NoError(t, err)

	raw := json.RawMessage(`{"id":42,"name":"Test"}`)
	require.NoError(t, handler(context.Background(), raw))
	require.Len(t, st.allianceCreates, 1)
	require.Equal(t, int64(42), st.allianceCreates[0].ID)
}

func TestHandlerFor_DeleteDecodesIDEnvelope(t *testing.T) {
	rest := &fakeSubscriber{}
	reg := &fakeBinder{}
	st := &fakeStore{}
	mgr := New(rest, reg, st, nil, testLogger())

	handler, err := mgr.handlerFor(models.KindCity, models.EventDelete)
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), json.RawMessage(`{"id":7}`)))
	require.Equal(t, []int64{7}, st.cityDeletes)
}

func TestHandlerFor_UnknownKind(t *testing.T) {
	rest := &fakeSubscriber{}
	reg := &fakeBinder{}
	st := &fakeStore{}
	mgr := New(rest, reg, st, nil, testLogger())

	_, err := mgr.handlerFor(models.Kind("unknown"), models.EventCreate)
	require.Error(t, err)
}

func TestFetchSnapshot_DelegatesToRESTClient(t *testing.T) {
	rest := &fakeSubscriber{}
	reg := &fakeBinder{}
	st := &fakeStore{}
	mgr := New(rest, reg, st, nil, testLogger())

	raw, err := mgr.FetchSnapshot(context.Background(), "nation")
	require.NoError(t, err)
	require.Len(t, raw, 1)
}

func TestStopAll_StopsEveryOpenSubscription(t *testing.T) {
	rest := &fakeSubscriber{}
	reg := &fakeBinder{}
	st := &fakeStore{}
	mgr := New(rest, reg, st, nil, testLogger())

	sub, err := mgr.Subscribe(context.Background(), models.KindNation, models.EventCreate, nil)
	require.NoError(t, err)

	mgr.StopAll(context.Background())
	require.NoError(t, sub.Stop(context.Background()))
}
