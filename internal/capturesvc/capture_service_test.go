package capturesvc

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

type fakeBackend struct {
	ready   chan struct{}
	devices []BackendDevice
	events  chan BackendEvent
}

func newFakeBackend(devices ...BackendDevice) *fakeBackend {
	return &fakeBackend{
		ready:   make(chan struct{}),
		devices: devices,
		events:  make(chan BackendEvent),
	}
}

func (b *fakeBackend) Start(ctx context.Context, publisher BackendPublisher) error {
	if len(b.devices) > 0 {
		publisher(ctx, BackendEvent{
			DevicesChanged: &BackendEventDevicesChanged{Connected: b.devices},
		})
	}
	close(b.ready)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.events:
			publisher(ctx, ev)
		}
	}
}

func (b *fakeBackend) Enumerate() ([]BackendDevice, error) {
	return b.devices, nil
}

func (b *fakeBackend) Ready() <-chan struct{} {
	return b.ready
}

func startService(t *testing.T, s *Service) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		err := s.Start(ctx)
		assert.NoError(t, err)
	}()
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not become ready")
	}
	return ctx
}

func TestDeviceRegistryPersistence(t *testing.T) {
	db := openTestDB(t)
	backend := newFakeBackend(BackendDevice{ID: "event3", Name: "USB Keyboard"})
	s := New(db, zap.NewNop(), time.Now, WithBackend("fake", backend))

	startService(t, s)

	require.Eventually(t, func() bool {
		devices, err := s.ListInputDevices()
		require.NoError(t, err)
		return len(devices) == 1 && !devices[0].FirstSeenAt.IsZero()
	}, 5*time.Second, 10*time.Millisecond)

	devices, err := s.ListInputDevices()
	require.NoError(t, err)
	assert.Equal(t, Address{Backend: "fake", ID: "event3"}, devices[0].Address)
	assert.Equal(t, "USB Keyboard", devices[0].Name)
	assert.True(t, devices[0].Connected)
}

func TestFirstSeenSurvivesReconnect(t *testing.T) {
	db := openTestDB(t)
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(48 * time.Hour)
	now := first
	s := New(db, zap.NewNop(), func() time.Time { return now })

	dev, err := s.initializeInputDevice("fake", BackendDevice{ID: "event3", Name: "USB Keyboard"})
	require.NoError(t, err)
	assert.Equal(t, first, dev.FirstSeenAt)
	assert.Equal(t, first, dev.LastSeenAt)

	now = second
	dev, err = s.initializeInputDevice("fake", BackendDevice{ID: "event3", Name: "USB Keyboard"})
	require.NoError(t, err)
	assert.Equal(t, first, dev.FirstSeenAt, "first-seen is preserved across reconnects")
	assert.Equal(t, second, dev.LastSeenAt)
}

func TestSubscribeReceivesBackendEvents(t *testing.T) {
	db := openTestDB(t)
	backend := newFakeBackend(BackendDevice{ID: "event3", Name: "USB Keyboard"})
	s := New(db, zap.NewNop(), time.Now, WithBackend("fake", backend))

	ctx := startService(t, s)
	ch := s.Subscribe(ctx)

	want := Event{Kind: KindKeyDown, Time: time.Now()}
	go func() {
		backend.events <- BackendEvent{Input: &InputNotification{Device: "event3", Event: want}}
	}()

	select {
	case msg := <-ch:
		assert.Equal(t, Address{Backend: "fake", ID: "event3"}, msg.Key)
		assert.Equal(t, want, msg.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestListInputDevicesMergesRegistryAndLive(t *testing.T) {
	db := openTestDB(t)
	backend := newFakeBackend(BackendDevice{ID: "event5", Name: "Gaming Mouse"})
	s := New(db, zap.NewNop(), time.Now, WithBackend("fake", backend))

	// A device seen on a previous run but not currently connected.
	_, err := s.initializeInputDevice("fake", BackendDevice{ID: "event3", Name: "USB Keyboard"})
	require.NoError(t, err)

	devices, err := s.ListInputDevices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "event3", devices[0].Address.ID)
	assert.False(t, devices[0].Connected)
	assert.Equal(t, "event5", devices[1].Address.ID)
	assert.True(t, devices[1].Connected)
}
