// Package capturesvc manages capture backends and fans their raw input
// notifications out to subscribers. It keeps a persistent registry of every
// input device it has ever seen.
package capturesvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/0xbrayo/aw-watcher-input/pkg/bus"
)

type Service struct {
	log     *zap.Logger
	db      *badger.DB
	options serviceOptions
	now     func() time.Time
	ready   chan struct{}

	backendBus *BackendBus

	inputBus        *InputBus
	connectedInputs *xsync.MapOf[Address, struct{}]
}

type (
	BackendBus       = bus.Bus[string, BackendEvent]
	BackendPublisher = bus.Publisher[BackendEvent]

	InputBus        = bus.Bus[Address, Event]
	InputSubscriber = bus.Subscriber[Address, Event]
)

// Backend is a platform capture implementation. Start must deliver device
// changes and input notifications through the publisher until ctx is
// cancelled. Backends that cannot interrupt a blocking read rely on the
// process-level shutdown watchdog instead of returning promptly.
type Backend interface {
	Start(ctx context.Context, publisher BackendPublisher) error
	Enumerate() ([]BackendDevice, error)
	Ready() <-chan struct{}
}

var defaultOptions = serviceOptions{
	backends: make(map[string]Backend),
}

type serviceOptions struct {
	backends map[string]Backend
}

type Option func(*serviceOptions)

func WithBackend(name string, backend Backend) Option {
	return func(o *serviceOptions) {
		o.backends[name] = backend
	}
}

func New(db *badger.DB, log *zap.Logger, now func() time.Time, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		db:         db,
		log:        log,
		options:    options,
		now:        now,
		ready:      make(chan struct{}),
		backendBus: bus.NewBus[string, BackendEvent](log),

		inputBus:        bus.NewBus[Address, Event](log),
		connectedInputs: xsync.NewMapOf[Address, struct{}](),
	}
}

func (s *Service) Start(ctx context.Context) error {
	err := s.backendBus.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start backend bus: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.backendBus.Ready():
	}

	err = s.inputBus.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start input bus: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.inputBus.Ready():
	}

	s.consumeEvents(ctx)

	errCh := make(chan error, len(s.options.backends))
	for backendID, backend := range s.options.backends {
		backendID, backend := backendID, backend
		go func() {
			err := backend.Start(ctx, s.backendBus.CreatePublisher(backendID))
			if err != nil {
				errCh <- fmt.Errorf("capture backend %s failed: %w", backendID, err)
			}
		}()
	}
	for _, backend := range s.options.backends {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-backend.Ready():
		}
	}
	close(s.ready)
	s.log.Info("Capture service started")
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Service) consumeEvents(ctx context.Context) {
	// Subscribe before any backend starts so no device event is missed.
	ch := s.backendBus.Subscribe(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.handleBackendEvent(ctx, msg.Key, msg.Message)
			}
		}
	}()
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Subscribe returns a channel of raw input events from every connected
// device. The channel closes when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context) <-chan bus.Message[Address, Event] {
	return s.inputBus.Subscribe(ctx)
}

func (s *Service) handleBackendEvent(ctx context.Context, backendID string, event BackendEvent) {
	switch {
	case event.Input != nil:
		addr := Address{Backend: backendID, ID: event.Input.Device}
		s.inputBus.Publish(ctx, addr, event.Input.Event)
	case event.DevicesChanged != nil:
		for _, id := range event.DevicesChanged.Disconnected {
			s.onInputDisconnected(backendID, id)
		}
		for _, dev := range event.DevicesChanged.Connected {
			s.onInputConnected(backendID, dev)
		}
	}
}

func (s *Service) onInputDisconnected(backendID, id string) {
	addr := Address{Backend: backendID, ID: id}
	s.connectedInputs.Delete(addr)
	s.log.Debug("input disconnected", zap.String("backend", backendID), zap.String("id", id))
}

func (s *Service) onInputConnected(backendID string, bdev BackendDevice) {
	dev, err := s.initializeInputDevice(backendID, bdev)
	if err != nil {
		s.log.Error("failed to initialize device", zap.Error(err))
		return
	}
	s.log.Debug("input connected", zap.String("backend", backendID), zap.String("id", dev.Address.ID), zap.String("name", dev.Name), zap.Time("firstSeenAt", dev.FirstSeenAt))
	s.connectedInputs.Store(dev.Address, struct{}{})
}

// InputDevice is a registry entry for a capture device.
type InputDevice struct {
	Address     Address   `json:"address"`
	Name        string    `json:"name"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Connected   bool      `json:"connected"`
}

var inputDevicePrefix = []byte("capture/inputs/")

func (s *Service) inputDeviceKey(address Address) []byte {
	return []byte(fmt.Sprintf("capture/inputs/%s/%s", address.Backend, address.ID))
}

func (s *Service) initializeInputDevice(backendID string, bdev BackendDevice) (InputDevice, error) {
	var dev InputDevice
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		addr := Address{Backend: backendID, ID: bdev.ID}
		key := s.inputDeviceKey(addr)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			dev = InputDevice{
				Name: bdev.Name,
			}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
		}
		dev.Address = addr
		dev.Name = bdev.Name
		if dev.FirstSeenAt.IsZero() {
			dev.FirstSeenAt = now
		}
		dev.LastSeenAt = now
		b, err := json.Marshal(dev)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return InputDevice{}, err
	}
	return dev, nil
}

// ListInputDevices merges the persisted registry with a live enumeration of
// every backend. It works without the service running, so the CLI can list
// devices outside the watcher daemon.
func (s *Service) ListInputDevices() ([]InputDevice, error) {
	byAddr := make(map[Address]InputDevice)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = inputDevicePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(inputDevicePrefix); it.ValidForPrefix(inputDevicePrefix); it.Next() {
			var dev InputDevice
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
			byAddr[dev.Address] = dev
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read device registry: %w", err)
	}

	for backendID, backend := range s.options.backends {
		bdevs, err := backend.Enumerate()
		if err != nil {
			s.log.Warn("failed to enumerate backend", zap.String("backend", backendID), zap.Error(err))
			continue
		}
		for _, bdev := range bdevs {
			addr := Address{Backend: backendID, ID: bdev.ID}
			dev, ok := byAddr[addr]
			if !ok {
				dev = InputDevice{Address: addr}
			}
			dev.Name = bdev.Name
			dev.Connected = true
			byAddr[addr] = dev
		}
	}

	devices := make([]InputDevice, 0, len(byAddr))
	for _, dev := range byAddr {
		if _, ok := s.connectedInputs.Load(dev.Address); ok {
			dev.Connected = true
		}
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address.String() < devices[j].Address.String()
	})
	return devices, nil
}
