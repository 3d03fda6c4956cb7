// Package linux implements the evdev capture backend. It enumerates
// keyboards and pointing devices through udev, reads raw input events from
// /dev/input/event* nodes and republishes them as typed capture events. The
// backend only observes: devices are opened read-only and never grabbed, so
// event delivery to the rest of the system is unaffected.
package linux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jochenvg/go-udev"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/0xbrayo/aw-watcher-input/internal/capturesvc"
)

// ErrNoAccessibleDevices is returned when every input device node is
// unreadable. Reading /dev/input/event* requires membership in the input
// group or root.
var ErrNoAccessibleDevices = errors.New("no readable input devices found: run as root or add your user to the 'input' group (sudo usermod -a -G input $USER, then log out and back in)")

var defaultBackendOptions = backendOptions{
	pollInterval: 2 * time.Second,
	now:          time.Now,
}

type backendOptions struct {
	pollInterval time.Duration
	now          func() time.Time
}

type Option func(*backendOptions)

// WithPollInterval sets how often the device list is re-enumerated for
// hotplug detection.
func WithPollInterval(d time.Duration) Option {
	return func(o *backendOptions) {
		o.pollInterval = d
	}
}

func WithNow(now func() time.Time) Option {
	return func(o *backendOptions) {
		o.now = now
	}
}

// Backend implements capturesvc.Backend on top of the Linux evdev interface.
type Backend struct {
	log     *zap.Logger
	options backendOptions

	udev    *udev.Udev
	readers *xsync.MapOf[string, *deviceReader]

	ready chan struct{}

	publisher capturesvc.BackendPublisher
}

type deviceReader struct {
	cancel context.CancelFunc
	done   <-chan struct{}
	dev    capturesvc.BackendDevice
}

type enumeratedDevice struct {
	devnode string
	name    string
}

func NewBackend(log *zap.Logger, opts ...Option) *Backend {
	options := defaultBackendOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Backend{
		log:     log,
		options: options,
		ready:   make(chan struct{}),
		readers: xsync.NewMapOf[string, *deviceReader](),
	}
}

func (b *Backend) Ready() <-chan struct{} {
	return b.ready
}

func (b *Backend) Start(ctx context.Context, publisher capturesvc.BackendPublisher) error {
	b.udev = &udev.Udev{}
	b.publisher = publisher

	b.log.Info("Starting evdev capture backend")

	err := b.refreshDevices(ctx)
	if err != nil {
		return err
	}
	if b.readers.Size() == 0 {
		return ErrNoAccessibleDevices
	}

	close(b.ready)
	b.log.Info("Evdev capture backend started")

	pollTicker := time.NewTicker(b.options.pollInterval)
	defer pollTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollTicker.C:
			err := b.refreshDevices(ctx)
			if err != nil {
				b.log.Error("failed to refresh input devices", zap.Error(err))
				continue
			}
		}
	}
}

// Enumerate lists the keyboards and pointing devices currently visible
// through udev.
func (b *Backend) Enumerate() ([]capturesvc.BackendDevice, error) {
	u := b.udev
	if u == nil {
		u = &udev.Udev{}
	}
	enumerated, err := enumerateInputDevices(u)
	if err != nil {
		return nil, err
	}
	devices := make([]capturesvc.BackendDevice, 0, len(enumerated))
	for sysname, dev := range enumerated {
		devices = append(devices, capturesvc.BackendDevice{
			ID:   sysname,
			Name: dev.name,
		})
	}
	return devices, nil
}

func enumerateInputDevices(u *udev.Udev) (map[string]enumeratedDevice, error) {
	e := u.NewEnumerate()
	e.AddMatchSubsystem("input")
	devs, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate input devices: %w", err)
	}
	devices := make(map[string]enumeratedDevice)
	for _, dev := range devs {
		devnode := dev.Devnode()
		if devnode == "" || !strings.HasPrefix(filepath.Base(devnode), "event") {
			continue
		}
		if !isWatchable(dev) {
			continue
		}
		devices[dev.Sysname()] = enumeratedDevice{
			devnode: devnode,
			name:    deviceName(dev),
		}
	}
	return devices, nil
}

// isWatchable keeps devices udev classified as keyboards or pointing
// devices and skips switches, accelerometers and similar input nodes.
func isWatchable(dev *udev.Device) bool {
	for _, prop := range []string{"ID_INPUT_KEYBOARD", "ID_INPUT_MOUSE", "ID_INPUT_POINTINGSTICK", "ID_INPUT_TOUCHPAD"} {
		if dev.PropertyValue(prop) == "1" {
			return true
		}
	}
	return false
}

func deviceName(dev *udev.Device) string {
	if parent := dev.Parent(); parent != nil {
		if name := parent.SysattrValue("name"); name != "" {
			return name
		}
	}
	return dev.Sysname()
}

func (b *Backend) refreshDevices(ctx context.Context) error {
	newDevices, err := enumerateInputDevices(b.udev)
	if err != nil {
		return err
	}
	var disconnected []string
	var connected []capturesvc.BackendDevice
	b.readers.Range(func(sysname string, reader *deviceReader) bool {
		if _, ok := newDevices[sysname]; !ok {
			reader.cancel()
			b.readers.Delete(sysname)
			disconnected = append(disconnected, sysname)
			return true
		}
		delete(newDevices, sysname)
		return true
	})

	permissionDenied := 0
	for sysname, dev := range newDevices {
		bdev := capturesvc.BackendDevice{ID: sysname, Name: dev.name}
		err := b.startReader(ctx, sysname, dev.devnode, bdev)
		if err != nil {
			if errors.Is(err, os.ErrPermission) {
				permissionDenied++
				b.log.Warn("no permission to read device", zap.String("devnode", dev.devnode), zap.String("name", dev.name))
			} else {
				b.log.Error("failed to open device", zap.String("devnode", dev.devnode), zap.Error(err))
			}
			continue
		}
		connected = append(connected, bdev)
	}

	if len(connected) > 0 || len(disconnected) > 0 {
		b.publisher(ctx, capturesvc.BackendEvent{
			DevicesChanged: &capturesvc.BackendEventDevicesChanged{
				Connected:    connected,
				Disconnected: disconnected,
			},
		})
	}

	if b.readers.Size() == 0 && permissionDenied > 0 {
		return ErrNoAccessibleDevices
	}
	return nil
}

func (b *Backend) startReader(ctx context.Context, sysname, devnode string, dev capturesvc.BackendDevice) error {
	f, err := os.OpenFile(devnode, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	readerCtx, cancel := context.WithCancel(ctx)
	b.readers.Store(sysname, &deviceReader{cancel: cancel, done: readerCtx.Done(), dev: dev})
	go func() {
		// Closing the node is the only way to unblock a pending read.
		<-readerCtx.Done()
		f.Close()
	}()
	go b.runReader(readerCtx, cancel, sysname, f)
	return nil
}

func (b *Backend) runReader(ctx context.Context, cancel context.CancelFunc, sysname string, f *os.File) {
	// Cancelling on every exit path releases the goroutine holding the
	// device node open.
	defer cancel()

	var assembler frameAssembler
	buf := make([]byte, eventSize*64)
	for {
		n, err := f.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// The normal outcome of a device unplug. Report it so the device
			// stops showing as connected.
			if !errors.Is(err, io.EOF) {
				b.log.Warn("device read failed", zap.String("device", sysname), zap.Error(err))
			}
			b.readers.Delete(sysname)
			b.publisher(ctx, capturesvc.BackendEvent{
				DevicesChanged: &capturesvc.BackendEventDevicesChanged{
					Disconnected: []string{sysname},
				},
			})
			return
		}
		for _, raw := range decodeEvents(buf[:n]) {
			for _, ev := range assembler.Push(raw) {
				ev.Time = b.options.now()
				b.publisher(ctx, capturesvc.BackendEvent{
					Input: &capturesvc.InputNotification{
						Device: sysname,
						Event:  ev,
					},
				})
			}
		}
	}
}
