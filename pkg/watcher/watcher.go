// Package watcher assembles the capture, config and heartbeat services into
// the aw-watcher-input daemon.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/0xbrayo/aw-watcher-input/internal/capturesvc"
	"github.com/0xbrayo/aw-watcher-input/internal/capturesvc/linux"
	"github.com/0xbrayo/aw-watcher-input/internal/configsvc"
	"github.com/0xbrayo/aw-watcher-input/internal/heartbeatsvc"
	"github.com/0xbrayo/aw-watcher-input/pkg/awclient"
)

type Watcher struct {
	config Config
	log    *zap.Logger

	db           *badger.DB
	client       *awclient.Client
	configSvc    *configsvc.Service
	captureSvc   *capturesvc.Service
	heartbeatSvc *heartbeatsvc.Service

	hostname string
	bucketID string
}

func New(config Config) (*Watcher, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}

	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	configSvc := configsvc.New(logger.Named("config"))
	evdev := linux.NewBackend(logger.Named("capture.evdev"))
	captureSvc := capturesvc.New(db, logger.Named("capture"), time.Now, capturesvc.WithBackend("evdev", evdev))

	hostname := Hostname()
	bucketID := BucketID(hostname, config.Testing)
	client := awclient.New(config.Host, config.Port, ClientName)

	heartbeatSvc := heartbeatsvc.New(
		logger.Named("heartbeat"),
		configSvc,
		config.ConfigFile,
		captureSvc,
		client,
		bucketID,
		time.Duration(config.PollTime)*time.Second,
	)

	return &Watcher{
		config:       config,
		log:          logger,
		db:           db,
		client:       client,
		configSvc:    configSvc,
		captureSvc:   captureSvc,
		heartbeatSvc: heartbeatSvc,
		hostname:     hostname,
		bucketID:     bucketID,
	}, nil
}

func (w *Watcher) Close() error {
	return w.db.Close()
}

func (w *Watcher) Capture() *capturesvc.Service {
	return w.captureSvc
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// Run starts the watcher and blocks until the context is cancelled or a
// service fails. A server that is unreachable at startup is not fatal: the
// bucket creation is retried implicitly by failing heartbeats surfacing in
// the logs until the server comes back.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.log.Info("Starting aw-watcher-input",
		zap.String("bucket", w.bucketID),
		zap.String("server", fmt.Sprintf("%s:%d", w.config.Host, w.config.Port)),
		zap.Bool("testing", w.config.Testing),
	)

	err := w.client.EnsureBucket(ctx, w.bucketID, EventType, w.hostname)
	if err != nil {
		w.log.Warn("Failed to create bucket, heartbeats will fail until the server is reachable", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return w.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return w.captureSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return w.heartbeatSvc.Start(groupCtx)
	})

	err = group.Wait()
	if err != nil {
		return fmt.Errorf("watcher failed: %w", err)
	}
	w.log.Info("Shutdown complete")
	return nil
}
