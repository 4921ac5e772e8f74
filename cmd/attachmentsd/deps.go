package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"lexdesk/attachments/internal/config"
	"lexdesk/attachments/internal/logger"
	"lexdesk/attachments/internal/naming"
	"lexdesk/attachments/internal/repository"
	"lexdesk/attachments/internal/repository/memory"
	"lexdesk/attachments/internal/repository/mongo"
	"lexdesk/attachments/internal/repository/postgres"
	"lexdesk/attachments/internal/service"
	"lexdesk/attachments/internal/storage"
)

// metadataStore is what every database driver provides.
type metadataStore interface {
	repository.TxManager
	Attachments() repository.AttachmentRepository
	Owners() repository.OwnerDirectory
}

// app holds the wired services of one process.
type app struct {
	cfg         config.Config
	log         *zap.Logger
	db          metadataStore
	audit       repository.AuditRepository
	store       storage.ObjectStore
	attachments service.AttachmentService
	transfers   service.TransferService
	closers     []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.log.Sync()
}

// newApp connects the configured backends and builds the services.
func newApp(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*app, error) {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	if err := a.openDatabase(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openStorage(ctx, reg); err != nil {
		a.Close()
		return nil, err
	}

	keys := naming.NewGenerator(cfg.App.Environment)
	incidents := service.NewLogIncidentRecorder(log.Named("incidents"))
	a.attachments = service.NewAttachmentService(a.db.Attachments(), a.db.Owners(), a.store, keys, log.Named("attachments"),
		service.WithIncidentRecorder(incidents),
		service.WithPresignExpiry(cfg.Storage.PresignExpiry),
	)
	a.transfers = service.NewTransferService(a.attachments, a.db.Attachments(), a.db, a.audit, log.Named("transfers"),
		service.WithTransferIncidents(incidents),
	)
	return a, nil
}

func (a *app) openDatabase(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, a.cfg.Database.DSN, a.log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		db := postgres.New(pool)
		a.db, a.audit = db, db.Audit()

	case config.DriverMongo:
		client, err := mongo.ConnectDB(a.cfg.Database.URI)
		if err != nil {
			return fmt.Errorf("connect mongodb: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := mongo.DisconnectDB(client); err != nil {
				a.log.Error("Failed to disconnect MongoDB", zap.Error(err))
			}
		})
		db := mongo.New(client, a.cfg.Database.Name)
		indexCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := db.EnsureIndexes(indexCtx, a.log); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
		a.db, a.audit = db, db.Audit()

	case config.DriverMemory:
		a.log.Warn("Using in-memory metadata; records are lost on restart")
		db := memory.NewDB()
		a.db, a.audit = db, db.Audit()

	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
	}
	return nil
}

func (a *app) openStorage(ctx context.Context, reg prometheus.Registerer) error {
	var (
		store storage.ObjectStore
		err   error
	)
	switch a.cfg.Storage.Driver {
	case config.StorageS3:
		store, err = storage.NewS3Storage(a.cfg.Storage, a.log)
	case config.StorageMinio:
		store, err = storage.NewMinioStorage(ctx, a.cfg.Storage, a.log)
	case config.StorageMemory:
		a.log.Warn("Using in-memory object storage; objects are lost on restart")
		store = storage.NewMemoryStorage(a.cfg.Storage.BucketName)
	default:
		err = fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
	if err != nil {
		return err
	}
	a.store = storage.Instrument(store, storage.NewMetrics(reg))
	return nil
}
