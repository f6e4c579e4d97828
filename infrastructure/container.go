// infrastructure/container.go
package infrastructure

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	infraredis "github.com/eGGnogSC/invoicesync/infrastructure/redis"
	"github.com/eGGnogSC/invoicesync/internal/auth"
	"github.com/eGGnogSC/invoicesync/internal/blob"
	"github.com/eGGnogSC/invoicesync/internal/config"
	"github.com/eGGnogSC/invoicesync/internal/drive"
	"github.com/eGGnogSC/invoicesync/internal/invoice"
	"github.com/eGGnogSC/invoicesync/internal/invoicesync"
	"github.com/eGGnogSC/invoicesync/internal/kv"
	"github.com/eGGnogSC/invoicesync/internal/settings"
	"github.com/eGGnogSC/invoicesync/internal/workbook"
	"github.com/eGGnogSC/invoicesync/pkg/graph"
)

// Container provides application dependencies
type Container struct {
	Config config.Config
	Logger *slog.Logger

	// Services
	AuthManager *auth.Manager
	Drive       *drive.Adapter
	Workbooks   *workbook.Manager
	Settings    *settings.StorageProvider
	Invoices    *invoice.SQLStore
	Blobs       blob.Store
	SyncService *invoicesync.Service
	BatchRunner *invoicesync.BatchRunner

	// Handlers
	AuthHandler     *auth.Handler
	DriveHandler    *drive.Handler
	SettingsHandler *settings.Handler
	SyncHandler     *invoicesync.Handler

	// Infrastructure
	RedisClient redis.UniversalClient
	RedisHealth *infraredis.HealthChecker
	Storage     kv.Storage
	DB          *sql.DB
	GraphClient *graph.Client

	fallback *kv.FallbackStorage
}

// NewContainer creates and initializes the dependency container
func NewContainer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Config: cfg, Logger: logger}

	if err := c.initStorage(cfg); err != nil {
		c.Shutdown()
		return nil, err
	}
	if err := c.initRecords(ctx, cfg); err != nil {
		c.Shutdown()
		return nil, err
	}

	scopes := cfg.Microsoft.Scopes
	if len(scopes) == 0 {
		scopes = auth.DefaultScopes
	}
	c.AuthManager = auth.NewManager(auth.OAuthConfig{
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
		Tenant:       cfg.Microsoft.Tenant,
		RedirectURI:  cfg.Microsoft.RedirectURI,
		Scopes:       scopes,
		AuthURL:      cfg.Microsoft.AuthURL,
		TokenURL:     cfg.Microsoft.TokenURL,
	}, c.Storage, auth.WithLogger(logger))

	c.GraphClient = graph.NewClient(cfg.Microsoft.GraphBaseURL, c.AuthManager, graph.WithLogger(logger))
	c.Drive = drive.NewAdapter(c.GraphClient, drive.WithLogger(logger))
	c.Workbooks = workbook.NewManager(c.GraphClient, c.Drive,
		workbook.WithSettleDelay(time.Duration(cfg.Sync.SettleMS)*time.Millisecond),
		workbook.WithLogger(logger))
	c.Settings = settings.NewStorageProvider(c.Storage, settings.Config{
		InvoiceDirectory: cfg.Sync.InvoiceDirectory,
		WorkbookFileName: cfg.Sync.WorkbookFileName,
	})

	c.SyncService = invoicesync.NewService(c.AuthManager, c.Drive, c.Workbooks, c.Invoices, c.Blobs, c.Settings, logger)
	c.BatchRunner = invoicesync.NewBatchRunner(c.SyncService, c.Invoices,
		invoicesync.WithDelay(time.Duration(cfg.Sync.BatchDelayMS)*time.Millisecond),
		invoicesync.WithErrorCap(cfg.Sync.ErrorCap),
		invoicesync.WithBatchLogger(logger))

	secret, err := sessionSecret(cfg.Server.SessionSecret)
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	c.AuthHandler = auth.NewHandler(c.AuthManager, auth.NewSessionStore(secret, cfg.Server.SecureCookies), logger)
	c.DriveHandler = drive.NewHandler(c.Drive, logger)
	c.SettingsHandler = settings.NewHandler(c.Settings, logger)
	c.SyncHandler = invoicesync.NewHandler(c.SyncService, c.BatchRunner, logger)

	return c, nil
}

// initStorage picks Redis behind a health-gated local copy when addresses
// are configured, and process memory otherwise.
func (c *Container) initStorage(cfg config.Config) error {
	if len(cfg.Redis.Addresses) == 0 {
		c.Logger.Info("no redis configured, keeping credentials in memory")
		c.Storage = kv.NewMemoryStorage()
		return nil
	}

	client, err := infraredis.NewUniversalClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	c.RedisClient = client
	c.RedisHealth = infraredis.NewHealthChecker(client, time.Duration(cfg.Redis.HealthInterval)*time.Second, c.Logger)
	c.fallback = kv.NewFallbackStorage(kv.NewRedisStorage(client, cfg.Redis.KeyPrefix), c.RedisHealth.IsHealthy, c.Logger)
	c.Storage = c.fallback
	return nil
}

func (c *Container) initRecords(ctx context.Context, cfg config.Config) error {
	db, err := invoice.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	c.DB = db
	c.Invoices = invoice.NewSQLStore(db, cfg.Store.Driver, cfg.Server.OwnerID)
	if err := c.Invoices.Migrate(ctx); err != nil {
		return err
	}

	if cfg.Blob.Bucket == "" {
		c.Logger.Warn("no blob bucket configured, invoice files are kept in memory")
		c.Blobs = blob.NewMemoryStore()
		return nil
	}
	blobs, err := blob.NewS3Store(blob.S3Config{
		Endpoint:        cfg.Blob.Endpoint,
		Region:          cfg.Blob.Region,
		Bucket:          cfg.Blob.Bucket,
		AccessKeyID:     cfg.Blob.AccessKeyID,
		SecretAccessKey: cfg.Blob.SecretAccessKey,
		UsePathStyle:    cfg.Blob.UsePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}
	c.Blobs = blobs
	return nil
}

// Start begins Redis health checking and replication of the local copy.
func (c *Container) Start(ctx context.Context) {
	if c.RedisHealth == nil {
		return
	}
	interval := time.Duration(c.Config.Redis.HealthInterval) * time.Second
	c.RedisHealth.Start(ctx)
	c.fallback.StartReplication(ctx, interval)
}

// Shutdown gracefully closes connections
func (c *Container) Shutdown() {
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("error closing redis connection", slog.Any("error", err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.Warn("error closing record store", slog.Any("error", err))
		}
	}
}

// sessionSecret generates a throwaway key when none is configured; login
// sessions then do not survive a restart.
func sessionSecret(configured string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate session secret: %w", err)
	}
	return secret, nil
}
