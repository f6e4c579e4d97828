// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. INVOICESYNC_SERVER_PORT.
const EnvPrefix = "INVOICESYNC"

// Config is the full application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Microsoft MicrosoftConfig `yaml:"microsoft"`
	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	Blob      BlobConfig      `yaml:"blob"`
	Sync      SyncConfig      `yaml:"sync"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	Timeout       int    `yaml:"timeout"` // seconds
	SessionSecret string `yaml:"session_secret"`
	SecureCookies bool   `yaml:"secure_cookies"`
	// OwnerID scopes the record store to one user.
	OwnerID string `yaml:"owner_id"`
}

type MicrosoftConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Tenant       string   `yaml:"tenant"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	GraphBaseURL string   `yaml:"graph_base_url"`
}

// RedisConfig is optional; with no addresses the credential and settings
// storage stays in process memory.
type RedisConfig struct {
	Addresses      []string `yaml:"addresses"`
	Password       string   `yaml:"password"`
	DB             int      `yaml:"db"`
	KeyPrefix      string   `yaml:"key_prefix"`
	EnableTLS      bool     `yaml:"enable_tls"`
	HealthInterval int      `yaml:"health_interval"` // seconds
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or postgres
	DSN    string `yaml:"dsn"`
}

// BlobConfig points at an S3-compatible bucket holding invoice files. With
// no bucket, files are kept in memory.
type BlobConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type SyncConfig struct {
	BatchDelayMS     int    `yaml:"batch_delay_ms"`
	ErrorCap         int    `yaml:"error_cap"`
	SettleMS         int    `yaml:"settle_ms"`
	InvoiceDirectory string `yaml:"invoice_directory"`
	WorkbookFileName string `yaml:"workbook_file_name"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MinBatchDelayMS keeps batch traffic under Graph's throttling limits.
const MinBatchDelayMS = 300

// Default returns the configuration used before the file and environment
// are applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8080", Timeout: 30, OwnerID: "default"},
		Microsoft: MicrosoftConfig{
			Tenant:       "common",
			RedirectURI:  "http://localhost:8080/auth/callback",
			GraphBaseURL: "https://graph.microsoft.com/v1.0",
		},
		Redis: RedisConfig{KeyPrefix: "invoicesync", HealthInterval: 30},
		Store: StoreConfig{Driver: "sqlite3", DSN: "file:invoicesync.db?_foreign_keys=on"},
		Blob:  BlobConfig{Region: "auto"},
		Sync: SyncConfig{
			BatchDelayMS:     500,
			ErrorCap:         10,
			SettleMS:         2000,
			InvoiceDirectory: "Invoices",
			WorkbookFileName: "Invoice_Tracker.xlsx",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads .env when present, then the YAML file at path (optional), then
// INVOICESYNC_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	loadDotenv()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotenv never overrides variables that are already set.
func loadDotenv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	_ = godotenv.Load(".env")
}

type binding struct {
	name string
	set  func(string) error
}

func str(p *string) func(string) error {
	return func(v string) error { *p = v; return nil }
}

func integer(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func boolean(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func list(p *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*p = out
		return nil
	}
}

func (c *Config) bindings() []binding {
	return []binding{
		{"SERVER_PORT", str(&c.Server.Port)},
		{"SERVER_TIMEOUT", integer(&c.Server.Timeout)},
		{"SERVER_SESSION_SECRET", str(&c.Server.SessionSecret)},
		{"SERVER_SECURE_COOKIES", boolean(&c.Server.SecureCookies)},
		{"SERVER_OWNER_ID", str(&c.Server.OwnerID)},
		{"MICROSOFT_CLIENT_ID", str(&c.Microsoft.ClientID)},
		{"MICROSOFT_CLIENT_SECRET", str(&c.Microsoft.ClientSecret)},
		{"MICROSOFT_TENANT", str(&c.Microsoft.Tenant)},
		{"MICROSOFT_REDIRECT_URI", str(&c.Microsoft.RedirectURI)},
		{"MICROSOFT_SCOPES", list(&c.Microsoft.Scopes)},
		{"MICROSOFT_AUTH_URL", str(&c.Microsoft.AuthURL)},
		{"MICROSOFT_TOKEN_URL", str(&c.Microsoft.TokenURL)},
		{"MICROSOFT_GRAPH_BASE_URL", str(&c.Microsoft.GraphBaseURL)},
		{"REDIS_ADDRESSES", list(&c.Redis.Addresses)},
		{"REDIS_PASSWORD", str(&c.Redis.Password)},
		{"REDIS_DB", integer(&c.Redis.DB)},
		{"REDIS_KEY_PREFIX", str(&c.Redis.KeyPrefix)},
		{"REDIS_ENABLE_TLS", boolean(&c.Redis.EnableTLS)},
		{"REDIS_HEALTH_INTERVAL", integer(&c.Redis.HealthInterval)},
		{"STORE_DRIVER", str(&c.Store.Driver)},
		{"STORE_DSN", str(&c.Store.DSN)},
		{"BLOB_ENDPOINT", str(&c.Blob.Endpoint)},
		{"BLOB_REGION", str(&c.Blob.Region)},
		{"BLOB_BUCKET", str(&c.Blob.Bucket)},
		{"BLOB_ACCESS_KEY_ID", str(&c.Blob.AccessKeyID)},
		{"BLOB_SECRET_ACCESS_KEY", str(&c.Blob.SecretAccessKey)},
		{"BLOB_USE_PATH_STYLE", boolean(&c.Blob.UsePathStyle)},
		{"SYNC_BATCH_DELAY_MS", integer(&c.Sync.BatchDelayMS)},
		{"SYNC_ERROR_CAP", integer(&c.Sync.ErrorCap)},
		{"SYNC_SETTLE_MS", integer(&c.Sync.SettleMS)},
		{"SYNC_INVOICE_DIRECTORY", str(&c.Sync.InvoiceDirectory)},
		{"SYNC_WORKBOOK_FILE_NAME", str(&c.Sync.WorkbookFileName)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_FORMAT", str(&c.Log.Format)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		name := EnvPrefix + "_" + b.name
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Microsoft.ClientID == "" {
		errs = append(errs, errors.New("microsoft.client_id is required"))
	}
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %q is not a valid port", c.Server.Port))
	}
	if c.Server.Timeout < 1 {
		errs = append(errs, errors.New("server.timeout must be positive"))
	}
	if c.Server.SessionSecret != "" && len(c.Server.SessionSecret) < 32 {
		errs = append(errs, errors.New("server.session_secret must be at least 32 bytes"))
	}
	if len(c.Redis.Addresses) > 0 && c.Redis.HealthInterval < 1 {
		errs = append(errs, errors.New("redis.health_interval must be positive"))
	}
	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not sqlite3 or postgres", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Blob.Bucket != "" && (c.Blob.AccessKeyID == "" || c.Blob.SecretAccessKey == "") {
		errs = append(errs, errors.New("blob credentials are required with a bucket"))
	}
	if c.Sync.BatchDelayMS < MinBatchDelayMS {
		errs = append(errs, fmt.Errorf("sync.batch_delay_ms must be at least %d", MinBatchDelayMS))
	}
	if c.Sync.ErrorCap < 1 {
		errs = append(errs, errors.New("sync.error_cap must be positive"))
	}
	if c.Sync.SettleMS < 0 {
		errs = append(errs, errors.New("sync.settle_ms must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
