// settings/settings.go
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/eGGnogSC/invoicesync/internal/kv"
)

const (
	settingsKey = "settings"

	DefaultInvoiceDirectory = "Invoices"
	DefaultWorkbookFileName = "Invoice_Tracker.xlsx"
)

// Config is where on the drive invoices and the tracking workbook live.
type Config struct {
	InvoiceDirectory string `json:"invoice_directory"`
	WorkbookFileName string `json:"workbook_file_name"`
}

// Defaults returns the out-of-the-box configuration.
func Defaults() Config {
	return Config{
		InvoiceDirectory: DefaultInvoiceDirectory,
		WorkbookFileName: DefaultWorkbookFileName,
	}
}

// Normalize trims the directory of surrounding slashes and blanks and checks
// both fields.
func (c Config) Normalize() (Config, error) {
	var segs []string
	for _, s := range strings.Split(c.InvoiceDirectory, "/") {
		s = strings.TrimSpace(s)
		switch s {
		case "", ".":
			continue
		case "..":
			return Config{}, errors.New("invoice directory must not contain '..'")
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		return Config{}, errors.New("invoice directory is required")
	}
	c.InvoiceDirectory = strings.Join(segs, "/")

	c.WorkbookFileName = strings.TrimSpace(c.WorkbookFileName)
	if c.WorkbookFileName == "" || strings.ContainsAny(c.WorkbookFileName, `/\`) {
		return Config{}, errors.New("workbook file name must be a plain file name")
	}
	if !strings.HasSuffix(strings.ToLower(c.WorkbookFileName), ".xlsx") {
		return Config{}, errors.New("workbook file name must end with .xlsx")
	}
	return c, nil
}

// Provider hands the sync code the configuration for one operation.
type Provider interface {
	Get(ctx context.Context) (Config, error)
}

// StorageProvider persists settings as JSON in a kv.Storage.
type StorageProvider struct {
	storage  kv.Storage
	defaults Config
}

// NewStorageProvider creates a provider falling back to defaults for unset fields
func NewStorageProvider(storage kv.Storage, defaults Config) *StorageProvider {
	return &StorageProvider{storage: storage, defaults: defaults}
}

func (p *StorageProvider) Get(ctx context.Context) (Config, error) {
	cfg := p.defaults
	raw, err := p.storage.Get(ctx, settingsKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return Config{}, fmt.Errorf("failed to read settings: %w", err)
	default:
		var saved Config
		if err := json.Unmarshal(raw, &saved); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
		if saved.InvoiceDirectory != "" {
			cfg.InvoiceDirectory = saved.InvoiceDirectory
		}
		if saved.WorkbookFileName != "" {
			cfg.WorkbookFileName = saved.WorkbookFileName
		}
	}
	return cfg.Normalize()
}

// Save validates and stores cfg, returning the normalized form.
func (p *StorageProvider) Save(ctx context.Context, cfg Config) (Config, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return Config{}, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := p.storage.Set(ctx, settingsKey, data, 0); err != nil {
		return Config{}, fmt.Errorf("failed to save settings: %w", err)
	}
	return cfg, nil
}

// Static always returns the same configuration.
type Static Config

func (s Static) Get(context.Context) (Config, error) {
	return Config(s).Normalize()
}
