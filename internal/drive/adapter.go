// drive/adapter.go
package drive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
	"github.com/eGGnogSC/invoicesync/internal/retry"
	"github.com/eGGnogSC/invoicesync/pkg/graph"
)

// SpreadsheetSuffixes are the file endings offered by the workbook picker.
var SpreadsheetSuffixes = []string{".xlsx", ".xls", ".xlsm"}

// Item is the subset of a drive item the sync code works with.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	WebURL   string `json:"web_url"`
	MimeType string `json:"mime_type,omitempty"`
	IsFolder bool   `json:"is_folder"`
	Size     int64  `json:"size"`
}

// Adapter provisions folders and files on the signed-in user's OneDrive.
type Adapter struct {
	client *graph.Client
	retry  retry.Policy
	logger *slog.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithRetryPolicy overrides retry.Default.
func WithRetryPolicy(p retry.Policy) Option {
	return func(a *Adapter) { a.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates a drive adapter on top of a Graph client
func NewAdapter(client *graph.Client, opts ...Option) *Adapter {
	a := &Adapter{
		client: client,
		retry:  retry.Default(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stat looks an item up by its slash-separated path from the drive root.
func (a *Adapter) Stat(ctx context.Context, path string) (Item, error) {
	var di graph.DriveItem
	err := a.call(ctx, func(ctx context.Context) error {
		return a.client.JSON(ctx, "get_item", http.MethodGet, itemPath(path), nil, &di)
	})
	if err != nil {
		return Item{}, err
	}
	return itemFrom(di), nil
}

// EnsureFolder creates every missing segment of path, parents first. Existing
// segments are left untouched, so a repeated call performs no writes.
func (a *Adapter) EnsureFolder(ctx context.Context, path string) (Item, error) {
	segs := splitPath(path)
	current := Item{IsFolder: true}
	for i := range segs {
		prefix := strings.Join(segs[:i+1], "/")

		existing, err := a.Stat(ctx, prefix)
		if err == nil {
			if !existing.IsFolder {
				return Item{}, &FolderError{
					Segment: prefix,
					Err:     apperr.New(apperr.Conflict, "ensure_folder", errors.New("a file with that name already exists")),
				}
			}
			current = existing
			continue
		}
		if apperr.KindOf(err) != apperr.NotFound {
			return Item{}, &FolderError{Segment: prefix, Err: err}
		}

		created, err := a.createFolder(ctx, strings.Join(segs[:i], "/"), segs[i])
		if err != nil {
			return Item{}, &FolderError{Segment: prefix, Err: err}
		}
		if created.Name != segs[i] {
			a.logger.Warn("folder created under a different name",
				slog.String("path", prefix), slog.String("name", created.Name))
		}
		a.logger.Debug("created folder", slog.String("path", prefix))
		current = created
	}
	return current, nil
}

func (a *Adapter) createFolder(ctx context.Context, parent, name string) (Item, error) {
	body := map[string]interface{}{
		"name":                              name,
		"folder":                            map[string]interface{}{},
		"@microsoft.graph.conflictBehavior": "rename",
	}
	var di graph.DriveItem
	err := a.call(ctx, func(ctx context.Context) error {
		return a.client.JSON(ctx, "create_folder", http.MethodPost, childrenPath(parent), body, &di)
	})
	if err != nil {
		return Item{}, err
	}
	return itemFrom(di), nil
}

// UploadFile writes data to path in a single request, replacing any existing
// file. A 401 is returned as AuthRequired without retrying.
func (a *Adapter) UploadFile(ctx context.Context, path string, data []byte, contentType string) (Item, error) {
	var di graph.DriveItem
	err := a.call(ctx, func(ctx context.Context) error {
		return a.client.Upload(ctx, "upload_file", http.MethodPut, itemPath(path)+":/content", data, contentType, &di)
	})
	if err != nil {
		return Item{}, &UploadError{Path: path, Status: apperr.StatusOf(err), Err: err}
	}
	return itemFrom(di), nil
}

// CreateShareLink asks for an anonymous view link. Any failure falls back to
// the item's own web URL.
func (a *Adapter) CreateShareLink(ctx context.Context, item Item) string {
	body := map[string]string{"type": "view", "scope": "anonymous"}
	var perm graph.Permission
	err := a.call(ctx, func(ctx context.Context) error {
		return a.client.JSON(ctx, "create_link", http.MethodPost, "/me/drive/items/"+url.PathEscape(item.ID)+"/createLink", body, &perm)
	})
	if err != nil || perm.Link == nil || perm.Link.WebURL == "" {
		a.logger.Warn("share link unavailable, using web url",
			slog.String("item_id", item.ID), slog.Int("status", apperr.StatusOf(err)), slog.Any("error", err))
		return item.WebURL
	}
	return perm.Link.WebURL
}

// DeleteByPath removes the item at path. Failures are logged and returned;
// callers treat them as advisory.
func (a *Adapter) DeleteByPath(ctx context.Context, path string) error {
	err := a.call(ctx, func(ctx context.Context) error {
		return a.client.JSON(ctx, "delete_item", http.MethodDelete, itemPath(path), nil, nil)
	})
	if err != nil {
		a.logger.Warn("remote delete failed", slog.String("path", path),
			slog.Int("status", apperr.StatusOf(err)), slog.Any("error", err))
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// DeleteByURL resolves a web or sharing URL to its drive item and removes it.
func (a *Adapter) DeleteByURL(ctx context.Context, webURL string) error {
	var di graph.DriveItem
	err := a.call(ctx, func(ctx context.Context) error {
		return a.client.JSON(ctx, "resolve_share", http.MethodGet, "/shares/"+shareToken(webURL)+"/driveItem", nil, &di)
	})
	if err == nil {
		err = a.DeleteItem(ctx, di.ID)
	}
	if err != nil {
		a.logger.Warn("remote delete failed", slog.String("url", webURL),
			slog.Int("status", apperr.StatusOf(err)), slog.Any("error", err))
		return fmt.Errorf("failed to delete %s: %w", webURL, err)
	}
	return nil
}

// DeleteItem removes an item by id.
func (a *Adapter) DeleteItem(ctx context.Context, id string) error {
	return a.call(ctx, func(ctx context.Context) error {
		return a.client.JSON(ctx, "delete_item", http.MethodDelete, "/me/drive/items/"+url.PathEscape(id), nil, nil)
	})
}

// ListFolders returns the folders directly under path.
func (a *Adapter) ListFolders(ctx context.Context, path string) ([]Item, error) {
	return a.list(ctx, path, func(it Item) bool { return it.IsFolder })
}

// ListSpreadsheets returns the spreadsheet files directly under path.
func (a *Adapter) ListSpreadsheets(ctx context.Context, path string) ([]Item, error) {
	return a.list(ctx, path, func(it Item) bool {
		if it.IsFolder {
			return false
		}
		name := strings.ToLower(it.Name)
		for _, suffix := range SpreadsheetSuffixes {
			if strings.HasSuffix(name, suffix) {
				return true
			}
		}
		return false
	})
}

func (a *Adapter) list(ctx context.Context, path string, keep func(Item) bool) ([]Item, error) {
	var out []Item
	next := childrenPath(strings.Join(splitPath(path), "/"))
	for next != "" {
		var page graph.DriveItemCollection
		err := a.call(ctx, func(ctx context.Context) error {
			return a.client.JSON(ctx, "list_children", http.MethodGet, next, nil, &page)
		})
		if err != nil {
			return nil, err
		}
		for _, di := range page.Value {
			if it := itemFrom(di); keep(it) {
				out = append(out, it)
			}
		}
		next = page.NextLink
	}
	return out, nil
}

func (a *Adapter) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, a.retry, fn)
}

func itemFrom(di graph.DriveItem) Item {
	it := Item{
		ID:       di.ID,
		Name:     di.Name,
		WebURL:   di.WebURL,
		IsFolder: di.Folder != nil,
		Size:     di.Size,
	}
	if di.File != nil {
		it.MimeType = di.File.MimeType
	}
	return it
}

// splitPath drops empty and "." segments from a slash-separated path.
func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		s = strings.TrimSpace(s)
		if s == "" || s == "." {
			continue
		}
		segs = append(segs, s)
	}
	return segs
}

// JoinPath joins drive path segments with single slashes.
func JoinPath(parts ...string) string {
	var segs []string
	for _, p := range parts {
		segs = append(segs, splitPath(p)...)
	}
	return strings.Join(segs, "/")
}

func escapePath(path string) string {
	segs := splitPath(path)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func itemPath(path string) string {
	return "/me/drive/root:/" + escapePath(path)
}

func childrenPath(path string) string {
	if len(splitPath(path)) == 0 {
		return "/me/drive/root/children"
	}
	return itemPath(path) + ":/children"
}

func shareToken(u string) string {
	return "u!" + base64.RawURLEncoding.EncodeToString([]byte(u))
}
