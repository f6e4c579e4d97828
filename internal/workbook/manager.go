// workbook/manager.go
package workbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
	"github.com/eGGnogSC/invoicesync/internal/drive"
	"github.com/eGGnogSC/invoicesync/internal/retry"
	"github.com/eGGnogSC/invoicesync/pkg/graph"
)

// DefaultSettleDelay is how long a freshly uploaded workbook is given before
// the workbook API is expected to address it.
const DefaultSettleDelay = 2 * time.Second

// Mode is how rows are written to a workbook.
type Mode int

const (
	ModeUnknown Mode = iota
	// ModeTable uses the structured table row endpoints.
	ModeTable
	// ModeWorksheet writes raw cell ranges below the used range.
	ModeWorksheet
)

func (m Mode) String() string {
	switch m {
	case ModeTable:
		return "table"
	case ModeWorksheet:
		return "worksheet"
	default:
		return "unknown"
	}
}

// Workbook identifies the tracking spreadsheet on the drive.
type Workbook struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	WebURL  string `json:"web_url"`
	Created bool   `json:"created"`
}

// Manager keeps the invoice tracking sheet in step with invoice records.
type Manager struct {
	client    *graph.Client
	drive     *drive.Adapter
	retry     retry.Policy
	provision retry.Policy
	settle    time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger

	mu    sync.Mutex
	modes map[string]Mode
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRetryPolicy sets the attempt budget and backoff. Workbook calls also
// retry not-found while a new file is provisioned.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) {
		m.retry = p
		m.provision = p
		m.provision.Retryable = retry.Provisioning
		if p.Sleep != nil {
			m.sleep = p.Sleep
		}
	}
}

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Manager) { m.settle = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a workbook manager
func NewManager(client *graph.Client, adapter *drive.Adapter, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		drive:  adapter,
		settle: DefaultSettleDelay,
		logger: slog.Default(),
		modes:  make(map[string]Mode),
	}
	WithRetryPolicy(retry.Default())(m)
	for _, opt := range opts {
		opt(m)
	}
	if m.sleep == nil {
		m.sleep = sleepCtx
	}
	return m
}

// EnsureWorkbook finds the workbook at dir/fileName or creates it. A file
// that exists but is not a usable workbook is deleted and recreated.
func (m *Manager) EnsureWorkbook(ctx context.Context, dir, fileName string) (Workbook, error) {
	const op = "ensure_workbook"
	path := drive.JoinPath(dir, fileName)

	item, err := m.drive.Stat(ctx, path)
	switch {
	case err == nil:
		if item.IsFolder {
			return Workbook{}, apperr.New(apperr.Conflict, op, fmt.Errorf("%s is a folder", path))
		}
		ok, err := m.usable(ctx, item)
		if err != nil {
			return Workbook{}, err
		}
		if ok {
			return Workbook{ID: item.ID, Name: item.Name, Path: path, WebURL: item.WebURL}, nil
		}
		m.logger.Warn("workbook is not a valid spreadsheet, recreating",
			slog.String("path", path), slog.String("mime_type", item.MimeType))
		if err := m.drive.DeleteItem(ctx, item.ID); err != nil && apperr.KindOf(err) != apperr.NotFound {
			return Workbook{}, fmt.Errorf("failed to delete invalid workbook: %w", err)
		}
		m.Forget(item.ID)
	case apperr.KindOf(err) != apperr.NotFound:
		return Workbook{}, err
	}

	return m.create(ctx, path)
}

// FindWorkbook looks up dir/fileName without creating anything. found is
// false when there is no file there.
func (m *Manager) FindWorkbook(ctx context.Context, dir, fileName string) (wb Workbook, found bool, err error) {
	path := drive.JoinPath(dir, fileName)
	item, err := m.drive.Stat(ctx, path)
	if apperr.KindOf(err) == apperr.NotFound {
		return Workbook{}, false, nil
	}
	if err != nil {
		return Workbook{}, false, err
	}
	if item.IsFolder {
		return Workbook{}, false, nil
	}
	return Workbook{ID: item.ID, Name: item.Name, Path: path, WebURL: item.WebURL}, true, nil
}

func (m *Manager) create(ctx context.Context, path string) (Workbook, error) {
	data, err := NewTemplate()
	if err != nil {
		return Workbook{}, apperr.New(apperr.Unknown, "create_workbook", err)
	}
	item, err := m.drive.UploadFile(ctx, path, data, MimeType)
	if err != nil {
		return Workbook{}, err
	}
	m.logger.Info("created workbook", slog.String("path", path), slog.String("item_id", item.ID))

	// Creation completes asynchronously on the server side.
	if err := m.sleep(ctx, m.settle); err != nil {
		return Workbook{}, apperr.New(apperr.Unknown, "create_workbook", err)
	}
	return Workbook{ID: item.ID, Name: item.Name, Path: path, WebURL: item.WebURL, Created: true}, nil
}

// usable reports whether item is an .xlsx the workbook API can open.
func (m *Manager) usable(ctx context.Context, item drive.Item) (bool, error) {
	if item.MimeType != "" && item.MimeType != MimeType {
		return false, nil
	}
	var sheets graph.WorksheetCollection
	err := m.call(ctx, m.provision, "list_worksheets", http.MethodGet, bookPath(item.ID)+"/worksheets", nil, &sheets)
	if err == nil {
		return true, nil
	}
	if unrecognized(err) {
		return false, nil
	}
	return false, err
}

// EnsureTable makes sure the invoice table exists. An existing table is never
// recreated; a new one is created over the header range and its header row
// set to Header.
func (m *Manager) EnsureTable(ctx context.Context, fileID string) error {
	tables, err := m.listTables(ctx, fileID)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if strings.EqualFold(t.Name, TableName) {
			return nil
		}
	}
	if len(tables) == 1 {
		adopt, err := m.leftover(ctx, fileID, tables[0])
		if err != nil {
			return err
		}
		if adopt {
			return m.nameTable(ctx, fileID, tables[0].ID)
		}
	}
	return m.createTable(ctx, fileID)
}

// leftover reports whether t is a table a previous creation added over the
// header range but never got to rename. Any other table belongs to the user.
func (m *Manager) leftover(ctx context.Context, fileID string, t graph.Table) (bool, error) {
	var rng graph.Range
	if err := m.call(ctx, m.provision, "table_range", http.MethodGet, bookPath(fileID)+"/tables/"+url.PathEscape(t.ID)+"/range", nil, &rng); err != nil {
		return false, err
	}
	return sameAddress(rng.Address, headerAddress()), nil
}

func sameAddress(a, b string) bool {
	norm := func(s string) string {
		s = strings.ReplaceAll(s, "'", "")
		return strings.ToUpper(strings.ReplaceAll(s, "$", ""))
	}
	return norm(a) == norm(b)
}

func (m *Manager) createTable(ctx context.Context, fileID string) error {
	body := map[string]interface{}{"address": headerAddress(), "hasHeaders": true}
	var created graph.Table
	if err := m.call(ctx, m.provision, "create_table", http.MethodPost, sheetPath(fileID)+"/tables/add", body, &created); err != nil {
		return err
	}
	m.logger.Info("created table", slog.String("item_id", fileID), slog.String("table_id", created.ID))
	return m.nameTable(ctx, fileID, created.ID)
}

func (m *Manager) nameTable(ctx context.Context, fileID, tableID string) error {
	rename := map[string]string{"name": TableName}
	if err := m.call(ctx, m.provision, "rename_table", http.MethodPatch, bookPath(fileID)+"/tables/"+url.PathEscape(tableID), rename, nil); err != nil {
		return err
	}
	header := map[string]interface{}{"values": headerValues()}
	return m.call(ctx, m.provision, "set_header", http.MethodPatch, tablePath(fileID)+"/headerRowRange", header, nil)
}

func (m *Manager) listTables(ctx context.Context, fileID string) ([]graph.Table, error) {
	var tables graph.TableCollection
	if err := m.call(ctx, m.provision, "list_tables", http.MethodGet, bookPath(fileID)+"/tables", nil, &tables); err != nil {
		return nil, err
	}
	return tables.Value, nil
}

// Prepare decides, once per workbook, whether rows go through the table or
// straight into the worksheet, and provisions what that mode needs. A table
// is used only while it holds every data row on the sheet; otherwise rows
// written outside it would be invisible to table lookups.
func (m *Manager) Prepare(ctx context.Context, fileID string) (Mode, error) {
	if mode := m.Mode(fileID); mode != ModeUnknown {
		return mode, nil
	}

	mode, err := m.probe(ctx, fileID)
	if err != nil {
		return ModeUnknown, err
	}
	m.setMode(fileID, mode)
	m.logger.Debug("workbook mode decided", slog.String("item_id", fileID), slog.String("mode", mode.String()))
	return mode, nil
}

// detect decides the mode from what the workbook already holds, without
// writing anything. It returns ModeUnknown for a workbook with neither the
// invoice table nor data rows.
func (m *Manager) detect(ctx context.Context, fileID string) (Mode, graph.Range, error) {
	tables, err := m.listTables(ctx, fileID)
	if err != nil {
		return ModeUnknown, graph.Range{}, err
	}
	used, err := m.usedRange(ctx, fileID)
	if err != nil {
		return ModeUnknown, graph.Range{}, err
	}
	sheetRows := len(dataRows(used))

	for _, t := range tables {
		if !strings.EqualFold(t.Name, TableName) {
			continue
		}
		rows, err := m.tableRows(ctx, fileID)
		if err != nil {
			return ModeUnknown, used, err
		}
		if sheetRows > len(rows) {
			return ModeWorksheet, used, nil
		}
		return ModeTable, used, nil
	}
	if sheetRows > 0 {
		return ModeWorksheet, used, nil
	}
	return ModeUnknown, used, nil
}

// lookupMode is Prepare for read and delete paths: it never provisions. A
// workbook without the invoice table is scanned as a worksheet and the
// decision is left to the next write.
func (m *Manager) lookupMode(ctx context.Context, fileID string) (Mode, error) {
	if mode := m.Mode(fileID); mode != ModeUnknown {
		return mode, nil
	}
	mode, _, err := m.detect(ctx, fileID)
	if err != nil {
		return ModeUnknown, err
	}
	if mode == ModeUnknown {
		return ModeWorksheet, nil
	}
	m.setMode(fileID, mode)
	return mode, nil
}

func (m *Manager) probe(ctx context.Context, fileID string) (Mode, error) {
	mode, used, err := m.detect(ctx, fileID)
	if err != nil || mode != ModeUnknown {
		return mode, err
	}

	err = m.EnsureTable(ctx, fileID)
	if err == nil {
		return ModeTable, nil
	}
	if !fallbackWorthy(err) {
		return ModeUnknown, err
	}
	m.logger.Warn("table api unavailable, using worksheet ranges",
		slog.String("item_id", fileID), slog.Int("status", apperr.StatusOf(err)), slog.Any("error", err))
	if isEmpty(used) {
		if err := m.writeRange(ctx, fileID, 1, headerValues()[0]); err != nil {
			return ModeUnknown, err
		}
	}
	return ModeWorksheet, nil
}

// Mode returns the cached mode for a workbook, or ModeUnknown.
func (m *Manager) Mode(fileID string) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modes[fileID]
}

func (m *Manager) setMode(fileID string, mode Mode) {
	m.mu.Lock()
	m.modes[fileID] = mode
	m.mu.Unlock()
}

// Forget drops the cached mode, e.g. after the workbook was recreated.
func (m *Manager) Forget(fileID string) {
	m.mu.Lock()
	delete(m.modes, fileID)
	m.mu.Unlock()
}

// FindRow scans every row for one whose first column equals sequenceID. The
// returned index is the table row index in table mode and the 1-based sheet
// row in worksheet mode. The scan is linear in the number of rows.
func (m *Manager) FindRow(ctx context.Context, fileID string, sequenceID int64) (int, bool, error) {
	mode, err := m.lookupMode(ctx, fileID)
	if err != nil {
		return 0, false, err
	}
	return m.locate(ctx, fileID, mode, sequenceID)
}

func (m *Manager) locate(ctx context.Context, fileID string, mode Mode, sequenceID int64) (int, bool, error) {
	if mode == ModeTable {
		rows, err := m.tableRows(ctx, fileID)
		if err != nil {
			return 0, false, err
		}
		for _, r := range rows {
			if len(r.Values) > 0 && len(r.Values[0]) > 0 && MatchesID(r.Values[0][0], sequenceID) {
				return r.Index, true, nil
			}
		}
		return 0, false, nil
	}

	used, err := m.usedRange(ctx, fileID)
	if err != nil {
		return 0, false, err
	}
	for i, r := range used.Values {
		if len(r) > 0 && MatchesID(r[0], sequenceID) {
			return used.RowIndex + i + 1, true, nil
		}
	}
	return 0, false, nil
}

// AppendRow adds values as a new row. values[0] must be the sequence id; an
// existing row with the same id is rejected with apperr.ErrAlreadySynced. In
// table mode a persistent client error from the table endpoint falls back to
// writing the next blank worksheet row, and the workbook stays in worksheet
// mode from then on.
func (m *Manager) AppendRow(ctx context.Context, fileID string, values []interface{}) error {
	const op = "append_row"
	seq, ok := sequenceOf(values)
	if !ok {
		return apperr.New(apperr.Unknown, op, errors.New("row has no sequence id in column 0"))
	}

	mode, err := m.Prepare(ctx, fileID)
	if err != nil {
		return err
	}
	if _, found, err := m.locate(ctx, fileID, mode, seq); err != nil {
		return err
	} else if found {
		return &apperr.Error{Kind: apperr.Conflict, Op: op, InvoiceID: strconv.FormatInt(seq, 10), Err: apperr.ErrAlreadySynced.Err}
	}

	if mode == ModeWorksheet {
		return m.appendRange(ctx, fileID, values)
	}

	body := map[string]interface{}{"values": [][]interface{}{values}}
	err = m.call(ctx, m.provision, op, http.MethodPost, tablePath(fileID)+"/rows", body, nil)
	if err == nil || !fallbackWorthy(err) {
		return err
	}

	m.logger.Warn("table row add failed, writing worksheet range",
		slog.String("item_id", fileID), slog.Int64("sequence_id", seq),
		slog.Int("status", apperr.StatusOf(err)), slog.Any("error", err))
	m.setMode(fileID, ModeWorksheet)
	return m.appendRange(ctx, fileID, values)
}

func (m *Manager) appendRange(ctx context.Context, fileID string, values []interface{}) error {
	used, err := m.usedRange(ctx, fileID)
	if err != nil {
		return err
	}
	next := used.RowIndex + len(used.Values) + 1
	if isEmpty(used) {
		if err := m.writeRange(ctx, fileID, 1, headerValues()[0]); err != nil {
			return err
		}
		next = 2
	}
	return m.writeRange(ctx, fileID, next, values)
}

// UpdateRow overwrites the row for sequenceID. It reports false, without
// error, when no such row exists; the caller decides what a miss means.
func (m *Manager) UpdateRow(ctx context.Context, fileID string, sequenceID int64, values []interface{}) (bool, error) {
	mode, err := m.Prepare(ctx, fileID)
	if err != nil {
		return false, err
	}
	idx, found, err := m.locate(ctx, fileID, mode, sequenceID)
	if err != nil || !found {
		return false, err
	}

	if mode == ModeWorksheet {
		return true, m.writeRange(ctx, fileID, idx, values)
	}
	body := map[string]interface{}{"values": [][]interface{}{values}}
	if err := m.call(ctx, m.retry, "update_row", http.MethodPatch, rowPath(fileID, idx), body, nil); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteRow removes the row for sequenceID. A missing row is success and
// writes nothing.
func (m *Manager) DeleteRow(ctx context.Context, fileID string, sequenceID int64) error {
	mode, err := m.lookupMode(ctx, fileID)
	if err != nil {
		return err
	}
	idx, found, err := m.locate(ctx, fileID, mode, sequenceID)
	if err != nil || !found {
		return err
	}

	if mode == ModeWorksheet {
		body := map[string]string{"shift": "Up"}
		return m.call(ctx, m.retry, "delete_range", http.MethodPost, rangePath(fileID, idx)+"/delete", body, nil)
	}
	return m.call(ctx, m.retry, "delete_row", http.MethodDelete, rowPath(fileID, idx), nil, nil)
}

func (m *Manager) tableRows(ctx context.Context, fileID string) ([]graph.TableRow, error) {
	var out []graph.TableRow
	next := tablePath(fileID) + "/rows"
	for next != "" {
		var page graph.TableRowCollection
		if err := m.call(ctx, m.provision, "list_rows", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		next = page.NextLink
	}
	return out, nil
}

func (m *Manager) usedRange(ctx context.Context, fileID string) (graph.Range, error) {
	var used graph.Range
	err := m.call(ctx, m.provision, "used_range", http.MethodGet, sheetPath(fileID)+"/usedRange(valuesOnly=true)", nil, &used)
	return used, err
}

func (m *Manager) writeRange(ctx context.Context, fileID string, row int, values []interface{}) error {
	body := map[string]interface{}{"values": [][]interface{}{values}}
	return m.call(ctx, m.retry, "write_range", http.MethodPatch, rangePath(fileID, row), body, nil)
}

func (m *Manager) call(ctx context.Context, p retry.Policy, op, method, path string, body, out interface{}) error {
	return retry.Do(ctx, p, func(ctx context.Context) error {
		return m.client.JSON(ctx, op, method, path, body, out)
	})
}

// fallbackWorthy is a persistent client error that is not about auth,
// provisioning or throttling.
func fallbackWorthy(err error) bool {
	status := apperr.StatusOf(err)
	if status < 400 || status >= 500 {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.AuthRequired, apperr.NotFound, apperr.RemoteUnavailable:
		return false
	}
	return true
}

// unrecognized is the class of error the workbook API returns for a file it
// cannot open as a spreadsheet.
func unrecognized(err error) bool {
	status := apperr.StatusOf(err)
	return status == http.StatusBadRequest || status == http.StatusUnsupportedMediaType
}

// MatchesID compares a cell value against a sequence id. Cells come back as
// JSON numbers or as text depending on how they were written.
func MatchesID(cell interface{}, sequenceID int64) bool {
	switch v := cell.(type) {
	case float64:
		return v == float64(sequenceID)
	case int:
		return int64(v) == sequenceID
	case int64:
		return v == sequenceID
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n == sequenceID
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f == float64(sequenceID)
		}
	}
	return false
}

func sequenceOf(values []interface{}) (int64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	switch v := values[0].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), v == float64(int64(v))
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func isEmpty(r graph.Range) bool {
	for _, row := range r.Values {
		for _, v := range row {
			if v != nil && fmt.Sprint(v) != "" {
				return false
			}
		}
	}
	return true
}

// dataRows returns the non-blank rows below the header.
func dataRows(r graph.Range) [][]interface{} {
	var out [][]interface{}
	for i, row := range r.Values {
		if r.RowIndex+i == 0 || isEmpty(graph.Range{Values: [][]interface{}{row}}) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func bookPath(fileID string) string {
	return "/me/drive/items/" + url.PathEscape(fileID) + "/workbook"
}

func sheetPath(fileID string) string {
	return bookPath(fileID) + "/worksheets/" + url.PathEscape(SheetName)
}

func tablePath(fileID string) string {
	return bookPath(fileID) + "/tables/" + url.PathEscape(TableName)
}

func rowPath(fileID string, index int) string {
	return fmt.Sprintf("%s/rows/itemAt(index=%d)", tablePath(fileID), index)
}

func rangePath(fileID string, row int) string {
	return fmt.Sprintf("%s/range(address='%s')", sheetPath(fileID), rowAddress(row))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
