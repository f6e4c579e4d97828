// invoicesync/service.go
package invoicesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
	"github.com/eGGnogSC/invoicesync/internal/blob"
	"github.com/eGGnogSC/invoicesync/internal/drive"
	"github.com/eGGnogSC/invoicesync/internal/invoice"
	"github.com/eGGnogSC/invoicesync/internal/settings"
	"github.com/eGGnogSC/invoicesync/internal/workbook"
)

// Authenticator produces an access token or reports that the user has to
// log in again.
type Authenticator interface {
	EnsureValidToken(ctx context.Context) (string, error)
}

// Result is what every sync operation returns instead of a bare error.
type Result struct {
	Success  bool     `json:"success"`
	FileURL  string   `json:"file_url,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Err      error    `json:"-"`
}

// Kind classifies Err. It is Unknown for a successful result.
func (r Result) Kind() apperr.Kind {
	return apperr.KindOf(r.Err)
}

// Service pushes invoices to the drive and keeps the tracking workbook in step.
type Service struct {
	auth      Authenticator
	drive     *drive.Adapter
	workbooks *workbook.Manager
	store     invoice.Store
	blobs     blob.Store
	settings  settings.Provider
	logger    *slog.Logger
}

// NewService wires the orchestrator. A nil logger means slog.Default().
func NewService(
	auth Authenticator,
	adapter *drive.Adapter,
	workbooks *workbook.Manager,
	store invoice.Store,
	blobs blob.Store,
	provider settings.Provider,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		auth:      auth,
		drive:     adapter,
		workbooks: workbooks,
		store:     store,
		blobs:     blobs,
		settings:  provider,
		logger:    logger,
	}
}

// UploadInvoice uploads the invoice file and appends its workbook row. When
// the file went up but the row could not be written, the record is marked
// uploaded only and the result carries a PartialSuccess error.
func (s *Service) UploadInvoice(ctx context.Context, rec *invoice.Record, data []byte) Result {
	const op = "upload_invoice"
	if err := s.authorize(ctx); err != nil {
		return s.fail(op, rec, err)
	}
	if rec.SequenceID <= 0 {
		return s.fail(op, rec, apperr.New(apperr.Unknown, op, errors.New("record has no sequence id")))
	}
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return s.fail(op, rec, err)
	}

	if _, err := s.drive.EnsureFolder(ctx, cfg.InvoiceDirectory); err != nil {
		return s.fail(op, rec, err)
	}
	fileName := RemoteFileName(rec)
	item, err := s.drive.UploadFile(ctx, drive.JoinPath(cfg.InvoiceDirectory, fileName), data, ContentType(rec.FileKind))
	if err != nil {
		return s.fail(op, rec, err)
	}
	link := s.drive.CreateShareLink(ctx, item)

	// The file is on the drive from here on; failures below are partial.
	row := BuildRow(rec, fileName, link)
	err = s.appendRow(ctx, cfg, row)
	if err != nil {
		uploaded := invoice.SyncStatus{Uploaded: true, RemoteFileURL: link}
		res := Result{FileURL: link}
		if perr := s.store.UpdateSyncStatus(ctx, rec.ID, uploaded); perr != nil {
			s.logger.Error("failed to record upload", slog.String("invoice_id", rec.ID), slog.Any("error", perr))
			res.Warnings = append(res.Warnings, "upload could not be recorded locally")
		}
		if errors.Is(err, apperr.ErrAlreadySynced) {
			res.Err = apperr.Wrap(err, op, rec.ID)
		} else {
			res.Err = &apperr.Error{Kind: apperr.PartialSuccess, Op: op, InvoiceID: rec.ID, Status: apperr.StatusOf(err),
				Err: fmt.Errorf("file uploaded but workbook row not written: %w", err)}
		}
		s.logger.Warn("workbook step failed after upload",
			slog.String("invoice_id", rec.ID), slog.String("kind", apperr.KindOf(err).String()), slog.Any("error", err))
		return res
	}

	res := Result{Success: true, FileURL: link}
	synced := invoice.SyncStatus{Uploaded: true, RemoteFileURL: link, ExcelSynced: true}
	if err := s.store.UpdateSyncStatus(ctx, rec.ID, synced); err != nil {
		s.logger.Error("failed to record sync status", slog.String("invoice_id", rec.ID), slog.Any("error", err))
		res.Warnings = append(res.Warnings, "sync status could not be recorded locally")
	} else {
		rec.SyncStatus = synced
	}
	s.logger.Info("invoice synced",
		slog.String("invoice_id", rec.ID), slog.Int64("sequence_id", rec.SequenceID), slog.String("file_url", link))
	return res
}

func (s *Service) appendRow(ctx context.Context, cfg settings.Config, row []interface{}) error {
	wb, err := s.workbooks.EnsureWorkbook(ctx, cfg.InvoiceDirectory, cfg.WorkbookFileName)
	if err != nil {
		return err
	}
	return s.workbooks.AppendRow(ctx, wb.ID, row)
}

// ResyncInvoice rewrites the workbook row of an uploaded invoice from the
// local record, appending it when the row has gone missing.
func (s *Service) ResyncInvoice(ctx context.Context, rec *invoice.Record) Result {
	const op = "resync_invoice"
	if !rec.SyncStatus.Uploaded || rec.SyncStatus.RemoteFileURL == "" {
		return s.fail(op, rec, apperr.ErrNotUploadedYet)
	}
	if err := s.authorize(ctx); err != nil {
		return s.fail(op, rec, err)
	}
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return s.fail(op, rec, err)
	}

	wb, err := s.workbooks.EnsureWorkbook(ctx, cfg.InvoiceDirectory, cfg.WorkbookFileName)
	if err != nil {
		return s.fail(op, rec, err)
	}
	url := rec.SyncStatus.RemoteFileURL
	row := BuildRow(rec, RemoteFileName(rec), url)
	updated, err := s.workbooks.UpdateRow(ctx, wb.ID, rec.SequenceID, row)
	if err != nil {
		return s.fail(op, rec, err)
	}
	if !updated {
		s.logger.Info("workbook row missing, appending",
			slog.String("invoice_id", rec.ID), slog.Int64("sequence_id", rec.SequenceID))
		if err := s.workbooks.AppendRow(ctx, wb.ID, row); err != nil {
			return s.fail(op, rec, err)
		}
	}

	res := Result{Success: true, FileURL: url}
	synced := invoice.SyncStatus{Uploaded: true, RemoteFileURL: url, ExcelSynced: true}
	if err := s.store.UpdateSyncStatus(ctx, rec.ID, synced); err != nil {
		s.logger.Error("failed to record sync status", slog.String("invoice_id", rec.ID), slog.Any("error", err))
		res.Warnings = append(res.Warnings, "sync status could not be recorded locally")
	} else {
		rec.SyncStatus = synced
	}
	return res
}

// RemoveInvoiceArtifacts deletes the invoice file and workbook row. Both are
// best effort: failures come back as warnings on a successful result, since
// the local record may be deleted regardless. Only a lost login fails it.
// The stored sync status keeps the flags of whatever could not be removed.
func (s *Service) RemoveInvoiceArtifacts(ctx context.Context, rec *invoice.Record) Result {
	const op = "remove_invoice_artifacts"
	if err := s.authorize(ctx); err != nil {
		return s.fail(op, rec, err)
	}
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return s.fail(op, rec, err)
	}

	res := Result{Success: true, FileURL: rec.SyncStatus.RemoteFileURL}
	warn := func(what string, err error) bool {
		if apperr.KindOf(err) == apperr.AuthRequired {
			res = s.fail(op, rec, err)
			return true
		}
		s.logger.Warn("failed to remove "+what,
			slog.String("invoice_id", rec.ID), slog.Int("status", apperr.StatusOf(err)), slog.Any("error", err))
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s not removed: %v", what, err))
		return false
	}

	// Flags are cleared only for the side of the sync that is really gone.
	status := rec.SyncStatus
	if err := s.deleteFile(ctx, cfg, rec); err == nil {
		status.Uploaded = false
		status.RemoteFileURL = ""
	} else if warn("file", err) {
		return res
	}
	if err := s.deleteRow(ctx, cfg, rec); err == nil {
		status.ExcelSynced = false
	} else if warn("workbook row", err) {
		return res
	}
	if status == rec.SyncStatus {
		return res
	}

	err = s.store.UpdateSyncStatus(ctx, rec.ID, status)
	switch {
	case err == nil:
		rec.SyncStatus = status
	case apperr.KindOf(err) != apperr.NotFound:
		s.logger.Warn("failed to clear sync status", slog.String("invoice_id", rec.ID), slog.Any("error", err))
		res.Warnings = append(res.Warnings, "sync status could not be cleared locally")
	}
	return res
}

// deleteFile goes through the stored link first and the deterministic path
// second. A file that is already gone is not an error.
func (s *Service) deleteFile(ctx context.Context, cfg settings.Config, rec *invoice.Record) error {
	if !rec.SyncStatus.Uploaded && rec.SyncStatus.RemoteFileURL == "" {
		return nil
	}
	if u := rec.SyncStatus.RemoteFileURL; u != "" {
		err := s.drive.DeleteByURL(ctx, u)
		if err == nil || apperr.KindOf(err) == apperr.NotFound {
			return nil
		}
		if apperr.KindOf(err) == apperr.AuthRequired {
			return err
		}
		s.logger.Debug("delete by link failed, trying path", slog.String("invoice_id", rec.ID), slog.Any("error", err))
	}
	err := s.drive.DeleteByPath(ctx, drive.JoinPath(cfg.InvoiceDirectory, RemoteFileName(rec)))
	if apperr.KindOf(err) == apperr.NotFound {
		return nil
	}
	return err
}

func (s *Service) deleteRow(ctx context.Context, cfg settings.Config, rec *invoice.Record) error {
	if rec.SequenceID <= 0 {
		return nil
	}
	wb, found, err := s.workbooks.FindWorkbook(ctx, cfg.InvoiceDirectory, cfg.WorkbookFileName)
	if err != nil || !found {
		return err
	}
	return s.workbooks.DeleteRow(ctx, wb.ID, rec.SequenceID)
}

// SyncRecord uploads a record that has never been uploaded and resyncs one
// that has.
func (s *Service) SyncRecord(ctx context.Context, rec *invoice.Record) Result {
	if rec.SyncStatus.Uploaded && rec.SyncStatus.RemoteFileURL != "" {
		return s.ResyncInvoice(ctx, rec)
	}
	data, err := s.loadFile(ctx, rec)
	if err != nil {
		return s.fail("sync_invoice", rec, err)
	}
	return s.UploadInvoice(ctx, rec, data)
}

func (s *Service) loadFile(ctx context.Context, rec *invoice.Record) ([]byte, error) {
	if rec.FileRef == "" {
		return nil, apperr.New(apperr.NotFound, "load_file", errors.New("record has no file"))
	}
	data, contentType, err := s.blobs.Get(ctx, rec.FileRef)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "load_file", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice file: %w", err)
	}
	if rec.FileKind == "" {
		rec.FileKind = contentType
	}
	return data, nil
}

// SyncByID loads a record and runs SyncRecord on it.
func (s *Service) SyncByID(ctx context.Context, id string) Result {
	return s.byID(ctx, "sync_invoice", id, s.SyncRecord)
}

// UploadByID uploads a record's stored file regardless of its sync status.
func (s *Service) UploadByID(ctx context.Context, id string) Result {
	return s.byID(ctx, "upload_invoice", id, func(ctx context.Context, rec *invoice.Record) Result {
		data, err := s.loadFile(ctx, rec)
		if err != nil {
			return s.fail("upload_invoice", rec, err)
		}
		return s.UploadInvoice(ctx, rec, data)
	})
}

func (s *Service) ResyncByID(ctx context.Context, id string) Result {
	return s.byID(ctx, "resync_invoice", id, s.ResyncInvoice)
}

func (s *Service) RemoveByID(ctx context.Context, id string) Result {
	return s.byID(ctx, "remove_invoice_artifacts", id, s.RemoveInvoiceArtifacts)
}

func (s *Service) byID(ctx context.Context, op, id string, fn func(context.Context, *invoice.Record) Result) Result {
	rec, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return s.fail(op, &invoice.Record{ID: id}, err)
	}
	return fn(ctx, rec)
}

func (s *Service) authorize(ctx context.Context) error {
	_, err := s.auth.EnsureValidToken(ctx)
	if err == nil {
		return nil
	}
	if k := apperr.KindOf(err); k == apperr.AuthRequired || k == apperr.RemoteUnavailable {
		return err
	}
	return &apperr.Error{Kind: apperr.AuthRequired, Op: "ensure_valid_token", Err: err}
}

func (s *Service) fail(op string, rec *invoice.Record, err error) Result {
	err = apperr.Wrap(err, op, rec.ID)
	attrs := []any{
		slog.String("op", op),
		slog.String("invoice_id", rec.ID),
		slog.Int64("sequence_id", rec.SequenceID),
		slog.String("kind", apperr.KindOf(err).String()),
		slog.Int("status", apperr.StatusOf(err)),
		slog.Any("error", err),
	}
	if apperr.KindOf(err) == apperr.Unknown {
		s.logger.Error("invoice sync failed", attrs...)
	} else {
		s.logger.Warn("invoice sync failed", attrs...)
	}
	return Result{Err: err}
}
