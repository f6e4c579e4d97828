package invoicesync

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
	"github.com/eGGnogSC/invoicesync/internal/blob"
	"github.com/eGGnogSC/invoicesync/internal/drive"
	"github.com/eGGnogSC/invoicesync/internal/graphtest"
	"github.com/eGGnogSC/invoicesync/internal/invoice"
	"github.com/eGGnogSC/invoicesync/internal/retry"
	"github.com/eGGnogSC/invoicesync/internal/settings"
	"github.com/eGGnogSC/invoicesync/internal/workbook"
	"github.com/eGGnogSC/invoicesync/pkg/graph"
)

const (
	workbookPath = "Invoices/Invoice_Tracker.xlsx"
	janePath     = "Invoices/JaneDoe-Receipt-2024-03-01-1.pdf"
)

var pdfBytes = []byte("%PDF-1.4 test")

type testEnv struct {
	fake    *graphtest.Server
	tokens  *graphtest.Tokens
	store   *invoice.SQLStore
	blobs   *blob.MemoryStore
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	fake := graphtest.New(t)
	tokens := &graphtest.Tokens{}
	client := graph.NewClient(fake.URL, tokens)
	policy := retry.Default()
	policy.Sleep = retry.NoSleep
	adapter := drive.NewAdapter(client, drive.WithRetryPolicy(policy))
	workbooks := workbook.NewManager(client, adapter, workbook.WithRetryPolicy(policy))

	db, err := invoice.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := invoice.NewSQLStore(db, "sqlite3", "owner-1")
	require.NoError(t, store.Migrate(context.Background()))

	blobs := blob.NewMemoryStore()
	svc := NewService(tokens, adapter, workbooks, store, blobs, settings.Static(settings.Defaults()), nil)
	return &testEnv{fake: fake, tokens: tokens, store: store, blobs: blobs, service: svc}
}

func (e *testEnv) jane(t *testing.T) *invoice.Record {
	rec := &invoice.Record{
		SequenceID:   1,
		CustomerName: "Jane Doe",
		InvoiceDate:  "2024-03-01",
		Amount:       120.50,
		Category:     "Dental",
		FileRef:      "files/jane.pdf",
		FileKind:     "pdf",
	}
	require.NoError(t, e.store.Create(context.Background(), rec))
	require.NoError(t, e.blobs.Put(context.Background(), rec.FileRef, pdfBytes, "application/pdf"))
	return rec
}

func TestRemoteFileName(t *testing.T) {
	tests := []struct {
		name string
		rec  invoice.Record
		want string
	}{
		{"plain", invoice.Record{CustomerName: "Jane Doe", InvoiceDate: "2024-03-01", SequenceID: 1, FileKind: "pdf"}, "JaneDoe-Receipt-2024-03-01-1.pdf"},
		{"path characters", invoice.Record{CustomerName: "A/B: C?", InvoiceDate: "2024-03-01", SequenceID: 7, FileKind: "image/jpeg"}, "ABC-Receipt-2024-03-01-7.jpg"},
		{"empty customer", invoice.Record{CustomerName: "!!", InvoiceDate: "2024-03-01", SequenceID: 2, FileKind: ".PNG"}, "Customer-Receipt-2024-03-01-2.png"},
		{"unknown kind", invoice.Record{CustomerName: "Jo", InvoiceDate: "2024/03/01", SequenceID: 3, FileKind: "tiff"}, "Jo-Receipt-20240301-3.bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RemoteFileName(&tt.rec))
		})
	}
}

func TestBuildRowUsesOtherDescription(t *testing.T) {
	rec := &invoice.Record{SequenceID: 4, CustomerName: "Jo", InvoiceDate: "2024-03-01", Amount: 10,
		Category: invoice.CategoryOther, OtherDescription: "Braces"}
	row := BuildRow(rec, "f.pdf", `https://x.test/a"b`)

	require.Len(t, row, len(workbook.Header))
	assert.Equal(t, int64(4), row[0])
	assert.Equal(t, "Braces", row[3])
	assert.Equal(t, `=HYPERLINK("https://x.test/a""b","View")`, row[5])
	assert.Equal(t, "f.pdf", row[6])
}

func TestUploadInvoiceNewUser(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)

	res := e.service.UploadInvoice(ctx, rec, pdfBytes)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.FileURL)

	assert.True(t, e.fake.IsFolder("Invoices"))
	assert.Equal(t, pdfBytes, e.fake.Data(janePath))

	sheet := e.fake.Sheet(workbookPath)
	require.Len(t, sheet, 2)
	assert.Equal(t, []interface{}{"ID", "Customer Name", "Invoice Date", "Description", "Amount", "File Link", "File Name", "File URL"}, sheet[0])
	assert.Equal(t, float64(1), sheet[1][0])
	assert.Equal(t, "Jane Doe", sheet[1][1])
	assert.Equal(t, "2024-03-01", sheet[1][2])
	assert.Equal(t, "Dental", sheet[1][3])
	assert.Equal(t, 120.5, sheet[1][4])
	assert.Equal(t, res.FileURL, sheet[1][7])

	stored, err := e.store.GetInvoice(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.SyncStatus{Uploaded: true, RemoteFileURL: res.FileURL, ExcelSynced: true}, stored.SyncStatus)
}

func TestUploadInvoiceTwiceIsAlreadySynced(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	require.True(t, e.service.UploadInvoice(ctx, rec, pdfBytes).Success)

	res := e.service.UploadInvoice(ctx, rec, pdfBytes)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, apperr.ErrAlreadySynced)
	assert.Equal(t, apperr.Conflict, res.Kind())
	assert.Len(t, e.fake.Sheet(workbookPath), 2)
}

func TestResyncUpdatesRowInPlace(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	require.True(t, e.service.UploadInvoice(ctx, rec, pdfBytes).Success)

	rec.Amount = 135.00
	res := e.service.ResyncInvoice(ctx, rec)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)

	sheet := e.fake.Sheet(workbookPath)
	require.Len(t, sheet, 2)
	assert.Equal(t, float64(135), sheet[1][4])
	assert.Equal(t, 2, e.fake.Calls("upload"), "workbook template and invoice file only")
}

func TestResyncMissingRowAppends(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := &invoice.Record{SequenceID: 42, CustomerName: "Jane Doe", InvoiceDate: "2024-03-01", Amount: 5,
		Category: "Dental", SyncStatus: invoice.SyncStatus{Uploaded: true, RemoteFileURL: "https://1drv.test/s/x"}}
	require.NoError(t, e.store.Create(ctx, rec))

	res := e.service.ResyncInvoice(ctx, rec)
	require.NoError(t, res.Err)

	sheet := e.fake.Sheet(workbookPath)
	require.Len(t, sheet, 2)
	assert.Equal(t, float64(42), sheet[1][0])
	assert.True(t, rec.SyncStatus.ExcelSynced)
}

func TestResyncRequiresUpload(t *testing.T) {
	e := newTestEnv(t)
	rec := e.jane(t)

	res := e.service.ResyncInvoice(context.Background(), rec)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, apperr.ErrNotUploadedYet)
	assert.Zero(t, e.fake.Mutations())
}

func TestUploadWithoutLoginTouchesNothing(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	e.tokens.Err = errors.New("no credential")

	res := e.service.UploadInvoice(ctx, rec, pdfBytes)
	assert.False(t, res.Success)
	assert.Equal(t, apperr.AuthRequired, res.Kind())
	assert.Zero(t, e.fake.Mutations())

	stored, err := e.store.GetInvoice(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.SyncStatus{}, stored.SyncStatus)
}

func TestUploadFailureLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	e.fake.Fail("upload", graphtest.Fault{Status: http.StatusForbidden, Code: "accessDenied"})

	res := e.service.UploadInvoice(ctx, rec, pdfBytes)
	assert.False(t, res.Success)
	var uploadErr *drive.UploadError
	assert.ErrorAs(t, res.Err, &uploadErr)
	assert.Equal(t, http.StatusForbidden, apperr.StatusOf(res.Err))

	stored, err := e.store.GetInvoice(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, stored.SyncStatus.Uploaded)
}

func TestWorkbookFailureAfterUploadIsPartial(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	e.fake.Fail("usedRange", graphtest.Fault{Status: http.StatusServiceUnavailable})

	res := e.service.UploadInvoice(ctx, rec, pdfBytes)
	assert.False(t, res.Success)
	assert.Equal(t, apperr.PartialSuccess, res.Kind())
	assert.NotEmpty(t, res.FileURL)
	assert.True(t, e.fake.Exists(janePath))

	stored, err := e.store.GetInvoice(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.SyncStatus.Uploaded)
	assert.False(t, stored.SyncStatus.ExcelSynced)
	assert.Equal(t, res.FileURL, stored.SyncStatus.RemoteFileURL)
}

func TestPartialUploadIsCompletedByResync(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	e.fake.Fail("usedRange", graphtest.Fault{Status: http.StatusServiceUnavailable, Times: 3})
	require.Equal(t, apperr.PartialSuccess, e.service.UploadInvoice(ctx, rec, pdfBytes).Kind())

	res := e.service.SyncByID(ctx, rec.ID)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Len(t, e.fake.Sheet(workbookPath), 2)
	assert.Equal(t, 2, e.fake.Calls("upload"), "resync does not upload the file again")
}

func TestShareLinkFailureFallsBackToWebURL(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	e.fake.Fail("createLink", graphtest.Fault{Status: http.StatusForbidden})

	res := e.service.UploadInvoice(ctx, rec, pdfBytes)
	require.NoError(t, res.Err)
	assert.Equal(t, "https://onedrive.test/personal/"+janePath, res.FileURL)
}

func TestRemoveWhenFileAlreadyDeleted(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	require.True(t, e.service.UploadInvoice(ctx, rec, pdfBytes).Success)
	e.fake.Remove(janePath)

	res := e.service.RemoveInvoiceArtifacts(ctx, rec)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Warnings)
	assert.Len(t, e.fake.Sheet(workbookPath), 1)

	stored, err := e.store.GetInvoice(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.SyncStatus{}, stored.SyncStatus)
}

func TestRemoveDeletesFileAndRow(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	require.True(t, e.service.UploadInvoice(ctx, rec, pdfBytes).Success)

	res := e.service.RemoveByID(ctx, rec.ID)
	require.NoError(t, res.Err)
	assert.False(t, e.fake.Exists(janePath))
	assert.Len(t, e.fake.Sheet(workbookPath), 1)
}

func TestRemoveFailuresAreWarnings(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	require.True(t, e.service.UploadInvoice(ctx, rec, pdfBytes).Success)
	e.fake.Fail("deleteItem", graphtest.Fault{Status: http.StatusForbidden})

	res := e.service.RemoveInvoiceArtifacts(ctx, rec)
	assert.True(t, res.Success)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "file not removed")
	assert.Len(t, e.fake.Sheet(workbookPath), 1)
	assert.True(t, e.fake.Exists(janePath))

	// The file is still there, so the record must keep pointing at it.
	stored, err := e.store.GetInvoice(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.SyncStatus.Uploaded)
	assert.NotEmpty(t, stored.SyncStatus.RemoteFileURL)
	assert.False(t, stored.SyncStatus.ExcelSynced)
}

func TestRemoveKeepsExcelFlagWhenRowStays(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	require.True(t, e.service.UploadInvoice(ctx, rec, pdfBytes).Success)
	e.fake.Fail("deleteRow", graphtest.Fault{Status: http.StatusForbidden})

	res := e.service.RemoveInvoiceArtifacts(ctx, rec)
	assert.True(t, res.Success)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "workbook row not removed")
	assert.False(t, e.fake.Exists(janePath))
	assert.Len(t, e.fake.Sheet(workbookPath), 2)

	stored, err := e.store.GetInvoice(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.SyncStatus{ExcelSynced: true}, stored.SyncStatus)
}

func TestRemoveWithoutWorkbookCreatesNothing(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)

	res := e.service.RemoveInvoiceArtifacts(ctx, rec)
	assert.True(t, res.Success)
	assert.Empty(t, res.Warnings)
	assert.Zero(t, e.fake.Mutations())
	assert.Zero(t, e.fake.Calls("deleteItem"))
	assert.False(t, e.fake.Exists(workbookPath))
}

func TestRemoveNeedsLogin(t *testing.T) {
	e := newTestEnv(t)
	rec := e.jane(t)
	e.tokens.Err = apperr.ErrReauthRequired

	res := e.service.RemoveInvoiceArtifacts(context.Background(), rec)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, apperr.ErrReauthRequired)
}

func TestSyncByIDUploadsStoredFile(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)

	res := e.service.SyncByID(ctx, rec.ID)
	require.NoError(t, res.Err)
	assert.Equal(t, pdfBytes, e.fake.Data(janePath))
}

func TestSyncByIDMissingBlob(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	rec := e.jane(t)
	require.NoError(t, e.blobs.Delete(ctx, rec.FileRef))

	res := e.service.SyncByID(ctx, rec.ID)
	assert.Equal(t, apperr.NotFound, res.Kind())
	assert.Zero(t, e.fake.Mutations())
}

func TestSyncByIDUnknownInvoice(t *testing.T) {
	res := newTestEnv(t).service.SyncByID(context.Background(), "nope")
	assert.ErrorIs(t, res.Err, invoice.ErrNotFound)
	assert.Equal(t, apperr.NotFound, res.Kind())
}
