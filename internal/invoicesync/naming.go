// invoicesync/naming.go
package invoicesync

import (
	"strconv"
	"strings"

	"github.com/eGGnogSC/invoicesync/internal/invoice"
)

type fileKind struct {
	ext  string
	mime string
}

var fileKinds = map[string]fileKind{
	"pdf":  {".pdf", "application/pdf"},
	"png":  {".png", "image/png"},
	"jpg":  {".jpg", "image/jpeg"},
	"jpeg": {".jpg", "image/jpeg"},
	"heic": {".heic", "image/heic"},
	"webp": {".webp", "image/webp"},
}

// kindOf accepts a bare extension, a dotted one or a MIME type.
func kindOf(kind string) (fileKind, bool) {
	k := strings.ToLower(strings.TrimSpace(kind))
	k = strings.TrimPrefix(k, ".")
	if i := strings.LastIndex(k, "/"); i >= 0 {
		k = k[i+1:]
	}
	fk, ok := fileKinds[k]
	return fk, ok
}

// Extension maps a record's file kind to a file extension, ".bin" when unknown.
func Extension(kind string) string {
	if fk, ok := kindOf(kind); ok {
		return fk.ext
	}
	return ".bin"
}

// ContentType maps a record's file kind to a MIME type.
func ContentType(kind string) string {
	if fk, ok := kindOf(kind); ok {
		return fk.mime
	}
	return "application/octet-stream"
}

// RemoteFileName is the deterministic drive file name of a record:
// <Customer>-Receipt-<date>-<sequence><ext>, customer reduced to letters and digits.
func RemoteFileName(rec *invoice.Record) string {
	customer := keep(rec.CustomerName, func(r rune) bool {
		return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
	})
	if customer == "" {
		customer = "Customer"
	}
	date := keep(rec.InvoiceDate, func(r rune) bool { return r >= '0' && r <= '9' || r == '-' })
	if date == "" {
		date = "undated"
	}
	return customer + "-Receipt-" + date + "-" + strconv.FormatInt(rec.SequenceID, 10) + Extension(rec.FileKind)
}

func keep(s string, ok func(rune) bool) string {
	var b strings.Builder
	for _, r := range s {
		if ok(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BuildRow lays a record out in workbook column order.
func BuildRow(rec *invoice.Record, fileName, link string) []interface{} {
	return []interface{}{
		rec.SequenceID,
		rec.CustomerName,
		rec.InvoiceDate,
		rec.Description(),
		rec.Amount,
		hyperlink(link),
		fileName,
		link,
	}
}

func hyperlink(link string) string {
	if link == "" {
		return ""
	}
	return `=HYPERLINK("` + strings.ReplaceAll(link, `"`, `""`) + `","View")`
}
