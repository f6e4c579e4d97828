// invoice/models.go
package invoice

import (
	"time"
)

// SyncStatus records which remote side effects have completed for a record.
type SyncStatus struct {
	Uploaded      bool   `json:"uploaded"`
	RemoteFileURL string `json:"remote_file_url,omitempty"`
	ExcelSynced   bool   `json:"excel_synced"`
}

// Record is a captured invoice. SequenceID is unique per owner and is the key
// that ties the record to its row in the tracking workbook.
type Record struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	SequenceID       int64      `json:"sequence_id"`
	CustomerName     string     `json:"customer_name"`
	InvoiceDate      string     `json:"invoice_date"` // YYYY-MM-DD
	Amount           float64    `json:"amount"`
	Category         string     `json:"category"`
	OtherDescription string     `json:"other_description,omitempty"`
	FileRef          string     `json:"file_ref"`
	FileKind         string     `json:"file_kind"`
	SyncStatus       SyncStatus `json:"sync_status"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CategoryOther means the description lives in OtherDescription.
const CategoryOther = "Other"

// Description is the text shown in the workbook's Description column.
func (r *Record) Description() string {
	if r.Category == CategoryOther && r.OtherDescription != "" {
		return r.OtherDescription
	}
	return r.Category
}
