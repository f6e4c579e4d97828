// workbook/template.go
package workbook

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const (
	// TableName is the structured table holding one row per invoice.
	TableName = "InvoiceTable"
	// SheetName is the worksheet the table lives on.
	SheetName = "Sheet1"
	// MimeType is the content type of an .xlsx workbook.
	MimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Header is the fixed column contract of the tracking sheet. Column 0 is the
// invoice sequence id.
var Header = []string{
	"ID",
	"Customer Name",
	"Invoice Date",
	"Description",
	"Amount",
	"File Link",
	"File Name",
	"File URL",
}

// lastColumn is the letter of the final header column.
var lastColumn = mustColumnName(len(Header))

func mustColumnName(n int) string {
	name, err := excelize.ColumnNumberToName(n)
	if err != nil {
		panic(err)
	}
	return name
}

// rowAddress is the A1 address of one full sheet row, 1-based.
func rowAddress(row int) string {
	return fmt.Sprintf("A%d:%s%d", row, lastColumn, row)
}

// headerAddress is where the table is created.
func headerAddress() string {
	return SheetName + "!" + rowAddress(1)
}

// NewTemplate renders an empty tracking workbook with the header row in place.
func NewTemplate() ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	row := headerValues()[0]
	if err := f.SetSheetRow(SheetName, "A1", &row); err != nil {
		return nil, fmt.Errorf("failed to write header row: %w", err)
	}
	if err := f.SetColWidth(SheetName, "A", lastColumn, 18); err != nil {
		return nil, fmt.Errorf("failed to size columns: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func headerValues() [][]interface{} {
	row := make([]interface{}, len(Header))
	for i, h := range Header {
		row[i] = h
	}
	return [][]interface{}{row}
}
