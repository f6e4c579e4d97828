// graph/types.go
package graph

// DriveItem represents a file or folder in OneDrive
type DriveItem struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Size            int64          `json:"size,omitempty"`
	WebURL          string         `json:"webUrl"`
	File            *FileFacet     `json:"file,omitempty"`
	Folder          *FolderFacet   `json:"folder,omitempty"`
	ParentReference *ItemReference `json:"parentReference,omitempty"`
}

// FileFacet is present on files
type FileFacet struct {
	MimeType string `json:"mimeType"`
}

// FolderFacet is present on folders
type FolderFacet struct {
	ChildCount int32 `json:"childCount"`
}

// ItemReference points at a parent item
type ItemReference struct {
	DriveID string `json:"driveId,omitempty"`
	ID      string `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
}

// DriveItemCollection is one page of a children listing
type DriveItemCollection struct {
	Value    []DriveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink,omitempty"`
}

// SharingLink is returned by createLink
type SharingLink struct {
	Type   string `json:"type"`
	Scope  string `json:"scope"`
	WebURL string `json:"webUrl"`
}

// Permission wraps a sharing link
type Permission struct {
	ID   string       `json:"id"`
	Link *SharingLink `json:"link,omitempty"`
}

// Worksheet is a sheet inside a workbook
type Worksheet struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorksheetCollection lists worksheets
type WorksheetCollection struct {
	Value []Worksheet `json:"value"`
}

// Table is a structured table inside a workbook
type Table struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TableCollection lists tables
type TableCollection struct {
	Value []Table `json:"value"`
}

// TableRow is one data row of a table; Values holds a single row
type TableRow struct {
	Index  int             `json:"index"`
	Values [][]interface{} `json:"values"`
}

// TableRowCollection lists table rows
type TableRowCollection struct {
	Value    []TableRow `json:"value"`
	NextLink string     `json:"@odata.nextLink,omitempty"`
}

// Range is a block of cells. RowIndex is zero-based.
type Range struct {
	Address  string          `json:"address"`
	RowIndex int             `json:"rowIndex"`
	RowCount int             `json:"rowCount"`
	Values   [][]interface{} `json:"values"`
}
