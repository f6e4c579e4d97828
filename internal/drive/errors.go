// drive/errors.go
package drive

import (
	"fmt"
)

// FolderError reports the deepest path segment that could not be created.
type FolderError struct {
	Segment string
	Err     error
}

func (e *FolderError) Error() string {
	return fmt.Sprintf("failed to create folder %q: %v", e.Segment, e.Err)
}

func (e *FolderError) Unwrap() error { return e.Err }

// UploadError carries the remote status of a failed upload.
type UploadError struct {
	Path   string
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %q (status %d): %v", e.Path, e.Status, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
