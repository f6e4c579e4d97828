// apperr/errors.go
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure for callers that need to pick a user-facing message.
type Kind int

const (
	Unknown Kind = iota
	AuthRequired
	StateMismatch
	MissingVerifier
	RemoteUnavailable
	NotFound
	Conflict
	PartialSuccess
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	AuthRequired:      "auth_required",
	StateMismatch:     "state_mismatch",
	MissingVerifier:   "missing_verifier",
	RemoteUnavailable: "remote_unavailable",
	NotFound:          "not_found",
	Conflict:          "conflict",
	PartialSuccess:    "partial_success",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for conditions callers match with errors.Is.
var (
	ErrReauthRequired  = &Error{Kind: AuthRequired, Err: errors.New("re-authentication required")}
	ErrStateMismatch   = &Error{Kind: StateMismatch, Err: errors.New("oauth state mismatch")}
	ErrMissingVerifier = &Error{Kind: MissingVerifier, Err: errors.New("no pkce verifier in storage")}
	ErrAlreadySynced   = &Error{Kind: Conflict, Err: errors.New("invoice already synced")}
	ErrNotUploadedYet  = &Error{Kind: Conflict, Err: errors.New("invoice not uploaded yet")}
)

// Error is the single error shape surfaced by the sync subsystem.
type Error struct {
	Kind      Kind
	Op        string
	InvoiceID string
	Status    int
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.InvoiceID != "" {
		fmt.Fprintf(&b, "invoice %s: ", e.InvoiceID)
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by identity of their inner error, so a wrapped
// copy carrying Op or InvoiceID still satisfies errors.Is(err, ErrAlreadySynced).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t == e || (t.Err != nil && t.Err == e.Err)
}

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithInvoice returns a copy of err annotated with the invoice id. Errors that
// are not *Error are wrapped as Unknown.
func WithInvoice(err error, op, invoiceID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		if cp.Op == "" {
			cp.Op = op
		}
		cp.InvoiceID = invoiceID
		return &cp
	}
	return &Error{Kind: Unknown, Op: op, InvoiceID: invoiceID, Err: err}
}

// Wrap annotates err with op and invoice id while keeping the whole chain,
// so typed errors underneath stay reachable with errors.As.
func Wrap(err error, op, invoiceID string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, InvoiceID: invoiceID, Status: StatusOf(err), Err: err}
}

// KindOf resolves the kind of err through its wrap chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// StatusOf returns the remote HTTP status recorded in err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// FromStatus classifies a remote HTTP status code.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return AuthRequired
	case status == http.StatusNotFound, status == http.StatusGone:
		return NotFound
	case status == http.StatusConflict:
		return Conflict
	case status == http.StatusTooManyRequests, status >= 500:
		return RemoteUnavailable
	default:
		return Unknown
	}
}

// HTTPStatus maps a kind onto the status code returned by this service's API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case AuthRequired:
		return http.StatusUnauthorized
	case StateMismatch, MissingVerifier:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case PartialSuccess:
		return http.StatusMultiStatus
	case RemoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
