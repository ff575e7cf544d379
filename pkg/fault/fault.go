// pkg/fault/fault.go
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so callers can react to the stage that broke
// rather than pattern-matching on message text.
type Kind int

const (
	// NotFound: tenant, client, issuer, grant or interaction is absent.
	NotFound Kind = iota + 1
	// Precondition: usage error (double activation, consuming a Client record).
	Precondition
	// Upstream: the federated provider misbehaved (unreachable, non-2xx, bad discovery).
	Upstream
	// Validation: protocol-level check failed (signature, issuer, audience, nonce, state).
	Validation
	// Persistence: schema creation, connection open or record write failed.
	Persistence
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Precondition:
		return "precondition_violation"
	case Upstream:
		return "upstream_failure"
	case Validation:
		return "validation_failure"
	case Persistence:
		return "persistence_failure"
	}
	return "unknown"
}

// Error carries a kind, the stage that failed and an optional cause.
type Error struct {
	Kind  Kind
	Stage string // e.g. "load tenant", "create schema", "exchange code"
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Stage)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fault with no underlying cause.
func New(kind Kind, stage string) error {
	return &Error{Kind: kind, Stage: stage}
}

// Wrap attaches taxonomy and stage to an underlying error.
// A nil cause yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf builds a fault with a formatted cause.
func Newf(kind Kind, stage, format string, args ...any) error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the taxonomy of err, or 0 when it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// StageOf reports the stage recorded on err, or "".
func StageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}

func IsNotFound(err error) bool     { return KindOf(err) == NotFound }
func IsPrecondition(err error) bool { return KindOf(err) == Precondition }
func IsUpstream(err error) bool     { return KindOf(err) == Upstream }
func IsValidation(err error) bool   { return KindOf(err) == Validation }
func IsPersistence(err error) bool  { return KindOf(err) == Persistence }

// HTTPStatus maps a fault to the status an HTTP caller should see.
// Validation never reaches transport as an error status; callers encode
// it into the protocol error-redirect instead, so it maps to 200 here.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Precondition:
		return http.StatusConflict
	case Upstream:
		return http.StatusBadGateway
	case Persistence:
		return http.StatusInternalServerError
	case Validation:
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// WriteJSON reports a fault to an HTTP caller with a terse machine-readable
// code and no internal detail for 5xx-class failures.
func WriteJSON(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	code := KindOf(err).String()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status >= 500 {
		fmt.Fprintf(w, `{"error":%q}`, code)
		return
	}
	fmt.Fprintf(w, `{"error":%q,"stage":%q}`, code, StageOf(err))
}
