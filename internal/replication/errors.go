package replication

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrReplication marks failures of a replication session.
	ErrReplication = errors.New("replication failed")

	ErrNotFound     = errors.New("remote: not found")
	ErrConflict     = errors.New("remote: document update conflict")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrForbidden    = errors.New("remote: forbidden")
	ErrBadRequest   = errors.New("remote: bad request")
)

// Error codes carried in ErrorBody.Error and BulkResult.Error.
const (
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeBadRequest   = "bad_request"
)

// RemoteError is a non-success response from a remote database.
type RemoteError struct {
	Status int
	Code   string
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Reason)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound || e.Code == CodeNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict || e.Code == CodeConflict
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrBadRequest:
		return e.Status == http.StatusBadRequest
	}
	return false
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeBadRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ReplicationError reports a failed replication step. It is delivered on the
// sync engine's error channel and never returned into domain code paths.
type ReplicationError struct {
	Session   string
	Direction string
	DocID     string
	Err       error
}

func (e *ReplicationError) Error() string {
	if e.DocID != "" {
		return fmt.Sprintf("replication %s (%s) %s: %v", e.Session, e.Direction, e.DocID, e.Err)
	}
	return fmt.Sprintf("replication %s (%s): %v", e.Session, e.Direction, e.Err)
}

func (e *ReplicationError) Unwrap() error { return e.Err }

func (e *ReplicationError) Is(target error) bool { return target == ErrReplication }
