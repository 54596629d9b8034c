package astorage

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthenticationFailed reports a rejected credential or session.
	ErrAuthenticationFailed = errors.New("astorage: authentication failed")

	// ErrTimeout reports an expired request or long-poll deadline.
	ErrTimeout = errors.New("astorage: request timed out")

	// ErrCasConflict reports a version mismatch on a conditional write,
	// or a watched-read conflict detected at commit.
	ErrCasConflict = errors.New("astorage: version conflict")

	// ErrTransactionNotFound reports a transaction id the server no
	// longer recognizes.
	ErrTransactionNotFound = errors.New("astorage: transaction not found")

	// ErrTransactionCompleted reports an operation against a transaction
	// that was already committed or rolled back.
	ErrTransactionCompleted = errors.New("astorage: transaction already completed")

	// ErrBatchSent reports a registration or send attempted after the
	// batch was already sent. A batch is single-use.
	ErrBatchSent = errors.New("astorage: batch already sent")

	// ErrBatchKeyAlreadySet reports a clustering key registered twice
	// into the same partition of one batch.
	ErrBatchKeyAlreadySet = errors.New("astorage: key already set in batch")

	ErrInvalidKey         = errors.New("astorage: invalid key")
	ErrInvalidReplication = errors.New("astorage: invalid replication parameters")
	ErrInvalidLimit       = errors.New("astorage: invalid limit")
)

// ProtocolError is returned for any non-success status the client has no
// dedicated condition for. It carries the raw status code.
type ProtocolError struct {
	StatusCode int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("astorage: unexpected server status %d", e.StatusCode)
}

// statusError maps a transport status code onto the error taxonomy.
func statusError(code int) error {
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrAuthenticationFailed
	case http.StatusRequestTimeout:
		return ErrTimeout
	case http.StatusConflict:
		return ErrCasConflict
	case http.StatusGone:
		return ErrTransactionNotFound
	case http.StatusPreconditionFailed:
		return ErrTransactionCompleted
	default:
		return &ProtocolError{StatusCode: code}
	}
}
