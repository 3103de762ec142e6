package backup

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
)

var (
	ErrNetwork               = errors.New("homeserver unreachable")
	ErrNoPassphraseAvailable = errors.New("secret storage access unavailable")
	ErrServerRejected        = errors.New("homeserver rejected the request")
	ErrRollbackFailure       = errors.New("partially created backup could not be removed")

	ErrInvalidRecoveryKey    = errors.New("recovery key does not unlock secret storage")
	ErrSecretNotFound        = errors.New("secret not found in secret storage")
	ErrNoSecretStorage       = errors.New("secret storage has no default key")
	ErrSetupNotAllowed       = errors.New("key backup setup is only possible when no trusted backup exists")
	ErrFlowInProgress        = errors.New("another key backup operation is in progress")
	ErrNotAwaitingPassphrase = errors.New("no recovery key is being requested")
	ErrNoBackup              = errors.New("there is no key backup on the server")
	ErrVersionMismatch       = fmt.Errorf("%w: backup version is no longer current", ErrServerRejected)
)

// Matrix error codes the backup endpoints use.
const (
	ErrCodeNotFound              = "M_NOT_FOUND"
	ErrCodeWrongRoomKeysVersion  = "M_WRONG_ROOM_KEYS_VERSION"
	ErrCodeForbidden             = "M_FORBIDDEN"
	ErrCodeUnknown               = "M_UNKNOWN"
	ErrCodeUnrecognized          = "M_UNRECOGNIZED"
	ErrCodeInvalidParam          = "M_INVALID_PARAM"
	ErrCodeLimitExceeded         = "M_LIMIT_EXCEEDED"
	ErrCodeUnknownToken          = "M_UNKNOWN_TOKEN"
	ErrCodeBadJSON               = "M_BAD_JSON"
	ErrCodeNotJSON               = "M_NOT_JSON"
	ErrCodeMissingToken          = "M_MISSING_TOKEN"
	ErrCodeGuestAccessForbidden  = "M_GUEST_ACCESS_FORBIDDEN"
	ErrCodeUserDeactivated       = "M_USER_DEACTIVATED"
	ErrCodeResourceLimitExceeded = "M_RESOURCE_LIMIT_EXCEEDED"
)

// ServerError is a structured error response from the homeserver. It
// matches ErrServerRejected under errors.Is.
type ServerError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	// CurrentVersion is set on M_WRONG_ROOM_KEYS_VERSION responses.
	CurrentVersion string `json:"current_version,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServerRejected
}

// IsServerError checks whether err is a *ServerError with the given code.
func IsServerError(err error, code string) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code == code
	}
	return false
}

// FromMatrixError translates an error returned by the mautrix client into
// this package's vocabulary: unreachable homeservers wrap ErrNetwork and
// error responses become *ServerError. A request cut off by ctx returns
// ctx's error.
func FromMatrixError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}

	if httpErr.Response == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	status := httpErr.Response.StatusCode
	switch {
	case status >= 200 && status <= 299:
		return fmt.Errorf("unexpected response: %w", err)
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrNetwork, status)
	}

	serverErr := &ServerError{StatusCode: status, Code: ErrCodeUnknown}
	if status == http.StatusNotFound {
		serverErr.Code = ErrCodeNotFound
	}
	if resp := httpErr.RespError; resp != nil {
		serverErr.Code = resp.ErrCode
		serverErr.Message = resp.Err
		serverErr.CurrentVersion, _ = resp.ExtraData["current_version"].(string)
	}
	return serverErr
}

// Reason classifies why a flow failed.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNetwork
	ReasonNoPassphraseAvailable
	ReasonServerRejected
	ReasonRollbackFailure
	ReasonCancelled
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonNetwork:
		return "NetworkError"
	case ReasonNoPassphraseAvailable:
		return "NoPassphraseAvailable"
	case ReasonServerRejected:
		return "ServerRejected"
	case ReasonRollbackFailure:
		return "RollbackFailure"
	case ReasonCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// Message is the text shown to the user for a failure reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonNetwork:
		return "Unable to reach your homeserver. Check your connection and try again."
	case ReasonNoPassphraseAvailable:
		return "Unable to create key backup"
	case ReasonServerRejected:
		return "Your homeserver rejected the change. Another session may have modified your key backup."
	case ReasonRollbackFailure:
		return "Key backup setup failed and the incomplete backup could not be removed."
	case ReasonCancelled:
		return "Key backup setup was cancelled."
	}
	return "An unexpected error occurred while managing your key backup."
}

// ReasonOf maps an error from this package (or one wrapping it) to a
// Reason. A rollback failure wins over whatever caused the rollback.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrRollbackFailure):
		return ReasonRollbackFailure
	case errors.Is(err, ErrNoPassphraseAvailable):
		return ReasonNoPassphraseAvailable
	case errors.Is(err, ErrNetwork):
		return ReasonNetwork
	case errors.Is(err, ErrServerRejected):
		return ReasonServerRejected
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	}
	return ReasonUnknown
}
