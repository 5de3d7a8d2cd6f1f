package backends

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a failed ensure-running request.
type ErrorCode string

const (
	CodeNoMatchingVersion    ErrorCode = "NoMatchingVersion"
	CodeNoPortAvailable      ErrorCode = "NoPortAvailable"
	CodeInstallBackendFailed ErrorCode = "InstallBackendFailed"
	CodeStartBackendCrashed  ErrorCode = "StartBackendCrashed"
	CodeStartBackendTimeout  ErrorCode = "StartBackendTimeout"
)

// ErrBackendNotFound is returned when terminating a backend that is not registered.
var ErrBackendNotFound = errors.New("backend not found")

// BackendError is a typed failure of EnsureRunning. Outputs carries the
// captured install or server output so the failure can be diagnosed without
// re-running it.
type BackendError struct {
	Code       ErrorCode
	Name       string
	Version    string
	Message    string
	ReturnCode *int
	Outputs    []string
	ContextID  string
	Cause      error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code onto the response status.
func (e *BackendError) HTTPStatus() int {
	switch e.Code {
	case CodeNoMatchingVersion:
		return http.StatusNotFound
	case CodeNoPortAvailable:
		return http.StatusServiceUnavailable
	case CodeStartBackendTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON body returned for a BackendError. return_code is
// always present and null when no install script ran.
type ErrorBody struct {
	Exception  string   `json:"exception"`
	Message    string   `json:"message,omitempty"`
	ReturnCode *int     `json:"return_code"`
	Outputs    []string `json:"outputs"`
	ContextID  string   `json:"contextId"`
}

func (e *BackendError) Body() ErrorBody {
	outputs := e.Outputs
	if outputs == nil {
		outputs = []string{}
	}
	return ErrorBody{
		Exception:  string(e.Code),
		Message:    e.Error(),
		ReturnCode: e.ReturnCode,
		Outputs:    outputs,
		ContextID:  e.ContextID,
	}
}

// IsCode reports whether err is a *BackendError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Code == code
}
