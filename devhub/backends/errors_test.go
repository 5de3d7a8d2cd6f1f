package backends

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{CodeNoMatchingVersion, http.StatusNotFound},
		{CodeNoPortAvailable, http.StatusServiceUnavailable},
		{CodeInstallBackendFailed, http.StatusInternalServerError},
		{CodeStartBackendCrashed, http.StatusInternalServerError},
		{CodeStartBackendTimeout, http.StatusRequestTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, (&BackendError{Code: tt.code}).HTTPStatus())
		})
	}
}

func TestBackendErrorUnwrapAndBody(t *testing.T) {
	cause := errors.New("exit status 2")
	code := 2
	err := fmt.Errorf("request failed: %w", &BackendError{
		Code:       CodeInstallBackendFailed,
		Message:    "install failed",
		ReturnCode: &code,
		Outputs:    []string{"line"},
		ContextID:  "ctx-1",
		Cause:      cause,
	})

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsCode(err, CodeInstallBackendFailed))
	assert.False(t, IsCode(err, CodeStartBackendCrashed))

	var be *BackendError
	assert.ErrorAs(t, err, &be)
	body := be.Body()
	assert.Equal(t, "InstallBackendFailed", body.Exception)
	assert.Equal(t, 2, *body.ReturnCode)
	assert.Equal(t, []string{"line"}, body.Outputs)
	assert.Equal(t, "ctx-1", body.ContextID)

	empty := (&BackendError{Code: CodeStartBackendTimeout}).Body()
	assert.NotNil(t, empty.Outputs)
	assert.Nil(t, empty.ReturnCode)
}

func TestErrorBodyAlwaysCarriesReturnCode(t *testing.T) {
	prepare := &BackendError{
		Code:      CodeInstallBackendFailed,
		Message:   "failed to prepare package directory",
		ContextID: "ctx-2",
	}
	data, err := json.Marshal(prepare.Body())
	assert.NoError(t, err)

	var decoded map[string]interface{}
	assert.NoError(t, json.Unmarshal(data, &decoded))
	rc, ok := decoded["return_code"]
	assert.True(t, ok, "return_code missing from %s", data)
	assert.Nil(t, rc)
	assert.Equal(t, []interface{}{}, decoded["outputs"])
}
