package request

import (
	"bytes"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDecodePayload is a helper struct used only for testing Decode.
type testDecodePayload struct {
	Title  string `json:"title" validate:"notblank"`
	Status string `json:"status" validate:"omitempty,oneof=reported confirmed"`
}

func newRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	require.NoError(t, err)
	return r
}

func TestDecode_ValidJSON(t *testing.T) {
	var payload testDecodePayload
	err := Decode(newRequest(t, `{"title":"Breach","status":"confirmed"}`), &payload)
	require.NoError(t, err)
	assert.Equal(t, "Breach", payload.Title)
	assert.Equal(t, "confirmed", payload.Status)
}

func TestDecode_InvalidJSON(t *testing.T) {
	var payload testDecodePayload
	err := Decode(newRequest(t, `{not valid json}`), &payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestDecode_EmptyBody(t *testing.T) {
	var payload testDecodePayload
	err := Decode(newRequest(t, ``), &payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON: empty body")
}

func TestDecode_UnknownField(t *testing.T) {
	var payload testDecodePayload
	err := Decode(newRequest(t, `{"title":"Breach","owner":"bob"}`), &payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestDecode_ValidationFails(t *testing.T) {
	var payload testDecodePayload
	err := Decode(newRequest(t, `{"title":"   "}`), &payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation error")
	assert.Equal(t, "title", FieldError(err))
}

func TestDecode_OneOf(t *testing.T) {
	var payload testDecodePayload
	err := Decode(newRequest(t, `{"title":"Breach","status":"exploded"}`), &payload)
	require.Error(t, err)
	assert.Equal(t, "status", FieldError(err))
}

func TestFieldError_NotValidation(t *testing.T) {
	assert.Equal(t, "", FieldError(errors.New("boom")))
	assert.Equal(t, "", FieldError(nil))
}
