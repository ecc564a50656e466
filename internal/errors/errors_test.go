package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessingError_Error(t *testing.T) {
	err := NewInvalidInputError("job-1", "no image")
	assert.Contains(t, err.Error(), "INVALID_INPUT")

	cause := stderrors.New("dial tcp: refused")
	wrapped := NewStorageFailedError("job-1", cause)
	assert.Contains(t, wrapped.Error(), "caused by: dial tcp: refused")
	assert.ErrorIs(t, wrapped, cause)
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"anchor missing", NewAnchorNotFoundError("Product Description"), true},
		{"rejected document", NewDocumentRejectedError("j", NewAnchorNotFoundError("Product Description")), true},
		{"unsupported format", NewUnsupportedFormatError("j", "application/zip"), true},
		{"invalid input", NewInvalidInputError("j", "empty"), true},
		{"panic", NewProcessingPanicError("j", "index out of range"), true},
		{"wrapped invalid input", fmt.Errorf("handler: %w", NewInvalidInputError("j", "empty")), true},
		{"timeout", NewProcessingTimeoutError("j", time.Minute, nil), false},
		{"ocr", NewOCRFailedError("j", "tesseract", stderrors.New("init")), false},
		{"storage", NewStorageFailedError("j", stderrors.New("down")), false},
		{"plain", stderrors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTerminal(tc.err))
		})
	}
}

func TestIsStructural(t *testing.T) {
	assert.True(t, IsStructural(NewAnchorNotFoundError("x")))
	assert.True(t, IsStructural(NewDocumentRejectedError("j", NewAnchorNotFoundError("x"))))
	assert.False(t, IsStructural(NewInvalidInputError("j", "x")))
}

func TestToMap(t *testing.T) {
	err := NewDocumentRejectedError("job-1", NewAnchorNotFoundError("Product Description"))
	m := err.ToMap()

	assert.Equal(t, "ANCHOR_NOT_FOUND", m["error_code"])
	assert.Equal(t, "Product Description", m["anchor"])
	assert.Contains(t, m["cause"], "anchor")

	timeout := NewProcessingTimeoutError("job-1", 2*time.Second, nil).ToMap()
	require.Contains(t, timeout, "error_code")
	assert.Equal(t, "PROCESSING_TIMEOUT", timeout["error_code"])
	assert.NotContains(t, timeout, "cause")
}
