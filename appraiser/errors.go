package appraiser

import (
	"errors"
	"fmt"
)

var (
	ErrNoImages      = errors.New("no images uploaded")
	ErrEmptyImage    = errors.New("image is empty")
	ErrTooManyImages = errors.New("only one image accepted")
)

// DecodeError reports image bytes that could not be decoded or re-encoded.
type DecodeError struct {
	Op  string // "decode" or "encode"
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("image %s failed - %s", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProviderError wraps any failure of the call to the LLM backend: transport,
// authentication, quota or an unusable response.
type ProviderError struct {
	Backend string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s call failed - %s", e.Backend, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// UploadError reports a problem with the uploaded images themselves, before
// any call to the model was attempted. Index is -1 when the error is not tied
// to a single image.
type UploadError struct {
	Index int
	Err   error
}

func (e *UploadError) Error() string {
	if e.Index < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("image %d - %s", e.Index+1, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Render returns the caller facing text for err.
func Render(err error) string {
	var (
		pe *ProviderError
		ue *UploadError
		de *DecodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return fmt.Sprintf("model call failed: %s", pe.Err)
	case errors.As(err, &ue):
		return fmt.Sprintf("upload rejected: %s", ue)
	case errors.As(err, &de):
		return fmt.Sprintf("image processing failed: %s", de)
	default:
		return fmt.Sprintf("server processing failed: %s", err)
	}
}

// Kind names the error kind of err for logs and the request ledger.
func Kind(err error) string {
	var (
		pe *ProviderError
		ue *UploadError
		de *DecodeError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &pe):
		return "provider_error"
	case errors.As(err, &ue):
		return "upload_error"
	case errors.As(err, &de):
		return "decode_error"
	default:
		return "error"
	}
}
