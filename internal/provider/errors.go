package provider

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrEmptyPrompt     = errors.New("provider: prompt or messages required")
	ErrMissingAudio    = errors.New("provider: audio input required")
	ErrUnsupportedKind = errors.New("provider: unsupported backend kind")
)

// UpstreamError 上游返回非 2xx
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider: upstream returned %d: %s", e.StatusCode, e.Message)
}

func newUpstreamError(status int, body []byte) *UpstreamError {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "error").String()
	}
	if msg == "" {
		msg = string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
	}
	return &UpstreamError{StatusCode: status, Message: msg}
}
