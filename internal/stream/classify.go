package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// EndReason 响应提前结束的原因，用于日志
type EndReason string

const (
	EndCompleted     EndReason = "completed"
	EndClientClosed  EndReason = "client_closed"
	EndCanceled      EndReason = "canceled"
	EndTimeout       EndReason = "timeout"
	EndUpstreamReset EndReason = "upstream_reset"
	EndSourceFailed  EndReason = "source_failed"
)

// Op 出错时的动作：读上游或写客户端
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Classify 按错误和出错动作归类
func Classify(err error, op Op) EndReason {
	switch {
	case err == nil:
		return EndCompleted
	case errors.Is(err, context.DeadlineExceeded):
		return EndTimeout
	case errors.Is(err, context.Canceled):
		return EndCanceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return EndTimeout
	}

	// 读到 EOF 是正常结束，写到 EOF 是客户端已断开
	if errors.Is(err, io.EOF) {
		if op == OpRead {
			return EndCompleted
		}
		return EndClientClosed
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return EndUpstreamReset
	}
	if isConnReset(err, op) {
		if op == OpWrite {
			return EndClientClosed
		}
		return EndUpstreamReset
	}
	if op == OpWrite {
		return EndClientClosed
	}
	return EndSourceFailed
}

func isConnReset(err error, op Op) bool {
	if errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		(op == OpWrite && errors.Is(err, syscall.EPIPE)) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "forcibly closed") ||
		(op == OpWrite && strings.Contains(msg, "broken pipe"))
}
