package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	ContentTypeText   = "text/plain; charset=utf-8"
	ContentTypeNDJSON = "application/x-ndjson; charset=utf-8"
	ContentTypeJSON   = "application/json; charset=utf-8"
)

// 逐跳头不转发
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Upgrade":           true,
	"Trailer":           true,
}

// Result 一次输出的写入情况
type Result struct {
	Chunks       int
	BytesWritten int64
	// Completed 来源正常结束且全部写出
	Completed bool
	// ClientGone 写入失败，视为客户端断开
	ClientGone bool
	Reason     EndReason
}

// Normalizer 把 Output 写成统一的 HTTP 响应，并合并跨域头
type Normalizer struct {
	headers http.Header
	abort   func(http.ResponseWriter)
}

// NewNormalizer 创建输出规范化器；headers 会合并到每个响应上
func NewNormalizer(headers http.Header) *Normalizer {
	return &Normalizer{headers: headers, abort: AbortResponse}
}

// Write 对三种产出做穷举匹配
func (n *Normalizer) Write(ctx context.Context, w http.ResponseWriter, out Output, shape Shape) (Result, error) {
	switch o := out.(type) {
	case PassthroughResponse:
		return n.writePassthrough(ctx, w, o)
	case *PassthroughResponse:
		return n.writePassthrough(ctx, w, *o)
	case ChunkSource:
		return n.writeChunks(ctx, w, o.Iter, shape)
	case *ChunkSource:
		return n.writeChunks(ctx, w, o.Iter, shape)
	case Materialized:
		return n.writeMaterialized(w, o.Value)
	case *Materialized:
		return n.writeMaterialized(w, o.Value)
	default:
		return Result{}, fmt.Errorf("stream: unsupported output %T", out)
	}
}

func (n *Normalizer) mergeHeaders(h http.Header) {
	for k, vs := range n.headers {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
}

func (n *Normalizer) writePassthrough(ctx context.Context, w http.ResponseWriter, p PassthroughResponse) (Result, error) {
	var res Result
	if p.Body != nil {
		defer p.Body.Close()
	}

	h := w.Header()
	for k, vs := range p.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	n.mergeHeaders(h)

	status := p.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	flush(w)

	if p.Body == nil {
		res.Completed, res.Reason = true, EndCompleted
		return res, nil
	}

	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			res.ClientGone, res.Reason = true, Classify(err, OpWrite)
			return res, nil
		}
		nr, rerr := p.Body.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			res.BytesWritten += int64(nw)
			if werr != nil {
				res.ClientGone, res.Reason = true, Classify(werr, OpWrite)
				return res, nil
			}
			res.Chunks++
			flush(w)
		}
		if rerr == io.EOF {
			res.Completed, res.Reason = true, EndCompleted
			return res, nil
		}
		if rerr != nil {
			res.Reason = Classify(rerr, OpRead)
			log.Warnf("stream: passthrough body failed after %d bytes (%s): %v", res.BytesWritten, res.Reason, rerr)
			n.abort(w)
			return res, &SourceError{Err: rerr}
		}
	}
}

// writeChunks 单生产者单消费者：上一块写出并 flush 后才拉取下一块
func (n *Normalizer) writeChunks(ctx context.Context, w http.ResponseWriter, iter Iterator, shape Shape) (Result, error) {
	var res Result
	if iter == nil {
		return res, errors.New("stream: chunk source without iterator")
	}
	defer iter.Close()

	h := w.Header()
	h.Del("Content-Length")
	if shape == ShapeObject {
		h.Set("Content-Type", ContentTypeNDJSON)
	} else {
		h.Set("Content-Type", ContentTypeText)
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	n.mergeHeaders(h)
	w.WriteHeader(http.StatusOK)
	flush(w)

	for {
		// 客户端断开后停止拉取
		if err := ctx.Err(); err != nil {
			res.ClientGone, res.Reason = true, Classify(err, OpWrite)
			return res, nil
		}

		item, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			res.Completed, res.Reason = true, EndCompleted
			return res, nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				res.ClientGone, res.Reason = true, Classify(cerr, OpWrite)
				return res, nil
			}
			res.Reason = Classify(err, OpRead)
			log.Warnf("stream: chunk source failed after %d chunks (%s): %v", res.Chunks, res.Reason, err)
			n.abort(w)
			return res, &SourceError{Err: err}
		}

		data, err := encodeChunk(item, shape)
		if err != nil {
			res.Reason = EndSourceFailed
			n.abort(w)
			return res, &SourceError{Err: err}
		}
		if len(data) == 0 {
			continue
		}

		nw, werr := w.Write(data)
		res.BytesWritten += int64(nw)
		if werr != nil {
			res.ClientGone, res.Reason = true, Classify(werr, OpWrite)
			log.Debugf("stream: client write failed after %d chunks (%s): %v", res.Chunks, res.Reason, werr)
			return res, nil
		}
		flush(w)
		res.Chunks++
	}
}

func (n *Normalizer) writeMaterialized(w http.ResponseWriter, value any) (Result, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return Result{}, fmt.Errorf("stream: encode result: %w", err)
	}

	h := w.Header()
	h.Set("Content-Type", ContentTypeJSON)
	n.mergeHeaders(h)
	w.WriteHeader(http.StatusOK)
	nw, werr := w.Write(body)
	res := Result{Chunks: 1, BytesWritten: int64(nw), Completed: werr == nil, ClientGone: werr != nil, Reason: EndCompleted}
	if werr != nil {
		res.Reason = Classify(werr, OpWrite)
	}
	return res, nil
}

func encodeChunk(item any, shape Shape) ([]byte, error) {
	if shape == ShapeText {
		switch v := item.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		default:
			return []byte(fmt.Sprint(v)), nil
		}
	}

	var data []byte
	switch v := item.(type) {
	case json.RawMessage:
		data = []byte(strings.TrimRight(string(v), "\n"))
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("stream: encode chunk: %w", err)
		}
	}
	return append(data, '\n'), nil
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// AbortResponse 截断正在发送的响应体，客户端看到的是非正常结束而不是尾部错误帧。
// HTTP/1.x 直接关闭连接；其他情况交给 net/http 的 ErrAbortHandler 处理。
func AbortResponse(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, ok := hijack(hj); ok {
			conn.Close()
			return
		}
	}
	panic(http.ErrAbortHandler)
}

// hijack gin 的 ResponseWriter 总是声明 Hijacker，底层不支持时会 panic
func hijack(hj http.Hijacker) (conn net.Conn, ok bool) {
	defer func() {
		if recover() != nil {
			conn, ok = nil, false
		}
	}()
	c, _, err := hj.Hijack()
	if err != nil {
		return nil, false
	}
	return c, true
}
