// Package stream normalizes the three shapes a backend call can produce into a
// single outbound HTTP framing.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Output 后端调用的产出：PassthroughResponse、ChunkSource 或 Materialized
type Output interface {
	isOutput()
}

// PassthroughResponse 已经成型的上游响应，原样转发
type PassthroughResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Iterator 逐个拉取数据块；结束时返回 io.EOF
type Iterator interface {
	Next(ctx context.Context) (any, error)
	Close() error
}

// ChunkSource 增量数据块来源
type ChunkSource struct {
	Iter Iterator
}

// Materialized 一次性结果，序列化为单个 JSON 文档
type Materialized struct {
	Value any
}

func (PassthroughResponse) isOutput() {}
func (ChunkSource) isOutput()         {}
func (Materialized) isOutput()        {}

// Shape 流式输出的编码方式
type Shape int

const (
	ShapeText Shape = iota
	ShapeObject
)

// SourceError 数据块来源在迭代中途失败
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("stream: source failed: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// ByteArray 序列化为数字数组而非 base64
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	buf := make([]byte, 0, len(b)*4+2)
	buf = append(buf, '[')
	for i, c := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(c), 10)
	}
	return append(buf, ']'), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("stream: byte value %d out of range", n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Binary 二进制结果同时携带 base64 和原始字节数组
type Binary struct {
	Base64     string    `json:"base64"`
	Uint8Array ByteArray `json:"uint8Array"`
	MediaType  string    `json:"mediaType,omitempty"`
}

func NewBinary(data []byte, mediaType string) Binary {
	return Binary{
		Base64:     base64.StdEncoding.EncodeToString(data),
		Uint8Array: ByteArray(data),
		MediaType:  mediaType,
	}
}

// Discard 释放未写出的产出，持有的上游连接随之关闭
func Discard(out Output) {
	switch o := out.(type) {
	case PassthroughResponse:
		if o.Body != nil {
			o.Body.Close()
		}
	case *PassthroughResponse:
		if o != nil && o.Body != nil {
			o.Body.Close()
		}
	case ChunkSource:
		if o.Iter != nil {
			o.Iter.Close()
		}
	case *ChunkSource:
		if o != nil && o.Iter != nil {
			o.Iter.Close()
		}
	}
}
