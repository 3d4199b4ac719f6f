package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"aigateway/internal/schema"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var errStreamDone = errors.New("provider: stream done")

// sseReader 按空行切分 SSE 帧，返回 data 行拼接后的负载
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next 返回下一个事件的 data；流结束返回 io.EOF，[DONE] 返回 errStreamDone
func (s *sseReader) next() ([]byte, error) {
	var data bytes.Buffer
	hasData := false
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			switch {
			case len(line) == 0:
				if hasData {
					return finishEvent(data.Bytes())
				}
			case line[0] == ':':
				// 注释行（keep-alive）
			case bytes.HasPrefix(line, []byte("data:")):
				payload := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
				if hasData {
					data.WriteByte('\n')
				}
				data.Write(payload)
				hasData = true
			}
		}
		if err != nil {
			if err == io.EOF && hasData {
				return finishEvent(data.Bytes())
			}
			return nil, err
		}
	}
}

func finishEvent(data []byte) ([]byte, error) {
	if string(bytes.TrimSpace(data)) == "[DONE]" {
		return nil, errStreamDone
	}
	return data, nil
}

// chatStream 解析 chat/completions 流，登记生成 ID 与最终用量
type chatStream struct {
	ctx      context.Context
	client   *Client
	body     io.ReadCloser
	sse      *sseReader
	genID    string
	recorded bool
	done     bool
}

func newChatStream(ctx context.Context, client *Client, body io.ReadCloser) *chatStream {
	return &chatStream{ctx: ctx, client: client, body: body, sse: newSSEReader(body)}
}

// nextDelta 返回下一段非空文本增量；结束时返回 io.EOF
func (s *chatStream) nextDelta() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		data, err := s.sse.next()
		if errors.Is(err, errStreamDone) || errors.Is(err, io.EOF) {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("provider: read stream: %w", err)
		}
		if !gjson.ValidBytes(data) {
			log.Debugf("provider: skipping non-JSON stream frame (%d bytes)", len(data))
			continue
		}

		frame := gjson.ParseBytes(data)
		if msg := frame.Get("error.message"); msg.Exists() {
			return "", &UpstreamError{StatusCode: 200, Message: msg.String()}
		}
		if id := frame.Get("id").String(); id != "" && s.genID == "" {
			s.genID = id
			s.client.recordUsage(s.ctx, id, 0, 0, false)
		}
		if usage := frame.Get("usage"); usage.IsObject() {
			s.client.recordUsage(s.ctx, "", usage.Get("prompt_tokens").Int(), usage.Get("completion_tokens").Int(), true)
			s.recorded = true
		}
		if delta := frame.Get("choices.0.delta.content").String(); delta != "" {
			return delta, nil
		}
	}
}

func (s *chatStream) Close() error {
	if !s.recorded {
		log.Debugf("provider: stream for request closed without usage frame")
	}
	return s.body.Close()
}

// textIterator streamText 的文本增量
type textIterator struct {
	*chatStream
}

func newTextIterator(ctx context.Context, client *Client, body io.ReadCloser) *textIterator {
	return &textIterator{chatStream: newChatStream(ctx, client, body)}
}

func (it *textIterator) Next(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return it.nextDelta()
}

// objectIterator streamObject 的部分对象序列；最终值按 schema 校验
type objectIterator struct {
	*chatStream
	schema  *schema.Schema
	wrapped bool
	text    strings.Builder
	last    string
	final   bool
}

func newObjectIterator(ctx context.Context, client *Client, body io.ReadCloser, s *schema.Schema, wrapped bool) *objectIterator {
	return &objectIterator{chatStream: newChatStream(ctx, client, body), schema: s, wrapped: wrapped}
}

func (it *objectIterator) Next(ctx context.Context) (any, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if it.final {
			return nil, io.EOF
		}

		delta, err := it.nextDelta()
		if errors.Is(err, io.EOF) {
			it.final = true
			value, err := it.finish()
			if err != nil {
				return nil, err
			}
			if value != it.last {
				it.last = value
				return json.RawMessage(value), nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		it.text.WriteString(delta)
		partial, ok := it.partial()
		if ok && partial != it.last {
			it.last = partial
			return json.RawMessage(partial), nil
		}
	}
}

// partial 把累积文本补全为可解析前缀并压缩为单行
func (it *objectIterator) partial() (string, bool) {
	repaired, ok := RepairPartialJSON(stripLeadingFence(it.text.String()))
	if !ok {
		return "", false
	}
	return it.unwrap(repaired)
}

func (it *objectIterator) finish() (string, error) {
	full := stripCodeFence(it.text.String())
	if !gjson.Valid(full) {
		return "", fmt.Errorf("provider: stream ended with invalid JSON")
	}
	value, ok := it.unwrap(full)
	if !ok {
		return "", fmt.Errorf("provider: stream ended without a value")
	}
	if it.schema != nil {
		if err := it.schema.Validate([]byte(value)); err != nil {
			return "", fmt.Errorf("provider: final object rejected: %w", err)
		}
	}
	return value, nil
}

func (it *objectIterator) unwrap(doc string) (string, bool) {
	v := gjson.Parse(doc)
	if it.wrapped {
		v = v.Get(structuredWrapKey)
		if !v.Exists() {
			return "", false
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(v.Raw)); err != nil {
		return "", false
	}
	return buf.String(), true
}

func stripLeadingFence(s string) string {
	t := strings.TrimLeft(s, " \t\r\n")
	if !strings.HasPrefix(t, "```") {
		return s
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return ""
	}
	t = t[nl+1:]
	if end := strings.LastIndex(t, "```"); end >= 0 {
		t = t[:end]
	}
	return t
}
