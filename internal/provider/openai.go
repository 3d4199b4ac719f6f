package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"aigateway/internal/dispatch"
	"aigateway/internal/schema"
	"aigateway/internal/stream"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// 调用参数到 chat/completions 字段的映射
var chatParamMap = []struct{ from, to string }{
	{"temperature", "temperature"},
	{"maxTokens", "max_tokens"},
	{"maxOutputTokens", "max_tokens"},
	{"topP", "top_p"},
	{"stop", "stop"},
	{"stopSequences", "stop"},
	{"seed", "seed"},
	{"presencePenalty", "presence_penalty"},
	{"frequencyPenalty", "frequency_penalty"},
}

// 该后端不支持、原样忽略并以 warning 告知的参数
var unsupportedChatParams = []string{"topK"}

// structuredWrapKey 顶层非对象 schema 包装进该字段后再请求
const structuredWrapKey = "value"

type openAIHandle struct {
	client  *Client
	backend Backend
	modelID string
}

func (h *openAIHandle) Invoke(ctx context.Context, method dispatch.Method, call dispatch.Call) (stream.Output, error) {
	h.client.resetUsage(ctx)
	switch method {
	case dispatch.MethodGenerateText:
		return h.generateText(ctx, call)
	case dispatch.MethodGenerateObject:
		return h.generateObject(ctx, call)
	case dispatch.MethodStreamText:
		return h.streamText(ctx, call)
	case dispatch.MethodStreamObject:
		return h.streamObject(ctx, call)
	case dispatch.MethodGenerateImage:
		return h.generateImage(ctx, call)
	case dispatch.MethodGenerateSpeech:
		return h.generateSpeech(ctx, call)
	case dispatch.MethodTranscribe:
		return h.transcribe(ctx, call)
	}
	return nil, fmt.Errorf("provider: unsupported method %q", method)
}

// buildChatBody 把网关参数转换为 chat/completions 请求体
func buildChatBody(params []byte, streaming bool) ([]byte, []string, error) {
	p := gjson.ParseBytes(params)
	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "model", p.Get("model").String()); err != nil {
		return nil, nil, err
	}

	var messages []json.RawMessage
	conversational := false
	add := func(role, content string) {
		msg, _ := json.Marshal(map[string]string{"role": role, "content": content})
		messages = append(messages, msg)
	}
	if sys := p.Get("system").String(); sys != "" {
		add("system", sys)
	}
	for _, m := range arrayOf(p.Get("messages")) {
		messages = append(messages, json.RawMessage(m.Raw))
		if m.Get("role").String() != "system" {
			conversational = true
		}
	}
	if prompt := p.Get("prompt").String(); prompt != "" {
		add("user", prompt)
		conversational = true
	}
	if !conversational {
		return nil, nil, ErrEmptyPrompt
	}
	if body, err = sjson.SetBytes(body, "messages", messages); err != nil {
		return nil, nil, err
	}

	for _, m := range chatParamMap {
		v := p.Get(m.from)
		if !v.Exists() || gjson.GetBytes(body, m.to).Exists() {
			continue
		}
		if body, err = sjson.SetRawBytes(body, m.to, []byte(v.Raw)); err != nil {
			return nil, nil, err
		}
	}

	var warnings []string
	for _, name := range unsupportedChatParams {
		if p.Get(name).Exists() {
			warnings = append(warnings, name+" is not supported by this backend and was ignored")
		}
	}

	if streaming {
		body, _ = sjson.SetBytes(body, "stream", true)
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	}
	return body, warnings, nil
}

// withResponseFormat 附加 json_schema；顶层非对象时包装为 {"value": ...}
func withResponseFormat(body []byte, s *schema.Schema) ([]byte, bool, error) {
	if s == nil {
		out, err := sjson.SetBytes(body, "response_format", map[string]string{"type": "json_object"})
		return out, false, err
	}
	doc := s.JSONSchema()
	wrapped := !s.RootIsObject()
	if wrapped {
		doc = map[string]any{
			"type":       "object",
			"properties": map[string]any{structuredWrapKey: doc},
			"required":   []any{structuredWrapKey},
		}
	}
	out, err := sjson.SetBytes(body, "response_format", map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   "response",
			"schema": doc,
		},
	})
	return out, wrapped, err
}

func (h *openAIHandle) chatCompletion(ctx context.Context, body []byte) (gjson.Result, error) {
	data, _, err := h.client.postJSON(ctx, h.backend, "/chat/completions", body)
	if err != nil {
		return gjson.Result{}, err
	}
	resp := gjson.ParseBytes(data)
	if msg := resp.Get("error.message"); msg.Exists() {
		return gjson.Result{}, &UpstreamError{StatusCode: http.StatusOK, Message: msg.String()}
	}
	if !resp.Get("choices.0").Exists() {
		return gjson.Result{}, fmt.Errorf("provider: %s returned no choices", h.modelID)
	}
	usage := resp.Get("usage")
	h.client.recordUsage(ctx, resp.Get("id").String(),
		usage.Get("prompt_tokens").Int(), usage.Get("completion_tokens").Int(), usage.Exists())
	return resp, nil
}

func usageInfo(resp gjson.Result) UsageInfo {
	u := resp.Get("usage")
	in, out := u.Get("prompt_tokens").Int(), u.Get("completion_tokens").Int()
	return UsageInfo{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

func (h *openAIHandle) meta(resp gjson.Result) ResponseMeta {
	modelID := resp.Get("model").String()
	if modelID == "" {
		modelID = h.modelID
	}
	return ResponseMeta{ID: resp.Get("id").String(), ModelID: modelID}
}

func (h *openAIHandle) generateText(ctx context.Context, call dispatch.Call) (stream.Output, error) {
	body, warnings, err := buildChatBody(call.Params, false)
	if err != nil {
		return nil, err
	}
	resp, err := h.chatCompletion(ctx, body)
	if err != nil {
		return nil, err
	}
	return stream.Materialized{Value: TextResult{
		Text:         resp.Get("choices.0.message.content").String(),
		FinishReason: resp.Get("choices.0.finish_reason").String(),
		Usage:        usageInfo(resp),
		Warnings:     nonNil(warnings),
		Response:     h.meta(resp),
	}}, nil
}

func (h *openAIHandle) generateObject(ctx context.Context, call dispatch.Call) (stream.Output, error) {
	body, warnings, err := buildChatBody(call.Params, false)
	if err != nil {
		return nil, err
	}
	body, wrapped, err := withResponseFormat(body, call.Schema)
	if err != nil {
		return nil, err
	}
	resp, err := h.chatCompletion(ctx, body)
	if err != nil {
		return nil, err
	}

	content := stripCodeFence(resp.Get("choices.0.message.content").String())
	if !gjson.Valid(content) {
		return nil, fmt.Errorf("provider: %s returned invalid JSON", h.modelID)
	}
	value := gjson.Parse(content)
	if wrapped {
		value = value.Get(structuredWrapKey)
	}
	if call.Schema != nil {
		if err := call.Schema.ValidateResult(value); err != nil {
			return nil, fmt.Errorf("provider: %s output rejected: %w", h.modelID, err)
		}
	}

	var object any
	if value.Exists() {
		if err := json.Unmarshal([]byte(value.Raw), &object); err != nil {
			return nil, err
		}
	}
	return stream.Materialized{Value: ObjectResult{
		Object:       object,
		FinishReason: resp.Get("choices.0.finish_reason").String(),
		Usage:        usageInfo(resp),
		Warnings:     nonNil(warnings),
		Response:     h.meta(resp),
	}}, nil
}

func (h *openAIHandle) streamText(ctx context.Context, call dispatch.Call) (stream.Output, error) {
	body, _, err := buildChatBody(call.Params, true)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.openStream(ctx, h.backend, "/chat/completions", body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return stream.ChunkSource{Iter: newTextIterator(ctx, h.client, resp.Body)}, nil
}

func (h *openAIHandle) streamObject(ctx context.Context, call dispatch.Call) (stream.Output, error) {
	body, _, err := buildChatBody(call.Params, true)
	if err != nil {
		return nil, err
	}
	body, wrapped, err := withResponseFormat(body, call.Schema)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.openStream(ctx, h.backend, "/chat/completions", body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return stream.ChunkSource{Iter: newObjectIterator(ctx, h.client, resp.Body, call.Schema, wrapped)}, nil
}

func (h *openAIHandle) generateImage(ctx context.Context, call dispatch.Call) (stream.Output, error) {
	p := gjson.ParseBytes(call.Params)
	prompt := p.Get("prompt").String()
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", h.modelID)
	body, _ = sjson.SetBytes(body, "prompt", prompt)
	body, _ = sjson.SetBytes(body, "response_format", "b64_json")
	if n := p.Get("n"); n.Exists() {
		body, _ = sjson.SetBytes(body, "n", n.Int())
	}
	if size := p.Get("size"); size.Exists() {
		body, _ = sjson.SetBytes(body, "size", size.String())
	}
	var warnings []string
	if p.Get("aspectRatio").Exists() {
		warnings = append(warnings, "aspectRatio is not supported by this backend, use size")
	}

	data, _, err := h.client.postJSON(ctx, h.backend, "/images/generations", body)
	if err != nil {
		return nil, err
	}
	resp := gjson.ParseBytes(data)
	items := resp.Get("data").Array()
	if len(items) == 0 {
		return nil, fmt.Errorf("provider: %s returned no images", h.modelID)
	}

	images := make([]stream.Binary, 0, len(items))
	for _, item := range items {
		raw, mediaType, err := h.imageBytes(ctx, item)
		if err != nil {
			return nil, err
		}
		images = append(images, stream.NewBinary(raw, mediaType))
	}
	usage := resp.Get("usage")
	h.client.recordUsage(ctx, "", usage.Get("input_tokens").Int(), usage.Get("output_tokens").Int(), usage.Exists())

	return stream.Materialized{Value: ImageResult{
		Image:    images[0],
		Images:   images,
		Warnings: nonNil(warnings),
		Response: ResponseMeta{ModelID: h.modelID},
	}}, nil
}

func (h *openAIHandle) imageBytes(ctx context.Context, item gjson.Result) ([]byte, string, error) {
	if b64 := item.Get("b64_json").String(); b64 != "" {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, "", fmt.Errorf("provider: decode image: %w", err)
		}
		return raw, http.DetectContentType(raw), nil
	}
	if u := item.Get("url").String(); u != "" {
		return h.client.fetch(ctx, u)
	}
	return nil, "", fmt.Errorf("provider: image entry without data")
}

func (h *openAIHandle) generateSpeech(ctx context.Context, call dispatch.Call) (stream.Output, error) {
	p := gjson.ParseBytes(call.Params)
	text := p.Get("text").String()
	if text == "" {
		return nil, ErrEmptyPrompt
	}
	voice := p.Get("voice").String()
	if voice == "" {
		voice = "alloy"
	}
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", h.modelID)
	body, _ = sjson.SetBytes(body, "input", text)
	body, _ = sjson.SetBytes(body, "voice", voice)
	if f := p.Get("outputFormat"); f.Exists() {
		body, _ = sjson.SetBytes(body, "response_format", f.String())
	}
	if s := p.Get("speed"); s.Exists() {
		body, _ = sjson.SetBytes(body, "speed", s.Float())
	}
	if ins := p.Get("instructions"); ins.Exists() {
		body, _ = sjson.SetBytes(body, "instructions", ins.String())
	}

	data, header, err := h.client.postJSON(ctx, h.backend, "/audio/speech", body)
	if err != nil {
		return nil, err
	}
	mediaType := header.Get("Content-Type")
	if mediaType == "" || strings.HasPrefix(mediaType, "application/octet-stream") {
		mediaType = http.DetectContentType(data)
	}
	return stream.Materialized{Value: SpeechResult{
		Audio:    stream.NewBinary(data, mediaType),
		Warnings: []string{},
		Response: ResponseMeta{ModelID: h.modelID},
	}}, nil
}

func (h *openAIHandle) transcribe(ctx context.Context, call dispatch.Call) (stream.Output, error) {
	p := gjson.ParseBytes(call.Params)
	audio, mediaType, err := h.client.loadAudio(ctx, p.Get("audio"), p.Get("mediaType").String())
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		"model":           h.modelID,
		"response_format": "json",
	}
	if lang := p.Get("language"); lang.Exists() {
		fields["language"] = lang.String()
	}
	if prompt := p.Get("prompt"); prompt.Exists() {
		fields["prompt"] = prompt.String()
	}
	form, contentType, err := multipartAudio(fields, audio, mediaType)
	if err != nil {
		return nil, err
	}

	req, err := h.client.newRequest(ctx, h.backend, http.MethodPost, "/audio/transcriptions", form, contentType)
	if err != nil {
		return nil, err
	}
	data, _, err := h.client.do(req)
	if err != nil {
		return nil, err
	}
	resp := gjson.ParseBytes(data)
	result := TranscriptionResult{
		Text:     resp.Get("text").String(),
		Language: resp.Get("language").String(),
		Segments: []Segment{},
		Warnings: []string{},
		Response: ResponseMeta{ModelID: h.modelID},
	}
	if d := resp.Get("duration"); d.Exists() {
		v := d.Float()
		result.DurationInSeconds = &v
	}
	for _, seg := range resp.Get("segments").Array() {
		result.Segments = append(result.Segments, Segment{
			Text:        seg.Get("text").String(),
			StartSecond: seg.Get("start").Float(),
			EndSecond:   seg.Get("end").Float(),
		})
	}
	usage := resp.Get("usage")
	h.client.recordUsage(ctx, "", usage.Get("input_tokens").Int(), usage.Get("output_tokens").Int(), usage.Exists())
	return stream.Materialized{Value: result}, nil
}

// fetch 下载外部资源，返回内容与媒体类型
func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("provider: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("provider: fetch %s: status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 25<<20))
	if err != nil {
		return nil, "", err
	}
	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return data, mediaType, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func arrayOf(v gjson.Result) []gjson.Result {
	if !v.IsArray() {
		return nil
	}
	return v.Array()
}
