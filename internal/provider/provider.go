// Package provider implements the backend handles the dispatcher invokes: an
// OpenAI-compatible HTTP client and a passthrough to another gateway instance.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"aigateway/internal/dispatch"
	"aigateway/internal/model"
	"aigateway/internal/stream"

	log "github.com/sirupsen/logrus"
)

// UsageRecorder 登记上游报告的生成 ID 与最终用量，供计费与对账读取
type UsageRecorder interface {
	RecordGeneration(requestID, generationID string)
	RecordUsage(requestID string, inputTokens, outputTokens int64)
	ForgetUsage(requestID string)
}

// Backend 已解析的项目后端凭证
type Backend struct {
	ProjectID string
	Kind      string
	BaseURL   string
	APIKey    string
}

// Client 各项目共享的 HTTP 客户端
type Client struct {
	http         *http.Client
	usage        UsageRecorder
	decompressor *Decompressor
}

// NewClient 创建后端客户端；httpClient 为 nil 时使用流式 Transport
func NewClient(httpClient *http.Client, usage UsageRecorder) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &Client{http: httpClient, usage: usage, decompressor: NewDecompressor(0)}
}

// Bind 绑定项目凭证，返回供分发器使用的 Provider
func (c *Client) Bind(b Backend) dispatch.Provider {
	return &boundProvider{client: c, backend: b}
}

type boundProvider struct {
	client  *Client
	backend Backend
}

func (p *boundProvider) Resolve(ctx context.Context, modelID string) (dispatch.Handle, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, fmt.Errorf("provider: empty model id")
	}
	switch p.backend.Kind {
	case "", model.ProjectKindOpenAI:
		return &openAIHandle{client: p.client, backend: p.backend, modelID: modelID}, nil
	case model.ProjectKindGateway:
		return &gatewayHandle{client: p.client, backend: p.backend, modelID: modelID}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, p.backend.Kind)
}

func (c *Client) endpoint(b Backend, path string) string {
	return strings.TrimRight(b.BaseURL, "/") + path
}

func (c *Client) newRequest(ctx context.Context, b Backend, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(b, path), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	return req, nil
}

// postJSON 非流式 JSON 调用，返回解压后的响应体
func (c *Client) postJSON(ctx context.Context, b Backend, path string, body []byte) ([]byte, http.Header, error) {
	req, err := c.newRequest(ctx, b, http.MethodPost, path, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, http.Header, error) {
	req.Header.Set("Accept-Encoding", AcceptEncoding)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("provider: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("provider: read response: %w", err)
	}
	data, err := c.decompressor.Decompress(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, newUpstreamError(resp.StatusCode, data)
	}
	return data, resp.Header, nil
}

// openStream 发起流式请求；非 2xx 在返回前读完并转为错误，以便分发器换下一个候选
func (c *Client) openStream(ctx context.Context, b Backend, path string, body []byte, accept string) (*http.Response, error) {
	req, err := c.newRequest(ctx, b, http.MethodPost, path, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, newUpstreamError(resp.StatusCode, data)
	}
	return resp, nil
}

// resetUsage 每个候选开始前清除本请求已登记的用量，失败候选的用量不计入最终模型
func (c *Client) resetUsage(ctx context.Context) {
	if c.usage == nil {
		return
	}
	if requestID := dispatch.RequestID(ctx); requestID != "" {
		c.usage.ForgetUsage(requestID)
	}
}

func (c *Client) recordUsage(ctx context.Context, generationID string, in, out int64, known bool) {
	if c.usage == nil {
		return
	}
	requestID := dispatch.RequestID(ctx)
	if requestID == "" {
		return
	}
	if generationID != "" {
		c.usage.RecordGeneration(requestID, generationID)
	}
	if known {
		c.usage.RecordUsage(requestID, in, out)
		log.Debugf("provider: request %s usage in=%d out=%d", requestID, in, out)
	}
}

// UsageInfo 结果中附带的用量
type UsageInfo struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// ResponseMeta 上游响应元数据
type ResponseMeta struct {
	ID      string `json:"id,omitempty"`
	ModelID string `json:"modelId"`
}

// TextResult generateText 结果
type TextResult struct {
	Text         string       `json:"text"`
	FinishReason string       `json:"finishReason,omitempty"`
	Usage        UsageInfo    `json:"usage"`
	Warnings     []string     `json:"warnings"`
	Response     ResponseMeta `json:"response"`
}

// ObjectResult generateObject 结果
type ObjectResult struct {
	Object       any          `json:"object"`
	FinishReason string       `json:"finishReason,omitempty"`
	Usage        UsageInfo    `json:"usage"`
	Warnings     []string     `json:"warnings"`
	Response     ResponseMeta `json:"response"`
}

// ImageResult generateImage 结果
type ImageResult struct {
	Image    stream.Binary   `json:"image"`
	Images   []stream.Binary `json:"images"`
	Warnings []string        `json:"warnings"`
	Response ResponseMeta    `json:"response"`
}

// SpeechResult generateSpeech 结果
type SpeechResult struct {
	Audio    stream.Binary `json:"audio"`
	Warnings []string      `json:"warnings"`
	Response ResponseMeta  `json:"response"`
}

// Segment 转写分段
type Segment struct {
	Text        string  `json:"text"`
	StartSecond float64 `json:"startSecond"`
	EndSecond   float64 `json:"endSecond"`
}

// TranscriptionResult transcribe 结果
type TranscriptionResult struct {
	Text              string       `json:"text"`
	Language          string       `json:"language,omitempty"`
	DurationInSeconds *float64     `json:"durationInSeconds,omitempty"`
	Segments          []Segment    `json:"segments"`
	Warnings          []string     `json:"warnings"`
	Response          ResponseMeta `json:"response"`
}
