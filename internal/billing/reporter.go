package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ReportQuery 查询权威用量报告的键
type ReportQuery struct {
	ProjectID    string
	RequestID    string
	GenerationID string
}

// UsageReporter 权威用量来源
type UsageReporter interface {
	Report(ctx context.Context, q ReportQuery) (*Usage, error)
}

type capturedUsage struct {
	GenerationID string
	Usage        *Usage
}

// UsageCapture 进程内缓存，由流式读取器在收到上游最终用量时写入
type UsageCapture struct {
	store *cache.Cache
}

// NewUsageCapture 创建用量缓存
func NewUsageCapture(ttl time.Duration) *UsageCapture {
	return &UsageCapture{store: cache.New(ttl, ttl/2)}
}

// RecordGeneration 记录上游生成 ID
func (c *UsageCapture) RecordGeneration(requestID, generationID string) {
	if requestID == "" || generationID == "" {
		return
	}
	entry := c.get(requestID)
	entry.GenerationID = generationID
	c.store.SetDefault(requestID, entry)
}

// RecordUsage 记录上游报告的最终用量
func (c *UsageCapture) RecordUsage(requestID string, inputTokens, outputTokens int64) {
	if requestID == "" {
		return
	}
	entry := c.get(requestID)
	entry.Usage = &Usage{InputTokens: inputTokens, OutputTokens: outputTokens}
	c.store.SetDefault(requestID, entry)
}

// ForgetUsage 丢弃请求已登记的用量与生成 ID
func (c *UsageCapture) ForgetUsage(requestID string) {
	c.store.Delete(requestID)
}

// GenerationID 返回已记录的上游生成 ID
func (c *UsageCapture) GenerationID(requestID string) string {
	return c.get(requestID).GenerationID
}

func (c *UsageCapture) Report(_ context.Context, q ReportQuery) (*Usage, error) {
	entry := c.get(q.RequestID)
	if entry.Usage == nil {
		return nil, ErrReportUnavailable
	}
	u := *entry.Usage
	return &u, nil
}

func (c *UsageCapture) get(requestID string) capturedUsage {
	if v, ok := c.store.Get(requestID); ok {
		return v.(capturedUsage)
	}
	return capturedUsage{}
}

// CredentialResolver 根据项目返回上游地址与密钥
type CredentialResolver func(ctx context.Context, projectID string) (baseURL, apiKey string, err error)

// HTTPReporter 通过上游 /generation?id= 接口拉取权威用量
type HTTPReporter struct {
	client  *http.Client
	resolve CredentialResolver
}

func NewHTTPReporter(client *http.Client, resolve CredentialResolver) *HTTPReporter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPReporter{client: client, resolve: resolve}
}

func (r *HTTPReporter) Report(ctx context.Context, q ReportQuery) (*Usage, error) {
	if q.GenerationID == "" {
		return nil, ErrReportUnavailable
	}
	baseURL, apiKey, err := r.resolve(ctx, q.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("billing: resolve credentials: %w", err)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/generation?id=" + url.QueryEscape(q.GenerationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billing: fetch generation: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("billing: read generation: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrReportUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("billing: generation endpoint returned %d", resp.StatusCode)
	}

	return parseGenerationUsage(body)
}

func parseGenerationUsage(body []byte) (*Usage, error) {
	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return nil, ErrReportUnavailable
	}
	prompt := data.Get("tokens_prompt")
	completion := data.Get("tokens_completion")
	if !prompt.Exists() && !completion.Exists() {
		prompt = data.Get("native_tokens_prompt")
		completion = data.Get("native_tokens_completion")
	}
	if !prompt.Exists() && !completion.Exists() {
		return nil, ErrReportUnavailable
	}
	return &Usage{InputTokens: prompt.Int(), OutputTokens: completion.Int()}, nil
}

// ChainReporter 依次尝试各来源，缓存优先
type ChainReporter struct {
	capture   *UsageCapture
	reporters []UsageReporter
}

func NewChainReporter(capture *UsageCapture, reporters ...UsageReporter) *ChainReporter {
	return &ChainReporter{capture: capture, reporters: reporters}
}

func (c *ChainReporter) Report(ctx context.Context, q ReportQuery) (*Usage, error) {
	if c.capture != nil {
		if u, err := c.capture.Report(ctx, q); err == nil {
			return u, nil
		}
		if q.GenerationID == "" {
			q.GenerationID = c.capture.GenerationID(q.RequestID)
		}
	}

	lastErr := ErrReportUnavailable
	for _, r := range c.reporters {
		u, err := r.Report(ctx, q)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrReportUnavailable) {
			log.Debugf("reconciler: reporter failed for %s: %v", q.RequestID, err)
		}
		lastErr = err
	}
	return nil, lastErr
}
