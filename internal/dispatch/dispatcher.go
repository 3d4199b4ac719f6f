// Package dispatch walks an ordered list of candidate models and returns the
// first successful backend result.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aigateway/internal/schema"
	"aigateway/internal/stream"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// ErrNoCandidates 候选列表为空
var ErrNoCandidates = errors.New("dispatch: no candidate models")

// Provider 把模型 ID 绑定为可调用的后端句柄
type Provider interface {
	Resolve(ctx context.Context, modelID string) (Handle, error)
}

// Handle 已绑定模型的后端
type Handle interface {
	Invoke(ctx context.Context, method Method, call Call) (stream.Output, error)
}

// Call 单次后端调用参数
type Call struct {
	// Params 合并了当前候选模型的 JSON 参数
	Params json.RawMessage
	// Schema 结构化输出的校验器，非结构化操作为 nil
	Schema *schema.Schema
}

// Request 一次分发请求
type Request struct {
	Method Method
	Params json.RawMessage
	// Schema 调用方已编译的校验器，优先于 SchemaDefinition
	Schema *schema.Schema
	// SchemaDefinition 尚未编译的 schema 表达式
	SchemaDefinition any
}

// Result 首个成功候选的产出
type Result struct {
	Output   stream.Output
	Model    string
	Attempts int
	Schema   *schema.Schema
}

// ExhaustedError 所有候选均失败
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("dispatch: all %d candidates failed: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Options 分发器参数
type Options struct {
	// LenientSchema 无法识别的表达式退化为字符串校验
	LenientSchema bool
}

// Dispatcher 顺序尝试候选模型，首个成功即返回
type Dispatcher struct {
	provider Provider
	opts     Options
}

// NewDispatcher 创建分发器
func NewDispatcher(provider Provider, opts Options) *Dispatcher {
	return &Dispatcher{provider: provider, opts: opts}
}

// Candidates 显式请求的模型排在配置的回退顺序之前，不去重
func Candidates(requested string, fallback []string) []string {
	out := make([]string, 0, len(fallback)+1)
	if requested != "" {
		out = append(out, requested)
	}
	return append(out, fallback...)
}

// CompileSchema 结构化操作在首次尝试前编译一次，所有候选共用
func (d *Dispatcher) CompileSchema(req Request) (*schema.Schema, error) {
	if !req.Method.Structured() {
		return nil, nil
	}
	if req.Schema != nil {
		return req.Schema, nil
	}
	if req.SchemaDefinition == nil {
		return nil, nil
	}
	if d.opts.LenientSchema {
		return schema.CompileLenient(req.SchemaDefinition), nil
	}
	return schema.Compile(req.SchemaDefinition)
}

// Dispatch 依次调用候选模型；任何错误都换下一个候选重试
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, candidates []string) (*Result, error) {
	compiled, err := d.CompileSchema(req)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return nil, &ExhaustedError{LastErr: ErrNoCandidates}
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	var lastErr error
	for i, modelID := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, &ExhaustedError{Attempts: i, LastErr: err}
		}

		start := time.Now()
		out, err := d.attempt(ctx, req.Method, modelID, params, compiled)
		if err == nil {
			log.Debugf("dispatch: %s served by %s (attempt %d, %s)", req.Method, modelID, i+1, time.Since(start))
			return &Result{Output: out, Model: modelID, Attempts: i + 1, Schema: compiled}, nil
		}

		lastErr = err
		log.WithFields(log.Fields{
			"method":    req.Method,
			"candidate": modelID,
			"attempt":   i + 1,
		}).Warnf("dispatch: candidate failed: %v", err)
	}

	log.Errorf("dispatch: %s exhausted %d candidates, last error: %v", req.Method, len(candidates), lastErr)
	return nil, &ExhaustedError{Attempts: len(candidates), LastErr: lastErr}
}

func (d *Dispatcher) attempt(ctx context.Context, method Method, modelID string, params json.RawMessage, compiled *schema.Schema) (stream.Output, error) {
	handle, err := d.provider.Resolve(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", modelID, err)
	}

	merged, err := sjson.SetBytes(params, "model", modelID)
	if err != nil {
		return nil, fmt.Errorf("merge model %s: %w", modelID, err)
	}

	out, err := handle.Invoke(ctx, method, Call{Params: merged, Schema: compiled})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%s returned no output", modelID)
	}
	return out, nil
}
