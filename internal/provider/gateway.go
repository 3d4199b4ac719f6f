package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"aigateway/internal/dispatch"
	"aigateway/internal/stream"

	"github.com/tidwall/sjson"
)

// gatewayHandle 转发到另一个网关实例，响应原样透传
type gatewayHandle struct {
	client  *Client
	backend Backend
	modelID string
}

func (h *gatewayHandle) Invoke(ctx context.Context, method dispatch.Method, call dispatch.Call) (stream.Output, error) {
	h.client.resetUsage(ctx)
	// 远端只尝试当前候选及其自身配置的回退
	options, err := sjson.DeleteBytes(call.Params, "models")
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{
		"method":  method,
		"options": json.RawMessage(options),
	})
	if err != nil {
		return nil, err
	}

	resp, err := h.client.openStream(ctx, h.backend, "/api/generate", body, "*/*")
	if err != nil {
		return nil, fmt.Errorf("provider: gateway %s: %w", h.modelID, err)
	}
	return stream.PassthroughResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       resp.Body,
	}, nil
}
