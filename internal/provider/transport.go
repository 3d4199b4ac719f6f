package provider

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// NewStreamingTransport 创建针对长时间流式生成优化的 Transport
func NewStreamingTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		TLSHandshakeTimeout: 15 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,

		// 模型首字节可能很慢，不设响应头超时
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: 0,

		// 压缩由 Decompressor 处理；流式请求不压缩，避免缓冲
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}
}

// NewHTTPClient 不设整体超时，由请求上下文控制生命周期
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: NewStreamingTransport()}
}
