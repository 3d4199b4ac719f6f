package provider

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// AcceptEncoding 非流式请求声明的压缩格式
const AcceptEncoding = "gzip, br, zstd, deflate"

// Decompressor 按 Content-Encoding 解压上游响应体
type Decompressor struct {
	maxDecompressedSize int64
}

// NewDecompressor 创建解压器，maxSize<=0 时使用 50MB
func NewDecompressor(maxSize int64) *Decompressor {
	if maxSize <= 0 {
		maxSize = 50 * 1024 * 1024
	}
	return &Decompressor{maxDecompressedSize: maxSize}
}

// Decompress 支持 gzip/br/zstd/deflate，未声明编码时探测 gzip 魔数
func (d *Decompressor) Decompress(data []byte, contentEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
			return d.gunzip(data)
		}
		return data, nil
	case "gzip", "x-gzip":
		return d.gunzip(data)
	case "br":
		return d.readAll("br", brotli.NewReader(bytes.NewReader(data)), len(data))
	case "zstd":
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("provider: zstd reader: %w", err)
		}
		defer decoder.Close()
		return d.readAll("zstd", decoder, len(data))
	case "deflate":
		reader := flate.NewReader(bytes.NewReader(data))
		defer reader.Close()
		return d.readAll("deflate", reader, len(data))
	default:
		return nil, fmt.Errorf("provider: unsupported Content-Encoding %q", contentEncoding)
	}
}

func (d *Decompressor) gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("provider: gzip reader: %w", err)
	}
	defer reader.Close()
	return d.readAll("gzip", reader, len(data))
}

func (d *Decompressor) readAll(name string, r io.Reader, compressed int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, d.maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("provider: decompress %s: %w", name, err)
	}
	if int64(len(out)) > d.maxDecompressedSize {
		return nil, fmt.Errorf("provider: %s body exceeds %d bytes", name, d.maxDecompressedSize)
	}
	log.Debugf("provider: decompressed %s response (%d -> %d bytes)", name, compressed, len(out))
	return out, nil
}
