package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// loadAudio 接受 base64 data URL、数字字节数组或 http(s) URL
func (c *Client) loadAudio(ctx context.Context, v gjson.Result, mediaType string) ([]byte, string, error) {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return nil, "", ErrMissingAudio
	case v.IsArray():
		items := v.Array()
		data := make([]byte, len(items))
		for i, item := range items {
			n := item.Int()
			if item.Type != gjson.Number || n < 0 || n > 255 {
				return nil, "", fmt.Errorf("provider: audio byte %d out of range", i)
			}
			data[i] = byte(n)
		}
		if len(data) == 0 {
			return nil, "", ErrMissingAudio
		}
		return data, orDetected(mediaType, data), nil
	case v.Type == gjson.String:
		s := strings.TrimSpace(v.String())
		switch {
		case strings.HasPrefix(s, "data:"):
			data, declared, err := decodeDataURL(s)
			if err != nil {
				return nil, "", err
			}
			if mediaType == "" {
				mediaType = declared
			}
			return data, orDetected(mediaType, data), nil
		case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
			data, fetched, err := c.fetch(ctx, s)
			if err != nil {
				return nil, "", err
			}
			if mediaType == "" {
				mediaType = fetched
			}
			return data, mediaType, nil
		case s == "":
			return nil, "", ErrMissingAudio
		default:
			data, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, "", fmt.Errorf("provider: audio must be a data URL, byte array or URL")
			}
			return data, orDetected(mediaType, data), nil
		}
	}
	return nil, "", fmt.Errorf("provider: unsupported audio input")
}

func decodeDataURL(s string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("provider: malformed data URL")
	}
	mediaType := header
	isBase64 := false
	if strings.HasSuffix(header, ";base64") {
		mediaType = strings.TrimSuffix(header, ";base64")
		isBase64 = true
	}
	if !isBase64 {
		raw, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("provider: decode data URL: %w", err)
		}
		return []byte(raw), mediaType, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("provider: decode data URL: %w", err)
	}
	return data, mediaType, nil
}

func orDetected(mediaType string, data []byte) string {
	if mediaType != "" {
		return mediaType
	}
	return http.DetectContentType(data)
}

// multipartAudio 组装 /audio/transcriptions 的 multipart 表单
func multipartAudio(fields map[string]string, audio []byte, mediaType string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="audio%s"`, extensionFor(mediaType)))
	h.Set("Content-Type", mediaType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func extensionFor(mediaType string) string {
	base, _, _ := mime.ParseMediaType(mediaType)
	switch base {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/flac":
		return ".flac"
	}
	return ".bin"
}
