package dispatch

import (
	"aigateway/internal/model"
	"aigateway/internal/stream"
)

// Method 生成请求的操作类型
type Method string

const (
	MethodGenerateText   Method = "generateText"
	MethodGenerateObject Method = "generateObject"
	MethodStreamText     Method = "streamText"
	MethodStreamObject   Method = "streamObject"
	MethodGenerateImage  Method = "generateImage"
	MethodGenerateSpeech Method = "generateSpeech"
	MethodTranscribe     Method = "transcribe"
)

// Methods 全部支持的操作，顺序固定
var Methods = []Method{
	MethodGenerateText,
	MethodGenerateObject,
	MethodStreamText,
	MethodStreamObject,
	MethodGenerateImage,
	MethodGenerateSpeech,
	MethodTranscribe,
}

func (m Method) Valid() bool {
	for _, known := range Methods {
		if m == known {
			return true
		}
	}
	return false
}

// Streaming 流式操作先按预估扣费，结束后对账
func (m Method) Streaming() bool {
	return m == MethodStreamText || m == MethodStreamObject
}

// Structured 需要 schema 的结构化输出操作
func (m Method) Structured() bool {
	return m == MethodGenerateObject || m == MethodStreamObject
}

func (m Method) Shape() stream.Shape {
	if m == MethodStreamObject {
		return stream.ShapeObject
	}
	return stream.ShapeText
}

func (m Method) EventType() model.EventType {
	switch m {
	case MethodGenerateText:
		return model.EventGenerateText
	case MethodGenerateObject:
		return model.EventGenerateObject
	case MethodStreamText:
		return model.EventStreamText
	case MethodStreamObject:
		return model.EventStreamObject
	case MethodGenerateImage:
		return model.EventGenerateImage
	case MethodGenerateSpeech:
		return model.EventGenerateSpeech
	case MethodTranscribe:
		return model.EventTranscribe
	}
	return ""
}
