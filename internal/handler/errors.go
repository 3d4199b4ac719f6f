package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ValidationError 请求缺少必填字段或字段不合法
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// bindingError 把 gin 绑定错误转成 ValidationError
func bindingError(err error) *ValidationError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := lowerFirst(fe.Field())
		switch fe.Tag() {
		case "required":
			return &ValidationError{Field: field, Message: "is required"}
		case gatewayMethodTag:
			return &ValidationError{Field: field, Message: fmt.Sprintf("unsupported method %q", fe.Value())}
		default:
			return &ValidationError{Field: field, Message: "failed " + fe.Tag() + " check"}
		}
	}
	return &ValidationError{Message: "invalid request body: " + err.Error()}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func writeError(c *gin.Context, status int, msg string, details string) {
	body := gin.H{"error": msg}
	if details != "" {
		body["details"] = details
	}
	c.AbortWithStatusJSON(status, body)
}

func writeValidationError(c *gin.Context, err *ValidationError) {
	writeError(c, http.StatusBadRequest, err.Error(), "")
}
