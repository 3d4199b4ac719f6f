package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"aigateway/internal/billing"
	"aigateway/internal/dispatch"
	"aigateway/internal/middleware"
	"aigateway/internal/model"
	"aigateway/internal/provider"
	"aigateway/internal/schema"
	"aigateway/internal/service"
	"aigateway/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const gatewayMethodTag = "gateway_method"

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := v.RegisterValidation(gatewayMethodTag, func(fl validator.FieldLevel) bool {
			return dispatch.Method(fl.Field().String()).Valid()
		}); err != nil {
			log.Fatalf("handler: register %s validator: %v", gatewayMethodTag, err)
		}
	}
}

// GenerateRequest POST /api/generate 请求体
type GenerateRequest struct {
	ProjectID string          `json:"projectId"`
	Method    string          `json:"method" binding:"required,gateway_method"`
	Options   json.RawMessage `json:"options" binding:"required"`
}

// ProjectResolver 解析项目后端凭证
type ProjectResolver interface {
	Resolve(ctx context.Context, projectID string) (*service.ResolvedProject, error)
}

// BackendBinder 为一次请求绑定后端
type BackendBinder interface {
	Bind(b provider.Backend) dispatch.Provider
}

// UsageSource 后端登记的本次请求用量
type UsageSource interface {
	Report(ctx context.Context, q billing.ReportQuery) (*billing.Usage, error)
	GenerationID(requestID string) string
}

// ReconcileScheduler 流式预估扣费的延迟对账
type ReconcileScheduler interface {
	Schedule(ctx context.Context, event *model.UsageEvent, generationID string)
}

// GatewayConfig 网关依赖；Ledger 为 nil 时不计费
type GatewayConfig struct {
	Projects      ProjectResolver
	Backends      BackendBinder
	Ledger        *billing.Ledger
	Usage         UsageSource
	Reconciler    ReconcileScheduler
	Normalizer    *stream.Normalizer
	LenientSchema bool
}

type GatewayHandler struct {
	projects   ProjectResolver
	backends   BackendBinder
	ledger     *billing.Ledger
	usage      UsageSource
	reconciler ReconcileScheduler
	normalizer *stream.Normalizer
	opts       dispatch.Options
}

func NewGatewayHandler(cfg GatewayConfig) *GatewayHandler {
	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = stream.NewNormalizer(middleware.CORSHeaders())
	}
	return &GatewayHandler{
		projects:   cfg.Projects,
		backends:   cfg.Backends,
		ledger:     cfg.Ledger,
		usage:      cfg.Usage,
		reconciler: cfg.Reconciler,
		normalizer: normalizer,
		opts:       dispatch.Options{LenientSchema: cfg.LenientSchema},
	}
}

// generateOptions 从 options 中读取的网关字段，其余参数原样交给后端
type generateOptions struct {
	Model            string
	Models           []string
	SchemaDefinition any
	ChatID           string
	MessageID        string
}

func parseOptions(method dispatch.Method, raw json.RawMessage) (*generateOptions, error) {
	opts := gjson.ParseBytes(raw)
	if !opts.IsObject() {
		return nil, &ValidationError{Field: "options", Message: "must be an object"}
	}

	out := &generateOptions{
		Model:     opts.Get("model").String(),
		ChatID:    opts.Get("chatId").String(),
		MessageID: opts.Get("messageId").String(),
	}
	if models := opts.Get("models"); models.IsArray() {
		for _, m := range models.Array() {
			if id := m.String(); id != "" {
				out.Models = append(out.Models, id)
			}
		}
	}

	if method.Structured() {
		def := opts.Get("schemaDefinition")
		if !def.Exists() || def.Type == gjson.Null {
			return nil, &ValidationError{Field: "options.schemaDefinition", Message: "is required for " + string(method)}
		}
		if err := json.Unmarshal([]byte(def.Raw), &out.SchemaDefinition); err != nil {
			return nil, &ValidationError{Field: "options.schemaDefinition", Message: "is not valid JSON"}
		}
	}
	return out, nil
}

// Generate POST /api/generate
func (h *GatewayHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, bindingError(err))
		return
	}
	method := dispatch.Method(req.Method)

	opts, err := parseOptions(method, req.Options)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeValidationError(c, verr)
			return
		}
		writeError(c, http.StatusBadRequest, "invalid options", err.Error())
		return
	}

	ctx := c.Request.Context()
	project, err := h.projects.Resolve(ctx, req.ProjectID)
	if err != nil {
		h.writeProjectError(c, req.ProjectID, err)
		return
	}

	userID := middleware.GetUserID(c)
	userType := middleware.GetUserType(c)
	billed := userID != "" && h.ledger != nil
	if billed {
		if _, err := h.ledger.CheckBalance(ctx, userID, userType); err != nil {
			h.writeLedgerError(c, userID, err)
			return
		}
	}

	requestID := uuid.NewString()
	ctx = dispatch.WithRequestID(ctx, requestID)
	c.Header("X-Request-Id", requestID)

	fallback := opts.Models
	if len(fallback) == 0 {
		fallback = project.FallbackModels
	}
	candidates := dispatch.Candidates(opts.Model, fallback)

	dispatcher := dispatch.NewDispatcher(h.backends.Bind(provider.Backend{
		ProjectID: project.ID,
		Kind:      project.Kind,
		BaseURL:   project.BaseURL,
		APIKey:    project.APIKey,
	}), h.opts)

	result, err := dispatcher.Dispatch(ctx, dispatch.Request{
		Method:           method,
		Params:           req.Options,
		SchemaDefinition: opts.SchemaDefinition,
	}, candidates)
	if err != nil {
		h.writeDispatchError(c, err)
		return
	}

	meta := model.UsageMeta{
		ProjectID: project.ID,
		ChatID:    opts.ChatID,
		MessageID: opts.MessageID,
		RequestID: requestID,
	}

	if method.Streaming() {
		h.serveStream(c, ctx, result, method, userID, billed, meta)
		return
	}
	h.serveMaterialized(c, ctx, result, method, userID, billed, meta)
}

// serveStream 首字节之前按预估扣费，响应结束后排队对账
func (h *GatewayHandler) serveStream(c *gin.Context, ctx context.Context, result *dispatch.Result, method dispatch.Method, userID string, billed bool, meta model.UsageMeta) {
	var event *model.UsageEvent
	if billed {
		var err error
		event, err = h.ledger.ChargeEstimate(ctx, userID, method.EventType(), result.Model, meta)
		if err != nil {
			stream.Discard(result.Output)
			h.writeLedgerError(c, userID, err)
			return
		}
	}

	// 写出中途中止会以 panic 退出，对账必须在 defer 中排队
	if event != nil && h.reconciler != nil {
		defer func() {
			genID := ""
			if h.usage != nil {
				genID = h.usage.GenerationID(meta.RequestID)
			}
			h.reconciler.Schedule(ctx, event, genID)
		}()
	}

	res, err := h.normalizer.Write(ctx, c.Writer, result.Output, method.Shape())
	h.logDelivery(method, result, meta.RequestID, res, err)
}

// serveMaterialized 非流式结果在写出前按上游报告的实际用量扣费
func (h *GatewayHandler) serveMaterialized(c *gin.Context, ctx context.Context, result *dispatch.Result, method dispatch.Method, userID string, billed bool, meta model.UsageMeta) {
	if billed {
		usage := h.reportedUsage(ctx, meta.RequestID)
		_, err := h.ledger.ChargeUsage(ctx, userID, method.EventType(), usage.InputTokens, usage.OutputTokens, result.Model, meta)
		if errors.Is(err, billing.ErrInsufficientCredits) {
			stream.Discard(result.Output)
			h.writeLedgerError(c, userID, err)
			return
		}
		if err != nil {
			log.Errorf("gateway: charge for request %s failed: %v", meta.RequestID, err)
		}
	}

	res, err := h.normalizer.Write(ctx, c.Writer, result.Output, method.Shape())
	h.logDelivery(method, result, meta.RequestID, res, err)
}

func (h *GatewayHandler) reportedUsage(ctx context.Context, requestID string) billing.Usage {
	if h.usage == nil {
		return billing.Usage{}
	}
	u, err := h.usage.Report(ctx, billing.ReportQuery{RequestID: requestID})
	if err != nil || u == nil {
		// 上游未报告用量时按最低积分计费
		log.Debugf("gateway: no usage reported for %s", requestID)
		return billing.Usage{}
	}
	return *u
}

func (h *GatewayHandler) logDelivery(method dispatch.Method, result *dispatch.Result, requestID string, res stream.Result, err error) {
	fields := log.Fields{
		"request_id": requestID,
		"method":     method,
		"model":      result.Model,
		"attempts":   result.Attempts,
		"chunks":     res.Chunks,
		"bytes":      res.BytesWritten,
		"reason":     res.Reason,
	}
	switch {
	case err != nil:
		log.WithFields(fields).Warnf("gateway: response truncated: %v", err)
	case res.ClientGone:
		log.WithFields(fields).Info("gateway: client disconnected")
	default:
		log.WithFields(fields).Debug("gateway: response delivered")
	}
}

func (h *GatewayHandler) writeProjectError(c *gin.Context, projectID string, err error) {
	switch {
	case errors.Is(err, service.ErrProjectRequired):
		writeValidationError(c, &ValidationError{Field: "projectId", Message: "is required"})
	case errors.Is(err, service.ErrProjectNotFound):
		writeValidationError(c, &ValidationError{Field: "projectId", Message: "unknown project " + projectID})
	case errors.Is(err, service.ErrMissingCredentials):
		log.Errorf("gateway: %v", err)
		writeError(c, http.StatusInternalServerError, "missing credentials", "")
	default:
		log.Errorf("gateway: resolve project %s: %v", projectID, err)
		writeError(c, http.StatusInternalServerError, "internal error", "")
	}
}

func (h *GatewayHandler) writeLedgerError(c *gin.Context, userID string, err error) {
	if errors.Is(err, billing.ErrInsufficientCredits) {
		writeError(c, http.StatusPaymentRequired, "insufficient credits", "")
		return
	}
	log.Errorf("gateway: ledger error for %s: %v", userID, err)
	writeError(c, http.StatusInternalServerError, "internal error", "")
}

func (h *GatewayHandler) writeDispatchError(c *gin.Context, err error) {
	var compileErr *schema.CompileError
	if errors.As(err, &compileErr) {
		writeError(c, http.StatusBadRequest, "invalid schemaDefinition", err.Error())
		return
	}

	var exhausted *dispatch.ExhaustedError
	if errors.As(err, &exhausted) {
		details := ""
		if exhausted.LastErr != nil {
			details = exhausted.LastErr.Error()
		}
		writeError(c, http.StatusInternalServerError, "all candidate models failed", details)
		return
	}

	log.Errorf("gateway: dispatch: %v", err)
	writeError(c, http.StatusInternalServerError, "internal error", err.Error())
}
