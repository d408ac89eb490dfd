package signerapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aegis-sign/cardsigner/pkg/apierrors"
	"github.com/aegis-sign/cardsigner/pkg/signer"
	"github.com/aegis-sign/cardsigner/pkg/validator"
)

// maxBodyBytes 限制单个批次请求体大小。
const maxBodyBytes = 64 << 20

// HTTPHandler 实现 `/sign` `/healthz` HTTP/JSON 接口。
type HTTPHandler struct {
	backend Backend
	health  HealthReporter
}

// NewHTTPHandler 构造 HTTP handler，health 可为空。
func NewHTTPHandler(backend Backend, health HealthReporter) *HTTPHandler {
	if backend == nil {
		panic("relay backend is required")
	}
	return &HTTPHandler{backend: backend, health: health}
}

// RouterConfig 描述中转服务的路由组成。
type RouterConfig struct {
	AllowedOrigins []string
	Metrics        http.Handler
	Debug          http.Handler
}

// Router 返回挂载了 CORS 与附加端点的 chi 路由。
func (h *HTTPHandler) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))
	r.Post("/sign", h.handleSign)
	r.Get("/healthz", h.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Debug != nil {
		r.Method(http.MethodGet, "/debug/relay", cfg.Debug)
	}
	return r
}

type signRequestBody struct {
	DataToSign []signer.Request `json:"dataToSign"`
}

type signResponseBody struct {
	DataSigned any `json:"dataSigned"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Error          any    `json:"error,omitempty"`
	RetryAfterHint string `json:"retryAfterHint,omitempty"`
}

func (h *HTTPHandler) handleSign(w http.ResponseWriter, r *http.Request) {
	var body signRequestBody
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&body); err != nil {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "invalid JSON body"))
		return
	}
	if len(body.DataToSign) == 0 {
		h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, "dataToSign is required"))
		return
	}
	for _, item := range body.DataToSign {
		if err := validator.ValidateItem(item.ID, item.ContentB64); err != nil {
			h.writeAPIError(w, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
			return
		}
	}
	dataSigned, err := h.backend.Submit(r.Context(), body.DataToSign)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, signResponseBody{DataSigned: dataSigned})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if h.health != nil && !h.health.Healthy() {
		h.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "agent_unreachable"})
		return
	}
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierrors.FromError(err); ok {
		h.writeAPIError(w, apiErr)
		return
	}
	h.writeAPIError(w, apierrors.New(apierrors.Code("INTERNAL_ERROR"), "internal error"))
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, apiErr *apierrors.Error) {
	if apiErr == nil {
		apiErr = apierrors.New(apierrors.Code("INTERNAL_ERROR"), "internal error")
	}
	status := apierrors.HTTPStatus(apiErr.Code)
	if apierrors.RequiresRetryAfter(apiErr.Code) {
		if hint := apiErr.RetryAfterHint(); hint != "" {
			w.Header().Set("Retry-After", hint)
		}
	}
	resp := errorResponse{
		Code:           string(apiErr.Code),
		Message:        apiErr.Error(),
		Error:          apiErr.Payload,
		RetryAfterHint: apiErr.RetryAfterHint(),
	}
	h.writeJSON(w, status, resp)
}
