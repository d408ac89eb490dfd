package apierrors

import (
	"errors"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
)

// Code 表示统一错误码，同时作为 onError 回调中的 kind 判别字段。
type Code string

const (
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeTransportUnreachable Code = "TRANSPORT_UNREACHABLE"
	CodeRemoteSigningError   Code = "REMOTE_SIGNING_ERROR"
	CodeMalformedReply       Code = "MALFORMED_REPLY"
	CodeRetryLater           Code = "RETRY_LATER"
)

var httpStatusMap = map[Code]int{
	CodeInvalidArgument:      400,
	CodeTransportUnreachable: 503,
	CodeRemoteSigningError:   422,
	CodeMalformedReply:       502,
	CodeRetryLater:           429,
}

var grpcStatusMap = map[Code]codes.Code{
	CodeInvalidArgument:      codes.InvalidArgument,
	CodeTransportUnreachable: codes.Unavailable,
	CodeRemoteSigningError:   codes.FailedPrecondition,
	CodeMalformedReply:       codes.DataLoss,
	CodeRetryLater:           codes.ResourceExhausted,
}

// Error 表示带统一错误码的错误。Payload 保存签名服务返回的原始 error 字段。
type Error struct {
	Code       Code
	Message    string
	Payload    any
	cause      error
	retryAfter time.Duration
}

// New 创建一个新的错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap 创建带底层原因的错误，errors.Is/As 可穿透。
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Remote 将签名服务回传的 error 字段包装为 REMOTE_SIGNING_ERROR。
func Remote(payload any) *Error {
	msg := "remote signing error"
	if s, ok := payload.(string); ok && s != "" {
		msg = s
	}
	return &Error{Code: CodeRemoteSigningError, Message: msg, Payload: payload}
}

// WithRetryAfter 设置 Retry-After 提示，返回自身方便链式调用。
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// RetryAfterHint 以秒为单位返回 Retry-After 提示文本。
func (e *Error) RetryAfterHint() string {
	if e == nil || e.retryAfter <= 0 {
		return ""
	}
	seconds := int((e.retryAfter + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap 返回底层原因。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// FromError 尝试从通用 error 中解析业务错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// CodeOf 返回 err 对应的错误码，非业务错误返回空串。
func CodeOf(err error) Code {
	if apiErr, ok := FromError(err); ok {
		return apiErr.Code
	}
	return ""
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// GRPCStatus 返回对应的 gRPC code，未知错误默认 Internal。
func GRPCStatus(code Code) codes.Code {
	if status, ok := grpcStatusMap[code]; ok {
		return status
	}
	return codes.Internal
}

// RequiresRetryAfter 标记是否必须携带 Retry-After 头。
func RequiresRetryAfter(code Code) bool {
	return code == CodeRetryLater || code == CodeTransportUnreachable
}
