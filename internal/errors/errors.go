// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 错误分类，API 层据此选择 HTTP 状态码
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeProvider   ErrorType = "provider_error" // 外部模型/媒体服务失败
)

var typeCodes = map[ErrorType]string{
	ErrorTypeValidation: "VALIDATION_ERROR",
	ErrorTypeNotFound:   "NOT_FOUND",
	ErrorTypeError:      "PROCESSING_ERROR",
	ErrorTypeConflict:   "CONFLICT",
	ErrorTypeTimeout:    "TIMEOUT",
	ErrorTypeProvider:   "PROVIDER_ERROR",
}

// AppError 带分类的错误
type AppError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// NewAppError 按分类创建错误，Code 由分类决定
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	code, ok := typeCodes[errType]
	if !ok {
		code = "UNKNOWN_ERROR"
	}
	return &AppError{Type: errType, Code: code, Message: message, Err: cause}
}

func NewValidationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, cause)
}

func NewProcessingError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeError, message, cause)
}

// NewConflictError 回合状态不允许该操作，例如重复回应
func NewConflictError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConflict, message, cause)
}

// NewTimeoutError 轮询次数耗尽或请求超时
func NewTimeoutError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, cause)
}

// NewProviderError 模型、视频或语音服务返回失败
func NewProviderError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeProvider, message, cause)
}

// TypeOf 错误链上第一个 AppError 的分类，没有则为空
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

func IsValidationError(err error) bool { return TypeOf(err) == ErrorTypeValidation }
func IsNotFoundError(err error) bool   { return TypeOf(err) == ErrorTypeNotFound }
func IsConflictError(err error) bool   { return TypeOf(err) == ErrorTypeConflict }
func IsTimeoutError(err error) bool    { return TypeOf(err) == ErrorTypeTimeout }
func IsProviderError(err error) bool   { return TypeOf(err) == ErrorTypeProvider }

// WrapError 给错误加上上下文；已分类的错误保留原分类
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:    appErr.Type,
			Code:    appErr.Code,
			Message: message + ": " + appErr.Message,
			Err:     appErr,
		}
	}
	return NewAppError(errType, message, err)
}
