// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/CrisisSimMCP/internal/errors"
	"github.com/Corphon/CrisisSimMCP/internal/models"
)

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.write(c, http.StatusOK, data, message...)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	if len(message) == 0 {
		message = []string{"simulation created"}
	}
	rh.write(c, http.StatusCreated, data, message...)
}

func (rh *ResponseHelper) write(c *gin.Context, status int, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(status, response)
}

// sanitizeErrorMessage 含密钥类字样的消息整体替换
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "token", "authorization", "bearer"} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}
	if len(details) > 0 && details[0] != "" {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	c.JSON(statusCode, &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource string, details ...string) {
	code := ErrorNotFound
	if resource != "" {
		code = rh.getResourceNotFoundCode(resource)
	}
	rh.Error(c, http.StatusNotFound, code, resource+" not found", details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, code, message string, details ...string) {
	if code == "" {
		code = ErrorConflict
	}
	rh.Error(c, http.StatusConflict, code, message, details...)
}

// TooManyRequests 429错误响应
func (rh *ResponseHelper) TooManyRequests(c *gin.Context, message string) {
	rh.Error(c, http.StatusTooManyRequests, ErrorRateLimitExceeded, message)
}

// ServiceError 按 AppError 类型选择状态码与错误码
func (rh *ResponseHelper) ServiceError(c *gin.Context, err error, fallbackCode string) {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		code := ErrorBadRequest
		if errors.Is(err, models.ErrTurnNotFound) {
			code = ErrorTurnNotFound
		}
		rh.Error(c, http.StatusBadRequest, code, err.Error())
	case apperrors.ErrorTypeNotFound:
		rh.NotFound(c, "simulation")
	case apperrors.ErrorTypeConflict:
		rh.Conflict(c, conflictCode(err), err.Error())
	case apperrors.ErrorTypeTimeout:
		rh.Error(c, http.StatusGatewayTimeout, ErrorProviderTimeout, err.Error())
	default:
		if fallbackCode == "" {
			fallbackCode = ErrorInternalError
		}
		rh.Error(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

func conflictCode(err error) string {
	switch {
	case errors.Is(err, models.ErrResponseAlreadyRecorded):
		return ErrorResponseAlreadyRecorded
	case errors.Is(err, models.ErrSimulationComplete):
		return ErrorSimulationComplete
	default:
		return ErrorConflict
	}
}

// getResourceNotFoundCode 获取资源不存在的错误代码
func (rh *ResponseHelper) getResourceNotFoundCode(resource string) string {
	switch resource {
	case "simulation", "Simulation":
		return ErrorSimulationNotFound
	case "turn":
		return ErrorTurnNotFound
	case "media":
		return ErrorMediaNotFound
	default:
		return ErrorNotFound
	}
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	if requestID := c.GetString(requestIDKey); requestID != "" {
		return requestID
	}
	return c.GetHeader(requestIDHeader)
}

// 全局响应助手实例
var Response = NewResponseHelper()
