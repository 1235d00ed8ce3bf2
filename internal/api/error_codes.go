// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest        = "BAD_REQUEST"
	ErrorNotFound          = "NOT_FOUND"
	ErrorInternalError     = "INTERNAL_ERROR"
	ErrorConflict          = "CONFLICT"
	ErrorRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

	// 模拟相关错误
	ErrorSimulationNotFound      = "SIMULATION_NOT_FOUND"
	ErrorSimulationCreateFailed  = "SIMULATION_CREATE_FAILED"
	ErrorSimulationComplete      = "SIMULATION_COMPLETE"
	ErrorResponseAlreadyRecorded = "RESPONSE_ALREADY_RECORDED"
	ErrorResponseFailed          = "RESPONSE_FAILED"
	ErrorTurnNotFound            = "TURN_NOT_FOUND"

	// 外部服务
	ErrorProviderTimeout = "PROVIDER_TIMEOUT"
	ErrorMediaNotFound   = "MEDIA_NOT_FOUND"
	ErrorStoreFailed     = "STORE_FAILED"
)
