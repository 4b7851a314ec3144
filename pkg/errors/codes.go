package errors

import (
	"net/http"
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common Error Codes
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeForbidden          ErrorCode = "COMMON_004"
	ErrCodeNotFound           ErrorCode = "COMMON_005"
	ErrCodeConflict           ErrorCode = "COMMON_006"
	ErrCodeTooManyRequests    ErrorCode = "COMMON_007"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_008"
	ErrCodeValidation         ErrorCode = "COMMON_010"
	ErrCodeSerialization      ErrorCode = "COMMON_011"
	ErrCodeDatabaseError      ErrorCode = "COMMON_012"
	ErrCodeCacheError         ErrorCode = "COMMON_013"
	ErrCodeExternalService    ErrorCode = "COMMON_014"
	ErrCodeFeatureDisabled    ErrorCode = "COMMON_015"
)

// Aliases used at most call sites.
const (
	CodeInternal     = ErrCodeInternal
	CodeInvalidParam = ErrCodeBadRequest
	CodeNotFound     = ErrCodeNotFound
	CodeOK           = ErrorCode("OK")
	CodeUnknown      = ErrorCode("UNKNOWN")
)

// Case Module Error Codes
const (
	ErrCodeCaseNotFound         ErrorCode = "CASE_001"
	ErrCodeCaseAlreadyExists    ErrorCode = "CASE_002"
	ErrCodeCaseClosed           ErrorCode = "CASE_003"
	ErrCodeInvalidIntakeDate    ErrorCode = "CASE_004"
	ErrCodeTransitionBlocked    ErrorCode = "CASE_006"
	ErrCodeStageCatalogInvalid  ErrorCode = "CASE_007"
	ErrCodeTimelineAppendFailed ErrorCode = "CASE_009"
	ErrCodeCaseVersionConflict  ErrorCode = "CASE_010"
)

// Escalation Module Error Codes
const (
	ErrCodeSweepQueryFailed    ErrorCode = "ESC_001"
	ErrCodeSweepAlreadyRunning ErrorCode = "ESC_002"
	ErrCodeSweepFlushFailed    ErrorCode = "ESC_003"
	ErrCodeBatchSizeInvalid    ErrorCode = "ESC_004"
	ErrCodeReportArchiveFailed ErrorCode = "ESC_005"
)

// Triage Module Error Codes
const (
	ErrCodeAlertInvalid       ErrorCode = "TRI_001"
	ErrCodeAlertNotFound      ErrorCode = "TRI_002"
	ErrCodeRuleInvalid        ErrorCode = "TRI_003"
	ErrCodeRuleNotFound       ErrorCode = "TRI_004"
	ErrCodeAutoCreationFailed ErrorCode = "TRI_005"
)

// ErrorCodeHTTPStatus maps each ErrorCode to its HTTP status.
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeTooManyRequests:    http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeValidation:         http.StatusBadRequest,
	ErrCodeSerialization:      http.StatusInternalServerError,
	ErrCodeDatabaseError:      http.StatusInternalServerError,
	ErrCodeCacheError:         http.StatusInternalServerError,
	ErrCodeExternalService:    http.StatusBadGateway,
	ErrCodeFeatureDisabled:    http.StatusForbidden,

	ErrCodeCaseNotFound:         http.StatusNotFound,
	ErrCodeCaseAlreadyExists:    http.StatusConflict,
	ErrCodeCaseClosed:           http.StatusConflict,
	ErrCodeInvalidIntakeDate:    http.StatusBadRequest,
	ErrCodeTransitionBlocked:    http.StatusUnprocessableEntity,
	ErrCodeStageCatalogInvalid:  http.StatusInternalServerError,
	ErrCodeTimelineAppendFailed: http.StatusInternalServerError,
	ErrCodeCaseVersionConflict:  http.StatusConflict,

	ErrCodeSweepQueryFailed:    http.StatusInternalServerError,
	ErrCodeSweepAlreadyRunning: http.StatusConflict,
	ErrCodeSweepFlushFailed:    http.StatusInternalServerError,
	ErrCodeBatchSizeInvalid:    http.StatusBadRequest,
	ErrCodeReportArchiveFailed: http.StatusInternalServerError,

	ErrCodeAlertInvalid:       http.StatusBadRequest,
	ErrCodeAlertNotFound:      http.StatusNotFound,
	ErrCodeRuleInvalid:        http.StatusBadRequest,
	ErrCodeRuleNotFound:       http.StatusNotFound,
	ErrCodeAutoCreationFailed: http.StatusInternalServerError,
}

// ErrorCodeMessage holds the default message for each ErrorCode.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal server error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeForbidden:          "forbidden",
	ErrCodeNotFound:           "resource not found",
	ErrCodeConflict:           "resource conflict",
	ErrCodeTooManyRequests:    "too many requests",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization error",
	ErrCodeDatabaseError:      "database error",
	ErrCodeCacheError:         "cache error",
	ErrCodeExternalService:    "external service error",
	ErrCodeFeatureDisabled:    "feature disabled",

	ErrCodeCaseNotFound:         "case not found",
	ErrCodeCaseAlreadyExists:    "case already exists",
	ErrCodeCaseClosed:           "case is closed",
	ErrCodeInvalidIntakeDate:    "invalid intake date",
	ErrCodeTransitionBlocked:    "stage transition blocked",
	ErrCodeStageCatalogInvalid:  "stage catalog is invalid",
	ErrCodeTimelineAppendFailed: "failed to append timeline entry",
	ErrCodeCaseVersionConflict:  "case was modified concurrently",

	ErrCodeSweepQueryFailed:    "escalation sweep query failed",
	ErrCodeSweepAlreadyRunning: "escalation sweep already running",
	ErrCodeSweepFlushFailed:    "escalation batch flush failed",
	ErrCodeBatchSizeInvalid:    "invalid escalation batch size",
	ErrCodeReportArchiveFailed: "failed to archive sweep report",

	ErrCodeAlertInvalid:       "invalid alert",
	ErrCodeAlertNotFound:      "alert not found",
	ErrCodeRuleInvalid:        "invalid escalation rule",
	ErrCodeRuleNotFound:       "escalation rule not found",
	ErrCodeAutoCreationFailed: "failed to auto-create case",
}

// HTTPStatusForCode returns the HTTP status code for an ErrorCode.
func HTTPStatusForCode(code ErrorCode) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// IsClientError returns true if the ErrorCode corresponds to a 4xx HTTP status.
func IsClientError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 400 && status < 500
}

// IsServerError returns true if the ErrorCode corresponds to a 5xx HTTP status.
func IsServerError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 500 && status < 600
}

// ModuleForCode returns the module prefix of an ErrorCode.
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
