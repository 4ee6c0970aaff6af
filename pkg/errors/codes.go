package errors

import (
	"net/http"
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
// Codes are prefixed by the owning module: COMMON, EXP (experiments),
// ASG (assignments), RES (results), SIG (significance).
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Sentinel codes used by the inspection helpers.
const (
	ErrCodeOK      ErrorCode = "OK"
	ErrCodeUnknown ErrorCode = "UNKNOWN"
)

// Common Error Codes
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeUnauthorized       ErrorCode = "COMMON_003"
	ErrCodeForbidden          ErrorCode = "COMMON_004"
	ErrCodeNotFound           ErrorCode = "COMMON_005"
	ErrCodeConflict           ErrorCode = "COMMON_006"
	ErrCodeTooManyRequests    ErrorCode = "COMMON_007"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_008"
	ErrCodeTimeout            ErrorCode = "COMMON_009"
	ErrCodeValidation         ErrorCode = "COMMON_010"
	ErrCodeSerialization      ErrorCode = "COMMON_011"
	ErrCodeDatabaseError      ErrorCode = "COMMON_012"
	ErrCodeCacheError         ErrorCode = "COMMON_013"
	ErrCodeMessagingError     ErrorCode = "COMMON_014"
	ErrCodeStorageError       ErrorCode = "COMMON_015"
	ErrCodeSearchError        ErrorCode = "COMMON_016"
)

// Experiment Module Error Codes
const (
	ErrCodeExperimentNotFound   ErrorCode = "EXP_001"
	ErrCodeExperimentExists     ErrorCode = "EXP_002"
	ErrCodeExperimentInvalid    ErrorCode = "EXP_003"
	ErrCodeExperimentTransition ErrorCode = "EXP_004"
	ErrCodeExperimentNotActive  ErrorCode = "EXP_005"
	ErrCodeVariantNotFound      ErrorCode = "EXP_006"
	ErrCodeVariantInvalid       ErrorCode = "EXP_007"
)

// Assignment Module Error Codes
const (
	ErrCodeInvalidSubject     ErrorCode = "ASG_001"
	ErrCodeAssignmentNotFound ErrorCode = "ASG_002"
)

// Result Module Error Codes
const (
	ErrCodeMetricInvalid ErrorCode = "RES_001"
	ErrCodeWindowInvalid ErrorCode = "RES_002"
)

// Significance Module Error Codes
const (
	ErrCodeInsufficientData ErrorCode = "SIG_001"
	ErrCodeControlViolation ErrorCode = "SIG_002"
)

// ErrorCodeHTTPStatus maps ErrorCodes to HTTP status codes.
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeTooManyRequests:    http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeValidation:         http.StatusUnprocessableEntity,
	ErrCodeSerialization:      http.StatusInternalServerError,
	ErrCodeDatabaseError:      http.StatusInternalServerError,
	ErrCodeCacheError:         http.StatusInternalServerError,
	ErrCodeMessagingError:     http.StatusInternalServerError,
	ErrCodeStorageError:       http.StatusInternalServerError,
	ErrCodeSearchError:        http.StatusInternalServerError,

	ErrCodeExperimentNotFound:   http.StatusNotFound,
	ErrCodeExperimentExists:     http.StatusConflict,
	ErrCodeExperimentInvalid:    http.StatusBadRequest,
	ErrCodeExperimentTransition: http.StatusConflict,
	ErrCodeExperimentNotActive:  http.StatusConflict,
	ErrCodeVariantNotFound:      http.StatusNotFound,
	ErrCodeVariantInvalid:       http.StatusBadRequest,

	ErrCodeInvalidSubject:     http.StatusBadRequest,
	ErrCodeAssignmentNotFound: http.StatusNotFound,

	ErrCodeMetricInvalid: http.StatusBadRequest,
	ErrCodeWindowInvalid: http.StatusBadRequest,

	ErrCodeInsufficientData: http.StatusUnprocessableEntity,
	ErrCodeControlViolation: http.StatusUnprocessableEntity,
}

// ErrorCodeMessage maps ErrorCodes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal server error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeUnauthorized:       "unauthorized",
	ErrCodeForbidden:          "forbidden",
	ErrCodeNotFound:           "resource not found",
	ErrCodeConflict:           "resource conflict",
	ErrCodeTooManyRequests:    "too many requests",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeTimeout:            "request timeout",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeDatabaseError:      "database error",
	ErrCodeCacheError:         "cache error",
	ErrCodeMessagingError:     "message broker error",
	ErrCodeStorageError:       "object storage error",
	ErrCodeSearchError:        "search backend error",

	ErrCodeExperimentNotFound:   "experiment not found",
	ErrCodeExperimentExists:     "experiment already exists",
	ErrCodeExperimentInvalid:    "invalid experiment definition",
	ErrCodeExperimentTransition: "invalid experiment status transition",
	ErrCodeExperimentNotActive:  "experiment is not active",
	ErrCodeVariantNotFound:      "variant not found",
	ErrCodeVariantInvalid:       "invalid variant definition",

	ErrCodeInvalidSubject:     "neither user id nor session id supplied",
	ErrCodeAssignmentNotFound: "assignment not found",

	ErrCodeMetricInvalid: "invalid metric",
	ErrCodeWindowInvalid: "invalid date window",

	ErrCodeInsufficientData: "insufficient data for significance calculation",
	ErrCodeControlViolation: "experiment must have exactly one control variant with data",
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
