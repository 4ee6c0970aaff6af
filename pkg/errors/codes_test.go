package errors

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "COMMON_001", ErrCodeInternal.String())
}

func TestHTTPStatusForCode(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrCodeInternal, 500},
		{ErrCodeBadRequest, 400},
		{ErrCodeNotFound, 404},
		{ErrCodeConflict, 409},
		{ErrCodeValidation, 422},
		{ErrCodeTimeout, 504},
		{ErrCodeExperimentNotFound, 404},
		{ErrCodeExperimentExists, 409},
		{ErrCodeExperimentNotActive, 409},
		{ErrCodeExperimentTransition, 409},
		{ErrCodeVariantNotFound, 404},
		{ErrCodeInvalidSubject, 400},
		{ErrCodeAssignmentNotFound, 404},
		{ErrCodeInsufficientData, 422},
		{ErrorCode("UNKNOWN"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, HTTPStatusForCode(tt.code))
	}
}

func TestDefaultMessageForCode(t *testing.T) {
	assert.Equal(t, "internal server error", DefaultMessageForCode(ErrCodeInternal))
	assert.Equal(t, "experiment not found", DefaultMessageForCode(ErrCodeExperimentNotFound))
	assert.Equal(t, "unknown error", DefaultMessageForCode(ErrorCode("UNKNOWN")))
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(ErrCodeBadRequest))
	assert.True(t, IsClientError(ErrCodeInvalidSubject))
	assert.True(t, IsClientError(ErrCodeInsufficientData))
	assert.False(t, IsClientError(ErrCodeInternal))
	assert.False(t, IsClientError(ErrCodeDatabaseError))
}

func TestIsServerError(t *testing.T) {
	assert.True(t, IsServerError(ErrCodeInternal))
	assert.True(t, IsServerError(ErrCodeStorageError))
	assert.False(t, IsServerError(ErrCodeBadRequest))
}

func TestModuleForCode(t *testing.T) {
	assert.Equal(t, "COMMON", ModuleForCode(ErrCodeInternal))
	assert.Equal(t, "EXP", ModuleForCode(ErrCodeExperimentNotFound))
	assert.Equal(t, "EXP", ModuleForCode(ErrCodeVariantInvalid))
	assert.Equal(t, "ASG", ModuleForCode(ErrCodeInvalidSubject))
	assert.Equal(t, "RES", ModuleForCode(ErrCodeMetricInvalid))
	assert.Equal(t, "SIG", ModuleForCode(ErrCodeInsufficientData))
	assert.Equal(t, "UNKNOWN", ModuleForCode(ErrorCode("")))
}

func TestErrorCodeFormat_Convention(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z]+_\d{3}$`)
	allCodes := []ErrorCode{
		ErrCodeInternal, ErrCodeBadRequest, ErrCodeValidation, ErrCodeDatabaseError,
		ErrCodeCacheError, ErrCodeMessagingError, ErrCodeStorageError, ErrCodeSearchError,
		ErrCodeExperimentNotFound, ErrCodeExperimentExists, ErrCodeExperimentInvalid,
		ErrCodeExperimentTransition, ErrCodeExperimentNotActive, ErrCodeVariantNotFound,
		ErrCodeVariantInvalid, ErrCodeInvalidSubject, ErrCodeAssignmentNotFound,
		ErrCodeMetricInvalid, ErrCodeWindowInvalid, ErrCodeInsufficientData,
		ErrCodeControlViolation,
	}
	for _, code := range allCodes {
		assert.Regexp(t, re, string(code))
	}
}

func TestErrorCodeMappings_Completeness(t *testing.T) {
	// Every code in the status map must carry a default message too.
	for code := range ErrorCodeHTTPStatus {
		_, hasMessage := ErrorCodeMessage[code]
		assert.True(t, hasMessage, "missing message for %s", code)
	}
	for code := range ErrorCodeMessage {
		_, hasStatus := ErrorCodeHTTPStatus[code]
		assert.True(t, hasStatus, "missing status for %s", code)
	}
}
