package types

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// TestErrorFormatting tests the error string with and without a cause
func TestErrorFormatting(t *testing.T) {
	plain := NewError(ErrCodeNotFound, "no such key")
	if plain.Error() != "NOT_FOUND: no such key" {
		t.Errorf("Unexpected message: %s", plain.Error())
	}

	cause := errors.New("socket closed")
	wrapped := WrapError(ErrCodeConnection, "send failed", cause)
	if wrapped.Error() != "CONNECTION: send failed: socket closed" {
		t.Errorf("Unexpected message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Expected wrapped error to unwrap to its cause")
	}
}

// TestErrCodeInspection tests code extraction helpers
func TestErrCodeInspection(t *testing.T) {
	err := NewError(ErrCodeTimeout, "deadline passed")

	if !IsErrCode(err, ErrCodeTimeout) {
		t.Error("Expected TIMEOUT code match")
	}
	if IsErrCode(err, ErrCodeConnection) {
		t.Error("Unexpected CONNECTION match")
	}
	if GetErrorCode(err) != ErrCodeTimeout {
		t.Errorf("Expected TIMEOUT, got %s", GetErrorCode(err))
	}

	if IsErrCode(errors.New("plain"), ErrCodeTimeout) {
		t.Error("Plain errors carry no code")
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Error("Expected empty code for plain error")
	}
}

// TestIsRetryable tests the retry classification of error codes
func TestIsRetryable(t *testing.T) {
	notRetryable := []string{
		ErrCodeValidation, ErrCodeInvalidArgument, ErrCodeNotFound, ErrCodePermissionDenied,
	}
	for _, code := range notRetryable {
		if IsRetryable(NewError(code, "x")) {
			t.Errorf("Expected %s not retryable", code)
		}
	}

	retryable := []string{
		ErrCodeTimeout, ErrCodeConnection, ErrCodeUnavailable, ErrCodeInternal, ErrCodeResourceExhausted,
	}
	for _, code := range retryable {
		if !IsRetryable(NewError(code, "x")) {
			t.Errorf("Expected %s retryable", code)
		}
	}
}

// TestGenerateCorrelationID tests context scoping of correlation IDs
func TestGenerateCorrelationID(t *testing.T) {
	id := GenerateCorrelationID("ctx-popup")
	if !strings.HasPrefix(id.String(), "ctx-popup:") {
		t.Errorf("Expected context prefix, got %s", id)
	}

	other := GenerateCorrelationID("ctx-popup")
	if id == other {
		t.Error("Expected unique IDs per call")
	}

	anon := GenerateCorrelationID("")
	if anon.IsEmpty() {
		t.Error("Expected a generated ID for an empty context")
	}
	if strings.Contains(anon.String(), ":") {
		t.Errorf("Expected no prefix without a context, got %s", anon)
	}
}

// TestMessageTypeIsValid tests the closed message type enumeration
func TestMessageTypeIsValid(t *testing.T) {
	valid := []MessageType{
		MessageTypeHealthCheck, MessageTypeAgentAnalyze, MessageTypeJobSubmit,
		MessageTypeJobCancel, MessageTypeStateSync, MessageTypeContextRegister,
		MessageTypeContextUnregister, MessageTypeSettingsGet, MessageTypeSettingsUpdate,
	}
	for _, mt := range valid {
		if !mt.IsValid() {
			t.Errorf("Expected %s valid", mt)
		}
	}
	if MessageType("job.delete").IsValid() {
		t.Error("Unknown type should be invalid")
	}
	if MessageType("").IsValid() {
		t.Error("Empty type should be invalid")
	}
}

// TestEventTypeIsValid tests the closed event type enumeration
func TestEventTypeIsValid(t *testing.T) {
	if !EventTypeJobCompleted.IsValid() || !EventTypeSystemError.IsValid() {
		t.Error("Expected known event types valid")
	}
	if EventType("job.paused").IsValid() {
		t.Error("Unknown event type should be invalid")
	}
}

// TestResponseErr tests converting responses to errors
func TestResponseErr(t *testing.T) {
	ok := &Response{Success: true}
	if ok.Err() != nil {
		t.Errorf("Expected nil for success, got %v", ok.Err())
	}

	failed := &Response{Success: false, ErrorCode: ErrCodeNotFound, ErrorMessage: "missing"}
	if !IsErrCode(failed.Err(), ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", failed.Err())
	}

	// Missing code defaults to INTERNAL
	bare := &Response{Success: false, ErrorMessage: "boom"}
	if !IsErrCode(bare.Err(), ErrCodeInternal) {
		t.Errorf("Expected INTERNAL fallback, got %v", bare.Err())
	}
}

// TestStateEntryIsExpired tests TTL evaluation
func TestStateEntryIsExpired(t *testing.T) {
	now := NewTimestamp()

	forever := &StateEntry{Value: 1, Version: 1}
	if forever.IsExpired(now) {
		t.Error("Entry without TTL never expires")
	}

	past := NewTimestampFromTime(now.Add(-time.Minute))
	expired := &StateEntry{Value: 1, Version: 1, ExpiresAt: &past}
	if !expired.IsExpired(now) {
		t.Error("Expected expired entry")
	}

	future := NewTimestampFromTime(now.Add(time.Minute))
	live := &StateEntry{Value: 1, Version: 1, ExpiresAt: &future}
	if live.IsExpired(now) {
		t.Error("Entry with future TTL is still live")
	}
}
