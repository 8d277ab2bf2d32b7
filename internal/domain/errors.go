// Package domain contains domain errors used throughout the application.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrPresenceNotEnabled   = errors.New("presence is not enabled for this subscription")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrRegistryDestroyed    = errors.New("subscription registry has been destroyed")
	ErrRetriesExhausted     = errors.New("channel retry attempts exhausted")
	ErrSubscribeTimeout     = errors.New("channel subscription timed out")
	ErrChannelRejected      = errors.New("channel subscription failed")
	ErrChannelClosed        = errors.New("channel closed")
	ErrInvalidConfig        = errors.New("invalid subscription config")
	ErrInvalidFilter        = errors.New("invalid row filter")
	ErrRecordNotFound       = errors.New("record not found")
	ErrHubNotRunning        = errors.New("event hub is not running")
	ErrSubscriberClosed     = errors.New("subscriber is closed")
	ErrInvalidCommand       = errors.New("invalid command")
	ErrInvalidPayload       = errors.New("invalid payload")
)

// Error codes for client responses.
const (
	ErrCodeSubscriptionFailed   = "SUBSCRIPTION_FAILED"
	ErrCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrCodePresenceNotEnabled   = "PRESENCE_NOT_ENABLED"
	ErrCodeChannelError         = "CHANNEL_ERROR"
	ErrCodeCallbackError        = "CALLBACK_ERROR"
	ErrCodeInvalidCommand       = "INVALID_COMMAND"
	ErrCodeInvalidPayload       = "INVALID_PAYLOAD"
	ErrCodeRecordNotFound       = "RECORD_NOT_FOUND"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

// SubscriptionError is returned by Subscribe when the transport rejects
// or times out opening a channel.
type SubscriptionError struct {
	Key     string // Canonical subscription key
	Channel string // Channel name
	Err     error  // Underlying error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s (%s): %v", e.Channel, e.Key, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// NewSubscriptionError creates a new SubscriptionError.
func NewSubscriptionError(key, channel string, err error) *SubscriptionError {
	return &SubscriptionError{
		Key:     key,
		Channel: channel,
		Err:     err,
	}
}

// ChannelError reports a transport failure on a channel that was already
// open. It is delivered through the subscription's error callback.
type ChannelError struct {
	Key    string // Canonical subscription key
	Status string // Transport status that triggered the error
	Err    error  // Underlying error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.Key, e.Status, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// NewChannelError creates a new ChannelError.
func NewChannelError(key, status string, err error) *ChannelError {
	return &ChannelError{
		Key:    key,
		Status: status,
		Err:    err,
	}
}

// CallbackError wraps a failure raised by a subscriber callback.
// Panics are recovered and reported with Panic set.
type CallbackError struct {
	Key   string
	Err   error
	Panic any
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("callback %s panicked: %v", e.Key, e.Panic)
	}
	return fmt.Sprintf("callback %s: %v", e.Key, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// NewCallbackError creates a new CallbackError.
func NewCallbackError(key string, err error) *CallbackError {
	return &CallbackError{
		Key: key,
		Err: err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// ErrorCode maps an error to the client-facing error code.
func ErrorCode(err error) string {
	var subErr *SubscriptionError
	var chErr *ChannelError
	var cbErr *CallbackError
	switch {
	case errors.Is(err, ErrPresenceNotEnabled):
		return ErrCodePresenceNotEnabled
	case errors.Is(err, ErrSubscriptionNotFound):
		return ErrCodeSubscriptionNotFound
	case errors.Is(err, ErrRecordNotFound):
		return ErrCodeRecordNotFound
	case errors.As(err, &subErr):
		return ErrCodeSubscriptionFailed
	case errors.As(err, &chErr):
		return ErrCodeChannelError
	case errors.As(err, &cbErr):
		return ErrCodeCallbackError
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrInvalidFilter):
		return ErrCodeInvalidPayload
	default:
		return ErrCodeInternalError
	}
}
