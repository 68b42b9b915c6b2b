package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeDiscord represents Discord API errors (messages, channels, guilds)
	ErrorTypeDiscord ErrorType = "discord"
	// ErrorTypeTransport represents voice transport errors (capture, playback)
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypePipeline represents transcription/reply/synthesis errors
	ErrorTypePipeline ErrorType = "pipeline"
	// ErrorTypeResource represents temporary file and allocation errors
	ErrorTypeResource ErrorType = "resource"
	// ErrorTypeInvariant represents states that should never happen
	ErrorTypeInvariant ErrorType = "invariant"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// Kind returns the error category. Typed errors embedding *BaseError inherit it.
func (e *BaseError) Kind() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Discord Errors

// ErrDiscordSessionUnavailable is returned when Discord session is not available
var ErrDiscordSessionUnavailable = NewBaseError(ErrorTypeDiscord, "Discord session not available", nil)

// ErrDiscordChannelNotFound is returned when a Discord channel cannot be found
type ErrDiscordChannelNotFound struct {
	*BaseError
	ChannelID string
}

func NewDiscordChannelNotFound(channelID string) *ErrDiscordChannelNotFound {
	return &ErrDiscordChannelNotFound{
		BaseError: NewBaseError(ErrorTypeDiscord, fmt.Sprintf("channel not found: %s", channelID), nil),
		ChannelID: channelID,
	}
}

// ErrDiscordMessageSendFailed is returned when sending a Discord message fails
type ErrDiscordMessageSendFailed struct {
	*BaseError
	ChannelID string
}

func NewDiscordMessageSendFailed(channelID string, err error) *ErrDiscordMessageSendFailed {
	return &ErrDiscordMessageSendFailed{
		BaseError: NewBaseError(ErrorTypeDiscord, "failed to send message", err),
		ChannelID: channelID,
	}
}

// Transport Errors

// ErrTransportFailed is returned when the voice transport rejects an operation
type ErrTransportFailed struct {
	*BaseError
	Op        string
	GuildID   string
	Retryable bool
}

func NewTransportFailed(op, guildID string, retryable bool, err error) *ErrTransportFailed {
	return &ErrTransportFailed{
		BaseError: NewBaseError(ErrorTypeTransport, fmt.Sprintf("voice %s failed for guild %s", op, guildID), err),
		Op:        op,
		GuildID:   guildID,
		Retryable: retryable,
	}
}

// ErrNotConnected is returned when a session has no live voice connection
var ErrNotConnected = NewBaseError(ErrorTypeTransport, "voice connection not available", nil)

// Pipeline Errors

// ErrPipelineFailed is returned when an external collaborator call fails
type ErrPipelineFailed struct {
	*BaseError
	Stage     string
	Attempts  int
	Retryable bool
}

func NewPipelineFailed(stage string, attempts int, retryable bool, err error) *ErrPipelineFailed {
	return &ErrPipelineFailed{
		BaseError: NewBaseError(ErrorTypePipeline, fmt.Sprintf("%s failed after %d attempts", stage, attempts), err),
		Stage:     stage,
		Attempts:  attempts,
		Retryable: retryable,
	}
}

// ErrNotUnderstood is returned when transcription produced nothing usable
var ErrNotUnderstood = NewBaseError(ErrorTypePipeline, "speech could not be understood", nil)

// ErrEmptyResponse is returned when the reply generator returned no text
var ErrEmptyResponse = NewBaseError(ErrorTypePipeline, "no response from LLM", nil)

// Resource Errors

// ErrResourceFailed is returned when a temporary resource cannot be created or used
type ErrResourceFailed struct {
	*BaseError
	Resource string
}

func NewResourceFailed(resource string, err error) *ErrResourceFailed {
	return &ErrResourceFailed{
		BaseError: NewBaseError(ErrorTypeResource, fmt.Sprintf("resource failed: %s", resource), err),
		Resource:  resource,
	}
}

// Invariant Errors

// ErrInvariantViolated is returned when code reaches a state that should be impossible
type ErrInvariantViolated struct {
	*BaseError
	Invariant string
}

func NewInvariantViolated(invariant string) *ErrInvariantViolated {
	return &ErrInvariantViolated{
		BaseError: NewBaseError(ErrorTypeInvariant, fmt.Sprintf("invariant violated: %s", invariant), nil),
		Invariant: invariant,
	}
}

// ErrQuestionRejected is returned when a voice question cannot start
type ErrQuestionRejected struct {
	*BaseError
	Reason    string
	Remaining time.Duration
}

func NewQuestionRejected(reason string, remaining time.Duration) *ErrQuestionRejected {
	return &ErrQuestionRejected{
		BaseError: NewBaseError(ErrorTypeDiscord, fmt.Sprintf("voice question rejected: %s", reason), nil),
		Reason:    reason,
		Remaining: remaining,
	}
}

// Context Errors

// ErrContextTimeout is returned when context times out
type ErrContextTimeout struct {
	*BaseError
	Operation string
	Timeout   time.Duration
}

func NewContextTimeout(operation string, timeout time.Duration) *ErrContextTimeout {
	return &ErrContextTimeout{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context timeout: %s (timeout: %v)", operation, timeout), nil),
		Operation: operation,
		Timeout:   timeout,
	}
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

type kinded interface {
	Kind() ErrorType
}

// IsErrorType checks if an error, or any error it wraps, is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if k, ok := err.(kinded); ok && k.Kind() == errType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	// Context errors are not retryable
	if IsErrorType(err, ErrorTypeContext) {
		return false
	}
	var pipeErr *ErrPipelineFailed
	if errors.As(err, &pipeErr) {
		return pipeErr.Retryable
	}
	var transportErr *ErrTransportFailed
	if errors.As(err, &transportErr) {
		return transportErr.Retryable
	}
	// Sentinel pipeline results degrade to the fallback path
	if IsErrorType(err, ErrorTypePipeline) {
		return true
	}
	return false
}
