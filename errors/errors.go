package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Registry errors
	ErrorTypeDuplicateItem ErrorType = "duplicate_item"
	ErrorTypeNotFound      ErrorType = "not_found"

	// Plugin and dependency graph errors
	ErrorTypeCyclicDependency     ErrorType = "cyclic_dependency"
	ErrorTypeUnresolvedDependency ErrorType = "unresolved_dependency"
	ErrorTypeVersionMismatch      ErrorType = "version_mismatch"

	// Pipeline and compiler errors
	ErrorTypeHookFailed    ErrorType = "hook_failed"
	ErrorTypePlanningError ErrorType = "planning_error"

	// Pool errors
	ErrorTypePoolTimeout   ErrorType = "pool_timeout"
	ErrorTypeInvalidHandle ErrorType = "invalid_handle"
	ErrorTypePoolClosed    ErrorType = "pool_closed"

	// Generic errors
	ErrorTypeInvalid  ErrorType = "invalid"
	ErrorTypeInternal ErrorType = "internal"
	ErrorTypeUnknown  ErrorType = "unknown"
)

// Sentinels for errors.Is. AppError.Is matches on Type only, so any error
// built by the constructors below matches its sentinel.
var (
	ErrDuplicateItem        = New(ErrorTypeDuplicateItem, "duplicate item")
	ErrNotFound             = New(ErrorTypeNotFound, "not found")
	ErrCyclicDependency     = New(ErrorTypeCyclicDependency, "cyclic dependency")
	ErrUnresolvedDependency = New(ErrorTypeUnresolvedDependency, "unresolved dependency")
	ErrVersionMismatch      = New(ErrorTypeVersionMismatch, "version mismatch")
	ErrHookFailed           = New(ErrorTypeHookFailed, "hook failed")
	ErrPlanningError        = New(ErrorTypePlanningError, "planning error")
	ErrPoolTimeout          = New(ErrorTypePoolTimeout, "pool timeout")
	ErrInvalidHandle        = New(ErrorTypeInvalidHandle, "invalid handle")
	ErrPoolClosed           = New(ErrorTypePoolClosed, "pool closed")
	ErrInvalid              = New(ErrorTypeInvalid, "invalid")
	ErrInternal             = New(ErrorTypeInternal, "internal error")
)

// AppError represents a structured kernel error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	InnerError error                  `json:"-"`
	Stack      []string               `json:"-"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}
	if e.InnerError != nil {
		return msg + ": " + e.InnerError.Error()
	}
	return msg
}

// Unwrap returns the inner error
func (e *AppError) Unwrap() error {
	return e.InnerError
}

// WithMessage adds a message to the error
func (e *AppError) WithMessage(msg string) *AppError {
	e.Message = msg
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithHTTPStatus sets the HTTP status code
func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// WithInnerError sets the inner error
func (e *AppError) WithInnerError(err error) *AppError {
	e.InnerError = err
	return e
}

// WithStack captures the call stack
func (e *AppError) WithStack() *AppError {
	e.Stack = captureStack(3)
	return e
}

// Detail returns a detail value, or nil.
func (e *AppError) Detail(key string) interface{} {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// Is checks if this error is of a specific type
func (e *AppError) Is(target error) bool {
	if targetApp, ok := target.(*AppError); ok {
		return e.Type == targetApp.Type
	}
	return false
}

// New creates a new AppError
func New(errType ErrorType, message string) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Code:    string(errType),
	}
}

// FromError converts a standard error to AppError
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return &AppError{
		Type:       ErrorTypeUnknown,
		Message:    err.Error(),
		Code:       string(ErrorTypeUnknown),
		InnerError: err,
	}
}

// TypeOf returns the kernel error type carried by err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// Wrap wraps an error with a specific type
func Wrap(err error, errType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		InnerError: err,
		Code:       string(errType),
	}
}

// Registry errors
func NewDuplicateItem(itemType, name string) *AppError {
	return New(ErrorTypeDuplicateItem, fmt.Sprintf("%s %q already registered", itemType, name)).
		WithDetail("item_type", itemType).
		WithDetail("name", name).
		WithHTTPStatus(http.StatusConflict)
}

func NewNotFound(resource string, id interface{}) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s %v not found", resource, id)).
		WithDetail("resource", resource).
		WithDetail("id", id).
		WithHTTPStatus(http.StatusNotFound)
}

// Dependency errors
func NewCyclicDependency(cycle []string) *AppError {
	return New(ErrorTypeCyclicDependency, "cyclic dependency: "+strings.Join(cycle, " -> ")).
		WithDetail("cycle", append([]string(nil), cycle...)).
		WithHTTPStatus(http.StatusUnprocessableEntity)
}

func NewUnresolvedDependency(plugin, dependency string) *AppError {
	return New(ErrorTypeUnresolvedDependency,
		fmt.Sprintf("plugin %q depends on %q which is not registered", plugin, dependency)).
		WithDetail("plugin", plugin).
		WithDetail("dependency", dependency).
		WithHTTPStatus(http.StatusUnprocessableEntity)
}

func NewVersionMismatch(plugin, dependency, required, actual string) *AppError {
	return New(ErrorTypeVersionMismatch,
		fmt.Sprintf("plugin %q requires %s %s, found %s", plugin, dependency, required, actual)).
		WithDetail("plugin", plugin).
		WithDetail("dependency", dependency).
		WithDetail("required", required).
		WithDetail("actual", actual).
		WithHTTPStatus(http.StatusUnprocessableEntity)
}

// Pipeline and compiler errors
func NewHookFailed(event, handler string, err error) *AppError {
	return New(ErrorTypeHookFailed, fmt.Sprintf("blocking hook %q failed on %q", handler, event)).
		WithDetail("event", event).
		WithDetail("handler", handler).
		WithInnerError(err).
		WithHTTPStatus(http.StatusUnprocessableEntity)
}

func NewPlanningError(format string, args ...interface{}) *AppError {
	return New(ErrorTypePlanningError, fmt.Sprintf(format, args...)).
		WithHTTPStatus(http.StatusBadRequest)
}

// Pool errors
func NewPoolTimeout(driverID string, timeout time.Duration) *AppError {
	return New(ErrorTypePoolTimeout,
		fmt.Sprintf("no connection for driver %q within %s", driverID, timeout)).
		WithDetail("driver", driverID).
		WithDetail("timeout", timeout.String()).
		WithHTTPStatus(http.StatusServiceUnavailable)
}

func NewInvalidHandle(id string) *AppError {
	return New(ErrorTypeInvalidHandle, fmt.Sprintf("connection %s is not in use by this pool", id)).
		WithDetail("connection", id).
		WithHTTPStatus(http.StatusInternalServerError)
}

func NewPoolClosed(driverID string) *AppError {
	err := New(ErrorTypePoolClosed, "connection pool is closed").
		WithHTTPStatus(http.StatusServiceUnavailable)
	if driverID != "" {
		err.WithDetail("driver", driverID)
	}
	return err
}

// Generic errors
func NewInvalid(format string, args ...interface{}) *AppError {
	return New(ErrorTypeInvalid, fmt.Sprintf(format, args...)).
		WithHTTPStatus(http.StatusBadRequest)
}

func NewInternal(message string) *AppError {
	return New(ErrorTypeInternal, message).WithHTTPStatus(http.StatusInternalServerError)
}

// NewCanceled wraps a context error. errors.Is still matches
// context.Canceled and context.DeadlineExceeded through it.
func NewCanceled(op string, err error) *AppError {
	status := http.StatusServiceUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	return Wrap(err, ErrorTypeInternal, op+" canceled").
		WithDetail("op", op).
		WithHTTPStatus(status)
}

// HTTPStatusOf returns the HTTP status associated with err.
func HTTPStatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus > 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Recover converts a recovered panic value into an error. It returns nil
// when r is nil.
func Recover(r interface{}) error {
	if r == nil {
		return nil
	}
	var appErr *AppError
	switch v := r.(type) {
	case error:
		appErr = Wrap(v, ErrorTypeInternal, "panic recovered")
	case string:
		appErr = New(ErrorTypeInternal, "panic recovered: "+v)
	default:
		appErr = New(ErrorTypeInternal, fmt.Sprintf("panic recovered: %v", v))
	}
	return appErr.WithStack()
}

// captureStack captures the call stack
func captureStack(skip int) []string {
	var stack []string
	for i := skip; i < 12; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		funcName := fn.Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}

		stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, funcName))
	}
	return stack
}

// ErrorChain represents a chain of errors
type ErrorChain struct {
	errors []*AppError
}

// NewErrorChain creates a new error chain
func NewErrorChain() *ErrorChain {
	return &ErrorChain{
		errors: make([]*AppError, 0),
	}
}

// Add adds an error to the chain
func (c *ErrorChain) Add(err error) *ErrorChain {
	if err != nil {
		c.errors = append(c.errors, FromError(err))
	}
	return c
}

// HasErrors checks if the chain has errors
func (c *ErrorChain) HasErrors() bool {
	return len(c.errors) > 0
}

// Error returns the combined error message
func (c *ErrorChain) Error() string {
	if !c.HasErrors() {
		return ""
	}

	var messages []string
	for _, err := range c.errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, " | ")
}

// Errors returns all errors in the chain
func (c *ErrorChain) Errors() []*AppError {
	return append([]*AppError(nil), c.errors...)
}

// First returns the first error in the chain
func (c *ErrorChain) First() *AppError {
	if len(c.errors) == 0 {
		return nil
	}
	return c.errors[0]
}

// Err returns the chain as an error, or nil when empty.
func (c *ErrorChain) Err() error {
	if !c.HasErrors() {
		return nil
	}
	return c
}

// HasType checks if the chain has an error of the specified type
func (c *ErrorChain) HasType(errType ErrorType) bool {
	for _, err := range c.errors {
		if err.Type == errType {
			return true
		}
	}
	return false
}
