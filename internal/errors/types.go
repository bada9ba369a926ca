package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorType represents the classification of errors for retry logic
type ErrorType int

const (
	// ErrorTypeTransient - retry-able errors
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent - non-retry-able errors
	ErrorTypePermanent
)

// TransientError represents an error that can be retried
type TransientError struct {
	Err        error
	RetryAfter int    // Seconds to wait before retry (from Retry-After header)
	StatusCode int    // HTTP status code if applicable
	Message    string // Caller-facing message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried
type PermanentError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // Caller-facing message
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsTransient checks if an error is retry-able
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check if explicitly marked as transient
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	// Check if explicitly marked as permanent
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	// Network errors (connection refused, timeout, etc.)
	if isNetworkError(err) {
		return true
	}

	// HTTP status codes
	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}

	// Syscall errors
	if isSyscallError(err) {
		return true
	}

	// Default: not transient
	return false
}

// IsPermanent checks if an error is non-retry-able
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	// Check if explicitly marked as permanent
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}

	// Check if explicitly marked as transient
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}

	// HTTP status codes
	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isPermanentHTTPStatus(statusCode)
	}

	// Common permanent errors
	errStr := err.Error()
	permanentPatterns := []string{
		"not found",
		"permission denied",
		"invalid",
		"unauthorized",
		"forbidden",
		"bad request",
		"execution reverted",
		"insufficient funds",
	}

	lowerErr := strings.ToLower(errStr)
	for _, pattern := range permanentPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	return false
}

// GetErrorType classifies an error
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent // No error is not transient
	}

	if IsTransient(err) {
		return ErrorTypeTransient
	}

	// Default to permanent to avoid infinite retries
	return ErrorTypePermanent
}

// Helper functions

func isNetworkError(err error) bool {
	// net.Error with Timeout
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// Connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	// Check error strings for common network error patterns
	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"network",
		"dns",
		"connection reset",
		"broken pipe",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isSyscallError(err error) bool {
	// Connection reset, broken pipe, etc.
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	}
	return false
}

func isPermanentHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest, // 400
		http.StatusUnauthorized,        // 401
		http.StatusForbidden,           // 403
		http.StatusNotFound,            // 404
		http.StatusMethodNotAllowed,    // 405
		http.StatusConflict,            // 409
		http.StatusGone,                // 410
		http.StatusUnprocessableEntity: // 422
		return true
	}
	return false
}

var knownHTTPStatusCodes = []int{400, 401, 403, 404, 429, 500, 502, 503, 504}

func extractHTTPStatusCode(err error) int {
	// Try to extract status code from error message
	// Format: "request failed with status 429: ..." or "HTTP 500: ..."
	lowerErr := strings.ToLower(err.Error())
	for _, code := range knownHTTPStatusCodes {
		if strings.Contains(lowerErr, fmt.Sprintf("status %d", code)) ||
			strings.Contains(lowerErr, fmt.Sprintf("http %d", code)) {
			return code
		}
	}
	return 0
}

// Helper constructors

// NewTransientError creates a new transient error with a caller-facing message
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{
		Err:     err,
		Message: message,
	}
}

// NewPermanentError creates a new permanent error with a caller-facing message
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{
		Err:     err,
		Message: message,
	}
}
