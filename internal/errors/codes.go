package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument       ErrorCode = 1000
	ErrCodeKeyNotFound           ErrorCode = 1001
	ErrCodeKeyTooLarge           ErrorCode = 1002
	ErrCodeValueTooLarge         ErrorCode = 1003
	ErrCodeInvalidCollectionName ErrorCode = 1004
	ErrCodeInvalidKey            ErrorCode = 1005
	ErrCodeCollectionNotFound    ErrorCode = 1006
	ErrCodeCollectionExists      ErrorCode = 1007
	ErrCodeUniqueConstraint      ErrorCode = 1008

	// Server errors (5xx equivalent)
	ErrCodeInternal             ErrorCode = 2000
	ErrCodeClosed               ErrorCode = 2001
	ErrCodeDiskFull             ErrorCode = 2002
	ErrCodeDiskThrottled        ErrorCode = 2003
	ErrCodeNotCommitted         ErrorCode = 2004
	ErrCodeTransientIO          ErrorCode = 2005
	ErrCodeCorruption           ErrorCode = 2006
	ErrCodeChecksumFailed       ErrorCode = 2007
	ErrCodeInvariantViolation   ErrorCode = 2008
	ErrCodeConcurrencyViolation ErrorCode = 2009
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                    "ok",
	ErrCodeInvalidArgument:       "invalid_argument",
	ErrCodeKeyNotFound:           "key_not_found",
	ErrCodeKeyTooLarge:           "key_too_large",
	ErrCodeValueTooLarge:         "value_too_large",
	ErrCodeInvalidCollectionName: "invalid_collection_name",
	ErrCodeInvalidKey:            "invalid_key",
	ErrCodeCollectionNotFound:    "collection_not_found",
	ErrCodeCollectionExists:      "collection_exists",
	ErrCodeUniqueConstraint:      "unique_constraint",
	ErrCodeInternal:              "internal",
	ErrCodeClosed:                "closed",
	ErrCodeDiskFull:              "disk_full",
	ErrCodeDiskThrottled:         "disk_throttled",
	ErrCodeNotCommitted:          "not_committed",
	ErrCodeTransientIO:           "transient_io",
	ErrCodeCorruption:            "corruption",
	ErrCodeChecksumFailed:        "checksum_failed",
	ErrCodeInvariantViolation:    "invariant_violation",
	ErrCodeConcurrencyViolation:  "concurrency_violation",
}

// String returns the snake_case name used in logs and metric labels
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge,
		ErrCodeInvalidCollectionName, ErrCodeInvalidKey:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound, ErrCodeCollectionNotFound:
		return codes.NotFound
	case ErrCodeCollectionExists, ErrCodeUniqueConstraint:
		return codes.AlreadyExists
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeDiskThrottled, ErrCodeClosed, ErrCodeTransientIO:
		return codes.Unavailable
	case ErrCodeNotCommitted:
		return codes.Aborted
	case ErrCodeChecksumFailed, ErrCodeCorruption:
		return codes.DataLoss
	case ErrCodeInvariantViolation:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(collection, key string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("document not found: %s/%s", collection, key), nil).
		WithDetail("collection", collection).
		WithDetail("key", key)
}

func UniqueConstraint(collection, key string) *StorageError {
	return NewStorageError(ErrCodeUniqueConstraint, fmt.Sprintf("unique constraint violated: %s/%s", collection, key), nil).
		WithDetail("collection", collection).
		WithDetail("key", key)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("payload size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidCollectionName(name, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidCollectionName, fmt.Sprintf("invalid collection name '%s': %s", name, reason), nil).
		WithDetail("name", name).
		WithDetail("reason", reason)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func CollectionNotFound(name string) *StorageError {
	return NewStorageError(ErrCodeCollectionNotFound, fmt.Sprintf("collection not found: %s", name), nil).
		WithDetail("collection", name)
}

func CollectionExists(name string) *StorageError {
	return NewStorageError(ErrCodeCollectionExists, fmt.Sprintf("collection already exists: %s", name), nil).
		WithDetail("collection", name)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Closed(component string) *StorageError {
	return NewStorageError(ErrCodeClosed, fmt.Sprintf("%s is closed", component), nil).
		WithDetail("component", component)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

// NotCommitted reports an operation whose durability could not be established.
func NotCommitted(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeNotCommitted, message, cause)
}

func TransientIO(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeTransientIO, message, cause)
}

func Corruption(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruption, message, cause)
}

// InvariantViolation is fatal at startup; the engine refuses to open.
func InvariantViolation(message string) *StorageError {
	return NewStorageError(ErrCodeInvariantViolation, message, nil)
}

func ConcurrencyViolation(message string) *StorageError {
	return NewStorageError(ErrCodeConcurrencyViolation, message, nil)
}

// IsStorageError checks if an error is, or wraps, a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
