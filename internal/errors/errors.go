package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDiscoveryFailed       = errors.New("discovery failed")
	ErrRepositoryUnavailable = errors.New("repository unavailable")
	ErrTimeout               = errors.New("timeout")
	ErrInternalError         = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeDiscovery  ErrorType = "discovery"
	ErrorTypeRepository ErrorType = "repository"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeInternal   ErrorType = "internal"
)

// DiscoveryError is a structured error for failures that abort a whole
// discovery or repository operation.
type DiscoveryError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "find_documents", "git_clone")
	Root      string // Directory or repository the operation ran against
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *DiscoveryError) Error() string {
	if e.Root != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Root, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *DiscoveryError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrDiscoveryFailed:
		return e.Type == ErrorTypeDiscovery
	case ErrRepositoryUnavailable:
		return e.Type == ErrorTypeRepository
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// NewDiscoveryError creates a new DiscoveryError
func NewDiscoveryError(errorType ErrorType, op, root string, err error) *DiscoveryError {
	return &DiscoveryError{
		Type:      errorType,
		Op:        op,
		Root:      root,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WrapDiscoveryError wraps a directory walk failure
func WrapDiscoveryError(op, root string, err error) error {
	return NewDiscoveryError(ErrorTypeDiscovery, op, root, err)
}

// WrapRepositoryError wraps a repository acquisition failure
func WrapRepositoryError(op, repo string, err error) error {
	return NewDiscoveryError(ErrorTypeRepository, op, repo, err)
}

// LensNotFoundError is returned when no discovered lens matches a name or id.
type LensNotFoundError struct {
	Query      string
	Repository string
}

func (e *LensNotFoundError) Error() string {
	if e.Repository != "" {
		return fmt.Sprintf("lens %q not found in %s", e.Query, e.Repository)
	}
	return fmt.Sprintf("lens %q not found", e.Query)
}

// Is implements errors.Is interface
func (e *LensNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound checks if an error is a not-found condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRepositoryError checks if an error came from repository acquisition
func IsRepositoryError(err error) bool {
	var discErr *DiscoveryError
	if errors.As(err, &discErr) {
		return discErr.Type == ErrorTypeRepository
	}
	return errors.Is(err, ErrRepositoryUnavailable)
}
