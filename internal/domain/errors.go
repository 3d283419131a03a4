package domain

import "fmt"

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeDuplicate           = "DUPLICATE_EVENT"
	ErrCodeTransientCapability = "TRANSIENT_CAPABILITY_FAILURE"
	ErrCodeExhaustedRetries    = "EXHAUSTED_RETRIES"
	ErrCodeInvariantViolation  = "INVARIANT_VIOLATION"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// Validation errors
var (
	ErrInvalidChunkStatus   = NewDomainError(ErrCodeValidation, "invalid chunk status")
	ErrInvalidWorkItemKind  = NewDomainError(ErrCodeValidation, "invalid work item kind")
	ErrInvalidWorkItemState = NewDomainError(ErrCodeValidation, "invalid work item state")
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
)

// Not found errors
var (
	ErrChunkNotFound    = NewDomainError(ErrCodeNotFound, "chunk not found")
	ErrEventNotFound    = NewDomainError(ErrCodeNotFound, "event not found")
	ErrWorkItemNotFound = NewDomainError(ErrCodeNotFound, "work item not found")
)

// Invariant violations. These are fatal to the operation in progress and
// must be logged with full context, never silently swallowed.
var (
	ErrOverlappingChunks  = NewDomainError(ErrCodeInvariantViolation, "live chunk ranges overlap")
	ErrCrossChatRetrieval = NewDomainError(ErrCodeInvariantViolation, "retrieved chunk belongs to a different chat")
	ErrUngroundedCitation = NewDomainError(ErrCodeInvariantViolation, "citation references a chunk outside the retrieved set")
)
