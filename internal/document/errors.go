package document

// ErrorKind 错误类别
type ErrorKind string

const (
	ErrConfigInvalid        ErrorKind = "CONFIG_INVALID"
	ErrExtractorUnavailable ErrorKind = "EXTRACTOR_UNAVAILABLE"
	ErrExtractorTimeout     ErrorKind = "EXTRACTOR_TIMEOUT"
	ErrExtractorCorrupt     ErrorKind = "EXTRACTOR_CORRUPT_INPUT"
	ErrVisualExtractor      ErrorKind = "VISUAL_EXTRACTOR_FAILED"
	ErrRateLimited          ErrorKind = "RATE_LIMITED"
	ErrEndpointTransient    ErrorKind = "ENDPOINT_TRANSIENT"
	ErrEndpointBlocked      ErrorKind = "ENDPOINT_BLOCKED"
	ErrEndpointUnreachable  ErrorKind = "ENDPOINT_UNREACHABLE"
	ErrValidationFailed     ErrorKind = "VALIDATION_FAILED"
	ErrCacheIO              ErrorKind = "CACHE_IO"
	ErrAssemblerInvariant   ErrorKind = "ASSEMBLER_INVARIANT"
	ErrImagePreservation    ErrorKind = "IMAGE_PRESERVATION"
	ErrTranslateFailed      ErrorKind = "TRANSLATE_FAILED"
	ErrCancelled            ErrorKind = "CANCELLED"
)

// PipelineError 流水线错误
type PipelineError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Page    int       `json:"page,omitempty"`
	BlockID string    `json:"block_id,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface for PipelineError
func (e *PipelineError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Unwrap returns the underlying cause of the error
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError with the given kind, message, and optional cause
func NewError(kind ErrorKind, message string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// NewErrorWithDetails creates a new PipelineError with details
func NewErrorWithDetails(kind ErrorKind, message, details string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// NewBlockError creates a new PipelineError scoped to a single block
func NewBlockError(kind ErrorKind, message, blockID string, cause error) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Message: message,
		BlockID: blockID,
		Cause:   cause,
	}
}

// KindOf returns the ErrorKind of err if it is (or wraps) a PipelineError
func KindOf(err error) (ErrorKind, bool) {
	for err != nil {
		if pe, ok := err.(*PipelineError); ok {
			return pe.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}

// IsKind reports whether err is (or wraps) a PipelineError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
