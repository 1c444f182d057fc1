package governance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every NotFoundError and returned by stores for
	// missing rows.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by stores when a uniqueness constraint or a
	// compare-and-set guard rejects a write.
	ErrConflict = errors.New("conflict")
)

// ErrorKind is the taxonomy used by the orchestrator to decide between retry
// and terminal reporting.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindIntegrity     ErrorKind = "integrity"
	KindRaceCondition ErrorKind = "race_condition"
	KindUpstreamFetch ErrorKind = "upstream_fetch"
	KindUnclassified  ErrorKind = "unclassified"
)

// ValidationError reports malformed input. It is always raised before any write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IntegrityReason names the binding that failed.
type IntegrityReason string

const (
	ReasonHashMismatch  IntegrityReason = "hash_mismatch"
	ReasonScopeMismatch IntegrityReason = "scope_mismatch"
	ReasonNotBlocking   IntegrityReason = "decision_not_blocking"
	ReasonAlreadyBound  IntegrityReason = "override_already_bound"
	ReasonBadSignature  IntegrityReason = "invalid_attestation"
	ReasonStateConflict IntegrityReason = "invalid_state"
)

// IntegrityError reports a binding violation. Callers must fail closed.
type IntegrityError struct {
	Reason  IntegrityReason
	Message string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation [%s]: %s", e.Reason, e.Message)
}

// NewIntegrityError creates a new IntegrityError.
func NewIntegrityError(reason IntegrityReason, message string) *IntegrityError {
	return &IntegrityError{Reason: reason, Message: message}
}

// RaceConditionError reports that the rules changed while a unit of work was
// being evaluated. It is reported as WARN and needs an explicit re-trigger.
type RaceConditionError struct {
	Key              ScopeKey
	ExpectedRevision int64
}

func (e *RaceConditionError) Error() string {
	return fmt.Sprintf("policy version race on %s: rules revision %d no longer current", e.Key, e.ExpectedRevision)
}

// UpstreamFetchError reports that the fact source could not be read.
type UpstreamFetchError struct {
	Source string
	Cause  error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("upstream fetch from %s failed: %v", e.Source, e.Cause)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Cause
}

// NewUpstreamFetchError creates a new UpstreamFetchError.
func NewUpstreamFetchError(source string, cause error) *UpstreamFetchError {
	return &UpstreamFetchError{Source: source, Cause: cause}
}

// UnclassifiedError wraps anything outside the taxonomy.
type UnclassifiedError struct {
	Op    string
	Cause error
}

func (e *UnclassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *UnclassifiedError) Unwrap() error {
	return e.Cause
}

// Classify maps err onto the taxonomy. Nil maps to the empty kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var (
		validation *ValidationError
		integrity  *IntegrityError
		race       *RaceConditionError
		upstream   *UpstreamFetchError
	)

	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &integrity):
		return KindIntegrity
	case errors.As(err, &race):
		return KindRaceCondition
	case errors.As(err, &upstream):
		return KindUpstreamFetch
	default:
		return KindUnclassified
	}
}
