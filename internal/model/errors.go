package model

import (
	"errors"
	"fmt"
)

// Error taxonomy codes. Every user-visible failure carries exactly one.
const (
	ErrCodeProvisioning       = "PROVISIONING"
	ErrCodeAuthentication     = "AUTHENTICATION"
	ErrCodeUnknownTool        = "UNKNOWN_TOOL"
	ErrCodeInvalidArguments   = "INVALID_ARGUMENTS"
	ErrCodeSchema             = "SCHEMA"
	ErrCodeAdapterUnavailable = "ADAPTER_UNAVAILABLE"
	ErrCodeNotValidated       = "NOT_VALIDATED"
	ErrCodeDuplicateName      = "DUPLICATE_NAME"
	ErrCodeSessionExpired     = "SESSION_EXPIRED"
	ErrCodeInternal           = "INTERNAL"
)

// ErrorDetail is the serialized structured error returned to callers and
// persisted in job records and task logs.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Coded is implemented by every error in the taxonomy.
type Coded interface {
	error
	Code() string
}

// Classify maps any error to its ErrorDetail. Errors outside the taxonomy
// are reported as INTERNAL.
func Classify(err error) ErrorDetail {
	var coded Coded
	if errors.As(err, &coded) {
		return ErrorDetail{Code: coded.Code(), Message: coded.Error()}
	}
	return ErrorDetail{Code: ErrCodeInternal, Message: err.Error()}
}

// ProvisioningError: the sandbox could not be created. Fatal for the run,
// retryable at the queue-server level.
type ProvisioningError struct {
	Reason string
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox provisioning failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox provisioning failed: %s", e.Reason)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
func (e *ProvisioningError) Code() string  { return ErrCodeProvisioning }

// AuthenticationError: a credential or bearer token was rejected.
type AuthenticationError struct {
	Operation string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication rejected during %s", e.Operation)
}

func (e *AuthenticationError) Code() string { return ErrCodeAuthentication }

// UnknownToolError: a proposed tool name is not in the registry.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

func (e *UnknownToolError) Code() string { return ErrCodeUnknownTool }

// InvalidArgumentsError: proposed arguments violate the tool's parameter schema.
type InvalidArgumentsError struct {
	Tool   string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, e.Reason)
}

func (e *InvalidArgumentsError) Code() string { return ErrCodeInvalidArguments }

// SchemaError: a declared parameter schema is malformed, or an implementation
// references parameters the schema does not declare.
type SchemaError struct {
	Tool   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error in tool %q: %s", e.Tool, e.Reason)
}

func (e *SchemaError) Code() string { return ErrCodeSchema }

// AdapterUnavailableError: a call targeted an adapter that is not registered
// with the session's gateway.
type AdapterUnavailableError struct {
	Adapter string
}

func (e *AdapterUnavailableError) Error() string {
	return fmt.Sprintf("adapter %q is not registered with this session", e.Adapter)
}

func (e *AdapterUnavailableError) Code() string { return ErrCodeAdapterUnavailable }

// NotValidatedError: deploy was attempted on a server that has not passed test.
type NotValidatedError struct {
	Server string
	Status AdapterStatus
}

func (e *NotValidatedError) Error() string {
	return fmt.Sprintf("adapter server %q has status %q, deploy requires %q", e.Server, e.Status, AdapterValidated)
}

func (e *NotValidatedError) Code() string { return ErrCodeNotValidated }

// DuplicateNameError: scaffold was attempted with a name already in storage.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("adapter server %q already exists", e.Name)
}

func (e *DuplicateNameError) Code() string { return ErrCodeDuplicateName }

// SessionExpiredError: the sandbox's time-to-live elapsed. Distinct fatal
// condition, never retried as a tool error.
type SessionExpiredError struct {
	SessionID string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("sandbox session %s expired", e.SessionID)
}

func (e *SessionExpiredError) Code() string { return ErrCodeSessionExpired }
