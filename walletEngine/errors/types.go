package errors

import (
	"errors"
	"fmt"
)

// Reason classifies an engine error independently of how it is encoded on the wire.
type Reason string

const (
	// Session / vault
	ReasonVaultLocked         Reason = "VaultLocked"
	ReasonVaultNotInitialized Reason = "VaultNotInitialized"
	ReasonVaultExists         Reason = "VaultExists"
	ReasonInvalidPassword     Reason = "InvalidPassword"
	ReasonWeakPassword        Reason = "WeakPassword"
	ReasonSessionLocked       Reason = "SessionLocked"
	ReasonNotInitialized      Reason = "NotInitialized"

	// Access
	ReasonPermissionDenied       Reason = "PermissionDenied"
	ReasonPermissionNotConnected Reason = "PermissionNotConnected"

	// Approval
	ReasonApprovalRejected Reason = "ApprovalRejected"
	ReasonApprovalExpired  Reason = "ApprovalExpired"
	ReasonUserRejected     Reason = "UserRejected"

	// Keyring
	ReasonKeyringAccountNotFound Reason = "KeyringAccountNotFound"
	ReasonDuplicateAccount       Reason = "DuplicateAccount"
	ReasonSecretUnavailable      Reason = "SecretUnavailable"
	ReasonIndexOutOfRange        Reason = "IndexOutOfRange"
	ReasonInvalidMnemonic        Reason = "InvalidMnemonic"
	ReasonInvalidPrivateKey      Reason = "InvalidPrivateKey"

	// Chain
	ReasonChainNotFound      Reason = "ChainNotFound"
	ReasonChainNotCompatible Reason = "ChainNotCompatible"
	ReasonChainNotSupported  Reason = "ChainNotSupported"

	// RPC
	ReasonRpcInvalidParams  Reason = "RpcInvalidParams"
	ReasonRpcInvalidRequest Reason = "RpcInvalidRequest"
	ReasonRpcMethodNotFound Reason = "RpcMethodNotFound"
	ReasonRpcInternal       Reason = "RpcInternal"
	ReasonRpcUnavailable    Reason = "RpcUnavailable"

	// Transaction lifecycle
	ReasonTxNotFound          Reason = "TransactionNotFound"
	ReasonTxInvalidTransition Reason = "TransactionInvalidTransition"
	ReasonTxConflict          Reason = "TransactionConflict"
	ReasonTxDuplicateHash     Reason = "TransactionDuplicateHash"
)

// EngineError is the typed error carried across controller boundaries.
// Data is safe to expose to untrusted origins; Context is diagnostic only.
type EngineError struct {
	Reason  Reason                 `json:"reason"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// New creates a new EngineError
func New(reason Reason, message string) *EngineError {
	return &EngineError{
		Reason:  reason,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Newf creates a new EngineError with a formatted message
func Newf(reason Reason, format string, args ...interface{}) *EngineError {
	return New(reason, fmt.Sprintf(format, args...))
}

// Wrap creates an EngineError with an underlying cause
func Wrap(reason Reason, cause error, message string) *EngineError {
	e := New(reason, message)
	e.Cause = cause
	return e
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Reason, e.Message)
}

// Unwrap returns the underlying cause
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches any EngineError carrying the same reason.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == e.Reason
}

// WithContext adds diagnostic context to the error
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithData attaches a field that is safe to return to the caller.
func (e *EngineError) WithData(key string, value interface{}) *EngineError {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// ReasonOf returns the reason of the first EngineError in the chain, or "".
func ReasonOf(err error) Reason {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Reason
	}
	return ""
}

// HasReason reports whether err carries the given reason.
func HasReason(err error, reason Reason) bool {
	return err != nil && ReasonOf(err) == reason
}

// Is checks if an error is of a specific type
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// As checks if an error can be assigned to a target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Match targets for errors.Is. Return fresh errors from New instead of these.
var (
	ErrSessionLocked    = New(ReasonSessionLocked, "session is locked")
	ErrVaultLocked      = New(ReasonVaultLocked, "vault is locked")
	ErrNotInitialized   = New(ReasonNotInitialized, "engine is not initialized")
	ErrApprovalRejected = New(ReasonApprovalRejected, "approval rejected")
	ErrUserRejected     = New(ReasonUserRejected, "user rejected the request")
	ErrTxConflict       = New(ReasonTxConflict, "transaction status changed concurrently")
)

// Common error constructors

func NewInvalidParams(message string) *EngineError {
	return New(ReasonRpcInvalidParams, message)
}

func NewMethodNotFound(method string) *EngineError {
	return Newf(ReasonRpcMethodNotFound, "method %s is not supported", method).WithData("method", method)
}

func NewInternal(message string, cause error) *EngineError {
	return Wrap(ReasonRpcInternal, cause, message)
}

func NewChainNotFound(chainRef string) *EngineError {
	return Newf(ReasonChainNotFound, "chain %s is not registered", chainRef).WithData("chainRef", chainRef)
}

func NewAccountNotFound(namespace, address string) *EngineError {
	return Newf(ReasonKeyringAccountNotFound, "account %s not found in %s keyring", address, namespace)
}
