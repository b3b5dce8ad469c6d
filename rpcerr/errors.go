// Package rpcerr defines the error taxonomy shared by every layer of wsrpc.
//
// Sentinels are matched with errors.Is. Errors that carry data (remote failures,
// dispatch resolution failures) are typed and also match their sentinel, so callers
// can test either way:
//
//	if errors.Is(err, rpcerr.ErrTimeout) { ... }
//	var remote *rpcerr.RemoteOperationError
//	if errors.As(err, &remote) { log.Println(remote.Message) }
package rpcerr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrFrame marks a malformed frame. Frames failing to decode are dropped.
	ErrFrame = errors.New("wsrpc: malformed frame")
	// ErrHeaderTooLarge is returned when a serialized header block exceeds 65535 bytes.
	ErrHeaderTooLarge = fmt.Errorf("%w: header block exceeds 65535 bytes", ErrFrame)
	// ErrTimeout is returned when no response arrived within the call window.
	ErrTimeout = errors.New("wsrpc: request timed out")
	// ErrCancelled is returned when the connection closed while a call was pending.
	ErrCancelled = errors.New("wsrpc: request cancelled")
	// ErrSerialization marks a payload that could not be encoded or decoded.
	ErrSerialization = errors.New("wsrpc: serialization failed")
	// ErrContractNotFound is matched by ContractNotFoundError.
	ErrContractNotFound = errors.New("wsrpc: contract implementation not found")
	// ErrMethodNotFound is matched by MethodNotFoundError.
	ErrMethodNotFound = errors.New("wsrpc: method not found")
	// ErrNotConnected is returned when sending without an open connection.
	ErrNotConnected = errors.New("wsrpc: not connected")
	// ErrRemoteOperation is matched by every RemoteOperationError.
	ErrRemoteOperation = errors.New("wsrpc: remote operation failed")
)

// Wire codes carried in Error payloads so dispatch failures keep their identity.
const (
	CodeContractNotFound = "contract-not-found"
	CodeMethodNotFound   = "method-not-found"
)

// RemoteOperationError is a failure reported by the peer's handler.
type RemoteOperationError struct {
	Message string
	Code    string
}

func (e *RemoteOperationError) Error() string {
	return e.Message
}

// Is reports ErrRemoteOperation for every remote failure.
func (e *RemoteOperationError) Is(target error) bool {
	return target == ErrRemoteOperation
}

// Unwrap exposes the dispatch sentinel named by Code, if any.
func (e *RemoteOperationError) Unwrap() error {
	switch e.Code {
	case CodeContractNotFound:
		return ErrContractNotFound
	case CodeMethodNotFound:
		return ErrMethodNotFound
	}
	return nil
}

// SerializationError is a payload that could not be encoded or decoded.
type SerializationError struct {
	Detail string
}

func (e *SerializationError) Error() string {
	return "wsrpc: serialization failed: " + e.Detail
}

func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}

// Serializationf builds a SerializationError.
func Serializationf(format string, args ...any) error {
	return &SerializationError{Detail: fmt.Sprintf(format, args...)}
}

// ContractNotFoundError is returned when no implementation is registered for a contract.
type ContractNotFoundError struct {
	Contract string
}

func (e *ContractNotFoundError) Error() string {
	return fmt.Sprintf("contract implementation not found: %s", e.Contract)
}

func (e *ContractNotFoundError) Is(target error) bool {
	return target == ErrContractNotFound
}

// MethodNotFoundError is returned when no overload matches the method name and
// declared parameter types.
type MethodNotFoundError struct {
	Contract  string
	Method    string
	Signature []string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method not found: %s.%s(%s)", e.Contract, e.Method, strings.Join(e.Signature, ", "))
}

func (e *MethodNotFoundError) Is(target error) bool {
	return target == ErrMethodNotFound
}

// CodeOf returns the wire code for err, or "" when it has none.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrContractNotFound):
		return CodeContractNotFound
	case errors.Is(err, ErrMethodNotFound):
		return CodeMethodNotFound
	}
	return ""
}

type causer interface {
	Cause() error
}

type unwrapper interface {
	Unwrap() error
}

// Innermost returns the root cause of err, following both pkg/errors Cause chains
// and standard Unwrap chains.
func Innermost(err error) error {
	for err != nil {
		var next error
		switch e := err.(type) {
		case causer:
			next = e.Cause()
		case unwrapper:
			next = e.Unwrap()
		}
		if next == nil {
			return err
		}
		err = next
	}
	return err
}
