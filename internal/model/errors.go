// Package model holds the shared data-model types for the scan pipeline:
// hosts, their inventory children, snapshots, diffs, connection edges,
// alert rules, alerts, AI analyses and the LLM settings singleton.
package model

import "fmt"

// Kind classifies an error for retry/propagation purposes (§7).
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindDataIntegrity
	KindPolicy
	KindProgramming
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient-infrastructure"
	case KindPermanent:
		return "permanent-infrastructure"
	case KindDataIntegrity:
		return "data-integrity"
	case KindPolicy:
		return "policy-gate"
	case KindProgramming:
		return "programming-error"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error carrying its taxonomy kind and a
// short machine-matchable code (e.g. "auth-failed", "connection-timeout").
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the enclosing step should retry this error.
func (e *Error) Retriable() bool {
	return e.Kind == KindTransient
}

// NewError builds a classified error.
func NewError(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// NewErrorf builds a classified error with a formatted message and no
// wrapped cause.
func NewErrorf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Well-known error codes from §2's executor taxonomy (C2) and §7's
// permanent-infrastructure list.
const (
	CodeAuthFailed         = "auth-failed"
	CodeDNSResolution      = "dns-resolution"
	CodeConnectionRefused  = "connection-refused"
	CodeConnectionTimeout  = "connection-timeout"
	CodeHostUnreachable    = "host-unreachable"
	CodeScriptTimeout      = "script-timeout"
	CodeScriptError        = "script-error"
	CodeParseError         = "parse-error"
	CodeOutputTooLarge     = "output-too-large"
	CodeMalformedDocument  = "malformed-gather-document"
	CodeUnknown            = "unknown"
	CodeDuplicateKey       = "duplicate-key"
	CodeLLMDisabled        = "llm-disabled"
	CodeLLMLockBlocked     = "llm-blocked-by-lock"
	CodeFeatureDisabled    = "feature-disabled"
	CodeScanInProgress     = "scan-in-progress"
	CodeLastAdminDeletion  = "last-admin-deletion"
	CodeLLMJSONUnparseable = "llm-json-unparseable"
	CodeDatabase           = "database-error"
)

// RetriableCode reports whether a specific §4.2 executor error code is
// retriable, independent of any wrapping Error.Kind classification.
func RetriableCode(code string, exitCode int) bool {
	switch code {
	case CodeConnectionRefused, CodeConnectionTimeout, CodeHostUnreachable, CodeScriptTimeout, CodeUnknown:
		return true
	case CodeScriptError:
		return exitCode == 124 || exitCode == 137
	case CodeAuthFailed, CodeDNSResolution, CodeParseError, CodeOutputTooLarge:
		return false
	default:
		return true
	}
}
