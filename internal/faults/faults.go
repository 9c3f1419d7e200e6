// Package faults defines the closed error taxonomy shared by every verification component.
//
// Components keep their own sentinel errors (errors.Is keeps working through the
// wrapper); the Kind decides how the caller reacts: retry, restart the relayer
// session, fail a single slot or fail the whole attempt.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// Kind is the closed set of error categories.
type Kind int

const (
	KindFatal Kind = iota
	KindNetwork
	KindRevert
	KindInvalidWallet
	KindQuotaExceeded
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindRevert:
		return "revert"
	case KindInvalidWallet:
		return "invalid_wallet"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindProtocol:
		return "protocol_error"
	default:
		return "fatal"
	}
}

// RevertPattern is matched against the lower-cased error text to detect a
// revert on errors that carry no structured revert code.
const RevertPattern = "revert"

// transientPatterns mark errors that are safe to retry at the call site.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"timeout",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"unexpected eof",
}

// Error carries a Kind plus structured context.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Context map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Context[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e with an extra context field.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Coded wraps err with a kind, operation name and a stable reason code.
func Coded(kind Kind, op, code string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// Network, Protocol, Quota and Revert are shorthands for New.
func Network(op string, err error) *Error  { return New(KindNetwork, op, err) }
func Protocol(op string, err error) *Error { return New(KindProtocol, op, err) }
func Quota(op string, err error) *Error    { return New(KindQuotaExceeded, op, err) }
func Revert(op string, err error) *Error   { return New(KindRevert, op, err) }

// KindOf reports the kind of err. Errors that were never tagged are
// classified from their text; anything unrecognised is fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err)
}

// CodeOf returns the first reason code found along the chain of err, or the
// name of its kind when no tagged error carries one.
func CodeOf(err error) string {
	if code := firstCode(err); code != "" {
		return code
	}
	return KindOf(err).String()
}

func firstCode(err error) string {
	for err != nil {
		if fe, ok := err.(*Error); ok && fe.Code != "" {
			return fe.Code
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if code := firstCode(inner); code != "" {
					return code
				}
			}
			return ""
		default:
			err = errors.Unwrap(err)
		}
	}
	return ""
}

// Classify inspects an untagged error.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, RevertPattern) {
		return KindRevert
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return KindNetwork
		}
	}
	return KindFatal
}

// IsRevert reports whether err looks like a ledger revert.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindRevert {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), RevertPattern)
}

// IsTransient reports whether err is a network/timeout style error worth retrying.
// Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindNetwork
}
