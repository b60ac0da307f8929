package chain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers match them with errors.Is; the remediation differs
// per kind so they are never collapsed into a generic failure.
var (
	ErrNetworkUnreachable       = errors.New("network unreachable")
	ErrWrongChain               = errors.New("wrong chain")
	ErrCallReverted             = errors.New("call reverted")
	ErrTransactionFailed        = errors.New("transaction failed")
	ErrTransactionPending       = errors.New("transaction pending")
	ErrTransactionTimeout       = errors.New("transaction timeout")
	ErrInsufficientAllowance    = errors.New("insufficient allowance")
	ErrInsufficientVaultBalance = errors.New("insufficient vault balance")
	ErrTenantNotOnboarded       = errors.New("tenant not onboarded")
	ErrPassportMintFailed       = errors.New("passport mint failed")
	ErrDuplicateSignature       = errors.New("duplicate signature")
	ErrUserRejected             = errors.New("user rejected")
	ErrUnknownChain             = errors.New("chain not known to wallet")
)

// Error carries a taxonomy kind plus the context needed to tell the user
// whether funds could have moved.
type Error struct {
	Kind      error
	Op        string
	Reason    string
	Tx        *TxHandle
	Broadcast bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Tx != nil {
		fmt.Fprintf(&b, " (tx %s)", e.Tx.Hash.Hex())
	}
	if e.Err != nil && e.Reason == "" {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Reverted builds a CallReverted error with the decoded reason.
func Reverted(op, reason string, err error) *Error {
	return &Error{Kind: ErrCallReverted, Op: op, Reason: reason, Err: err}
}

// Wrap re-labels err with a different kind while keeping the original
// reason, handle and broadcast flag when err is already an *Error.
func Wrap(kind error, op string, err error) *Error {
	out := &Error{Kind: kind, Op: op, Err: err}
	var ce *Error
	if errors.As(err, &ce) {
		out.Reason = ce.Reason
		out.Tx = ce.Tx
		out.Broadcast = ce.Broadcast
	}
	return out
}

// RevertReason returns the decoded revert reason of err, if any.
func RevertReason(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// PendingHandle returns the handle attached to a TransactionPending or
// TransactionTimeout error.
func PendingHandle(err error) (*TxHandle, bool) {
	if !errors.Is(err, ErrTransactionPending) && !errors.Is(err, ErrTransactionTimeout) {
		return nil, false
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Tx != nil {
		return ce.Tx, true
	}
	return nil, false
}

// FundsMayHaveMoved reports whether err happened after a transaction was
// broadcast. Such failures must not be retried blindly.
func FundsMayHaveMoved(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Broadcast {
		return true
	}
	return errors.Is(err, ErrTransactionPending) ||
		errors.Is(err, ErrTransactionTimeout) ||
		errors.Is(err, ErrTransactionFailed)
}
