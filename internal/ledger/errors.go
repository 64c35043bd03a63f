package ledger

import (
	"errors"
	"strings"
)

var (
	// ErrNetworkUnavailable is a transport failure. The call may be retried.
	ErrNetworkUnavailable = errors.New("ledger network unavailable")

	// ErrRejected means the ledger refused the transfer. The same payload
	// must not be resubmitted.
	ErrRejected = errors.New("rejected by ledger")

	// ErrBlockRefExpired is a rejection caused by a stale block reference.
	// A fresh build is required.
	ErrBlockRefExpired = errors.New("block reference expired")

	// ErrRequestFailed is a read or build request the ledger service refused.
	ErrRequestFailed = errors.New("ledger request failed")

	// ErrConfirmationTimeout means the transfer was still pending when the
	// confirmation window closed. Its outcome is not known.
	ErrConfirmationTimeout = errors.New("ledger confirmation timed out")

	// ErrInvalidResponse is a response that does not follow the envelope.
	ErrInvalidResponse = errors.New("invalid ledger response")
)

// blockRefExpiredMarkers are substrings of ledger error strings that mean the
// transfer referenced a block that is no longer valid.
var blockRefExpiredMarkers = []string{
	"blockhash not found",
	"block height exceeded",
	"blockhash expired",
	"transaction expired",
}

// rejectedError wraps ErrRejected and, for stale references,
// ErrBlockRefExpired, keeping the ledger's message.
type rejectedError struct {
	msg     string
	expired bool
}

func (e *rejectedError) Error() string {
	if e.expired {
		return ErrBlockRefExpired.Error() + ": " + e.msg
	}
	return ErrRejected.Error() + ": " + e.msg
}

func (e *rejectedError) Is(target error) bool {
	if target == ErrRejected {
		return true
	}
	return e.expired && target == ErrBlockRefExpired
}

func newRejected(msg string) error {
	lower := strings.ToLower(msg)
	for _, marker := range blockRefExpiredMarkers {
		if strings.Contains(lower, marker) {
			return &rejectedError{msg: msg, expired: true}
		}
	}
	return &rejectedError{msg: msg}
}

// requestError carries the ledger's message for a refused request.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return ErrRequestFailed.Error() + ": " + e.msg
}

func (e *requestError) Unwrap() error {
	return ErrRequestFailed
}
