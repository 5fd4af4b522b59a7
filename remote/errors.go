package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a remote failure the way the sync engine needs it:
// transient network trouble and server 5xx are retryable, rejections
// (auth, payload too large, other 4xx) are terminal for the attempt.
type Kind int

const (
	KindTransient Kind = iota // connectivity, timeout, malformed response
	KindServer                // 5xx
	KindRejected              // 401/403/413 and other 4xx
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "network"
	case KindServer:
		return "server"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Error is the single typed error every remote call returns on failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Msg        string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote %s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Msg)
}

// Retryable reports whether another attempt can reasonably succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindServer
}

// Retryable inspects any error for a retryable remote classification.
// Non-remote errors are treated as transient (they come from the
// transport, not from a server decision).
func Retryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return err != nil
}

// classifyStatus maps an HTTP status to a Kind.
func classifyStatus(code int) Kind {
	switch {
	case code >= 500:
		return KindServer
	case code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusRequestEntityTooLarge:
		return KindRejected
	case code >= 400:
		return KindRejected
	default:
		return KindTransient
	}
}

func statusError(code int, body string) *Error {
	if len(body) > 200 {
		body = body[:200]
	}
	return &Error{Kind: classifyStatus(code), StatusCode: code, Msg: body}
}

func transportError(err error) *Error {
	return &Error{Kind: KindTransient, Msg: err.Error()}
}
