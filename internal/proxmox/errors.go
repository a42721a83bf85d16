package proxmox

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// AuthError reports rejected credentials, either at login or after the single
// re-authentication attempt that follows an expired session.
type AuthError struct {
	User       string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("proxmox authentication failed for %s (status %d)", e.User, e.StatusCode)
	}
	return fmt.Sprintf("proxmox authentication failed for %s (status %d): %s", e.User, e.StatusCode, e.Message)
}

// TransportError reports a request that did not produce a usable response.
// StatusCode is zero for network level failures.
type TransportError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": transport failure"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRetryable reports whether err is a TransportError flagged retryable.
func IsRetryable(err error) bool {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return tErr.Retryable
	}
	return false
}

// StatusCode extracts the HTTP status of a TransportError, zero otherwise.
func StatusCode(err error) int {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return tErr.StatusCode
	}
	return 0
}

func classifyNetError(op string, err error, verifySSL bool) *TransportError {
	out := &TransportError{Op: op, Err: err, Retryable: true}
	if errors.Is(err, context.Canceled) {
		out.Retryable = false
		return out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return out
	}
	// Timeouts, refused or reset connections and DNS failures stay retryable.
	if isTLSFailure(err) {
		out.Retryable = !verifySSL
	}
	return out
}

func isTLSFailure(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &recordErr)
}

func statusError(op string, status int, message string) *TransportError {
	return &TransportError{
		Op:         op,
		StatusCode: status,
		Retryable:  status >= 500 || status == 429,
		Message:    message,
	}
}
