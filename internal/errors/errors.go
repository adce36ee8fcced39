package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an authentication failure. The kind is logged and
// counted but never serialized to clients.
type Kind string

const (
	KindConfig            Kind = "config"
	KindMetadataFetch     Kind = "metadata_fetch"
	KindMetadataParse     Kind = "metadata_parse"
	KindUntrustedSource   Kind = "untrusted_source"
	KindEncoding          Kind = "encoding"
	KindMalformedResponse Kind = "malformed_response"
	KindSignatureInvalid  Kind = "signature_invalid"
	KindExpiredAssertion  Kind = "expired_assertion"
	KindAudienceMismatch  Kind = "audience_mismatch"
	KindIssuerMismatch    Kind = "issuer_mismatch"
	KindStatusFailure     Kind = "status_failure"
	KindReplayed          Kind = "replayed"
	KindUnknownRequest    Kind = "unknown_request"
	KindUserNotFound      Kind = "user_not_found"
)

// AuthError represents an error that can be returned to clients. The
// Message is the public face; Kind and Details are for operators.
type AuthError struct {
	Kind       Kind   `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *AuthError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.underlying)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *AuthError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// accessDenied is the single public message for every response-validation
// failure. The concrete reason stays in logs and metrics.
const accessDenied = "access denied"

// Error singletons, one per kind, plus the generic HTTP set the
// handlers need.
var (
	ErrConfig = &AuthError{
		Kind:    KindConfig,
		Code:    http.StatusInternalServerError,
		Message: "invalid configuration",
	}

	ErrMetadataFetch = &AuthError{
		Kind:    KindMetadataFetch,
		Code:    http.StatusBadGateway,
		Message: "identity provider metadata unavailable",
	}

	ErrMetadataParse = &AuthError{
		Kind:    KindMetadataParse,
		Code:    http.StatusBadGateway,
		Message: "identity provider metadata invalid",
	}

	ErrUntrustedSource = &AuthError{
		Kind:    KindUntrustedSource,
		Code:    http.StatusBadGateway,
		Message: "identity provider metadata source not trusted",
	}

	ErrEncoding = &AuthError{
		Kind:    KindEncoding,
		Code:    http.StatusInternalServerError,
		Message: "authentication request encoding failed",
	}

	ErrMalformedResponse = &AuthError{
		Kind:    KindMalformedResponse,
		Code:    http.StatusForbidden,
		Message: accessDenied,
	}

	ErrSignatureInvalid = &AuthError{
		Kind:    KindSignatureInvalid,
		Code:    http.StatusForbidden,
		Message: accessDenied,
	}

	ErrExpiredAssertion = &AuthError{
		Kind:    KindExpiredAssertion,
		Code:    http.StatusForbidden,
		Message: accessDenied,
	}

	ErrAudienceMismatch = &AuthError{
		Kind:    KindAudienceMismatch,
		Code:    http.StatusForbidden,
		Message: accessDenied,
	}

	ErrIssuerMismatch = &AuthError{
		Kind:    KindIssuerMismatch,
		Code:    http.StatusForbidden,
		Message: accessDenied,
	}

	ErrStatusFailure = &AuthError{
		Kind:    KindStatusFailure,
		Code:    http.StatusForbidden,
		Message: accessDenied,
	}

	ErrReplayed = &AuthError{
		Kind:    KindReplayed,
		Code:    http.StatusForbidden,
		Message: accessDenied,
	}

	ErrUnknownRequest = &AuthError{
		Kind:    KindUnknownRequest,
		Code:    http.StatusForbidden,
		Message: accessDenied,
	}

	ErrUserNotFound = &AuthError{
		Kind:    KindUserNotFound,
		Code:    http.StatusForbidden,
		Message: accessDenied,
	}

	ErrInternalServer = &AuthError{
		Code:    http.StatusInternalServerError,
		Message: "internal server error",
	}

	ErrBadRequest = &AuthError{
		Code:    http.StatusBadRequest,
		Message: "bad request",
	}

	ErrMethodNotAllowed = &AuthError{
		Code:    http.StatusMethodNotAllowed,
		Message: "method not allowed",
	}

	ErrTooManyRequests = &AuthError{
		Code:    http.StatusTooManyRequests,
		Message: "too many requests",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*AuthError][]byte

// prototypes maps each kind back to its base singleton.
var prototypes map[Kind]*AuthError

func init() {
	bases := []*AuthError{
		ErrConfig, ErrMetadataFetch, ErrMetadataParse, ErrUntrustedSource,
		ErrEncoding, ErrMalformedResponse, ErrSignatureInvalid,
		ErrExpiredAssertion, ErrAudienceMismatch, ErrIssuerMismatch,
		ErrStatusFailure, ErrReplayed, ErrUnknownRequest, ErrUserNotFound,
		ErrInternalServer, ErrBadRequest, ErrMethodNotAllowed, ErrTooManyRequests,
	}
	preSerialized = make(map[*AuthError][]byte, len(bases))
	prototypes = make(map[Kind]*AuthError, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
		if e.Kind != "" {
			prototypes[e.Kind] = e
		}
	}
}

// ForKind returns the base singleton for a kind. Handlers use it to answer
// clients with the public body while keeping wrapped details in logs only.
// Unknown kinds map to ErrInternalServer.
func ForKind(kind Kind) *AuthError {
	if e, ok := prototypes[kind]; ok {
		return e
	}
	return ErrInternalServer
}

// New creates a new AuthError.
func New(kind Kind, code int, message string) *AuthError {
	return &AuthError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Wrap returns a copy of the error carrying an underlying cause.
func (e *AuthError) Wrap(err error) *AuthError {
	c := *e
	c.underlying = err
	return &c
}

// WithDetails returns a copy of the error with operator details attached.
func (e *AuthError) WithDetails(details string) *AuthError {
	c := *e
	c.Details = details
	return &c
}

// WithDetailsf is WithDetails with fmt formatting.
func (e *AuthError) WithDetailsf(format string, args ...any) *AuthError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithRequestID returns a copy of the error with a request ID attached.
func (e *AuthError) WithRequestID(requestID string) *AuthError {
	c := *e
	c.RequestID = requestID
	return &c
}

// AsAuthError unwraps err to an *AuthError if one is in the chain.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsKind reports whether err is an AuthError of the given kind.
func IsKind(err error, kind Kind) bool {
	if ae, ok := AsAuthError(err); ok {
		return ae.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not an AuthError.
func KindOf(err error) Kind {
	if ae, ok := AsAuthError(err); ok {
		return ae.Kind
	}
	return ""
}
