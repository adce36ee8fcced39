// Package saml implements the service-provider side of the SAML 2.0 Web
// Browser SSO profile: SP metadata generation, AuthnRequests over the
// HTTP-Redirect binding, and validation of signed responses delivered over
// HTTP-POST.
//
// The package is stateless. ServiceProvider and IdentityProvider are built
// once at startup and are safe for concurrent read-only use; every request
// and validation call stands alone.
package saml

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// XML namespaces used across SAML documents.
const (
	ProtocolNamespace  = "urn:oasis:names:tc:SAML:2.0:protocol"
	AssertionNamespace = "urn:oasis:names:tc:SAML:2.0:assertion"
	MetadataNamespace  = "urn:oasis:names:tc:SAML:2.0:metadata"
)

// Protocol bindings.
const (
	HTTPRedirectBinding = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
	HTTPPostBinding     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
)

// NameID format URIs. The short names accepted in configuration map onto
// these via NameIDFormatURI.
const (
	NameIDEmail       = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDUnspecified = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
	NameIDPersistent  = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	NameIDTransient   = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
)

const (
	// StatusSuccess is the only top-level status code that permits
	// assertion extraction.
	StatusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

	// ConfirmationMethodBearer is the subject confirmation method required
	// by the Web Browser SSO profile.
	ConfirmationMethodBearer = "urn:oasis:names:tc:SAML:2.0:cm:bearer"
)

// Version is the SAML protocol version emitted on every document.
const Version = "2.0"

// TimeFormat renders timestamps the way IdPs expect them: UTC, second
// precision, trailing Z.
const TimeFormat = "2006-01-02T15:04:05Z"

// GenerateID returns a fresh XML document ID: an underscore followed by 32
// hex characters from 16 bytes of crypto/rand. The leading underscore is an
// interoperability requirement, some IdPs reject IDs that start with a digit.
func GenerateID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate request ID: %w", err)
	}
	return "_" + hex.EncodeToString(b[:]), nil
}

// NameIDFormatURI resolves a configured short name (email, persistent,
// transient, unspecified) to its format URI. Values that already look like a
// URI pass through untouched so deployments can pin an exact format.
func NameIDFormatURI(name string) string {
	switch name {
	case "email":
		return NameIDEmail
	case "persistent":
		return NameIDPersistent
	case "transient":
		return NameIDTransient
	case "unspecified":
		return NameIDUnspecified
	}
	if strings.Contains(name, ":") {
		return name
	}
	return NameIDUnspecified
}

// ParseTime parses a SAML timestamp. RFC 3339 covers both the second
// precision this package emits and the fractional seconds many IdPs send.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid SAML timestamp %q: %w", s, err)
	}
	return t, nil
}
