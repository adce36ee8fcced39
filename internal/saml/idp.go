package saml

import (
	"crypto/x509"

	dsig "github.com/russellhaering/goxmldsig"

	"github.com/wudi/samlgate/internal/errors"
)

// IdentityProvider is the trusted peer: where to send AuthnRequests and
// which certificates may sign responses. Built from validated metadata at
// startup or refresh time, immutable afterwards.
type IdentityProvider struct {
	// EntityID is the issuer value responses must carry.
	EntityID string

	// SSOURL is the HTTP-Redirect single sign-on endpoint.
	SSOURL string

	// NameIDFormat is the IdP's preferred format, informational only.
	NameIDFormat string

	// Certificates may sign responses. More than one during IdP key
	// rollover.
	Certificates []*x509.Certificate

	certStore *dsig.MemoryX509CertificateStore
}

// NewIdentityProvider extracts the IdP identity from parsed metadata.
// overrideURL and overrideEntityID replace what the metadata declares, they
// exist for IdPs whose published metadata is wrong or unreachable from the
// SP's network. Signing certificates always come from the metadata.
func NewIdentityProvider(ed *EntityDescriptor, overrideURL, overrideEntityID string) (*IdentityProvider, error) {
	idp := &IdentityProvider{}

	idp.EntityID = overrideEntityID
	if idp.EntityID == "" {
		idp.EntityID = ed.EntityID
	}
	if idp.EntityID == "" {
		return nil, errors.ErrMetadataParse.WithDetails("metadata declares no entity ID")
	}

	idp.SSOURL = overrideURL
	if idp.SSOURL == "" {
		idp.SSOURL = ed.SSOLocation(HTTPRedirectBinding)
	}
	if idp.SSOURL == "" {
		return nil, errors.ErrMetadataParse.WithDetails("metadata offers no HTTP-Redirect single sign-on endpoint")
	}

	certs, err := ed.SigningCertificates()
	if err != nil {
		return nil, errors.ErrMetadataParse.Wrap(err)
	}
	idp.Certificates = certs
	idp.certStore = &dsig.MemoryX509CertificateStore{Roots: certs}

	for _, d := range ed.IDPSSODescriptors {
		if len(d.NameIDFormats) > 0 {
			idp.NameIDFormat = d.NameIDFormats[0]
			break
		}
	}

	return idp, nil
}

// CertificateStore exposes the IdP certificates for signature validation.
func (idp *IdentityProvider) CertificateStore() dsig.X509CertificateStore {
	return idp.certStore
}
