package saml

import (
	"bytes"
	"strings"
	"testing"

	"github.com/wudi/samlgate/internal/errors"
)

func TestNewIdentityProvider(t *testing.T) {
	ti := newTestIdP(t)
	ed, err := ParseMetadata([]byte(ti.metadataXML()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idp, err := NewIdentityProvider(ed, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idp.EntityID != ti.entityID {
		t.Fatalf("expected entity ID %s, got %s", ti.entityID, idp.EntityID)
	}
	if idp.SSOURL != ti.ssoURL {
		t.Fatalf("expected SSO URL %s, got %s", ti.ssoURL, idp.SSOURL)
	}
	if idp.NameIDFormat != NameIDEmail {
		t.Fatalf("expected preferred format %s, got %s", NameIDEmail, idp.NameIDFormat)
	}
	if len(idp.Certificates) != 1 || !bytes.Equal(idp.Certificates[0].Raw, ti.cert.Raw) {
		t.Fatal("expected the metadata certificate on the IdP")
	}
	if idp.CertificateStore() == nil {
		t.Fatal("expected a certificate store")
	}
}

func TestNewIdentityProviderOverrides(t *testing.T) {
	ti := newTestIdP(t)
	ed, err := ParseMetadata([]byte(ti.metadataXML()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idp, err := NewIdentityProvider(ed, "https://internal.idp.example.org/sso", "urn:internal:idp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idp.SSOURL != "https://internal.idp.example.org/sso" {
		t.Fatalf("expected overridden SSO URL, got %s", idp.SSOURL)
	}
	if idp.EntityID != "urn:internal:idp" {
		t.Fatalf("expected overridden entity ID, got %s", idp.EntityID)
	}
	// Certificates still come from the metadata.
	if len(idp.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(idp.Certificates))
	}
}

func TestNewIdentityProviderNoRedirectBinding(t *testing.T) {
	ti := newTestIdP(t)
	xml := ti.metadataXML()
	// Drop the redirect binding endpoint, keeping only POST.
	redirectLine := `<md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="` + ti.ssoURL + `"/>`
	xml = strings.Replace(xml, redirectLine, "", 1)

	ed, err := ParseMetadata([]byte(xml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = NewIdentityProvider(ed, "", "")
	assertKind(t, err, errors.KindMetadataParse)

	// An override URL substitutes for the missing binding.
	idp, err := NewIdentityProvider(ed, "https://idp.example.org/forced-sso", "")
	if err != nil {
		t.Fatalf("unexpected error with override: %v", err)
	}
	if idp.SSOURL != "https://idp.example.org/forced-sso" {
		t.Fatalf("unexpected SSO URL %s", idp.SSOURL)
	}
}

func TestNewIdentityProviderNoCertificate(t *testing.T) {
	ed := &EntityDescriptor{
		EntityID: "https://idp.example.org/saml/metadata",
		IDPSSODescriptors: []IDPSSODescriptor{
			{
				SingleSignOnServices: []Endpoint{
					{Binding: HTTPRedirectBinding, Location: "https://idp.example.org/sso"},
				},
			},
		},
	}
	_, err := NewIdentityProvider(ed, "", "")
	assertKind(t, err, errors.KindMetadataParse)
}

func TestNewIdentityProviderNoEntityID(t *testing.T) {
	ed := &EntityDescriptor{}
	_, err := NewIdentityProvider(ed, "", "")
	assertKind(t, err, errors.KindMetadataParse)
}
