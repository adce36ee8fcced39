package saml

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"unicode"

	xrv "github.com/mattermost/xml-roundtrip-validator"

	"github.com/wudi/samlgate/internal/errors"
)

// EntityDescriptor is a md:EntityDescriptor, used both for the SP metadata
// this package publishes and for IdP metadata it consumes. Field order
// follows the metadata schema so marshalled documents validate.
type EntityDescriptor struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID string   `xml:"entityID,attr"`

	SPSSODescriptors  []SPSSODescriptor  `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`
	IDPSSODescriptors []IDPSSODescriptor `xml:"urn:oasis:names:tc:SAML:2.0:metadata IDPSSODescriptor"`
	Organization      *Organization      `xml:"urn:oasis:names:tc:SAML:2.0:metadata Organization"`
	ContactPersons    []ContactPerson    `xml:"urn:oasis:names:tc:SAML:2.0:metadata ContactPerson"`
}

// EntitiesDescriptor is the aggregate wrapper some federations publish.
type EntitiesDescriptor struct {
	XMLName           xml.Name           `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntitiesDescriptor"`
	EntityDescriptors []EntityDescriptor `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
}

type SPSSODescriptor struct {
	XMLName                    xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`
	AuthnRequestsSigned        *bool    `xml:"AuthnRequestsSigned,attr,omitempty"`
	WantAssertionsSigned       *bool    `xml:"WantAssertionsSigned,attr,omitempty"`
	ProtocolSupportEnumeration string   `xml:"protocolSupportEnumeration,attr"`

	KeyDescriptors            []KeyDescriptor   `xml:"urn:oasis:names:tc:SAML:2.0:metadata KeyDescriptor"`
	NameIDFormats             []string          `xml:"urn:oasis:names:tc:SAML:2.0:metadata NameIDFormat"`
	AssertionConsumerServices []IndexedEndpoint `xml:"urn:oasis:names:tc:SAML:2.0:metadata AssertionConsumerService"`
}

type IDPSSODescriptor struct {
	XMLName                    xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata IDPSSODescriptor"`
	WantAuthnRequestsSigned    *bool    `xml:"WantAuthnRequestsSigned,attr,omitempty"`
	ProtocolSupportEnumeration string   `xml:"protocolSupportEnumeration,attr"`

	KeyDescriptors       []KeyDescriptor `xml:"urn:oasis:names:tc:SAML:2.0:metadata KeyDescriptor"`
	NameIDFormats        []string        `xml:"urn:oasis:names:tc:SAML:2.0:metadata NameIDFormat"`
	SingleSignOnServices []Endpoint      `xml:"urn:oasis:names:tc:SAML:2.0:metadata SingleSignOnService"`
}

type KeyDescriptor struct {
	Use     string  `xml:"use,attr,omitempty"`
	KeyInfo KeyInfo `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo"`
}

type KeyInfo struct {
	X509Data X509Data `xml:"http://www.w3.org/2000/09/xmldsig# X509Data"`
}

type X509Data struct {
	X509Certificates []X509Certificate `xml:"http://www.w3.org/2000/09/xmldsig# X509Certificate"`
}

type X509Certificate struct {
	Data string `xml:",chardata"`
}

type Endpoint struct {
	Binding  string `xml:"Binding,attr"`
	Location string `xml:"Location,attr"`
}

type IndexedEndpoint struct {
	Binding   string `xml:"Binding,attr"`
	Location  string `xml:"Location,attr"`
	Index     int    `xml:"index,attr"`
	IsDefault *bool  `xml:"isDefault,attr,omitempty"`
}

type Organization struct {
	OrganizationNames        []LocalizedName `xml:"urn:oasis:names:tc:SAML:2.0:metadata OrganizationName"`
	OrganizationDisplayNames []LocalizedName `xml:"urn:oasis:names:tc:SAML:2.0:metadata OrganizationDisplayName"`
	OrganizationURLs         []LocalizedName `xml:"urn:oasis:names:tc:SAML:2.0:metadata OrganizationURL"`
}

type LocalizedName struct {
	Lang  string `xml:"xml lang,attr"`
	Value string `xml:",chardata"`
}

type ContactPerson struct {
	ContactType    string   `xml:"contactType,attr"`
	EmailAddresses []string `xml:"urn:oasis:names:tc:SAML:2.0:metadata EmailAddress"`
}

// ParseMetadata unmarshals an EntityDescriptor, unwrapping an aggregate
// EntitiesDescriptor to the first entity carrying an IdP role. The document
// passes the round-trip validator first so XML that Go's decoder would
// silently mangle is rejected instead of trusted.
func ParseMetadata(data []byte) (*EntityDescriptor, error) {
	if err := xrv.Validate(bytes.NewReader(data)); err != nil {
		return nil, errors.ErrMetadataParse.Wrap(err)
	}

	ed := &EntityDescriptor{}
	if err := xml.Unmarshal(data, ed); err == nil {
		return ed, nil
	}

	entities := &EntitiesDescriptor{}
	if err := xml.Unmarshal(data, entities); err != nil {
		return nil, errors.ErrMetadataParse.Wrap(err)
	}
	for i := range entities.EntityDescriptors {
		if len(entities.EntityDescriptors[i].IDPSSODescriptors) > 0 {
			return &entities.EntityDescriptors[i], nil
		}
	}
	return nil, errors.ErrMetadataParse.WithDetails("metadata contains no IdP entity")
}

// SSOLocation returns the IdP single sign-on URL for the given binding, or
// empty when the metadata does not offer it.
func (ed *EntityDescriptor) SSOLocation(binding string) string {
	for _, idp := range ed.IDPSSODescriptors {
		for _, svc := range idp.SingleSignOnServices {
			if svc.Binding == binding {
				return svc.Location
			}
		}
	}
	return ""
}

// SigningCertificates decodes every certificate the IdP publishes for
// signing. Descriptors without a use attribute count as signing keys, that
// is how most IdPs publish a single dual-use certificate.
func (ed *EntityDescriptor) SigningCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, idp := range ed.IDPSSODescriptors {
		for _, kd := range idp.KeyDescriptors {
			if kd.Use != "" && kd.Use != "signing" {
				continue
			}
			for _, xc := range kd.KeyInfo.X509Data.X509Certificates {
				der, err := base64.StdEncoding.DecodeString(stripSpace(xc.Data))
				if err != nil {
					return nil, fmt.Errorf("failed to decode IdP certificate: %w", err)
				}
				cert, err := x509.ParseCertificate(der)
				if err != nil {
					return nil, fmt.Errorf("failed to parse IdP certificate: %w", err)
				}
				certs = append(certs, cert)
			}
		}
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("metadata carries no signing certificate")
	}
	return certs, nil
}

// stripSpace removes the line breaks and indentation metadata generators
// wrap base64 certificate data in.
func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
