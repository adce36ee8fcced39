package saml

import (
	"encoding/base64"
	"encoding/xml"
	"strings"
	"time"

	"github.com/wudi/samlgate/internal/config"
	"github.com/wudi/samlgate/internal/errors"
)

const defaultMaxResponseSize = 512 * 1024

// ServiceProvider is this deployment's SAML identity: who we are to the IdP
// and which endpoints we publish. Built once from configuration, immutable
// afterwards.
type ServiceProvider struct {
	// EntityID is the SP entity ID. Defaults to the metadata URL unless
	// overridden in configuration.
	EntityID string

	// ACSURL receives POST-bound responses.
	ACSURL string

	// MetadataURL serves the SP metadata document.
	MetadataURL string

	// NameIDFormat is the format URI requested in AuthnRequests.
	NameIDFormat string

	// SignRequests adds SigAlg/Signature parameters to redirect URLs.
	SignRequests bool

	// MaxResponseSize caps the encoded SAMLResponse accepted by the
	// validator.
	MaxResponseSize int64

	// ClockSkew widens the assertion validity window in both directions.
	ClockSkew time.Duration

	// AllowIdPInitiated accepts responses that answer no outstanding
	// request of ours.
	AllowIdPInitiated bool

	baseURL        string
	orgName        string
	orgDisplayName string
	orgContact     string

	keys *KeyStore
}

// NewServiceProvider derives the SP identity from configuration. The base
// URL and path prefix fix the ACS and metadata endpoints; everything else is
// carried through as-is.
func NewServiceProvider(cfg config.SAMLConfig, ks *KeyStore) (*ServiceProvider, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	prefix := strings.TrimRight(cfg.PathPrefix, "/")

	sp := &ServiceProvider{
		ACSURL:            base + prefix + "/consumer-post",
		MetadataURL:       base + prefix + "/metadata",
		NameIDFormat:      NameIDFormatURI(cfg.NameIDFormat),
		SignRequests:      cfg.SignRequests,
		MaxResponseSize:   cfg.MaxResponseSize,
		ClockSkew:         cfg.ClockSkew,
		AllowIdPInitiated: cfg.AllowIdPInitiated,
		baseURL:           base,
		orgName:           cfg.OrgName,
		orgDisplayName:    cfg.OrgDisplayName,
		orgContact:        cfg.OrgContact,
		keys:              ks,
	}

	sp.EntityID = cfg.OverrideEntityID
	if sp.EntityID == "" {
		sp.EntityID = sp.MetadataURL
	}
	if sp.MaxResponseSize <= 0 {
		sp.MaxResponseSize = defaultMaxResponseSize
	}
	if sp.SignRequests && !ks.HasPrivateKey() {
		return nil, errors.ErrConfig.WithDetails("sign_requests is enabled but no private key is configured")
	}

	return sp, nil
}

// Keys exposes the certificate store backing this SP.
func (sp *ServiceProvider) Keys() *KeyStore {
	return sp.keys
}

// Metadata builds the SP's EntityDescriptor. The output is deterministic
// for a given ServiceProvider so IdP operators can diff published metadata.
func (sp *ServiceProvider) Metadata() *EntityDescriptor {
	authnRequestsSigned := sp.SignRequests
	wantAssertionsSigned := true

	ed := &EntityDescriptor{
		EntityID: sp.EntityID,
		SPSSODescriptors: []SPSSODescriptor{
			{
				AuthnRequestsSigned:        &authnRequestsSigned,
				WantAssertionsSigned:       &wantAssertionsSigned,
				ProtocolSupportEnumeration: ProtocolNamespace,
				KeyDescriptors: []KeyDescriptor{
					{
						Use: "signing",
						KeyInfo: KeyInfo{
							X509Data: X509Data{
								X509Certificates: []X509Certificate{
									{Data: base64.StdEncoding.EncodeToString(sp.keys.Certificate.Raw)},
								},
							},
						},
					},
				},
				NameIDFormats: []string{sp.NameIDFormat},
				AssertionConsumerServices: []IndexedEndpoint{
					{Binding: HTTPPostBinding, Location: sp.ACSURL, Index: 1},
				},
			},
		},
	}

	if sp.orgName != "" || sp.orgDisplayName != "" {
		name := sp.orgName
		display := sp.orgDisplayName
		if display == "" {
			display = name
		}
		if name == "" {
			name = display
		}
		ed.Organization = &Organization{
			OrganizationNames:        []LocalizedName{{Lang: "en", Value: name}},
			OrganizationDisplayNames: []LocalizedName{{Lang: "en", Value: display}},
			OrganizationURLs:         []LocalizedName{{Lang: "en", Value: sp.baseURL}},
		}
	}
	if sp.orgContact != "" {
		ed.ContactPersons = []ContactPerson{
			{ContactType: "technical", EmailAddresses: []string{sp.orgContact}},
		}
	}

	return ed
}

// MetadataXML renders the SP metadata document.
func (sp *ServiceProvider) MetadataXML() ([]byte, error) {
	body, err := xml.MarshalIndent(sp.Metadata(), "", "  ")
	if err != nil {
		return nil, errors.ErrEncoding.Wrap(err)
	}
	return append([]byte(xml.Header), body...), nil
}
