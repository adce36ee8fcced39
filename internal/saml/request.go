package saml

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/wudi/samlgate/internal/errors"
)

// AuthnRequest is an outbound authentication request. It exists only long
// enough to produce a redirect URL; the ID is generated at construction so
// the caller can remember which requests are outstanding.
type AuthnRequest struct {
	ID           string
	IssueInstant time.Time
	Issuer       string
	Destination  string
	ACSURL       string
	NameIDFormat string
}

// NewAuthnRequest builds a request from SP to IdP. requestedFormat overrides
// the SP's configured NameID format for this one request; empty keeps it.
func NewAuthnRequest(sp *ServiceProvider, idp *IdentityProvider, requestedFormat string) (*AuthnRequest, error) {
	id, err := GenerateID()
	if err != nil {
		return nil, errors.ErrEncoding.Wrap(err)
	}

	format := sp.NameIDFormat
	if requestedFormat != "" {
		format = NameIDFormatURI(requestedFormat)
	}

	return &AuthnRequest{
		ID:           id,
		IssueInstant: time.Now().UTC(),
		Issuer:       sp.EntityID,
		Destination:  idp.SSOURL,
		ACSURL:       sp.ACSURL,
		NameIDFormat: format,
	}, nil
}

// Element renders the request as XML.
func (req *AuthnRequest) Element() *etree.Element {
	el := etree.NewElement("samlp:AuthnRequest")
	el.CreateAttr("xmlns:samlp", ProtocolNamespace)
	el.CreateAttr("xmlns:saml", AssertionNamespace)
	el.CreateAttr("ID", req.ID)
	el.CreateAttr("Version", Version)
	el.CreateAttr("IssueInstant", req.IssueInstant.UTC().Format(TimeFormat))
	el.CreateAttr("Destination", req.Destination)
	el.CreateAttr("ProtocolBinding", HTTPPostBinding)
	el.CreateAttr("AssertionConsumerServiceURL", req.ACSURL)

	issuer := el.CreateElement("saml:Issuer")
	issuer.SetText(req.Issuer)

	policy := el.CreateElement("samlp:NameIDPolicy")
	policy.CreateAttr("Format", req.NameIDFormat)
	policy.CreateAttr("AllowCreate", "true")

	return el
}

// Deflated serializes the request for the HTTP-Redirect binding: raw
// deflate, then standard base64.
func (req *AuthnRequest) Deflated() (string, error) {
	buf := &bytes.Buffer{}
	enc := base64.NewEncoder(base64.StdEncoding, buf)
	comp, err := flate.NewWriter(enc, flate.BestCompression)
	if err != nil {
		return "", errors.ErrEncoding.Wrap(err)
	}

	doc := etree.NewDocument()
	doc.SetRoot(req.Element())
	if _, err := doc.WriteTo(comp); err != nil {
		return "", errors.ErrEncoding.Wrap(err)
	}
	if err := comp.Close(); err != nil {
		return "", errors.ErrEncoding.Wrap(err)
	}
	if err := enc.Close(); err != nil {
		return "", errors.ErrEncoding.Wrap(err)
	}

	return buf.String(), nil
}

// BuildRedirectURL produces the IdP redirect for a fresh AuthnRequest and
// returns the URL together with the request ID the response must answer.
//
// When the SP signs redirect requests, the signature covers the exact query
// bytes in the order SAMLRequest, RelayState, SigAlg, and the final URL
// preserves that byte order. Re-encoding the query would reorder the
// parameters alphabetically and break verification on the IdP side.
func BuildRedirectURL(sp *ServiceProvider, idp *IdentityProvider, requestedFormat, relayState string) (string, string, error) {
	req, err := NewAuthnRequest(sp, idp, requestedFormat)
	if err != nil {
		return "", "", err
	}

	encoded, err := req.Deflated()
	if err != nil {
		return "", "", err
	}

	query := "SAMLRequest=" + url.QueryEscape(encoded)
	if relayState != "" {
		query += "&RelayState=" + url.QueryEscape(relayState)
	}

	if sp.SignRequests {
		ctx, err := sp.keys.SigningContext()
		if err != nil {
			return "", "", err
		}
		query += "&SigAlg=" + url.QueryEscape(ctx.GetSignatureMethodIdentifier())

		sig, err := ctx.SignString(query)
		if err != nil {
			return "", "", errors.ErrEncoding.Wrap(err)
		}
		query += "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig))
	}

	sep := "?"
	if strings.Contains(req.Destination, "?") {
		sep = "&"
	}
	return req.Destination + sep + query, req.ID, nil
}
