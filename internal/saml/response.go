package saml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"strings"
	"time"

	"github.com/beevik/etree"
	xrv "github.com/mattermost/xml-roundtrip-validator"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/wudi/samlgate/internal/errors"
)

// AssertionInfo is the validated identity extracted from a response. It is
// only ever produced after every gate in ValidateResponse has passed.
type AssertionInfo struct {
	NameID       string
	NameIDFormat string
	Issuer       string
	SessionIndex string
	InResponseTo string
	ResponseID   string
	AssertionID  string
	NotBefore    time.Time
	NotOnOrAfter time.Time
	Audience     string
	Attributes   map[string][]string

	// ResponseSigned and AssertionSigned record which envelope carried
	// the validated signature. At least one is always true.
	ResponseSigned  bool
	AssertionSigned bool
}

// ValidateResponse decodes and validates a POST-bound SAMLResponse. Every
// step is a hard gate: size cap, base64, XML well-formedness, signature
// against the IdP certificates, status, issuer, validity window, audience,
// and finally NameID extraction. Identity claims are read exclusively from
// the signature-validated subtree so elements smuggled in around the signed
// region are never trusted.
func ValidateResponse(encoded string, idp *IdentityProvider, sp *ServiceProvider, now time.Time) (*AssertionInfo, error) {
	if int64(len(encoded)) > sp.MaxResponseSize {
		return nil, errors.ErrMalformedResponse.WithDetailsf("encoded response exceeds %d bytes", sp.MaxResponseSize)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.ErrMalformedResponse.Wrap(err)
	}

	if err := xrv.Validate(bytes.NewReader(raw)); err != nil {
		return nil, errors.ErrMalformedResponse.Wrap(err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, errors.ErrMalformedResponse.Wrap(err)
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.ErrMalformedResponse.WithDetails("response document is empty")
	}
	if root.Tag != "Response" || root.NamespaceURI() != ProtocolNamespace {
		return nil, errors.ErrMalformedResponse.WithDetails("document is not a samlp:Response")
	}

	resp := &Response{}
	assertion, info, err := validateSignature(root, resp, idp)
	if err != nil {
		return nil, err
	}

	if resp.Version != Version {
		return nil, errors.ErrMalformedResponse.WithDetailsf("unsupported SAML version %q", resp.Version)
	}
	if resp.Status == nil || resp.Status.StatusCode == nil {
		return nil, errors.ErrMalformedResponse.WithDetails("response carries no status")
	}
	if resp.Status.StatusCode.Value != StatusSuccess {
		detail := resp.Status.StatusCode.Value
		if resp.Status.StatusMessage != nil && resp.Status.StatusMessage.Value != "" {
			detail += ": " + resp.Status.StatusMessage.Value
		}
		return nil, errors.ErrStatusFailure.WithDetails(detail)
	}

	if resp.Issuer != nil && resp.Issuer.Value != "" && strings.TrimSpace(resp.Issuer.Value) != idp.EntityID {
		return nil, errors.ErrIssuerMismatch.WithDetailsf("response issued by %q, expected %q", strings.TrimSpace(resp.Issuer.Value), idp.EntityID)
	}
	if assertion.Issuer == nil || strings.TrimSpace(assertion.Issuer.Value) != idp.EntityID {
		got := ""
		if assertion.Issuer != nil {
			got = strings.TrimSpace(assertion.Issuer.Value)
		}
		return nil, errors.ErrIssuerMismatch.WithDetailsf("assertion issued by %q, expected %q", got, idp.EntityID)
	}

	if err := validateConditions(assertion.Conditions, sp, now, info); err != nil {
		return nil, err
	}
	if err := validateSubject(assertion.Subject, sp, now, info); err != nil {
		return nil, err
	}

	info.Issuer = idp.EntityID
	info.ResponseID = resp.ID
	info.AssertionID = assertion.ID
	if info.InResponseTo == "" {
		info.InResponseTo = resp.InResponseTo
	}
	for _, stmt := range assertion.AuthnStatements {
		if stmt.SessionIndex != "" {
			info.SessionIndex = stmt.SessionIndex
			break
		}
	}
	info.Attributes = make(map[string][]string)
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			for _, v := range attr.Values {
				info.Attributes[attr.Name] = append(info.Attributes[attr.Name], v.Value)
			}
		}
	}

	return info, nil
}

// validateSignature establishes the trusted subtree. Either the response
// envelope is signed, which covers everything inside it, or the assertion
// itself must be. The returned Response and Assertion are unmarshalled from
// the subtree goxmldsig validated, not from the original document.
func validateSignature(root *etree.Element, resp *Response, idp *IdentityProvider) (*Assertion, *AssertionInfo, error) {
	info := &AssertionInfo{}

	vctx := dsig.NewDefaultValidationContext(idp.certStore)
	validatedRoot, err := vctx.Validate(root)
	if err == nil {
		if err := unmarshalElement(validatedRoot, resp); err != nil {
			return nil, nil, errors.ErrMalformedResponse.Wrap(err)
		}
		if len(resp.Assertions) == 0 {
			return nil, nil, errors.ErrMalformedResponse.WithDetails("response contains no assertion")
		}
		info.ResponseSigned = true
		return &resp.Assertions[0], info, nil
	}
	if err != dsig.ErrMissingSignature {
		return nil, nil, errors.ErrSignatureInvalid.Wrap(err)
	}

	// The envelope is unsigned. Its status and IDs are read for the later
	// gates but carry no authority; the identity claims must come from a
	// signed assertion.
	if err := unmarshalElement(root, resp); err != nil {
		return nil, nil, errors.ErrMalformedResponse.Wrap(err)
	}

	assertionEl := childElement(root, AssertionNamespace, "Assertion")
	if assertionEl == nil {
		if childElement(root, AssertionNamespace, "EncryptedAssertion") != nil {
			return nil, nil, errors.ErrMalformedResponse.WithDetails("encrypted assertions are not supported")
		}
		return nil, nil, errors.ErrMalformedResponse.WithDetails("response contains no assertion")
	}

	avctx := dsig.NewDefaultValidationContext(idp.certStore)
	validatedAssertion, err := avctx.Validate(assertionEl)
	if err == dsig.ErrMissingSignature {
		return nil, nil, errors.ErrSignatureInvalid.WithDetails("neither response nor assertion is signed")
	}
	if err != nil {
		return nil, nil, errors.ErrSignatureInvalid.Wrap(err)
	}

	assertion := &Assertion{}
	if err := unmarshalElement(validatedAssertion, assertion); err != nil {
		return nil, nil, errors.ErrMalformedResponse.Wrap(err)
	}
	info.AssertionSigned = true
	return assertion, info, nil
}

func validateConditions(cond *Conditions, sp *ServiceProvider, now time.Time, info *AssertionInfo) error {
	if cond == nil {
		return errors.ErrMalformedResponse.WithDetails("assertion carries no conditions")
	}
	if cond.NotBefore == "" || cond.NotOnOrAfter == "" {
		return errors.ErrMalformedResponse.WithDetails("conditions are missing NotBefore or NotOnOrAfter")
	}

	notBefore, err := ParseTime(cond.NotBefore)
	if err != nil {
		return errors.ErrMalformedResponse.Wrap(err)
	}
	notOnOrAfter, err := ParseTime(cond.NotOnOrAfter)
	if err != nil {
		return errors.ErrMalformedResponse.Wrap(err)
	}

	if now.Add(sp.ClockSkew).Before(notBefore) {
		return errors.ErrExpiredAssertion.WithDetailsf("assertion not valid before %s", cond.NotBefore)
	}
	if !now.Add(-sp.ClockSkew).Before(notOnOrAfter) {
		return errors.ErrExpiredAssertion.WithDetailsf("assertion expired at %s", cond.NotOnOrAfter)
	}
	info.NotBefore = notBefore
	info.NotOnOrAfter = notOnOrAfter

	if len(cond.AudienceRestrictions) == 0 {
		return errors.ErrAudienceMismatch.WithDetails("assertion carries no audience restriction")
	}
	// Multiple restrictions are ANDed, audiences within one are ORed.
	for _, ar := range cond.AudienceRestrictions {
		matched := false
		for _, aud := range ar.Audiences {
			if strings.TrimSpace(aud.Value) == sp.EntityID {
				matched = true
				break
			}
		}
		if !matched {
			return errors.ErrAudienceMismatch.WithDetailsf("audience restriction does not include %q", sp.EntityID)
		}
	}
	info.Audience = sp.EntityID

	return nil
}

func validateSubject(subject *Subject, sp *ServiceProvider, now time.Time, info *AssertionInfo) error {
	if subject == nil || subject.NameID == nil || strings.TrimSpace(subject.NameID.Value) == "" {
		return errors.ErrMalformedResponse.WithDetails("assertion carries no NameID")
	}
	info.NameID = strings.TrimSpace(subject.NameID.Value)
	info.NameIDFormat = subject.NameID.Format

	var bearer *SubjectConfirmation
	for i := range subject.SubjectConfirmations {
		if subject.SubjectConfirmations[i].Method == ConfirmationMethodBearer {
			bearer = &subject.SubjectConfirmations[i]
			break
		}
	}
	if bearer == nil {
		return errors.ErrMalformedResponse.WithDetails("assertion carries no bearer subject confirmation")
	}
	if bearer.Data == nil {
		return nil
	}

	if bearer.Data.Recipient != "" && bearer.Data.Recipient != sp.ACSURL {
		return errors.ErrMalformedResponse.WithDetailsf("subject confirmation recipient %q does not match the ACS URL", bearer.Data.Recipient)
	}
	if bearer.Data.NotOnOrAfter != "" {
		expiry, err := ParseTime(bearer.Data.NotOnOrAfter)
		if err != nil {
			return errors.ErrMalformedResponse.Wrap(err)
		}
		if !now.Add(-sp.ClockSkew).Before(expiry) {
			return errors.ErrExpiredAssertion.WithDetailsf("subject confirmation expired at %s", bearer.Data.NotOnOrAfter)
		}
	}
	info.InResponseTo = bearer.Data.InResponseTo

	return nil
}

// childElement returns the first direct child matching ns and tag. Direct
// children only, a descendant search would let an attacker nest a decoy
// element somewhere deeper in the tree.
func childElement(parent *etree.Element, ns, tag string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == tag && child.NamespaceURI() == ns {
			return child
		}
	}
	return nil
}

// unmarshalElement round-trips an etree element through its serialized form
// into a typed struct.
func unmarshalElement(el *etree.Element, v any) error {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	data, err := doc.WriteToBytes()
	if err != nil {
		return err
	}
	return xml.Unmarshal(data, v)
}
