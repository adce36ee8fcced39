package saml

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/wudi/samlgate/internal/config"
	"github.com/wudi/samlgate/internal/errors"
)

func assertKind(t *testing.T, err error, kind errors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := errors.KindOf(err); got != kind {
		t.Fatalf("expected error kind %s, got %s (%v)", kind, got, err)
	}
}

func generateKeyAndCert(t *testing.T, cn string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return key, cert
}

func writePEMFile(t *testing.T, dir, name string, blocks ...*pem.Block) string {
	t.Helper()
	var buf []byte
	for _, b := range blocks {
		buf = append(buf, pem.EncodeToMemory(b)...)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func certBlock(cert *x509.Certificate) *pem.Block {
	return &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}
}

func keyBlock(key *rsa.PrivateKey) *pem.Block {
	return &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
}

// newTestSP builds a ServiceProvider backed by a freshly generated key pair
// written to a temp dir, so keystore loading is exercised on every test run.
func newTestSP(t *testing.T) *ServiceProvider {
	t.Helper()
	key, cert := generateKeyAndCert(t, "sp.example.com")
	dir := t.TempDir()
	certPath := writePEMFile(t, dir, "sp.pem", certBlock(cert), keyBlock(key))

	ks, err := LoadKeyStore(certPath, "", "")
	if err != nil {
		t.Fatalf("failed to load key store: %v", err)
	}

	cfg := config.DefaultConfig().SAML
	cfg.BaseURL = "https://sp.example.com"
	cfg.SignRequests = true
	sp, err := NewServiceProvider(cfg, ks)
	if err != nil {
		t.Fatalf("failed to build service provider: %v", err)
	}
	return sp
}

// testIdP is a minimal in-process identity provider for building signed
// response fixtures.
type testIdP struct {
	key      *rsa.PrivateKey
	cert     *x509.Certificate
	entityID string
	ssoURL   string
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	key, cert := generateKeyAndCert(t, "idp.example.org")
	return &testIdP{
		key:      key,
		cert:     cert,
		entityID: "https://idp.example.org/saml/metadata",
		ssoURL:   "https://idp.example.org/saml/sso",
	}
}

func (ti *testIdP) identityProvider() *IdentityProvider {
	return &IdentityProvider{
		EntityID:     ti.entityID,
		SSOURL:       ti.ssoURL,
		Certificates: []*x509.Certificate{ti.cert},
		certStore:    &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{ti.cert}},
	}
}

func (ti *testIdP) metadataXML() string {
	certData := base64.StdEncoding.EncodeToString(ti.cert.Raw)
	return `<?xml version="1.0" encoding="UTF-8"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" entityID="` + ti.entityID + `">
  <md:IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <md:KeyDescriptor use="signing">
      <ds:KeyInfo xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
        <ds:X509Data>
          <ds:X509Certificate>` + certData + `</ds:X509Certificate>
        </ds:X509Data>
      </ds:KeyInfo>
    </md:KeyDescriptor>
    <md:NameIDFormat>urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress</md:NameIDFormat>
    <md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="` + ti.ssoURL + `"/>
    <md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location="` + ti.ssoURL + `-post"/>
  </md:IDPSSODescriptor>
</md:EntityDescriptor>`
}

// responseOptions controls the fixture document. The zero value is not
// useful; start from defaultResponseOptions.
type responseOptions struct {
	nameID        string
	audience      string
	recipient     string
	issuer        string
	inResponseTo  string
	statusCode    string
	notBefore     time.Time
	notOnOrAfter  time.Time
	subjectExpiry time.Time
	sessionIndex  string
	attributes    map[string][]string

	signResponse  bool
	signAssertion bool
	signKey       *rsa.PrivateKey
	signCert      *x509.Certificate

	omitConditions bool
	omitAudience   bool
	omitNameID     bool

	// mutate runs after signing, for tamper tests.
	mutate func(doc *etree.Document)
}

func (ti *testIdP) defaultResponseOptions(sp *ServiceProvider, now time.Time) responseOptions {
	return responseOptions{
		nameID:       "alice@example.com",
		audience:     sp.EntityID,
		recipient:    sp.ACSURL,
		issuer:       ti.entityID,
		inResponseTo: "_0123456789abcdef0123456789abcdef",
		statusCode:   StatusSuccess,
		notBefore:    now.Add(-time.Minute),
		notOnOrAfter: now.Add(5 * time.Minute),
		sessionIndex: "_session-42",
		signResponse: true,
	}
}

// buildResponse renders, signs, and base64-encodes a response document.
func (ti *testIdP) buildResponse(t *testing.T, sp *ServiceProvider, opts responseOptions) string {
	t.Helper()

	resp := etree.NewElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", ProtocolNamespace)
	resp.CreateAttr("xmlns:saml", AssertionNamespace)
	resp.CreateAttr("ID", "_response0123456789abcdef01234567")
	resp.CreateAttr("Version", "2.0")
	resp.CreateAttr("IssueInstant", time.Now().UTC().Format(TimeFormat))
	resp.CreateAttr("Destination", sp.ACSURL)
	if opts.inResponseTo != "" {
		resp.CreateAttr("InResponseTo", opts.inResponseTo)
	}

	respIssuer := resp.CreateElement("saml:Issuer")
	respIssuer.SetText(opts.issuer)

	status := resp.CreateElement("samlp:Status")
	statusCode := status.CreateElement("samlp:StatusCode")
	statusCode.CreateAttr("Value", opts.statusCode)

	assertion := resp.CreateElement("saml:Assertion")
	assertion.CreateAttr("xmlns:saml", AssertionNamespace)
	assertion.CreateAttr("ID", "_assertion0123456789abcdef0123456")
	assertion.CreateAttr("Version", "2.0")
	assertion.CreateAttr("IssueInstant", time.Now().UTC().Format(TimeFormat))

	assertIssuer := assertion.CreateElement("saml:Issuer")
	assertIssuer.SetText(opts.issuer)

	subject := assertion.CreateElement("saml:Subject")
	if !opts.omitNameID {
		nameID := subject.CreateElement("saml:NameID")
		nameID.CreateAttr("Format", NameIDEmail)
		nameID.SetText(opts.nameID)
	}
	confirmation := subject.CreateElement("saml:SubjectConfirmation")
	confirmation.CreateAttr("Method", ConfirmationMethodBearer)
	data := confirmation.CreateElement("saml:SubjectConfirmationData")
	if opts.recipient != "" {
		data.CreateAttr("Recipient", opts.recipient)
	}
	if opts.inResponseTo != "" {
		data.CreateAttr("InResponseTo", opts.inResponseTo)
	}
	expiry := opts.subjectExpiry
	if expiry.IsZero() {
		expiry = opts.notOnOrAfter
	}
	data.CreateAttr("NotOnOrAfter", expiry.UTC().Format(TimeFormat))

	if !opts.omitConditions {
		cond := assertion.CreateElement("saml:Conditions")
		cond.CreateAttr("NotBefore", opts.notBefore.UTC().Format(TimeFormat))
		cond.CreateAttr("NotOnOrAfter", opts.notOnOrAfter.UTC().Format(TimeFormat))
		if !opts.omitAudience {
			ar := cond.CreateElement("saml:AudienceRestriction")
			aud := ar.CreateElement("saml:Audience")
			aud.SetText(opts.audience)
		}
	}

	authn := assertion.CreateElement("saml:AuthnStatement")
	authn.CreateAttr("AuthnInstant", time.Now().UTC().Format(TimeFormat))
	if opts.sessionIndex != "" {
		authn.CreateAttr("SessionIndex", opts.sessionIndex)
	}

	if len(opts.attributes) > 0 {
		stmt := assertion.CreateElement("saml:AttributeStatement")
		for name, values := range opts.attributes {
			attr := stmt.CreateElement("saml:Attribute")
			attr.CreateAttr("Name", name)
			for _, v := range values {
				val := attr.CreateElement("saml:AttributeValue")
				val.SetText(v)
			}
		}
	}

	signKey := opts.signKey
	signCert := opts.signCert
	if signKey == nil {
		signKey = ti.key
		signCert = ti.cert
	}
	sctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(tls.Certificate{
		Certificate: [][]byte{signCert.Raw},
		PrivateKey:  signKey,
		Leaf:        signCert,
	}))
	if err := sctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		t.Fatalf("failed to set signature method: %v", err)
	}

	root := resp
	if opts.signAssertion {
		signed, err := sctx.SignEnveloped(assertion)
		if err != nil {
			t.Fatalf("failed to sign assertion: %v", err)
		}
		resp.RemoveChild(assertion)
		resp.AddChild(signed)
	}
	if opts.signResponse {
		signed, err := sctx.SignEnveloped(resp)
		if err != nil {
			t.Fatalf("failed to sign response: %v", err)
		}
		root = signed
	}

	doc := etree.NewDocument()
	doc.SetRoot(root)
	if opts.mutate != nil {
		opts.mutate(doc)
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		t.Fatalf("failed to serialize response: %v", err)
	}
	return base64.StdEncoding.EncodeToString(out)
}

func mustContain(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}
