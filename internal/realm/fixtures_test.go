package realm

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/wudi/samlgate/internal/config"
	"github.com/wudi/samlgate/internal/errors"
	"github.com/wudi/samlgate/internal/saml"
)

const (
	testIdPEntityID = "https://idp.example.org/saml/metadata"
	testIdPSSOURL   = "https://idp.example.org/saml/sso"
	testSigningKey  = "0123456789abcdef0123456789abcdef"
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

func idpMetadataXML(cert *x509.Certificate, entityID, ssoURL string) string {
	certData := base64.StdEncoding.EncodeToString(cert.Raw)
	return `<?xml version="1.0" encoding="UTF-8"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" entityID="` + entityID + `">
  <md:IDPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <md:KeyDescriptor use="signing">
      <ds:KeyInfo xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
        <ds:X509Data>
          <ds:X509Certificate>` + certData + `</ds:X509Certificate>
        </ds:X509Data>
      </ds:KeyInfo>
    </md:KeyDescriptor>
    <md:NameIDFormat>urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress</md:NameIDFormat>
    <md:SingleSignOnService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect" Location="` + ssoURL + `"/>
  </md:IDPSSODescriptor>
</md:EntityDescriptor>`
}

// testEnv is a fully initialized realm plus the IdP key material needed to
// forge responses for it.
type testEnv struct {
	rm      *Realm
	cfg     config.SAMLConfig
	idpKey  *rsa.PrivateKey
	idpCert *x509.Certificate
	dir     string
}

// newTestRealm builds a realm from files in a temp dir: a combined SP PEM
// and an IdP metadata document. Mutators adjust the config before New runs.
func newTestRealm(t *testing.T, finder UserFinder, mutators ...func(*config.SAMLConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	spKey, spCert := generateKeyAndCert(t, "sp.example.com")
	var spPEM []byte
	spPEM = append(spPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: spCert.Raw})...)
	spPEM = append(spPEM, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(spKey)})...)
	certPath := filepath.Join(dir, "sp.pem")
	if err := os.WriteFile(certPath, spPEM, 0o600); err != nil {
		t.Fatalf("failed to write SP PEM: %v", err)
	}

	idpKey, idpCert := generateKeyAndCert(t, "idp.example.org")
	metadataPath := filepath.Join(dir, "idp-metadata.xml")
	if err := os.WriteFile(metadataPath, []byte(idpMetadataXML(idpCert, testIdPEntityID, testIdPSSOURL)), 0o600); err != nil {
		t.Fatalf("failed to write IdP metadata: %v", err)
	}

	cfg := config.DefaultConfig().SAML
	cfg.CertFile = certPath
	cfg.DefaultIdPMetadata = metadataPath
	cfg.BaseURL = "https://sp.example.com"
	cfg.Session.SigningKey = testSigningKey
	for _, m := range mutators {
		m(&cfg)
	}

	rm, err := New(context.Background(), cfg, finder)
	if err != nil {
		t.Fatalf("failed to build realm: %v", err)
	}
	t.Cleanup(rm.Close)

	return &testEnv{rm: rm, cfg: cfg, idpKey: idpKey, idpCert: idpCert, dir: dir}
}

// responseOptions is the forged response's shape. Zero time fields default to
// a window around now; an empty assertion ID gets a fresh random one.
type responseOptions struct {
	nameID       string
	inResponseTo string
	assertionID  string
	notBefore    time.Time
	notOnOrAfter time.Time
	unsigned     bool
}

// buildResponse renders and signs a response for this env's realm.
func (env *testEnv) buildResponse(t *testing.T, opts responseOptions) string {
	t.Helper()

	sp := env.rm.ServiceProvider()
	now := time.Now().UTC()
	if opts.nameID == "" {
		opts.nameID = "alice@example.com"
	}
	if opts.assertionID == "" {
		id, err := saml.GenerateID()
		if err != nil {
			t.Fatalf("failed to generate assertion ID: %v", err)
		}
		opts.assertionID = id
	}
	if opts.notBefore.IsZero() {
		opts.notBefore = now.Add(-time.Minute)
	}
	if opts.notOnOrAfter.IsZero() {
		opts.notOnOrAfter = now.Add(5 * time.Minute)
	}

	resp := etree.NewElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", saml.ProtocolNamespace)
	resp.CreateAttr("xmlns:saml", saml.AssertionNamespace)
	resp.CreateAttr("ID", "_resp"+opts.assertionID[1:])
	resp.CreateAttr("Version", "2.0")
	resp.CreateAttr("IssueInstant", now.Format(saml.TimeFormat))
	resp.CreateAttr("Destination", sp.ACSURL)
	if opts.inResponseTo != "" {
		resp.CreateAttr("InResponseTo", opts.inResponseTo)
	}

	resp.CreateElement("saml:Issuer").SetText(testIdPEntityID)

	status := resp.CreateElement("samlp:Status")
	status.CreateElement("samlp:StatusCode").CreateAttr("Value", saml.StatusSuccess)

	assertion := resp.CreateElement("saml:Assertion")
	assertion.CreateAttr("xmlns:saml", saml.AssertionNamespace)
	assertion.CreateAttr("ID", opts.assertionID)
	assertion.CreateAttr("Version", "2.0")
	assertion.CreateAttr("IssueInstant", now.Format(saml.TimeFormat))
	assertion.CreateElement("saml:Issuer").SetText(testIdPEntityID)

	subject := assertion.CreateElement("saml:Subject")
	nameID := subject.CreateElement("saml:NameID")
	nameID.CreateAttr("Format", saml.NameIDEmail)
	nameID.SetText(opts.nameID)
	confirmation := subject.CreateElement("saml:SubjectConfirmation")
	confirmation.CreateAttr("Method", saml.ConfirmationMethodBearer)
	data := confirmation.CreateElement("saml:SubjectConfirmationData")
	data.CreateAttr("Recipient", sp.ACSURL)
	if opts.inResponseTo != "" {
		data.CreateAttr("InResponseTo", opts.inResponseTo)
	}
	data.CreateAttr("NotOnOrAfter", opts.notOnOrAfter.Format(saml.TimeFormat))

	cond := assertion.CreateElement("saml:Conditions")
	cond.CreateAttr("NotBefore", opts.notBefore.Format(saml.TimeFormat))
	cond.CreateAttr("NotOnOrAfter", opts.notOnOrAfter.Format(saml.TimeFormat))
	ar := cond.CreateElement("saml:AudienceRestriction")
	ar.CreateElement("saml:Audience").SetText(sp.EntityID)

	authn := assertion.CreateElement("saml:AuthnStatement")
	authn.CreateAttr("AuthnInstant", now.Format(saml.TimeFormat))
	authn.CreateAttr("SessionIndex", "_session-7")

	root := resp
	if !opts.unsigned {
		sctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(tls.Certificate{
			Certificate: [][]byte{env.idpCert.Raw},
			PrivateKey:  env.idpKey,
			Leaf:        env.idpCert,
		}))
		if err := sctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
			t.Fatalf("failed to set signature method: %v", err)
		}
		signed, err := sctx.SignEnveloped(resp)
		if err != nil {
			t.Fatalf("failed to sign response: %v", err)
		}
		root = signed
	}

	doc := etree.NewDocument()
	doc.SetRoot(root)
	out, err := doc.WriteToBytes()
	if err != nil {
		t.Fatalf("failed to serialize response: %v", err)
	}
	return base64.StdEncoding.EncodeToString(out)
}

// postResponse POSTs a forged response to the realm's consumer endpoint.
func (env *testEnv) postResponse(t *testing.T, encoded, relayState string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("SAMLResponse", encoded)
	if relayState != "" {
		form.Set("RelayState", relayState)
	}
	r := httptest.NewRequest(http.MethodPost, env.rm.PathPrefix()+"/consumer-post",
		strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.rm.ServeHTTP(w, r)
	return w
}

// login runs BeginLogin and hands back the pending request ID.
func (env *testEnv) login(t *testing.T) string {
	t.Helper()
	redirect, err := env.rm.BeginLogin("")
	if err != nil {
		t.Fatalf("failed to begin login: %v", err)
	}
	return redirect.RequestID
}
