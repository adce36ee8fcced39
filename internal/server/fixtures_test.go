package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/samlgate/internal/config"
)

const (
	testIdPEntityID = "https://idp.example.org/saml/metadata"
	testIdPSSOURL   = "https://idp.example.org/saml/sso"
)

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

// writeRealmFiles lays down an SP key pair and IdP metadata in dir and
// returns their paths.
func writeRealmFiles(t *testing.T, dir string) (certPath, metadataPath string) {
	t.Helper()

	spKey, spCert := generateKeyAndCert(t, "sp.example.com")
	var spPEM []byte
	spPEM = append(spPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: spCert.Raw})...)
	spPEM = append(spPEM, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(spKey)})...)
	certPath = filepath.Join(dir, "sp.pem")
	if err := os.WriteFile(certPath, spPEM, 0o600); err != nil {
		t.Fatalf("failed to write SP PEM: %v", err)
	}

	_, idpCert := generateKeyAndCert(t, "idp.example.org")
	metadataPath = filepath.Join(dir, "idp-metadata.xml")
	if err := os.WriteFile(metadataPath, []byte(idpMetadataXML(idpCert, testIdPEntityID, testIdPSSOURL)), 0o600); err != nil {
		t.Fatalf("failed to write IdP metadata: %v", err)
	}

	return certPath, metadataPath
}

// newTestServer builds an unstarted server over temp-dir realm files.
func newTestServer(t *testing.T, mutators ...func(*config.Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	certPath, metadataPath := writeRealmFiles(t, dir)

	cfg := config.DefaultConfig()
	cfg.Server.Address = ":0"
	cfg.Admin.Address = ":0"
	cfg.SAML.CertFile = certPath
	cfg.SAML.DefaultIdPMetadata = metadataPath
	cfg.SAML.BaseURL = "https://sp.example.com"
	cfg.SAML.Session.SigningKey = "server-test-signing-key"
	for _, m := range mutators {
		m(cfg)
	}

	s, err := New(cfg, "", nil)
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	t.Cleanup(func() {
		s.Shutdown(time.Second)
	})
	return s
}
