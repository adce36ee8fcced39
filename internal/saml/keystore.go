package saml

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	dsig "github.com/russellhaering/goxmldsig"

	"github.com/wudi/samlgate/internal/errors"
)

// KeyStore holds the SP's certificate material and the trusted CA roots.
// Loaded once at startup, immutable afterwards, safe for concurrent reads.
type KeyStore struct {
	// Certificate is the SP signing certificate embedded in metadata.
	Certificate *x509.Certificate

	// PrivateKey is the key matching Certificate. Nil when the deployment
	// only publishes metadata and does not sign redirect requests.
	PrivateKey *rsa.PrivateKey

	// Roots are the CA certificates trusted when fetching IdP metadata
	// over TLS. Empty when no ca_cert_file is configured.
	Roots []*x509.Certificate

	pool *x509.CertPool
}

// LoadKeyStore reads the SP certificate (and key, either appended to the
// certificate file or in a separate key file) plus the optional CA bundle.
// Any missing, unreadable, or non-PEM input fails with a configuration error.
func LoadKeyStore(certPath, keyPath, caPath string) (*KeyStore, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.ErrConfig.Wrap(fmt.Errorf("certificate file %s: %w", certPath, err))
	}

	ks := &KeyStore{}
	if err := ks.parsePEM(certPEM, certPath); err != nil {
		return nil, err
	}
	if ks.Certificate == nil {
		return nil, errors.ErrConfig.WithDetailsf("certificate file %s contains no CERTIFICATE block", certPath)
	}

	if keyPath != "" {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, errors.ErrConfig.Wrap(fmt.Errorf("key file %s: %w", keyPath, err))
		}
		if err := ks.parsePEM(keyPEM, keyPath); err != nil {
			return nil, err
		}
		if ks.PrivateKey == nil {
			return nil, errors.ErrConfig.WithDetailsf("key file %s contains no private key", keyPath)
		}
	}

	if ks.PrivateKey != nil {
		pub, ok := ks.Certificate.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.ErrConfig.WithDetailsf("certificate %s does not carry an RSA public key", certPath)
		}
		if pub.N.Cmp(ks.PrivateKey.N) != 0 {
			return nil, errors.ErrConfig.WithDetails("private key does not match the SP certificate")
		}
	}

	if caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, errors.ErrConfig.Wrap(fmt.Errorf("CA file %s: %w", caPath, err))
		}
		roots, err := parseCertificates(caPEM)
		if err != nil {
			return nil, errors.ErrConfig.Wrap(fmt.Errorf("CA file %s: %w", caPath, err))
		}
		if len(roots) == 0 {
			return nil, errors.ErrConfig.WithDetailsf("CA file %s contains no CERTIFICATE block", caPath)
		}
		ks.Roots = roots
		ks.pool = x509.NewCertPool()
		for _, c := range roots {
			ks.pool.AddCert(c)
		}
	}

	return ks, nil
}

// parsePEM walks every block in data, keeping the first certificate and the
// first private key it sees. Unknown block types are ignored so bundles with
// intermediate material still load.
func (ks *KeyStore) parsePEM(data []byte, path string) error {
	seen := false
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		seen = true
		switch {
		case block.Type == "CERTIFICATE" && ks.Certificate == nil:
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return errors.ErrConfig.Wrap(fmt.Errorf("parse certificate in %s: %w", path, err))
			}
			ks.Certificate = cert
		case strings.HasSuffix(block.Type, "PRIVATE KEY") && ks.PrivateKey == nil:
			key, err := parsePrivateKey(block)
			if err != nil {
				return errors.ErrConfig.Wrap(fmt.Errorf("parse private key in %s: %w", path, err))
			}
			ks.PrivateKey = key
		}
	}
	if !seen {
		return errors.ErrConfig.WithDetailsf("%s is not PEM encoded", path)
	}
	return nil
}

func parsePrivateKey(block *pem.Block) (*rsa.PrivateKey, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T, only RSA is supported", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// HasPrivateKey reports whether the store can sign.
func (ks *KeyStore) HasPrivateKey() bool {
	return ks.PrivateKey != nil
}

// KeyPair returns the certificate and key as a tls.Certificate for the
// XML-DSig signing context.
func (ks *KeyStore) KeyPair() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{ks.Certificate.Raw},
		PrivateKey:  ks.PrivateKey,
		Leaf:        ks.Certificate,
	}
}

// Pool returns the trusted roots as a cert pool, or nil when none are
// configured.
func (ks *KeyStore) Pool() *x509.CertPool {
	return ks.pool
}

// SigningContext returns an RSA-SHA256 signing context over the SP key pair.
func (ks *KeyStore) SigningContext() (*dsig.SigningContext, error) {
	if !ks.HasPrivateKey() {
		return nil, errors.ErrConfig.WithDetails("no private key available for signing")
	}
	ctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(ks.KeyPair()))
	if err := ctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, errors.ErrConfig.Wrap(err)
	}
	return ctx, nil
}
