package saml

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/samlgate/internal/errors"
	"github.com/wudi/samlgate/internal/logging"
)

const (
	fetchTimeout    = 30 * time.Second
	fetchRetries    = 3
	maxMetadataSize = 5 << 20
)

// FetchIdPMetadata loads IdP metadata from source, either an HTTP(S) URL or
// a local file path. Plaintext http is refused outright: the metadata names
// who we trust, so the channel it arrives over must itself be verified.
// When the key store carries CA roots they replace the system pool for the
// TLS handshake. Transient fetch failures are retried with exponential
// backoff; trust and parse failures are not.
func FetchIdPMetadata(ctx context.Context, source string, ks *KeyStore) (*EntityDescriptor, error) {
	if u, err := url.Parse(source); err == nil {
		switch u.Scheme {
		case "http":
			return nil, errors.ErrUntrustedSource.WithDetailsf("refusing plaintext http metadata source %s", source)
		case "https":
			return fetchRemote(ctx, source, ks.Pool())
		case "file":
			return fetchFile(u.Path)
		}
	}
	return fetchFile(source)
}

func fetchFile(path string) (*EntityDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ErrMetadataFetch.Wrap(err)
	}
	return ParseMetadata(data)
}

func fetchRemote(ctx context.Context, rawURL string, pool *x509.CertPool) (*EntityDescriptor, error) {
	client := &http.Client{Timeout: fetchTimeout}
	if pool != nil {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		}
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/samlmetadata+xml, application/xml, text/xml")

		resp, err := client.Do(req)
		if err != nil {
			var certErr *tls.CertificateVerificationError
			if stderrors.As(err, &certErr) {
				return backoff.Permanent(errors.ErrUntrustedSource.Wrap(err))
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
			if resp.StatusCode >= http.StatusInternalServerError {
				return err
			}
			return backoff.Permanent(err)
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > maxMetadataSize {
			return backoff.Permanent(fmt.Errorf("metadata document exceeds %d bytes", maxMetadataSize))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	notify := func(err error, wait time.Duration) {
		logging.Warn("Retrying IdP metadata fetch",
			zap.String("url", rawURL),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, fetchRetries), ctx), notify); err != nil {
		if ae, ok := errors.AsAuthError(err); ok {
			return nil, ae
		}
		return nil, errors.ErrMetadataFetch.Wrap(err)
	}

	return ParseMetadata(body)
}
