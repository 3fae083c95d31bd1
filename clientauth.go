package hammerhead

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"
)

// ClientAuth restricts the proxy's HTTPS listeners to clients holding a
// certificate issued by one of the trusted client CAs. Test browsers are
// provisioned with a certificate from [GenerateClientCert]; everything
// else fails the TLS handshake before any HTTP is exchanged.
type ClientAuth struct {
	pool *x509.CertPool

	// Optional lets clients without a certificate through. Certificates
	// that are presented are still verified.
	Optional bool
}

// NewClientAuth trusts the given client CA pool.
func NewClientAuth(pool *x509.CertPool) *ClientAuth {
	return &ClientAuth{pool: pool}
}

// NewClientAuthFromFile loads a PEM bundle of client CA certificates.
func NewClientAuthFromFile(path string) (*ClientAuth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	return NewClientAuthFromPEM(data)
}

// NewClientAuthFromPEM trusts the concatenated PEM certificates.
func NewClientAuthFromPEM(pemData []byte) (*ClientAuth, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no valid certificates found in PEM data")
	}
	return NewClientAuth(pool), nil
}

// Apply adds client certificate verification to a listener TLS config.
func (ca *ClientAuth) Apply(cfg *tls.Config) {
	cfg.ClientCAs = ca.pool
	if ca.Optional {
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	} else {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
}

// ClientCertName returns the common name of the verified client
// certificate on r, or "" for plain or anonymous connections.
func ClientCertName(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 || len(r.TLS.VerifiedChains[0]) == 0 {
		return ""
	}
	return r.TLS.VerifiedChains[0][0].Subject.CommonName
}

// GenerateClientCert issues a client certificate for cn from a PEM CA
// such as one produced by [GenerateCA].
func GenerateClientCert(caCertPEM, caKeyPEM []byte, cn string, validYears int) (certPEM, keyPEM []byte, err error) {
	caCert, caKey, err := parseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate client key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: caCert.Subject.Organization,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().AddDate(validYears, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create client certificate: %w", err)
	}
	keyPEM, err = encodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), keyPEM, nil
}
