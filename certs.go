package hammerhead

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrUnknownServerName is returned for a TLS handshake that names a host
// the listener does not answer for.
var ErrUnknownServerName = errors.New("unknown server name")

// DefaultLeafValidity is the lifetime of listener certificates issued by
// a local CA.
const DefaultLeafValidity = 30 * 24 * time.Hour

// CertManager supplies certificates for the proxy's HTTPS listeners. It
// either serves a fixed certificate loaded from files, or issues short-lived
// leaf certificates from a local CA for the proxy's own names.
type CertManager struct {
	ca     *x509.Certificate
	caKey  crypto.Signer
	static *tls.Certificate

	// Hosts are the names certificates are issued for: the proxy hostname
	// and its aliases. Empty means any name.
	Hosts []string

	// DefaultHost is used when the client sends no SNI, e.g. when it
	// connects by IP address.
	DefaultHost string

	// LeafValidity is the lifetime of issued certificates (0 means
	// DefaultLeafValidity). A cached certificate is reissued once less
	// than a third of it remains.
	LeafValidity time.Duration

	Metrics *Metrics

	mu    sync.Mutex
	cache map[string]*tls.Certificate

	now func() time.Time
}

// NewCertManager creates a CertManager from CA certificate and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// NewStaticCertManager creates a CertManager that always serves the
// certificate in certFile/keyFile.
func NewStaticCertManager(certFile, keyFile string) (*CertManager, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load listener certificate: %w", err)
	}
	return &CertManager{static: &cert}, nil
}

// NewCertManagerFromPEM creates a CertManager from a PEM CA certificate
// and key. RSA and ECDSA keys are accepted.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	ca, key, err := parseCA(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, err
	}
	if !ca.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", ca.Subject.CommonName)
	}
	return &CertManager{
		ca:    ca,
		caKey: key,
		cache: make(map[string]*tls.Certificate),
	}, nil
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}
	key, err := parseSigner(keyPEM)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// parseSigner reads a PKCS#1, SEC 1 or PKCS#8 private key.
func parseSigner(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	switch k := k.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("parse CA key: unsupported key type %T", k)
}

// Subject names the certificate source: the CA common name, or the fixed
// certificate's subject.
func (cm *CertManager) Subject() string {
	if cm.ca != nil {
		return cm.ca.Subject.CommonName
	}
	if cm.static != nil {
		if leaf, err := x509.ParseCertificate(cm.static.Certificate[0]); err == nil {
			return leaf.Subject.CommonName
		}
	}
	return ""
}

// TLSConfig returns a server TLS configuration backed by the manager.
func (cm *CertManager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: cm.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

// GetCertificate implements tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if cm.static != nil {
		return cm.static, nil
	}
	host := hello.ServerName
	if host == "" {
		host = cm.DefaultHost
	}
	if host == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns a certificate for host, issuing one when
// none is cached or the cached one is close to expiry.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	if cm.static != nil {
		return cm.static, nil
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if !cm.serves(host) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServerName, host)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cert, ok := cm.cache[host]; ok && !cm.expiring(cert.Leaf) {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
	}
	cert, err := cm.issue(host)
	if err != nil {
		return nil, err
	}
	if cm.cache == nil {
		cm.cache = make(map[string]*tls.Certificate)
	}
	cm.cache[host] = cert
	return cert, nil
}

func (cm *CertManager) serves(host string) bool {
	if len(cm.Hosts) == 0 || host == strings.ToLower(cm.DefaultHost) {
		return true
	}
	return slices.ContainsFunc(cm.Hosts, func(h string) bool {
		return strings.EqualFold(h, host)
	})
}

func (cm *CertManager) clock() time.Time {
	if cm.now != nil {
		return cm.now()
	}
	return time.Now()
}

func (cm *CertManager) validity() time.Duration {
	if cm.LeafValidity > 0 {
		return cm.LeafValidity
	}
	return DefaultLeafValidity
}

func (cm *CertManager) expiring(leaf *x509.Certificate) bool {
	if leaf == nil {
		return true
	}
	return leaf.NotAfter.Sub(cm.clock()) < cm.validity()/3
}

func (cm *CertManager) issue(host string) (*tls.Certificate, error) {
	if cm.ca == nil {
		return nil, fmt.Errorf("no CA configured")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := cm.clock()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: cm.ca.Subject.Organization,
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(cm.validity()),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, cm.ca, &key.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, cm.ca.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// encodeKey returns the PKCS#8 PEM form of key.
func encodeKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// GenerateCA generates a CA for issuing listener and client certificates.
// Returns the PEM-encoded certificate and PKCS#8 key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}
	keyPEM, err = encodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM, nil
}
