package reqscope

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // nolint: gosec // ok
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/hupe1980/golog"
	"golang.org/x/sync/singleflight"
)

var (
	DefaultTLSServerConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}
)

type CertTemplateGenFunc func(serial *big.Int, ski []byte, hostname, organization string, validity time.Duration) *x509.Certificate

type AuthorityOptions struct {
	// Root certificate and its key. A fresh root is generated when either
	// is nil.
	CA *x509.Certificate

	PrivateKey crypto.PrivateKey

	// Organization (will be used for generated certificates)
	Organization string

	// Validity of the generated certificates
	Validity time.Duration

	// Config structure is used to configure the TLS server.
	TLSServerConfig *tls.Config

	// Storage for generated certificates
	CertStorage CertStorage

	CertTemplateGen CertTemplateGenFunc

	// OnIssue is called after a leaf certificate has been generated.
	OnIssue func(hostname string)

	// Logger specifies an optional logger.
	// If nil, logging is done via the log package's standard logger.
	Logger golog.Logger
}

// CertificateAuthority issues per-host leaf certificates signed by a single
// root. The root key material lives as long as the authority; leaves are
// kept in the CertStorage and reused for the rest of the session.
type CertificateAuthority struct {
	*logger
	ca           *x509.Certificate // Root certificate authority
	caPrivateKey crypto.PrivateKey // CA private key
	caPEM        []byte

	// Key shared by every leaf certificate.
	privateKey crypto.Signer
	validity   time.Duration

	// SKI to use in generated certificates (https://tools.ietf.org/html/rfc3280#section-4.2.1.2)
	keyID           []byte
	organization    string
	tlsServerConfig *tls.Config
	certStorage     CertStorage
	certTemplateGen CertTemplateGenFunc
	onIssue         func(hostname string)

	issuing singleflight.Group
}

// NewCertificateAuthority creates an authority from the given root, or from
// a freshly generated one.
func NewCertificateAuthority(optFns ...func(*AuthorityOptions)) (*CertificateAuthority, error) {
	options := AuthorityOptions{
		CertStorage:     NewMapCertStorage(),
		Organization:    "reqscope",
		Validity:        30 * 24 * time.Hour,
		TLSServerConfig: DefaultTLSServerConfig,
		Logger:          defaultLogger(),
	}

	for _, fn := range optFns {
		fn(&options)
	}

	if options.CA == nil || options.PrivateKey == nil {
		ca, privKey, err := NewCA()
		if err != nil {
			return nil, err
		}

		options.CA = ca
		options.PrivateKey = privKey
	}

	if options.CertTemplateGen == nil {
		options.CertTemplateGen = defaultCertTemplate
	}

	// Generating the private key that will be used for domain certificates
	priv, err := generateKey(options.PrivateKey)
	if err != nil {
		return nil, err
	}

	// Subject Key Identifier support for end entity certificate.
	// https://tools.ietf.org/html/rfc3280#section-4.2.1.2
	pkixpub, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}

	// nolint: gosec // ok
	keyID := sha1.Sum(pkixpub)

	return &CertificateAuthority{
		logger:          &logger{options.Logger},
		ca:              options.CA,
		caPrivateKey:    options.PrivateKey,
		caPEM:           encodeCertPEM(options.CA),
		privateKey:      priv,
		keyID:           keyID[:],
		validity:        options.Validity,
		organization:    options.Organization,
		tlsServerConfig: options.TLSServerConfig,
		certStorage:     options.CertStorage,
		certTemplateGen: options.CertTemplateGen,
		onIssue:         options.OnIssue,
	}, nil
}

// Root returns the root certificate.
func (c *CertificateAuthority) Root() *x509.Certificate {
	return c.ca
}

// RootPEM returns the PEM encoding of the root certificate, suitable for
// installing it as trusted in the client environment.
func (c *CertificateAuthority) RootPEM() []byte {
	return c.caPEM
}

// TLSConfigForHost creates a *tls.Config that serves leaf certificates for
// the SNI name sent by the client, falling back to hostname.
func (c *CertificateAuthority) TLSConfigForHost(hostname string) *tls.Config {
	tlsConfig := c.tlsServerConfig.Clone()

	tlsConfig.GetCertificate = func(clientHello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		host := clientHello.ServerName
		if host == "" {
			host = hostname
		}

		return c.LeafFor(host)
	}

	return tlsConfig
}

// LeafFor returns the leaf certificate for hostname, issuing it on first
// use. Concurrent callers for the same hostname share a single issue.
func (c *CertificateAuthority) LeafFor(hostname string) (*tls.Certificate, error) {
	// Remove the port if it exists.
	if host, _, err := net.SplitHostPort(hostname); err == nil {
		hostname = host
	}

	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	if hostname == "" {
		return nil, fmt.Errorf("cannot issue certificate: empty hostname")
	}

	if cert, ok := c.certStorage.Get(hostname); ok {
		c.logDebugf("Cache hit for %s", hostname)
		return cert, nil
	}

	v, err, _ := c.issuing.Do(hostname, func() (interface{}, error) {
		// Another caller may have finished issuing while we waited.
		if cert, ok := c.certStorage.Get(hostname); ok {
			return cert, nil
		}

		c.logDebugf("Cache miss for %s", hostname)

		cert, err := c.issue(hostname)
		if err != nil {
			return nil, err
		}

		c.certStorage.Add(hostname, cert)

		if c.onIssue != nil {
			c.onIssue(hostname)
		}

		return cert, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot issue certificate for %s: %w", hostname, err)
	}

	return v.(*tls.Certificate), nil
}

func (c *CertificateAuthority) issue(hostname string) (*tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, MaxSerialNumber)
	if err != nil {
		return nil, err
	}

	tmpl := c.certTemplateGen(serial, c.keyID, hostname, c.organization, c.validity)

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, c.ca, c.privateKey.Public(), c.caPrivateKey)
	if err != nil {
		return nil, err
	}

	// Parse certificate bytes so that we have a leaf certificate.
	x509c, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{raw, c.ca.Raw},
		PrivateKey:  c.privateKey,
		Leaf:        x509c,
	}, nil
}

func defaultCertTemplate(serial *big.Int, ski []byte, hostname, organization string, validity time.Duration) *x509.Certificate {
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{organization},
		},
		SubjectKeyId:          ski,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
	}

	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{hostname}
	}

	return tmpl
}

func generateKey(privateKey crypto.PrivateKey) (crypto.Signer, error) {
	switch privateKey.(type) {
	case *rsa.PrivateKey:
		return rsa.GenerateKey(rand.Reader, 2048)
	case *ecdsa.PrivateKey:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key type %T", privateKey)
	}
}
