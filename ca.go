package reqscope

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// MaxSerialNumber is the upper boundary that is used to create unique serial
// numbers for the certificate. This can be any unsigned integer up to 20
// bytes (2^(8*20)-1).
var MaxSerialNumber = big.NewInt(0).SetBytes(bytes.Repeat([]byte{255}, 20))

type CAOptions struct {
	Name         string
	Organization string
	Validity     time.Duration
}

// NewCA creates a new root certificate and associated private key.
func NewCA(optFns ...func(*CAOptions)) (*x509.Certificate, *rsa.PrivateKey, error) {
	options := CAOptions{
		Name:         "reqscope root ca",
		Organization: "reqscope",
		Validity:     365 * 24 * time.Hour,
	}

	for _, fn := range optFns {
		fn(&options)
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, MaxSerialNumber)
	if err != nil {
		return nil, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   options.Name,
			Organization: []string{options.Organization},
		},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(options.Validity),
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	if err != nil {
		return nil, nil, err
	}

	// Parse certificate bytes so that we have a leaf certificate.
	x509c, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, nil, err
	}

	return x509c, priv, nil
}

func LoadCA(certFile, keyFile string) (*x509.Certificate, crypto.PrivateKey, error) {
	ca, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, nil, err
	}

	caCert, err := x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		return nil, nil, err
	}

	if !caCert.IsCA {
		return nil, nil, fmt.Errorf("certificate %s is not a CA", certFile)
	}

	return caCert, ca.PrivateKey, nil
}

// LoadOrCreateCA loads the root from certFile and keyFile. When neither
// exists yet a new root is generated and written there, creating the
// parent directory if needed. Installing the root into a trust store is
// left to the operator.
func LoadOrCreateCA(certFile, keyFile string, optFns ...func(*CAOptions)) (*x509.Certificate, crypto.PrivateKey, error) {
	if caCert, privKey, err := LoadCA(certFile, keyFile); err == nil {
		return caCert, privKey, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	caCert, privKey, err := NewCA(optFns...)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(filepath.Dir(certFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("cannot create cert directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, nil, fmt.Errorf("cannot create key directory: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil { //nolint: gosec // public material
		return nil, nil, fmt.Errorf("cannot write CA certificate to disk: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot convert private key to DER format: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return nil, nil, fmt.Errorf("cannot write CA key to disk: %w", err)
	}

	return caCert, privKey, nil
}

type certHandler struct {
	cert []byte
}

// NewCertHandler returns an http.Handler that will present the client
// with the root certificate to install as trusted.
func NewCertHandler(ca *x509.Certificate) http.Handler {
	return &certHandler{
		cert: encodeCertPEM(ca),
	}
}

// ServeHTTP writes the root certificate in PEM format to the client.
func (h *certHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/x-x509-ca-cert")
	rw.Header().Set("Content-Disposition", `attachment; filename="reqscope-ca.pem"`)
	_, _ = rw.Write(h.cert)
}

func encodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}
