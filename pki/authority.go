package pki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// Authority is the issuing authority material: the issuer certificate, its
// private key, the published chain above it and the trust anchor. The private
// key is kept PKCS#8-encoded in a memguard enclave and only decrypted for the
// duration of a signing operation.
type Authority struct {
	cert     *x509.Certificate
	certPEM  string
	key      *memguard.Enclave
	chainPEM string
	rootPEM  string
}

// NewAuthority builds an Authority from PEM material. chainPEM is the issuer
// chain published to clients (issuer first); when empty it defaults to the
// issuer certificate followed by rootPEM.
func NewAuthority(certPEM, keyPEM, chainPEM, rootPEM string) (*Authority, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("authority certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("authority certificate is not a CA")
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("authority key: %w", err)
	}
	if !publicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, ErrKeyMismatch
	}
	if rootPEM != "" {
		if _, err := ParseCertificatePEM(rootPEM); err != nil {
			return nil, fmt.Errorf("root certificate: %w", err)
		}
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding authority key: %w", err)
	}

	certPEM = normalizePEM(certPEM)
	rootPEM = normalizePEM(rootPEM)
	if strings.TrimSpace(chainPEM) == "" {
		chainPEM = certPEM + rootPEM
	}
	return &Authority{
		cert:     cert,
		certPEM:  certPEM,
		key:      memguard.NewEnclave(der),
		chainPEM: normalizePEM(chainPEM),
		rootPEM:  rootPEM,
	}, nil
}

// LoadAuthority reads authority material from disk. chainFile and rootFile
// may be empty.
func LoadAuthority(certFile, keyFile, chainFile, rootFile string) (*Authority, error) {
	read := func(path string) (string, error) {
		if path == "" {
			return "", nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return string(b), nil
	}

	certPEM, err := read(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := read(keyFile)
	if err != nil {
		return nil, err
	}
	chainPEM, err := read(chainFile)
	if err != nil {
		return nil, err
	}
	rootPEM, err := read(rootFile)
	if err != nil {
		return nil, err
	}
	return NewAuthority(certPEM, keyPEM, chainPEM, rootPEM)
}

// Certificate returns the issuer certificate.
func (a *Authority) Certificate() *x509.Certificate { return a.cert }

// CertificatePEM returns the issuer certificate in PEM form.
func (a *Authority) CertificatePEM() string { return a.certPEM }

// ChainPEM returns the published issuer chain.
func (a *Authority) ChainPEM() string { return a.chainPEM }

// RootPEM returns the trust anchor, or "" when none was configured.
func (a *Authority) RootPEM() string { return a.rootPEM }

func (a *Authority) sign(r io.Reader, template *x509.Certificate, pub crypto.PublicKey) ([]byte, error) {
	buf, err := a.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening authority key: %w", err)
	}
	defer buf.Destroy()

	parsed, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decoding authority key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, parsed)
	}
	template.SignatureAlgorithm, err = signatureAlgorithm(signer.Public())
	if err != nil {
		return nil, err
	}

	der, err := x509.CreateCertificate(r, template, a.cert, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	return der, nil
}

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

// BootstrapOptions describes a root and intermediate pair to create.
type BootstrapOptions struct {
	Organization              string
	Country                   string
	RootCommonName            string
	IntermediateCommonName    string
	RootValidityYears         int
	IntermediateValidityYears int
}

// BootstrapResult holds the PEM material produced by Bootstrap.
type BootstrapResult struct {
	RootCertPEM         string
	RootKeyPEM          string
	IntermediateCertPEM string
	IntermediateKeyPEM  string
	ChainPEM            string
}

// Bootstrap file names written by WriteFiles.
const (
	RootCertFile         = "root-ca.crt"
	RootKeyFile          = "root-ca.key"
	IntermediateCertFile = "intermediate-ca.crt"
	IntermediateKeyFile  = "intermediate-ca.key"
	ChainFile            = "ca-chain.pem"
)

// Bootstrap creates a self-signed root and an intermediate signed by it, both
// on ECDSA P-384 keys. The intermediate is limited to path length zero so it
// can only issue end-entity certificates.
func Bootstrap(opts BootstrapOptions) (*BootstrapResult, error) {
	if opts.RootCommonName == "" || opts.IntermediateCommonName == "" {
		return nil, errors.New("root and intermediate common names are required")
	}
	if opts.RootValidityYears <= 0 {
		opts.RootValidityYears = 10
	}
	if opts.IntermediateValidityYears <= 0 {
		opts.IntermediateValidityYears = 5
	}

	name := func(cn string) pkix.Name {
		n := pkix.Name{CommonName: cn}
		if opts.Organization != "" {
			n.Organization = []string{opts.Organization}
		}
		if opts.Country != "" {
			n.Country = []string{opts.Country}
		}
		return n
	}

	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}
	interKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating intermediate key: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               name(opts.RootCommonName),
		NotBefore:             now,
		NotAfter:              now.AddDate(opts.RootValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.ECDSAWithSHA384,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, rootKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	interTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               name(opts.IntermediateCommonName),
		NotBefore:             now,
		NotAfter:              now.AddDate(opts.IntermediateValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SignatureAlgorithm:    x509.ECDSAWithSHA384,
	}
	interDER, err := x509.CreateCertificate(rand.Reader, interTmpl, rootCert, interKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("creating intermediate certificate: %w", err)
	}

	rootKeyPEM, err := EncodePrivateKeyPEM(rootKey)
	if err != nil {
		return nil, err
	}
	interKeyPEM, err := EncodePrivateKeyPEM(interKey)
	if err != nil {
		return nil, err
	}
	res := &BootstrapResult{
		RootCertPEM:         encodeCertPEM(rootDER),
		RootKeyPEM:          rootKeyPEM,
		IntermediateCertPEM: encodeCertPEM(interDER),
		IntermediateKeyPEM:  interKeyPEM,
	}
	res.ChainPEM = res.IntermediateCertPEM + res.RootCertPEM
	return res, nil
}

// Authority returns the intermediate as an issuing Authority.
func (r *BootstrapResult) Authority() (*Authority, error) {
	return NewAuthority(r.IntermediateCertPEM, r.IntermediateKeyPEM, r.ChainPEM, r.RootCertPEM)
}

// WriteFiles writes the bootstrap material into dir. Existing files are never
// overwritten. Private keys are written with mode 0600.
func (r *BootstrapResult) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := []struct {
		name string
		data string
		mode os.FileMode
	}{
		{RootCertFile, r.RootCertPEM, 0o644},
		{RootKeyFile, r.RootKeyPEM, 0o600},
		{IntermediateCertFile, r.IntermediateCertPEM, 0o644},
		{IntermediateKeyFile, r.IntermediateKeyPEM, 0o600},
		{ChainFile, r.ChainPEM, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, f.mode)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		if _, err := fh.WriteString(f.data); err != nil {
			_ = fh.Close()
			return fmt.Errorf("writing %s: %w", path, err)
		}
		if err := fh.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", path, err)
		}
	}
	return nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ka := a.(type) {
	case *ecdsa.PublicKey:
		return ka.Equal(b)
	case *rsa.PublicKey:
		return ka.Equal(b)
	default:
		da, errA := x509.MarshalPKIXPublicKey(a)
		db, errB := x509.MarshalPKIXPublicKey(b)
		return errA == nil && errB == nil && bytes.Equal(da, db)
	}
}

// normalizePEM ensures non-empty PEM text ends with exactly one newline so
// concatenated chains stay well formed.
func normalizePEM(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return s + "\n"
}
