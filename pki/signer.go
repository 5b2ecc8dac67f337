package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // RFC 5280 key identifier method 1
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/jmcleod/ironca/profile"
)

// Signer is the cryptographic capability consumed by the request lifecycle.
// Implementations must be safe for concurrent use.
type Signer interface {
	// GenerateKeyPair creates a key pair of the given type. Only rsa and ecdsa
	// are generated; anything else returns ErrUnsupportedKeyType.
	GenerateKeyPair(ctx context.Context, keyType profile.KeyType) (*KeyPair, error)

	// CreateSigningRequest builds and signs a PEM certificate request for
	// subject carrying the extensions in exts.
	CreateSigningRequest(ctx context.Context, key *KeyPair, subject profile.Subject, exts *profile.ExtensionSet) (string, error)

	// ParseSigningRequest decodes a PEM certificate request and verifies its
	// self-signature.
	ParseSigningRequest(csrPEM string) (*SigningRequest, error)

	// SignCertificate issues a certificate for the request in csrPEM using the
	// extensions in exts and the issuing authority.
	SignCertificate(ctx context.Context, csrPEM string, exts *profile.ExtensionSet, validityDays int, authority *Authority) (*SignedCertificate, error)

	// ParseCertificate decodes a PEM certificate.
	ParseCertificate(certPEM string) (*CertificateInfo, error)
}

// SigningRequest is the structured view of a parsed certificate request.
type SigningRequest struct {
	Subject      profile.Subject
	DNSNames     []string
	IPAddresses  []net.IP
	KeyAlgorithm string
	Extensions   []pkix.Extension
}

// AltNamesRaw renders the embedded alternative names as a comma-separated
// list, DNS names first.
func (r *SigningRequest) AltNamesRaw() string {
	vals := make([]string, 0, len(r.DNSNames)+len(r.IPAddresses))
	vals = append(vals, r.DNSNames...)
	for _, ip := range r.IPAddresses {
		vals = append(vals, ip.String())
	}
	return strings.Join(vals, ", ")
}

// SignedCertificate is the output of SignCertificate.
type SignedCertificate struct {
	PEM       string
	Serial    string
	NotBefore time.Time
	NotAfter  time.Time
	Subject   profile.Subject
}

// serialBits is the size of randomly minted serial numbers.
const serialBits = 128

// Software is a Signer backed by Go's crypto packages.
type Software struct {
	rand io.Reader
	now  func() time.Time
}

// Compile-time interface check.
var _ Signer = (*Software)(nil)

// NewSoftware returns a Software signer using crypto/rand.
func NewSoftware() *Software {
	return &Software{rand: rand.Reader, now: time.Now}
}

// GenerateKeyPair creates an RSA-2048 or ECDSA P-384 key pair.
func (s *Software) GenerateKeyPair(ctx context.Context, keyType profile.KeyType) (*KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return generateKey(s.rand, keyType)
}

// CreateSigningRequest builds a PEM certificate request signed with SHA-384.
func (s *Software) CreateSigningRequest(ctx context.Context, key *KeyPair, subject profile.Subject, exts *profile.ExtensionSet) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == nil || key.Signer == nil {
		return "", fmt.Errorf("%w: no private key", ErrUnsupportedKeyType)
	}
	sigAlg, err := signatureAlgorithm(key.Public())
	if err != nil {
		return "", err
	}
	extensions, err := exts.Extensions()
	if err != nil {
		return "", err
	}

	der, err := x509.CreateCertificateRequest(s.rand, &x509.CertificateRequest{
		Subject:            subject.Name(),
		SignatureAlgorithm: sigAlg,
		ExtraExtensions:    extensions,
	}, key.Signer)
	if err != nil {
		return "", fmt.Errorf("creating certificate request: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: der})), nil
}

// ParseSigningRequest decodes and verifies a PEM certificate request.
func (s *Software) ParseSigningRequest(csrPEM string) (*SigningRequest, error) {
	csr, err := parseSigningRequestDER(csrPEM)
	if err != nil {
		return nil, err
	}
	return &SigningRequest{
		Subject:      profile.SubjectFromName(csr.Subject),
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
		KeyAlgorithm: keyAlgorithmString(csr.PublicKey),
		Extensions:   csr.Extensions,
	}, nil
}

// SignCertificate issues a certificate over the request's public key and
// subject. Extensions come only from exts; any the request itself carries are
// ignored. The serial is 128 random bits.
func (s *Software) SignCertificate(ctx context.Context, csrPEM string, exts *profile.ExtensionSet, validityDays int, authority *Authority) (*SignedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if authority == nil {
		return nil, ErrNoAuthority
	}
	if validityDays <= 0 {
		return nil, fmt.Errorf("validity must be positive, got %d days", validityDays)
	}
	csr, err := parseSigningRequestDER(csrPEM)
	if err != nil {
		return nil, err
	}
	extensions, err := exts.Extensions()
	if err != nil {
		return nil, err
	}
	serial, err := s.newSerial()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:    serial,
		RawSubject:      csr.RawSubject,
		NotBefore:       now,
		NotAfter:        now.AddDate(0, 0, validityDays),
		ExtraExtensions: extensions,
	}
	if exts.SubjectKeyID {
		ski, err := subjectKeyID(csr.PublicKey)
		if err != nil {
			return nil, err
		}
		template.SubjectKeyId = ski
	}

	der, err := authority.sign(s.rand, template, csr.PublicKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}
	return &SignedCertificate{
		PEM:       encodeCertPEM(der),
		Serial:    FormatSerial(cert.SerialNumber),
		NotBefore: cert.NotBefore.UTC(),
		NotAfter:  cert.NotAfter.UTC(),
		Subject:   profile.SubjectFromName(cert.Subject),
	}, nil
}

// ParseCertificate decodes a PEM certificate.
func (s *Software) ParseCertificate(certPEM string) (*CertificateInfo, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	return describe(cert, s.now()), nil
}

func (s *Software) newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	for {
		n, err := rand.Int(s.rand, limit)
		if err != nil {
			return nil, fmt.Errorf("generating serial number: %w", err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}

// subjectKeyID is the SHA-1 of the subjectPublicKey BIT STRING.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes) //nolint:gosec
	return sum[:], nil
}
