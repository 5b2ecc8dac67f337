// Package pki implements the cryptographic capability behind certificate
// issuance: key generation, signing-request construction and parsing,
// certificate signing against an issuing authority, and certificate parsing.
// The lifecycle logic in package issuance talks to it only through the
// Signer interface.
package pki

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jmcleod/ironca/profile"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrUnsupportedKeyType is returned for key types the signer cannot generate
	// or use.
	ErrUnsupportedKeyType = errors.New("unsupported key type")

	// ErrNoAuthority is returned when signing is attempted without issuing
	// authority material.
	ErrNoAuthority = errors.New("issuing authority is not available")

	// ErrKeyMismatch is returned when an authority key does not belong to the
	// authority certificate.
	ErrKeyMismatch = errors.New("private key does not match certificate")
)

// PEM block types.
const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCSR         = "CERTIFICATE REQUEST"
	pemTypeCSRLegacy   = "NEW CERTIFICATE REQUEST"
	pemTypePrivateKey  = "PRIVATE KEY"
)

// Certificate status values reported by ParseCertificate.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusPending = "not_yet_valid"
)

// CertificateInfo is the parsed view of a certificate.
type CertificateInfo struct {
	Subject           profile.Subject `json:"subject"`
	SubjectDN         string          `json:"subject_dn"`
	IssuerDN          string          `json:"issuer_dn"`
	Serial            string          `json:"serial"`
	NotBefore         time.Time       `json:"not_before"`
	NotAfter          time.Time       `json:"not_after"`
	FingerprintSHA256 string          `json:"fingerprint_sha256"`
	KeyAlgorithm      string          `json:"key_algorithm"`
	Status            string          `json:"status"`
	DNSNames          []string        `json:"dns_names,omitempty"`
	IPAddresses       []string        `json:"ip_addresses,omitempty"`
}

// ---------------------------------------------------------------------------
// PEM parsing
// ---------------------------------------------------------------------------

// ParseCertificatePEM decodes the first certificate in certPEM.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != pemTypeCertificate {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParseCertificate decodes a PEM certificate and extracts the fields the
// ledger and the artifact views need.
func ParseCertificate(certPEM string) (*CertificateInfo, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	return describe(cert, time.Now()), nil
}

func describe(cert *x509.Certificate, now time.Time) *CertificateInfo {
	fingerprint := sha256.Sum256(cert.Raw)
	info := &CertificateInfo{
		Subject:           profile.SubjectFromName(cert.Subject),
		SubjectDN:         subjectString(cert.Subject),
		IssuerDN:          subjectString(cert.Issuer),
		Serial:            FormatSerial(cert.SerialNumber),
		NotBefore:         cert.NotBefore.UTC(),
		NotAfter:          cert.NotAfter.UTC(),
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		KeyAlgorithm:      keyAlgorithmString(cert.PublicKey),
		Status:            certStatus(cert, now),
		DNSNames:          cert.DNSNames,
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

func parseSigningRequestDER(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(csrPEM)))
	if block == nil || (block.Type != pemTypeCSR && block.Type != pemTypeCSRLegacy) {
		return nil, fmt.Errorf("%w: no certificate request block", ErrInvalidPEM)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature check failed: %v", ErrInvalidPEM, err)
	}
	return csr, nil
}

// FormatSerial renders a serial as upper-case hex of its big-endian bytes.
func FormatSerial(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(serial.Bytes()))
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	return name.String()
}

func certStatus(cert *x509.Certificate, now time.Time) string {
	switch {
	case now.After(cert.NotAfter):
		return StatusExpired
	case now.Before(cert.NotBefore):
		return StatusPending
	default:
		return StatusActive
	}
}

func keyAlgorithmString(pub any) string {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", k.Curve.Params().Name)
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", k.N.BitLen())
	default:
		return "unknown"
	}
}

func encodeCertPEM(derBytes []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: derBytes}))
}
