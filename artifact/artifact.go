// Package artifact assembles the downloadable outputs of an issued
// certificate and of the issuing authority.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/ironca/ledger"
	"github.com/jmcleod/ironca/pki"
)

var (
	// ErrUnknownKind is returned for an artifact kind outside Kinds().
	ErrUnknownKind = errors.New("unknown artifact kind")

	// ErrNoPrivateKey is returned when the key artifact is requested for a
	// certificate whose key was never held by this system.
	ErrNoPrivateKey = errors.New("no private key on record")

	// ErrUnavailable is returned when authority material was not configured.
	ErrUnavailable = errors.New("artifact not available")

	// ErrSerialRequired is returned when a per-certificate kind is requested
	// without a serial.
	ErrSerialRequired = errors.New("serial number required")
)

// Kind names a downloadable artifact.
type Kind string

const (
	KindCert           Kind = "cert"
	KindChain          Kind = "chain"
	KindBundle         Kind = "bundle"
	KindKey            Kind = "key"
	KindRootCA         Kind = "root-ca"
	KindIntermediateCA Kind = "intermediate-ca"
	KindCAChain        Kind = "ca-chain"
)

// Content types.
const (
	ContentTypeCert   = "application/x-x509-cert"
	ContentTypeCACert = "application/x-x509-ca-cert"
	ContentTypePEM    = "application/x-pem-file"
)

// Kinds lists every artifact kind.
func Kinds() []Kind {
	return []Kind{KindCert, KindChain, KindBundle, KindKey, KindRootCA, KindIntermediateCA, KindCAChain}
}

// ParseKind validates an artifact kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// PerCertificate reports whether k is addressed by serial.
func (k Kind) PerCertificate() bool {
	switch k {
	case KindCert, KindChain, KindBundle, KindKey:
		return true
	default:
		return false
	}
}

// Artifact is one downloadable file.
type Artifact struct {
	Kind        Kind
	Filename    string
	ContentType string
	Content     []byte

	// PrivateKey is set when Content carries private key material.
	PrivateKey bool
}

// Size returns the content length in bytes.
func (a *Artifact) Size() int { return len(a.Content) }

// Source is the read side of the ledger needed to assemble artifacts.
type Source interface {
	GetIssued(ctx context.Context, serial string) (*ledger.IssuedCertificate, error)
}

// Assembler builds artifacts from issuance records and authority material.
type Assembler struct {
	source    Source
	authority *pki.Authority
}

// NewAssembler returns an Assembler. authority may be nil, in which case the
// authority artifacts are unavailable.
func NewAssembler(source Source, authority *pki.Authority) *Assembler {
	return &Assembler{source: source, authority: authority}
}

// Get returns the artifact of kind k. serial is required for per-certificate
// kinds and ignored otherwise.
func (a *Assembler) Get(ctx context.Context, k Kind, serial string) (*Artifact, error) {
	if !k.PerCertificate() {
		return a.Authority(k)
	}
	if serial == "" {
		return nil, fmt.Errorf("%w for %s", ErrSerialRequired, k)
	}
	cert, err := a.source.GetIssued(ctx, serial)
	if err != nil {
		return nil, err
	}
	return ForCertificate(cert, k)
}

// ForCertificate builds a per-certificate artifact from an issuance record.
func ForCertificate(cert *ledger.IssuedCertificate, k Kind) (*Artifact, error) {
	switch k {
	case KindCert:
		return &Artifact{
			Kind:        k,
			Filename:    cert.Serial + ".crt",
			ContentType: ContentTypeCert,
			Content:     []byte(cert.CertificatePEM),
		}, nil
	case KindChain:
		return &Artifact{
			Kind:        k,
			Filename:    cert.Serial + "-chain.pem",
			ContentType: ContentTypePEM,
			Content:     []byte(cert.ChainPEM),
		}, nil
	case KindKey:
		if !cert.HasPrivateKey() {
			return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, cert.Serial)
		}
		return &Artifact{
			Kind:        k,
			Filename:    cert.Serial + ".key",
			ContentType: ContentTypePEM,
			Content:     []byte(cert.PrivateKeyPEM),
			PrivateKey:  true,
		}, nil
	case KindBundle:
		return bundle(cert), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
}

// bundle is certificate, key and issuer chain when the key is on record, and
// the certificate alone otherwise.
func bundle(cert *ledger.IssuedCertificate) *Artifact {
	if !cert.HasPrivateKey() {
		return &Artifact{
			Kind:        KindBundle,
			Filename:    cert.Serial + "-cert-only.pem",
			ContentType: ContentTypePEM,
			Content:     []byte(cert.CertificatePEM),
		}
	}
	var b strings.Builder
	b.WriteString(ensureNewline(cert.CertificatePEM))
	b.WriteString(ensureNewline(cert.PrivateKeyPEM))
	b.WriteString(strings.TrimPrefix(cert.ChainPEM, cert.CertificatePEM))
	return &Artifact{
		Kind:        KindBundle,
		Filename:    cert.Serial + "-bundle.pem",
		ContentType: ContentTypePEM,
		Content:     []byte(b.String()),
		PrivateKey:  true,
	}
}

// Authority returns one of the authority artifacts.
func (a *Assembler) Authority(k Kind) (*Artifact, error) {
	if a.authority == nil {
		return nil, fmt.Errorf("%w: no issuing authority configured", ErrUnavailable)
	}
	var (
		content     string
		filename    string
		contentType = ContentTypeCACert
	)
	switch k {
	case KindRootCA:
		content, filename = a.authority.RootPEM(), "root-ca.crt"
	case KindIntermediateCA:
		content, filename = a.authority.CertificatePEM(), "intermediate-ca.crt"
	case KindCAChain:
		content, filename, contentType = a.authority.ChainPEM(), "ca-chain.pem", ContentTypePEM
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
	if content == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, k)
	}
	return &Artifact{Kind: k, Filename: filename, ContentType: contentType, Content: []byte(content)}, nil
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
