package profile

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/bits"
	"net"
)

var (
	oidExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidExtSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}

	oidEKUServerAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	oidEKUClientAuth      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	oidEKUCodeSigning     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}
	oidEKUEmailProtection = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 4}
)

var ekuOIDs = map[x509.ExtKeyUsage]asn1.ObjectIdentifier{
	x509.ExtKeyUsageServerAuth:      oidEKUServerAuth,
	x509.ExtKeyUsageClientAuth:      oidEKUClientAuth,
	x509.ExtKeyUsageCodeSigning:     oidEKUCodeSigning,
	x509.ExtKeyUsageEmailProtection: oidEKUEmailProtection,
}

type policy struct {
	keyUsage    x509.KeyUsage
	extKeyUsage []x509.ExtKeyUsage
	ekuCritical bool
}

// policies is the certificate-type table. keyUsage is always critical.
var policies = map[CertType]policy{
	CertTypeServer: {
		keyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	},
	CertTypeClient: {
		keyUsage:    x509.KeyUsageContentCommitment | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection},
	},
	CertTypeCodeSigning: {
		keyUsage:    x509.KeyUsageDigitalSignature,
		extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		ekuCritical: true,
	},
}

// ExtensionSet is the collection of X.509v3 extensions attached to a
// signing request or a certificate.
type ExtensionSet struct {
	CertType CertType

	// IsCA is the basicConstraints cA flag; always false for end entities.
	IsCA bool

	KeyUsage         x509.KeyUsage
	KeyUsageCritical bool

	ExtKeyUsage         []x509.ExtKeyUsage
	ExtKeyUsageCritical bool

	AltNames   []AltName
	IncludeSAN bool

	// SubjectKeyID and AuthorityKeyID are requested on certificates only;
	// the signer fills the identifiers from the subject and issuer keys.
	SubjectKeyID   bool
	AuthorityKeyID bool
}

// BuildRequestExtensions returns the extensions to embed in a signing request.
func BuildRequestExtensions(certType CertType, commonName, altNamesRaw string) (*ExtensionSet, error) {
	return build(certType, commonName, altNamesRaw)
}

// BuildCertificateExtensions returns the extensions for the issued
// certificate. It is the request set plus the key identifiers.
func BuildCertificateExtensions(certType CertType, commonName, altNamesRaw string) (*ExtensionSet, error) {
	set, err := build(certType, commonName, altNamesRaw)
	if err != nil {
		return nil, err
	}
	set.SubjectKeyID = true
	set.AuthorityKeyID = true
	return set, nil
}

func build(certType CertType, commonName, altNamesRaw string) (*ExtensionSet, error) {
	p, ok := policies[certType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCertType, string(certType))
	}

	var leading []string
	if certType == CertTypeServer {
		if commonName == "" {
			return nil, fmt.Errorf("server profile: %w", ErrMissingCommonName)
		}
		if !dnsNameSafe(commonName) {
			return nil, fmt.Errorf("server profile: %w: %q", ErrInvalidCommonName, commonName)
		}
		leading = []string{commonName}
	}
	alt := classify(leading, SplitAltNames(altNamesRaw))

	return &ExtensionSet{
		CertType:            certType,
		KeyUsage:            p.keyUsage,
		KeyUsageCritical:    true,
		ExtKeyUsage:         append([]x509.ExtKeyUsage(nil), p.extKeyUsage...),
		ExtKeyUsageCritical: p.ekuCritical,
		AltNames:            alt,
		IncludeSAN:          len(alt) > 0 || certType == CertTypeServer,
	}, nil
}

// dnsNameSafe reports whether name can be encoded as an IA5String dNSName.
func dnsNameSafe(name string) bool {
	if len(name) > 253 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c >= 0x7f {
			return false
		}
	}
	return true
}

// DNSNames returns the DNS SAN values in index order.
func (s *ExtensionSet) DNSNames() []string {
	var out []string
	for _, a := range s.AltNames {
		if a.Kind == AltNameDNS {
			out = append(out, a.Value)
		}
	}
	return out
}

// IPAddresses returns the IP SAN values in index order.
func (s *ExtensionSet) IPAddresses() []net.IP {
	var out []net.IP
	for _, a := range s.AltNames {
		if a.Kind == AltNameIP {
			out = append(out, a.IP())
		}
	}
	return out
}

// Extensions encodes the set as DER extensions in a fixed order:
// basicConstraints, keyUsage, extendedKeyUsage, subjectAltName. Key
// identifiers are not included because they depend on key material.
func (s *ExtensionSet) Extensions() ([]pkix.Extension, error) {
	bc, err := marshalBasicConstraints(s.IsCA)
	if err != nil {
		return nil, err
	}
	exts := []pkix.Extension{bc}

	ku, err := marshalKeyUsage(s.KeyUsage, s.KeyUsageCritical)
	if err != nil {
		return nil, err
	}
	exts = append(exts, ku)

	if len(s.ExtKeyUsage) > 0 {
		eku, err := marshalExtKeyUsage(s.ExtKeyUsage, s.ExtKeyUsageCritical)
		if err != nil {
			return nil, err
		}
		exts = append(exts, eku)
	}

	if s.IncludeSAN && len(s.AltNames) > 0 {
		san, err := marshalSAN(s.AltNames)
		if err != nil {
			return nil, err
		}
		exts = append(exts, san)
	}
	return exts, nil
}

type basicConstraints struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

func marshalBasicConstraints(isCA bool) (pkix.Extension, error) {
	v, err := asn1.Marshal(basicConstraints{IsCA: isCA, MaxPathLen: -1})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding basicConstraints: %w", err)
	}
	return pkix.Extension{Id: oidExtBasicConstraints, Value: v}, nil
}

func marshalKeyUsage(ku x509.KeyUsage, critical bool) (pkix.Extension, error) {
	// KeyUsage bit 0 (digitalSignature) is the most significant bit of the
	// first octet in the DER BIT STRING.
	b := []byte{bits.Reverse8(byte(ku)), bits.Reverse8(byte(ku >> 8))}
	if b[1] == 0 {
		b = b[:1]
	}
	bitLen := len(b) * 8
	for bitLen > 0 && b[(bitLen-1)/8]&(0x80>>uint((bitLen-1)%8)) == 0 {
		bitLen--
	}
	v, err := asn1.Marshal(asn1.BitString{Bytes: b, BitLength: bitLen})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding keyUsage: %w", err)
	}
	return pkix.Extension{Id: oidExtKeyUsage, Critical: critical, Value: v}, nil
}

func marshalExtKeyUsage(usages []x509.ExtKeyUsage, critical bool) (pkix.Extension, error) {
	oids := make([]asn1.ObjectIdentifier, 0, len(usages))
	for _, u := range usages {
		oid, ok := ekuOIDs[u]
		if !ok {
			return pkix.Extension{}, fmt.Errorf("unsupported extended key usage %d", u)
		}
		oids = append(oids, oid)
	}
	v, err := asn1.Marshal(oids)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding extendedKeyUsage: %w", err)
	}
	return pkix.Extension{Id: oidExtExtendedKeyUsage, Critical: critical, Value: v}, nil
}

const (
	sanTagDNS = 2
	sanTagIP  = 7
)

func marshalSAN(names []AltName) (pkix.Extension, error) {
	raw := make([]asn1.RawValue, 0, len(names))
	for _, n := range names {
		switch n.Kind {
		case AltNameDNS:
			raw = append(raw, asn1.RawValue{Tag: sanTagDNS, Class: asn1.ClassContextSpecific, Bytes: []byte(n.Value)})
		case AltNameIP:
			ip := n.IP()
			if ip == nil {
				return pkix.Extension{}, fmt.Errorf("invalid IP alternative name %q", n.Value)
			}
			raw = append(raw, asn1.RawValue{Tag: sanTagIP, Class: asn1.ClassContextSpecific, Bytes: ip})
		}
	}
	v, err := asn1.Marshal(raw)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding subjectAltName: %w", err)
	}
	return pkix.Extension{Id: oidExtSubjectAltName, Value: v}, nil
}
