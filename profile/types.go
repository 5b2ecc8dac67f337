// Package profile derives the X.509v3 extension set for signing requests and
// issued certificates from a certificate-type policy. Everything here is
// deterministic: the same inputs always produce the same extensions.
package profile

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidCertType is returned for a certificate-type tag outside the policy table.
	ErrInvalidCertType = errors.New("invalid certificate type")

	// ErrInvalidKeyType is returned for a key-origin tag that cannot be generated.
	ErrInvalidKeyType = errors.New("invalid key type")

	// ErrMissingCommonName is returned when a server profile has no common
	// name to place in the SAN list.
	ErrMissingCommonName = errors.New("common name is required")

	// ErrInvalidCommonName is returned when a server common name cannot be
	// carried as a dNSName, which is restricted to ASCII.
	ErrInvalidCommonName = errors.New("common name is not a valid DNS name")
)

// CertType selects a row of the extension policy table.
type CertType string

const (
	CertTypeServer      CertType = "server"
	CertTypeClient      CertType = "client"
	CertTypeCodeSigning CertType = "code_signing"
)

// CertTypes lists the accepted certificate types in policy-table order.
func CertTypes() []CertType {
	return []CertType{CertTypeServer, CertTypeClient, CertTypeCodeSigning}
}

// ParseCertType validates a certificate-type tag. Unknown tags are an error,
// never a default.
func ParseCertType(s string) (CertType, error) {
	ct := CertType(s)
	if _, ok := policies[ct]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCertType, s)
	}
	return ct, nil
}

// Valid reports whether ct has a policy.
func (ct CertType) Valid() bool {
	_, ok := policies[ct]
	return ok
}

// KeyType records where a request's key pair came from.
type KeyType string

const (
	KeyTypeRSA      KeyType = "rsa"
	KeyTypeECDSA    KeyType = "ecdsa"
	KeyTypeImported KeyType = "imported"
)

// ParseKeyType validates a key type the system can generate. "imported" is
// not accepted here because it is only ever assigned by the import path.
func ParseKeyType(s string) (KeyType, error) {
	switch kt := KeyType(s); kt {
	case KeyTypeRSA, KeyTypeECDSA:
		return kt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyType, s)
	}
}

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Subject carries the distinguished-name fields of a request.
type Subject struct {
	CommonName         string `json:"common_name"`
	Organization       string `json:"organization"`
	OrganizationalUnit string `json:"org_unit,omitempty"`
	Country            string `json:"country"`
	State              string `json:"state"`
	Locality           string `json:"locality"`
	Email              string `json:"email"`
}

// Name converts s into a pkix.Name. The email address is carried as an
// emailAddress attribute after the common name.
func (s Subject) Name() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.State != "" {
		name.Province = []string{s.State}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	if s.Email != "" {
		name.ExtraNames = []pkix.AttributeTypeAndValue{{Type: oidEmailAddress, Value: s.Email}}
	}
	return name
}

// SubjectFromName extracts the fields this system tracks from a parsed name.
// Multi-valued attributes keep their first value.
func SubjectFromName(name pkix.Name) Subject {
	s := Subject{
		CommonName:         name.CommonName,
		Organization:       first(name.Organization),
		OrganizationalUnit: first(name.OrganizationalUnit),
		Country:            first(name.Country),
		State:              first(name.Province),
		Locality:           first(name.Locality),
	}
	for _, atv := range name.Names {
		if atv.Type.Equal(oidEmailAddress) {
			if v, ok := atv.Value.(string); ok {
				s.Email = v
				break
			}
		}
	}
	return s
}

// String renders s in the slash form used by openssl ("/C=GB/ST=.../CN=...").
func (s Subject) String() string {
	var b strings.Builder
	add := func(k, v string) {
		if v != "" {
			b.WriteString("/" + k + "=" + v)
		}
	}
	add("C", s.Country)
	add("ST", s.State)
	add("L", s.Locality)
	add("O", s.Organization)
	add("OU", s.OrganizationalUnit)
	add("CN", s.CommonName)
	add("emailAddress", s.Email)
	return b.String()
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
