package ledger

import (
	"time"

	"github.com/jmcleod/ironca/profile"
)

// Status is the lifecycle state of a certificate request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// CanTransition reports whether a request may move from s to next. The only
// legal moves are pending to approved and pending to rejected.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next.Terminal()
}

// CertificateRequest is a submitted request and its lifecycle state.
type CertificateRequest struct {
	ID            string           `json:"id"`
	CertType      profile.CertType `json:"cert_type"`
	Subject       profile.Subject  `json:"subject"`
	AltNamesRaw   string           `json:"alt_names,omitempty"`
	KeyType       profile.KeyType  `json:"key_type"`
	Status        Status           `json:"status"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	CSRPEM        string           `json:"csr_pem,omitempty"`
	PrivateKeyPEM string           `json:"private_key_pem,omitempty"`
	Serial        string           `json:"serial,omitempty"`
	ApprovedAt    *time.Time       `json:"approved_at,omitempty"`
	RejectedAt    *time.Time       `json:"rejected_at,omitempty"`

	// Version is the stored record version used for compare-and-set. It is
	// managed by the ledger and not serialised.
	Version uint64 `json:"-"`
}

// HasPrivateKey reports whether the request followed the generated-key path.
func (r *CertificateRequest) HasPrivateKey() bool {
	return r.PrivateKeyPEM != ""
}

// Redacted returns a copy without the signing request and private key.
func (r *CertificateRequest) Redacted() *CertificateRequest {
	c := *r
	c.CSRPEM = ""
	c.PrivateKeyPEM = ""
	return &c
}

// IssuedCertificate is the issuance record created on approval. It is keyed
// by serial.
type IssuedCertificate struct {
	Serial         string           `json:"serial"`
	RequestID      string           `json:"request_id"`
	CertType       profile.CertType `json:"cert_type"`
	CommonName     string           `json:"common_name"`
	CertificatePEM string           `json:"certificate_pem"`
	ChainPEM       string           `json:"chain_pem"`
	PrivateKeyPEM  string           `json:"private_key_pem,omitempty"`
	NotBefore      time.Time        `json:"not_before"`
	NotAfter       time.Time        `json:"not_after"`
	CreatedAt      time.Time        `json:"created_at"`
}

// HasPrivateKey reports whether key material is on record.
func (c *IssuedCertificate) HasPrivateKey() bool {
	return c.PrivateKeyPEM != ""
}

// IssuedSummary is the listing view of an issued certificate.
type IssuedSummary struct {
	Serial     string           `json:"serial"`
	CommonName string           `json:"common_name"`
	CertType   profile.CertType `json:"cert_type"`
	RequestID  string           `json:"request_id"`
	ValidFrom  time.Time        `json:"valid_from"`
	ValidTo    time.Time        `json:"valid_to"`
	HasKey     bool             `json:"has_private_key"`
}

// Summary returns the listing view of c.
func (c *IssuedCertificate) Summary() IssuedSummary {
	return IssuedSummary{
		Serial:     c.Serial,
		CommonName: c.CommonName,
		CertType:   c.CertType,
		RequestID:  c.RequestID,
		ValidFrom:  c.NotBefore,
		ValidTo:    c.NotAfter,
		HasKey:     c.HasPrivateKey(),
	}
}
