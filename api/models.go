package api

import (
	"time"

	"github.com/jmcleod/ironca/ledger"
	"github.com/jmcleod/ironca/profile"
)

// SubmitRequest asks for a fresh key pair and signing request.
type SubmitRequest struct {
	CommonName         string `json:"common_name"`
	Organization       string `json:"organization"`
	OrganizationalUnit string `json:"org_unit,omitempty"`
	Country            string `json:"country"`
	State              string `json:"state"`
	Locality           string `json:"locality"`
	Email              string `json:"email"`
	CertType           string `json:"cert_type,omitempty"`
	KeyType            string `json:"key_type,omitempty"`
	SAN                string `json:"san,omitempty"`
}

// SubmitCSRRequest imports an externally generated signing request.
type SubmitCSRRequest struct {
	CSRPEM   string `json:"csr_pem"`
	CertType string `json:"cert_type,omitempty"`
}

// SubmitResponse is returned for both submission paths.
type SubmitResponse struct {
	RequestID        string            `json:"request_id"`
	Status           ledger.Status     `json:"status"`
	AutoApproved     bool              `json:"auto_approved"`
	Serial           string            `json:"serial,omitempty"`
	Downloads        map[string]string `json:"downloads,omitempty"`
	AutoApproveError string            `json:"auto_approve_error,omitempty"`
}

// RequestStatusResponse describes a request without its key material.
type RequestStatusResponse struct {
	ID          string           `json:"id"`
	CertType    profile.CertType `json:"cert_type"`
	Subject     profile.Subject  `json:"subject"`
	AltNames    string           `json:"alt_names,omitempty"`
	KeyType     profile.KeyType  `json:"key_type"`
	Status      ledger.Status    `json:"status"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Serial      string           `json:"serial,omitempty"`
	ApprovedAt  *time.Time       `json:"approved_at,omitempty"`
	RejectedAt  *time.Time       `json:"rejected_at,omitempty"`
}

func requestStatus(req *ledger.CertificateRequest) RequestStatusResponse {
	return RequestStatusResponse{
		ID:          req.ID,
		CertType:    req.CertType,
		Subject:     req.Subject,
		AltNames:    req.AltNamesRaw,
		KeyType:     req.KeyType,
		Status:      req.Status,
		SubmittedAt: req.SubmittedAt,
		Serial:      req.Serial,
		ApprovedAt:  req.ApprovedAt,
		RejectedAt:  req.RejectedAt,
	}
}

// ListRequestsResponse is returned by GET /requests.
type ListRequestsResponse struct {
	Requests []RequestStatusResponse `json:"requests"`
}

// ApproveResponse is returned by POST /requests/{requestID}/approve.
type ApproveResponse struct {
	RequestID string            `json:"request_id"`
	Serial    string            `json:"serial"`
	Downloads map[string]string `json:"downloads"`
}

// ListCertificatesResponse is returned by GET /certificates.
type ListCertificatesResponse struct {
	Certificates []ledger.IssuedSummary `json:"certificates"`
}

// DownloadResponse carries an artifact base64 encoded.
type DownloadResponse struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
	Size        int    `json:"size"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
