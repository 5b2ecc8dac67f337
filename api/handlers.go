package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/artifact"
	"github.com/jmcleod/ironca/internal/metrics"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/ledger"
	"github.com/jmcleod/ironca/profile"
)

const (
	maxSmallBodySize = 64 << 10
	defaultCertType  = profile.CertTypeServer
)

// decodeBody decodes a JSON request body into v and writes the error
// response itself when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxSmallBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}

// SubmitRequest handles POST /requests.
func (a *API) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in := issuance.GenerateRequest{
		Subject: profile.Subject{
			CommonName:         req.CommonName,
			Organization:       req.Organization,
			OrganizationalUnit: req.OrganizationalUnit,
			Country:            req.Country,
			State:              req.State,
			Locality:           req.Locality,
			Email:              req.Email,
		},
		CertType: profile.CertType(orDefault(req.CertType, string(defaultCertType))),
		KeyType:  profile.KeyType(orDefault(req.KeyType, string(a.defaultKeyType))),
		AltNames: req.SAN,
	}
	if strings.TrimSpace(in.Subject.OrganizationalUnit) == "" {
		in.Subject.OrganizationalUnit = a.defaultOrgUnit
	}

	id, err := a.manager.SubmitGenerated(r.Context(), in)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logRequest(AuditRequestSubmitted, r, id,
		slog.String("cert_type", string(in.CertType)),
		slog.String("key_type", string(in.KeyType)),
		slog.String("common_name", in.Subject.CommonName),
	)

	writeJSON(w, http.StatusCreated, a.afterSubmit(r, id, true))
}

// SubmitCSR handles POST /requests/csr.
func (a *API) SubmitCSR(w http.ResponseWriter, r *http.Request) {
	var req SubmitCSRRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CSRPEM) == "" {
		writeError(w, http.StatusBadRequest, "csr_pem is required")
		return
	}

	certType := profile.CertType(orDefault(req.CertType, string(defaultCertType)))
	id, err := a.manager.SubmitImported(r.Context(), req.CSRPEM, certType)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logRequest(AuditCSRImported, r, id, slog.String("cert_type", string(certType)))

	writeJSON(w, http.StatusCreated, a.afterSubmit(r, id, false))
}

// afterSubmit builds the submission response, approving the request first
// when auto-approval is on. A failed approval leaves the request pending
// and is reported in the response body.
func (a *API) afterSubmit(r *http.Request, id string, hasKey bool) SubmitResponse {
	resp := SubmitResponse{RequestID: id, Status: ledger.StatusPending}
	if !a.autoApprove {
		return resp
	}

	serial, err := a.manager.Approve(r.Context(), id)
	if err != nil {
		resp.AutoApproveError = err.Error()
		return resp
	}
	a.audit.logRequest(AuditRequestApproved, r, id,
		slog.String("serial", serial),
		slog.Bool("auto", true),
	)

	resp.Status = ledger.StatusApproved
	resp.AutoApproved = true
	resp.Serial = serial
	resp.Downloads = a.downloadLinks(serial, hasKey)
	return resp
}

// downloadLinks lists the per-certificate artifacts of serial. The key link
// is only offered when a key is on record; without one the bundle is the
// certificate alone.
func (a *API) downloadLinks(serial string, hasKey bool) map[string]string {
	link := func(k artifact.Kind) string {
		q := url.Values{}
		q.Set("type", string(k))
		q.Set("serial", serial)
		return strings.TrimRight(a.baseURL, "/") + "/download?" + q.Encode()
	}
	links := map[string]string{
		"certificate": link(artifact.KindCert),
		"chain":       link(artifact.KindChain),
		"bundle":      link(artifact.KindBundle),
	}
	if hasKey {
		links["private_key"] = link(artifact.KindKey)
	}
	return links
}

// GetRequest handles GET /requests/{requestID}.
func (a *API) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.manager.GetRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestStatus(req))
}

// ListRequests handles GET /requests. The optional status query parameter
// filters by status and defaults to pending.
func (a *API) ListRequests(w http.ResponseWriter, r *http.Request) {
	status := ledger.Status(orDefault(r.URL.Query().Get("status"), string(ledger.StatusPending)))

	reqs, err := a.manager.ListByStatus(r.Context(), status)
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ListRequestsResponse{Requests: make([]RequestStatusResponse, 0, len(reqs))}
	for _, req := range reqs {
		resp.Requests = append(resp.Requests, requestStatus(req))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ApproveRequest handles POST /requests/{requestID}/approve.
func (a *API) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")

	serial, err := a.manager.Approve(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logRequest(AuditRequestApproved, r, id, slog.String("serial", serial))

	hasKey := false
	if cert, err := a.manager.GetIssued(r.Context(), serial); err == nil {
		hasKey = cert.HasPrivateKey()
	}
	writeJSON(w, http.StatusOK, ApproveResponse{
		RequestID: id,
		Serial:    serial,
		Downloads: a.downloadLinks(serial, hasKey),
	})
}

// RejectRequest handles POST /requests/{requestID}/reject.
func (a *API) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")

	if err := a.manager.Reject(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logRequest(AuditRequestRejected, r, id)
	w.WriteHeader(http.StatusNoContent)
}

// ListCertificates handles GET /certificates.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.manager.ListIssued(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	if summaries == nil {
		summaries = []ledger.IssuedSummary{}
	}
	writeJSON(w, http.StatusOK, ListCertificatesResponse{Certificates: summaries})
}

// Download handles GET /download?type=<kind>&serial=<serial>.
func (a *API) Download(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := artifact.ParseKind(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid download type")
		return
	}
	serial := strings.ToUpper(strings.TrimSpace(q.Get("serial")))
	if kind.PerCertificate() && serial == "" {
		writeError(w, http.StatusBadRequest, "serial number required")
		return
	}

	art, err := a.assembler.Get(r.Context(), kind, serial)
	if err != nil {
		mapError(w, err)
		return
	}

	metrics.ArtifactDownloadsTotal.WithLabelValues(string(kind)).Inc()
	event := AuditArtifactDownloaded
	if art.PrivateKey {
		event = AuditPrivateKeyAccessed
	}
	a.audit.log(slog.LevelInfo, event, r,
		slog.String("kind", string(kind)),
		slog.String("serial", serial),
	)

	writeJSON(w, http.StatusOK, DownloadResponse{
		Filename:    art.Filename,
		ContentType: art.ContentType,
		Content:     art.Content,
		Size:        art.Size(),
	})
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
