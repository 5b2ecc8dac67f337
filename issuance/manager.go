// Package issuance implements the certificate request lifecycle: submission
// by key generation or signing-request import, approval and rejection.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/ironca/internal/metrics"
	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/ledger"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/profile"
)

// DefaultValidityDays is the certificate lifetime used when none is configured.
const DefaultValidityDays = 365

// Store is the persistence the Manager needs. *ledger.Ledger implements it.
type Store interface {
	Create(ctx context.Context, req *ledger.CertificateRequest) error
	Get(ctx context.Context, id string) (*ledger.CertificateRequest, error)
	ListByStatus(ctx context.Context, status ledger.Status) ([]*ledger.CertificateRequest, error)
	Update(ctx context.Context, req *ledger.CertificateRequest) error
	Issue(ctx context.Context, req *ledger.CertificateRequest, cert *ledger.IssuedCertificate) error
	GetIssued(ctx context.Context, serial string) (*ledger.IssuedCertificate, error)
	ListIssued(ctx context.Context) ([]*ledger.IssuedCertificate, error)
}

var _ Store = (*ledger.Ledger)(nil)

// GenerateRequest is the input of SubmitGenerated.
type GenerateRequest struct {
	Subject  profile.Subject
	CertType profile.CertType
	KeyType  profile.KeyType
	AltNames string
}

// Manager drives requests through pending -> approved|rejected.
type Manager struct {
	store        Store
	signer       pki.Signer
	authority    *pki.Authority
	validityDays int
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
	locks        *keyedMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithValidityDays sets the lifetime of issued certificates.
func WithValidityDays(days int) Option {
	return func(m *Manager) { m.validityDays = days }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides request identifier generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager returns a Manager. authority may be nil, in which case every
// approval fails with a capability error.
func NewManager(store Store, signer pki.Signer, authority *pki.Authority, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("issuance: store is required")
	}
	if signer == nil {
		return nil, errors.New("issuance: signer is required")
	}
	m := &Manager{
		store:        store,
		signer:       signer,
		authority:    authority,
		validityDays: DefaultValidityDays,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.New,
		locks:        newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.validityDays <= 0 {
		return nil, fmt.Errorf("issuance: validity must be positive, got %d", m.validityDays)
	}
	m.logger = m.logger.With("component", "issuance")
	return m, nil
}

// Authority returns the issuing authority, or nil.
func (m *Manager) Authority() *pki.Authority {
	return m.authority
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// SubmitGenerated creates a key pair and signing request for in and records a
// pending request. Nothing is stored unless every step succeeds.
func (m *Manager) SubmitGenerated(ctx context.Context, in GenerateRequest) (string, error) {
	id, err := m.submitGenerated(ctx, in)
	if err != nil {
		m.recordError("submit_generated", err)
		return "", err
	}
	return id, nil
}

func (m *Manager) submitGenerated(ctx context.Context, in GenerateRequest) (string, error) {
	if !in.CertType.Valid() {
		return "", fmt.Errorf("%w: %w: %q", ErrValidation, profile.ErrInvalidCertType, string(in.CertType))
	}
	if in.KeyType != profile.KeyTypeRSA && in.KeyType != profile.KeyTypeECDSA {
		return "", fmt.Errorf("%w: %w: %q", ErrValidation, profile.ErrInvalidKeyType, string(in.KeyType))
	}
	subject := normalizeSubject(in.Subject)
	if err := validateSubject(subject); err != nil {
		return "", err
	}
	altNames := strings.TrimSpace(in.AltNames)
	if err := validateAltNames(altNames); err != nil {
		return "", err
	}
	exts, err := profile.BuildRequestExtensions(in.CertType, subject.CommonName, altNames)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	start := m.now()
	key, err := m.signer.GenerateKeyPair(ctx, in.KeyType)
	if err != nil {
		return "", capabilityError("generating key pair", err)
	}
	metrics.KeyGenerationDuration.WithLabelValues(string(in.KeyType)).Observe(m.now().Sub(start).Seconds())

	csrPEM, err := m.signer.CreateSigningRequest(ctx, key, subject, exts)
	if err != nil {
		return "", capabilityError("creating signing request", err)
	}

	req := &ledger.CertificateRequest{
		ID:            m.newID(),
		CertType:      in.CertType,
		Subject:       subject,
		AltNamesRaw:   altNames,
		KeyType:       in.KeyType,
		Status:        ledger.StatusPending,
		SubmittedAt:   m.now().UTC(),
		CSRPEM:        csrPEM,
		PrivateKeyPEM: key.PEM,
	}
	if err := m.store.Create(ctx, req); err != nil {
		return "", fmt.Errorf("storing request: %w", err)
	}

	metrics.RequestsSubmittedTotal.WithLabelValues(string(req.CertType), "generated").Inc()
	m.logger.InfoContext(ctx, "request submitted",
		"request_id", req.ID,
		"cert_type", req.CertType,
		"key_type", req.KeyType,
		"common_name", subject.CommonName,
	)
	return req.ID, nil
}

// SubmitImported records a pending request for an externally generated
// signing request. Subject and alternative names are taken from the parsed
// request; certType is the operator's policy choice.
func (m *Manager) SubmitImported(ctx context.Context, csrPEM string, certType profile.CertType) (string, error) {
	id, err := m.submitImported(ctx, csrPEM, certType)
	if err != nil {
		m.recordError("submit_imported", err)
		return "", err
	}
	return id, nil
}

func (m *Manager) submitImported(ctx context.Context, csrPEM string, certType profile.CertType) (string, error) {
	if !certType.Valid() {
		return "", fmt.Errorf("%w: %w: %q", ErrValidation, profile.ErrInvalidCertType, string(certType))
	}
	csrPEM = strings.TrimSpace(csrPEM)
	if csrPEM == "" {
		return "", validationErrorf("%w: csr", ErrMissingField)
	}
	if !strings.Contains(csrPEM, "-----BEGIN CERTIFICATE REQUEST-----") &&
		!strings.Contains(csrPEM, "-----BEGIN NEW CERTIFICATE REQUEST-----") {
		return "", fmt.Errorf("%w: %w: missing certificate request header", ErrValidation, pki.ErrInvalidPEM)
	}

	parsed, err := m.signer.ParseSigningRequest(csrPEM)
	if err != nil {
		if errors.Is(err, pki.ErrInvalidPEM) {
			return "", fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return "", capabilityError("parsing signing request", err)
	}
	subject := parsed.Subject
	if subject.CommonName == "" {
		return "", validationErrorf("%w: signing request has no common name", ErrMissingField)
	}
	altNames := parsed.AltNamesRaw()
	if _, err := profile.BuildCertificateExtensions(certType, subject.CommonName, altNames); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	req := &ledger.CertificateRequest{
		ID:          m.newID(),
		CertType:    certType,
		Subject:     subject,
		AltNamesRaw: altNames,
		KeyType:     profile.KeyTypeImported,
		Status:      ledger.StatusPending,
		SubmittedAt: m.now().UTC(),
		CSRPEM:      csrPEM + "\n",
	}
	if err := m.store.Create(ctx, req); err != nil {
		return "", fmt.Errorf("storing request: %w", err)
	}

	metrics.RequestsSubmittedTotal.WithLabelValues(string(req.CertType), "imported").Inc()
	m.logger.InfoContext(ctx, "signing request imported",
		"request_id", req.ID,
		"cert_type", req.CertType,
		"common_name", subject.CommonName,
		"key_algorithm", parsed.KeyAlgorithm,
	)
	return req.ID, nil
}

// ---------------------------------------------------------------------------
// Decisions
// ---------------------------------------------------------------------------

// Approve signs the request's certificate and records the issuance. It
// returns the new certificate's serial.
func (m *Manager) Approve(ctx context.Context, id string) (string, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	serial, err := m.approve(ctx, id)
	if err != nil {
		m.recordError("approve", err)
		return "", err
	}
	return serial, nil
}

func (m *Manager) approve(ctx context.Context, id string) (string, error) {
	req, err := m.pending(ctx, id)
	if err != nil {
		return "", err
	}

	exts, err := profile.BuildCertificateExtensions(req.CertType, req.Subject.CommonName, req.AltNamesRaw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	start := m.now()
	signed, err := m.signer.SignCertificate(ctx, req.CSRPEM, exts, m.validityDays, m.authority)
	if err != nil {
		return "", capabilityError("signing certificate", err)
	}
	metrics.SigningDuration.Observe(m.now().Sub(start).Seconds())

	now := m.now().UTC()
	next := *req
	next.Status = ledger.StatusApproved
	next.Serial = signed.Serial
	next.ApprovedAt = &now

	cert := &ledger.IssuedCertificate{
		Serial:         signed.Serial,
		RequestID:      req.ID,
		CertType:       req.CertType,
		CommonName:     req.Subject.CommonName,
		CertificatePEM: signed.PEM,
		ChainPEM:       signed.PEM + m.chainPEM(),
		PrivateKeyPEM:  req.PrivateKeyPEM,
		NotBefore:      signed.NotBefore,
		NotAfter:       signed.NotAfter,
		CreatedAt:      now,
	}
	if err := m.store.Issue(ctx, &next, cert); err != nil {
		if errors.Is(err, ledger.ErrSerialCollision) {
			m.logger.ErrorContext(ctx, "serial collision",
				"event", "serial_collision",
				"request_id", id,
				"serial", signed.Serial,
			)
		}
		return "", err
	}

	metrics.RequestsDecidedTotal.WithLabelValues("approved").Inc()
	m.logger.InfoContext(ctx, "request approved",
		"request_id", id,
		"cert_type", req.CertType,
		"serial", signed.Serial,
		"not_after", signed.NotAfter,
	)
	return signed.Serial, nil
}

// Reject moves a pending request to rejected.
func (m *Manager) Reject(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if err := m.reject(ctx, id); err != nil {
		m.recordError("reject", err)
		return err
	}
	return nil
}

func (m *Manager) reject(ctx context.Context, id string) error {
	req, err := m.pending(ctx, id)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	req.Status = ledger.StatusRejected
	req.RejectedAt = &now
	if err := m.store.Update(ctx, req); err != nil {
		return err
	}

	metrics.RequestsDecidedTotal.WithLabelValues("rejected").Inc()
	m.logger.InfoContext(ctx, "request rejected",
		"request_id", id,
		"cert_type", req.CertType,
	)
	return nil
}

func (m *Manager) pending(ctx context.Context, id string) (*ledger.CertificateRequest, error) {
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != ledger.StatusPending {
		return nil, fmt.Errorf("%w: request %s is %s", ledger.ErrInvalidState, id, req.Status)
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetRequest returns the full request record.
func (m *Manager) GetRequest(ctx context.Context, id string) (*ledger.CertificateRequest, error) {
	return m.store.Get(ctx, id)
}

// ListPending returns pending requests, oldest submission first.
func (m *Manager) ListPending(ctx context.Context) ([]*ledger.CertificateRequest, error) {
	return m.ListByStatus(ctx, ledger.StatusPending)
}

// ListByStatus returns requests in status, oldest submission first. An empty
// status lists every request.
func (m *Manager) ListByStatus(ctx context.Context, status ledger.Status) ([]*ledger.CertificateRequest, error) {
	if status != "" && !status.Valid() {
		return nil, validationErrorf("%w: unknown status %q", ErrInvalidField, status)
	}
	reqs, err := m.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	sortRequests(reqs)
	return reqs, nil
}

// GetIssued returns the issuance record for serial.
func (m *Manager) GetIssued(ctx context.Context, serial string) (*ledger.IssuedCertificate, error) {
	return m.store.GetIssued(ctx, serial)
}

// ListIssued returns summaries of every issued certificate, newest first.
func (m *Manager) ListIssued(ctx context.Context) ([]ledger.IssuedSummary, error) {
	certs, err := m.store.ListIssued(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.IssuedSummary, 0, len(certs))
	for _, c := range certs {
		out = append(out, c.Summary())
	}
	sortSummaries(out)
	return out, nil
}

func (m *Manager) chainPEM() string {
	if m.authority == nil {
		return ""
	}
	return m.authority.ChainPEM()
}

func (m *Manager) recordError(op string, err error) {
	metrics.LifecycleErrorsTotal.WithLabelValues(op, ErrorReason(err)).Inc()
}

// ErrorReason classifies err into the lifecycle error taxonomy.
func ErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ledger.ErrRequestNotFound), errors.Is(err, ledger.ErrCertificateNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ledger.ErrSerialCollision):
		return "serial_collision"
	case errors.Is(err, ErrCapability):
		return "capability"
	default:
		return "storage"
	}
}
