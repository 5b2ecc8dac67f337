package issuance_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/internal/metrics"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/ledger"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/profile"
	"github.com/jmcleod/ironca/storage/memory"
)

type fixture struct {
	mgr       *issuance.Manager
	ledger    *ledger.Ledger
	authority *pki.Authority
	boot      *pki.BootstrapResult
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	key, err := ledger.DeriveRecordKey([]byte("issuance test secret"))
	require.NoError(t, err)
	l, err := ledger.New(memory.NewRepository(), key)
	require.NoError(t, err)
	return l
}

func newFixture(t *testing.T, signer pki.Signer, opts ...issuance.Option) *fixture {
	t.Helper()
	boot, err := pki.Bootstrap(pki.BootstrapOptions{
		Organization:           "Example Ltd",
		Country:                "GB",
		RootCommonName:         "Example Root CA",
		IntermediateCommonName: "Example Issuing CA",
	})
	require.NoError(t, err)
	auth, err := boot.Authority()
	require.NoError(t, err)

	if signer == nil {
		signer = pki.NewSoftware()
	}
	l := newLedger(t)
	mgr, err := issuance.NewManager(l, signer, auth, opts...)
	require.NoError(t, err)
	return &fixture{mgr: mgr, ledger: l, authority: auth, boot: boot}
}

func validRequest() issuance.GenerateRequest {
	return issuance.GenerateRequest{
		Subject: profile.Subject{
			CommonName:         "www.example.com",
			Organization:       "Example Ltd",
			OrganizationalUnit: "IT",
			Country:            "gb",
			State:              "London",
			Locality:           "London",
			Email:              "ops@example.com",
		},
		CertType: profile.CertTypeServer,
		KeyType:  profile.KeyTypeECDSA,
		AltNames: "10.0.0.5, api.example.com",
	}
}

func importedCSR(t *testing.T, cn string, dns []string, ips []net.IP) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: cn, Organization: []string{"Outside Org"}, Country: []string{"US"}},
		DNSNames:    dns,
		IPAddresses: ips,
	}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func TestNewManager_Validation(t *testing.T) {
	l := newLedger(t)
	_, err := issuance.NewManager(nil, pki.NewSoftware(), nil)
	assert.Error(t, err)
	_, err = issuance.NewManager(l, nil, nil)
	assert.Error(t, err)
	_, err = issuance.NewManager(l, pki.NewSoftware(), nil, issuance.WithValidityDays(0))
	assert.Error(t, err)
}

func TestSubmitGenerated(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil)

	id, err := f.mgr.SubmitGenerated(ctx, validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	req, err := f.mgr.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, req.Status)
	assert.Equal(t, profile.KeyTypeECDSA, req.KeyType)
	assert.Equal(t, "GB", req.Subject.Country)
	assert.True(t, req.HasPrivateKey())
	assert.Contains(t, req.CSRPEM, "BEGIN CERTIFICATE REQUEST")

	parsed, err := pki.NewSoftware().ParseSigningRequest(req.CSRPEM)
	require.NoError(t, err)
	assert.Equal(t, []string{"www.example.com", "api.example.com"}, parsed.DNSNames)
	assert.Equal(t, "ops@example.com", parsed.Subject.Email)
}

func TestSubmitGenerated_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*issuance.GenerateRequest)
		want   error
	}{
		{"unknown cert type", func(r *issuance.GenerateRequest) { r.CertType = "email" }, profile.ErrInvalidCertType},
		{"imported key type", func(r *issuance.GenerateRequest) { r.KeyType = profile.KeyTypeImported }, profile.ErrInvalidKeyType},
		{"missing common name", func(r *issuance.GenerateRequest) { r.Subject.CommonName = "  " }, issuance.ErrMissingField},
		{"missing email", func(r *issuance.GenerateRequest) { r.Subject.Email = "" }, issuance.ErrMissingField},
		{"long country", func(r *issuance.GenerateRequest) { r.Subject.Country = "GBR" }, issuance.ErrInvalidField},
		{"bad email", func(r *issuance.GenerateRequest) { r.Subject.Email = "not-an-email" }, issuance.ErrInvalidField},
		{"control character", func(r *issuance.GenerateRequest) { r.Subject.Locality = "Lon\ndon" }, issuance.ErrInvalidField},
		{"shell metacharacters in SAN", func(r *issuance.GenerateRequest) { r.AltNames = "a.example.com; rm -rf /" }, issuance.ErrInvalidField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := t.Context()
			f := newFixture(t, nil)
			in := validRequest()
			tt.mutate(&in)

			_, err := f.mgr.SubmitGenerated(ctx, in)
			require.ErrorIs(t, err, issuance.ErrValidation)
			require.ErrorIs(t, err, tt.want)

			all, err := f.mgr.ListByStatus(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestSubmitGenerated_CapabilityFailureLeavesNothing(t *testing.T) {
	ctx := t.Context()

	keyFail := &mockSigner{}
	keyFail.On("GenerateKeyPair", mock.Anything, profile.KeyTypeECDSA).Return(nil, errors.New("entropy exhausted"))
	f := newFixture(t, keyFail)
	_, err := f.mgr.SubmitGenerated(ctx, validRequest())
	require.ErrorIs(t, err, issuance.ErrCapability)
	assert.Contains(t, err.Error(), "entropy exhausted")
	pending, err := f.mgr.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	keyFail.AssertExpectations(t)

	csrFail := &mockSigner{}
	kp, err := pki.NewSoftware().GenerateKeyPair(ctx, profile.KeyTypeECDSA)
	require.NoError(t, err)
	csrFail.On("GenerateKeyPair", mock.Anything, profile.KeyTypeECDSA).Return(kp, nil)
	csrFail.On("CreateSigningRequest", mock.Anything, kp, mock.Anything, mock.Anything).Return("", errors.New("signer offline"))
	f = newFixture(t, csrFail)
	_, err = f.mgr.SubmitGenerated(ctx, validRequest())
	require.ErrorIs(t, err, issuance.ErrCapability)
	pending, err = f.mgr.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	csrFail.AssertExpectations(t)
}

func TestSubmitImported(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil)

	csrPEM := importedCSR(t, "device-01.example.com", []string{"device-01.example.com", "alt.example.com"}, []net.IP{net.ParseIP("192.168.1.10")})
	id, err := f.mgr.SubmitImported(ctx, csrPEM, profile.CertTypeServer)
	require.NoError(t, err)

	req, err := f.mgr.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, profile.KeyTypeImported, req.KeyType)
	assert.False(t, req.HasPrivateKey())
	assert.Equal(t, "device-01.example.com", req.Subject.CommonName)
	assert.Equal(t, "Outside Org", req.Subject.Organization)
	assert.Equal(t, "device-01.example.com, alt.example.com, 192.168.1.10", req.AltNamesRaw)
}

func TestSubmitImported_Invalid(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil)

	_, err := f.mgr.SubmitImported(ctx, "", profile.CertTypeClient)
	require.ErrorIs(t, err, issuance.ErrMissingField)

	_, err = f.mgr.SubmitImported(ctx, "hello", profile.CertTypeClient)
	require.ErrorIs(t, err, issuance.ErrValidation)
	require.ErrorIs(t, err, pki.ErrInvalidPEM)

	broken := "-----BEGIN CERTIFICATE REQUEST-----\nAAAA\n-----END CERTIFICATE REQUEST-----\n"
	_, err = f.mgr.SubmitImported(ctx, broken, profile.CertTypeClient)
	require.ErrorIs(t, err, pki.ErrInvalidPEM)

	_, err = f.mgr.SubmitImported(ctx, importedCSR(t, "x", nil, nil), "bogus")
	require.ErrorIs(t, err, profile.ErrInvalidCertType)

	_, err = f.mgr.SubmitImported(ctx, importedCSR(t, "", []string{"a.example.com"}, nil), profile.CertTypeServer)
	require.ErrorIs(t, err, issuance.ErrMissingField)

	pending, err := f.mgr.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmit_NonASCIIServerCommonName(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil)

	in := validRequest()
	in.Subject.CommonName = "caf\u00e9.example.com"
	_, err := f.mgr.SubmitGenerated(ctx, in)
	require.ErrorIs(t, err, issuance.ErrValidation)
	require.ErrorIs(t, err, profile.ErrInvalidCommonName)

	_, err = f.mgr.SubmitImported(ctx, importedCSR(t, "caf\u00e9.example.com", nil, nil), profile.CertTypeServer)
	require.ErrorIs(t, err, issuance.ErrValidation)
	require.ErrorIs(t, err, profile.ErrInvalidCommonName)

	pending, err := f.mgr.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The same name is fine as a client subject.
	id, err := f.mgr.SubmitImported(ctx, importedCSR(t, "caf\u00e9", nil, nil), profile.CertTypeClient)
	require.NoError(t, err)
	_, err = f.mgr.Approve(ctx, id)
	require.NoError(t, err)
}

func TestApprove_Generated(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil, issuance.WithValidityDays(90))

	id, err := f.mgr.SubmitGenerated(ctx, validRequest())
	require.NoError(t, err)
	serial, err := f.mgr.Approve(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, serial)

	req, err := f.mgr.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, req.Status)
	assert.Equal(t, serial, req.Serial)
	require.NotNil(t, req.ApprovedAt)

	issued, err := f.mgr.GetIssued(ctx, serial)
	require.NoError(t, err)
	assert.Equal(t, id, issued.RequestID)
	assert.True(t, issued.HasPrivateKey())
	assert.Equal(t, req.PrivateKeyPEM, issued.PrivateKeyPEM)
	assert.Equal(t, issued.CertificatePEM+f.authority.ChainPEM(), issued.ChainPEM)

	info, err := pki.ParseCertificate(issued.CertificatePEM)
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", info.Subject.CommonName)
	assert.Equal(t, 90*24*time.Hour, info.NotAfter.Sub(info.NotBefore))
	assert.Equal(t, issued.NotBefore, info.NotBefore)
	assert.Equal(t, []string{"www.example.com", "api.example.com"}, info.DNSNames)
	assert.Equal(t, []string{"10.0.0.5"}, info.IPAddresses)
}

func TestApprove_ImportedHasNoKey(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil)

	id, err := f.mgr.SubmitImported(ctx, importedCSR(t, "alice", nil, nil), profile.CertTypeClient)
	require.NoError(t, err)
	serial, err := f.mgr.Approve(ctx, id)
	require.NoError(t, err)

	issued, err := f.mgr.GetIssued(ctx, serial)
	require.NoError(t, err)
	assert.False(t, issued.HasPrivateKey())
	assert.Empty(t, issued.PrivateKeyPEM)

	cert, err := pki.ParseCertificatePEM(issued.CertificatePEM)
	require.NoError(t, err)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection}, cert.ExtKeyUsage)
	assert.Empty(t, cert.DNSNames)
}

func TestApprove_NotFoundAndInvalidState(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil)

	_, err := f.mgr.Approve(ctx, "does-not-exist")
	require.ErrorIs(t, err, ledger.ErrRequestNotFound)
	require.NotErrorIs(t, err, ledger.ErrInvalidState)

	id, err := f.mgr.SubmitGenerated(ctx, validRequest())
	require.NoError(t, err)
	require.NoError(t, f.mgr.Reject(ctx, id))

	before := testutil.ToFloat64(metrics.LifecycleErrorsTotal.WithLabelValues("approve", "invalid_state"))
	_, err = f.mgr.Approve(ctx, id)
	require.ErrorIs(t, err, ledger.ErrInvalidState)
	require.NotErrorIs(t, err, ledger.ErrRequestNotFound)
	after := testutil.ToFloat64(metrics.LifecycleErrorsTotal.WithLabelValues("approve", "invalid_state"))
	assert.Equal(t, before+1, after)

	err = f.mgr.Reject(ctx, id)
	require.ErrorIs(t, err, ledger.ErrInvalidState)

	req, err := f.mgr.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, req.Status)
	assert.Empty(t, req.Serial)
	require.NotNil(t, req.RejectedAt)

	issued, err := f.mgr.ListIssued(ctx)
	require.NoError(t, err)
	assert.Empty(t, issued)
}

func TestApprove_SigningFailureKeepsPending(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil)
	id, err := f.mgr.SubmitGenerated(ctx, validRequest())
	require.NoError(t, err)

	noAuthority, err := issuance.NewManager(f.ledger, pki.NewSoftware(), nil)
	require.NoError(t, err)
	_, err = noAuthority.Approve(ctx, id)
	require.ErrorIs(t, err, issuance.ErrCapability)
	require.ErrorIs(t, err, pki.ErrNoAuthority)

	req, err := f.mgr.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, req.Status)

	// The request is still approvable once signing works.
	_, err = f.mgr.Approve(ctx, id)
	require.NoError(t, err)
}

func TestApprove_Concurrent(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil)
	id, err := f.mgr.SubmitGenerated(ctx, validRequest())
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.Approve(ctx, id)
		}(i)
	}
	wg.Wait()

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInvalidState):
			invalid++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, invalid)

	issued, err := f.mgr.ListIssued(ctx)
	require.NoError(t, err)
	assert.Len(t, issued, 1)
}

// fixedSerialSigner signs with the real software signer and then reports a
// constant serial, forcing collisions in the ledger.
type fixedSerialSigner struct {
	*pki.Software
	serial string
}

func (s *fixedSerialSigner) SignCertificate(ctx context.Context, csrPEM string, exts *profile.ExtensionSet, days int, a *pki.Authority) (*pki.SignedCertificate, error) {
	signed, err := s.Software.SignCertificate(ctx, csrPEM, exts, days, a)
	if err != nil {
		return nil, err
	}
	signed.Serial = s.serial
	return signed, nil
}

func TestApprove_SerialCollision(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, &fixedSerialSigner{Software: pki.NewSoftware(), serial: "0ABC"})

	first, err := f.mgr.SubmitGenerated(ctx, validRequest())
	require.NoError(t, err)
	second, err := f.mgr.SubmitGenerated(ctx, validRequest())
	require.NoError(t, err)

	_, err = f.mgr.Approve(ctx, first)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.LifecycleErrorsTotal.WithLabelValues("approve", "serial_collision"))
	_, err = f.mgr.Approve(ctx, second)
	require.ErrorIs(t, err, ledger.ErrSerialCollision)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LifecycleErrorsTotal.WithLabelValues("approve", "serial_collision")))

	req, err := f.mgr.GetRequest(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, req.Status)

	issued, err := f.mgr.GetIssued(ctx, "0ABC")
	require.NoError(t, err)
	assert.Equal(t, first, issued.RequestID)
}

func TestListOrdering(t *testing.T) {
	ctx := t.Context()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	ids := []string{"zzz", "aaa", "mmm"}
	next := 0
	gen := func() string {
		id := ids[next]
		next++
		return id
	}
	f := newFixture(t, nil, issuance.WithClock(clock), issuance.WithIDGenerator(gen))

	for range ids {
		_, err := f.mgr.SubmitGenerated(ctx, validRequest())
		require.NoError(t, err)
	}
	pending, err := f.mgr.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"zzz", "aaa", "mmm"}, []string{pending[0].ID, pending[1].ID, pending[2].ID})

	_, err = f.mgr.ListByStatus(ctx, "unknown")
	require.ErrorIs(t, err, issuance.ErrValidation)
}

func TestListIssued_Summaries(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, nil)

	id, err := f.mgr.SubmitGenerated(ctx, validRequest())
	require.NoError(t, err)
	serial, err := f.mgr.Approve(ctx, id)
	require.NoError(t, err)

	sums, err := f.mgr.ListIssued(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, serial, sums[0].Serial)
	assert.Equal(t, "www.example.com", sums[0].CommonName)
	assert.Equal(t, profile.CertTypeServer, sums[0].CertType)
	assert.True(t, sums[0].HasKey)
	assert.False(t, sums[0].ValidTo.Before(sums[0].ValidFrom))
}

func TestErrorReason(t *testing.T) {
	assert.Equal(t, "validation", issuance.ErrorReason(issuance.ErrValidation))
	assert.Equal(t, "not_found", issuance.ErrorReason(ledger.ErrCertificateNotFound))
	assert.Equal(t, "invalid_state", issuance.ErrorReason(ledger.ErrInvalidState))
	assert.Equal(t, "serial_collision", issuance.ErrorReason(ledger.ErrSerialCollision))
	assert.Equal(t, "capability", issuance.ErrorReason(issuance.ErrCapability))
	assert.Equal(t, "storage", issuance.ErrorReason(errors.New("disk full")))
	assert.True(t, strings.HasPrefix(issuance.ErrValidation.Error(), "validation"))
}
