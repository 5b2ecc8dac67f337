package ledger_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/ledger"
	"github.com/jmcleod/ironca/profile"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*ledger.Ledger, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	key, err := ledger.DeriveRecordKey([]byte("test master secret"))
	require.NoError(t, err)
	l, err := ledger.New(repo, key)
	require.NoError(t, err)
	return l, repo
}

func newPending(id string) *ledger.CertificateRequest {
	return &ledger.CertificateRequest{
		ID:       id,
		CertType: profile.CertTypeServer,
		Subject: profile.Subject{
			CommonName:   id + ".example.com",
			Organization: "Example Ltd",
			Country:      "GB",
			State:        "London",
			Locality:     "London",
			Email:        "ops@example.com",
		},
		AltNamesRaw:   "10.0.0.5",
		KeyType:       profile.KeyTypeECDSA,
		Status:        ledger.StatusPending,
		SubmittedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CSRPEM:        "csr",
		PrivateKeyPEM: "key",
	}
}

func approved(req *ledger.CertificateRequest, serial string) (*ledger.CertificateRequest, *ledger.IssuedCertificate) {
	now := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	next := *req
	next.Status = ledger.StatusApproved
	next.Serial = serial
	next.ApprovedAt = &now
	cert := &ledger.IssuedCertificate{
		Serial:         serial,
		RequestID:      req.ID,
		CertType:       req.CertType,
		CommonName:     req.Subject.CommonName,
		CertificatePEM: "cert",
		ChainPEM:       "cert+chain",
		PrivateKeyPEM:  req.PrivateKeyPEM,
		NotBefore:      now,
		NotAfter:       now.AddDate(0, 0, 365),
		CreatedAt:      now,
	}
	return &next, cert
}

func TestNew_Validation(t *testing.T) {
	_, err := ledger.New(nil, make([]byte, 32))
	assert.Error(t, err)
	_, err = ledger.New(memory.NewRepository(), []byte("short"))
	assert.Error(t, err)
}

func TestDeriveRecordKey(t *testing.T) {
	a, err := ledger.DeriveRecordKey([]byte("secret"))
	require.NoError(t, err)
	b, err := ledger.DeriveRecordKey([]byte("secret"))
	require.NoError(t, err)
	c, err := ledger.DeriveRecordKey([]byte("other"))
	require.NoError(t, err)
	assert.Len(t, a, util.AESKeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = ledger.DeriveRecordKey(nil)
	assert.Error(t, err)
}

func TestCreateGet(t *testing.T) {
	ctx := t.Context()
	l, _ := newTestLedger(t)

	req := newPending("r1")
	require.NoError(t, l.Create(ctx, req))
	assert.Equal(t, uint64(1), req.Version)

	got, err := l.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, req, got)

	err = l.Create(ctx, newPending("r1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateRequest)

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrRequestNotFound)
}

func TestCreate_RejectsNonPending(t *testing.T) {
	l, _ := newTestLedger(t)
	req := newPending("r1")
	req.Status = ledger.StatusApproved
	assert.ErrorIs(t, l.Create(t.Context(), req), ledger.ErrInvalidState)
}

func TestRecordsAreSealed(t *testing.T) {
	ctx := t.Context()
	l, repo := newTestLedger(t)
	require.NoError(t, l.Create(ctx, newPending("r1")))

	env, err := repo.Get(ledger.DefaultBucket, "request", "r1")
	require.NoError(t, err)
	assert.NotContains(t, string(env.Ciphertext), "r1.example.com")

	// A sealed record moved under another id fails to open.
	require.NoError(t, repo.Put(ledger.DefaultBucket, "request", "r2", env))
	_, err = l.Get(ctx, "r2")
	assert.Error(t, err)

	// A ledger with a different key cannot read the record.
	otherKey, err := ledger.DeriveRecordKey([]byte("another secret"))
	require.NoError(t, err)
	other, err := ledger.New(repo, otherKey)
	require.NoError(t, err)
	_, err = other.Get(ctx, "r1")
	assert.Error(t, err)
}

func TestListByStatus(t *testing.T) {
	ctx := t.Context()
	l, _ := newTestLedger(t)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, l.Create(ctx, newPending(id)))
	}
	b, err := l.Get(ctx, "b")
	require.NoError(t, err)
	b.Status = ledger.StatusRejected
	require.NoError(t, l.Update(ctx, b))

	pending, err := l.ListByStatus(ctx, ledger.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)

	rejected, err := l.ListByStatus(ctx, ledger.StatusRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "b", rejected[0].ID)

	all, err := l.ListByStatus(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdate_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    ledger.Status
		to      ledger.Status
		wantErr bool
	}{
		{"pending to approved", ledger.StatusPending, ledger.StatusApproved, false},
		{"pending to rejected", ledger.StatusPending, ledger.StatusRejected, false},
		{"pending to pending", ledger.StatusPending, ledger.StatusPending, true},
		{"approved to rejected", ledger.StatusApproved, ledger.StatusRejected, true},
		{"approved to pending", ledger.StatusApproved, ledger.StatusPending, true},
		{"rejected to approved", ledger.StatusRejected, ledger.StatusApproved, true},
		{"rejected to pending", ledger.StatusRejected, ledger.StatusPending, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := t.Context()
			l, _ := newTestLedger(t)
			require.NoError(t, l.Create(ctx, newPending("r1")))

			if tt.from != ledger.StatusPending {
				req, err := l.Get(ctx, "r1")
				require.NoError(t, err)
				req.Status = tt.from
				require.NoError(t, l.Update(ctx, req))
			}

			before, err := l.Get(ctx, "r1")
			require.NoError(t, err)
			next := *before
			next.Status = tt.to
			err = l.Update(ctx, &next)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, before.Version+1, next.Version)
				return
			}
			require.ErrorIs(t, err, ledger.ErrInvalidState)
			after, err := l.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestUpdate_NotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	req := newPending("ghost")
	req.Status = ledger.StatusRejected
	assert.ErrorIs(t, l.Update(t.Context(), req), ledger.ErrRequestNotFound)
}

func TestUpdate_StaleVersion(t *testing.T) {
	ctx := t.Context()
	l, _ := newTestLedger(t)
	req := newPending("r1")
	require.NoError(t, l.Create(ctx, req))

	stale := *req
	stale.Version = 7
	stale.Status = ledger.StatusRejected
	assert.ErrorIs(t, l.Update(ctx, &stale), ledger.ErrInvalidState)
}

func TestIssue(t *testing.T) {
	ctx := t.Context()
	l, _ := newTestLedger(t)
	req := newPending("r1")
	require.NoError(t, l.Create(ctx, req))

	next, cert := approved(req, "0A1B")
	require.NoError(t, l.Issue(ctx, next, cert))

	got, err := l.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, got.Status)
	assert.Equal(t, "0A1B", got.Serial)
	require.NotNil(t, got.ApprovedAt)

	issued, err := l.GetIssued(ctx, "0A1B")
	require.NoError(t, err)
	assert.Equal(t, cert, issued)

	_, err = l.GetIssued(ctx, "FFFF")
	assert.ErrorIs(t, err, ledger.ErrCertificateNotFound)

	// A second issue for the same request fails on state.
	again, cert2 := approved(got, "0C0D")
	assert.ErrorIs(t, l.Issue(ctx, again, cert2), ledger.ErrInvalidState)
	_, err = l.GetIssued(ctx, "0C0D")
	assert.ErrorIs(t, err, ledger.ErrCertificateNotFound)
}

func TestIssue_SerialCollision(t *testing.T) {
	ctx := t.Context()
	l, _ := newTestLedger(t)
	first := newPending("r1")
	second := newPending("r2")
	require.NoError(t, l.Create(ctx, first))
	require.NoError(t, l.Create(ctx, second))

	next, cert := approved(first, "0A1B")
	require.NoError(t, l.Issue(ctx, next, cert))

	next2, cert2 := approved(second, "0A1B")
	err := l.Issue(ctx, next2, cert2)
	require.ErrorIs(t, err, ledger.ErrSerialCollision)

	// Neither record was touched by the failed attempt.
	r2, err := l.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, r2.Status)
	issued, err := l.GetIssued(ctx, "0A1B")
	require.NoError(t, err)
	assert.Equal(t, "r1", issued.RequestID)
}

func TestIssue_MismatchedRecord(t *testing.T) {
	ctx := t.Context()
	l, _ := newTestLedger(t)
	req := newPending("r1")
	require.NoError(t, l.Create(ctx, req))

	next, cert := approved(req, "0A1B")
	cert.RequestID = "other"
	assert.ErrorIs(t, l.Issue(ctx, next, cert), ledger.ErrInvalidState)
}

func TestIssue_Concurrent(t *testing.T) {
	ctx := t.Context()
	l, _ := newTestLedger(t)
	req := newPending("r1")
	require.NoError(t, l.Create(ctx, req))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		invalid   int
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next, cert := approved(req, []string{"01", "02", "03", "04", "05", "06", "07", "08"}[i])
			err := l.Issue(ctx, next, cert)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, ledger.ErrInvalidState):
				invalid++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, invalid)

	issued, err := l.ListIssued(ctx)
	require.NoError(t, err)
	assert.Len(t, issued, 1)
}

func TestListIssuedAndSummary(t *testing.T) {
	ctx := t.Context()
	l, _ := newTestLedger(t)
	for _, id := range []string{"r1", "r2"} {
		req := newPending(id)
		require.NoError(t, l.Create(ctx, req))
		next, cert := approved(req, "S-"+id)
		if id == "r2" {
			cert.PrivateKeyPEM = ""
		}
		require.NoError(t, l.Issue(ctx, next, cert))
	}

	issued, err := l.ListIssued(ctx)
	require.NoError(t, err)
	require.Len(t, issued, 2)
	assert.Equal(t, "S-r1", issued[0].Serial)

	sum := issued[1].Summary()
	assert.Equal(t, "S-r2", sum.Serial)
	assert.Equal(t, "r2.example.com", sum.CommonName)
	assert.Equal(t, profile.CertTypeServer, sum.CertType)
	assert.False(t, sum.HasKey)
	assert.True(t, issued[0].Summary().HasKey)
}

func TestRedacted(t *testing.T) {
	req := newPending("r1")
	red := req.Redacted()
	assert.Empty(t, red.CSRPEM)
	assert.Empty(t, red.PrivateKeyPEM)
	assert.Equal(t, "key", req.PrivateKeyPEM)
	assert.True(t, req.HasPrivateKey())
}
