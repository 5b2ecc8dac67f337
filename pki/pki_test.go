package pki_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAuthority bootstraps a root and intermediate for signing tests.
func newTestAuthority(t *testing.T) (*pki.Authority, *pki.BootstrapResult) {
	t.Helper()
	res, err := pki.Bootstrap(pki.BootstrapOptions{
		Organization:           "TestOrg",
		Country:                "GB",
		RootCommonName:         "Test Root CA",
		IntermediateCommonName: "Test Intermediate CA",
	})
	require.NoError(t, err)
	auth, err := res.Authority()
	require.NoError(t, err)
	return auth, res
}

func testSubject() profile.Subject {
	return profile.Subject{
		CommonName:         "www.example.com",
		Organization:       "Example Ltd",
		OrganizationalUnit: "IT",
		Country:            "GB",
		State:              "London",
		Locality:           "London",
		Email:              "ops@example.com",
	}
}

func TestGenerateKeyPair(t *testing.T) {
	ctx := t.Context()
	s := pki.NewSoftware()

	ec, err := s.GenerateKeyPair(ctx, profile.KeyTypeECDSA)
	require.NoError(t, err)
	ecKey, ok := ec.Signer.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.Equal(t, elliptic.P384(), ecKey.Curve)
	assert.Contains(t, ec.PEM, "BEGIN PRIVATE KEY")

	r, err := s.GenerateKeyPair(ctx, profile.KeyTypeRSA)
	require.NoError(t, err)
	rsaKey, ok := r.Signer.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.Equal(t, pki.RSAKeyBits, rsaKey.N.BitLen())

	parsed, err := pki.ParsePrivateKeyPEM(r.PEM)
	require.NoError(t, err)
	assert.True(t, rsaKey.PublicKey.Equal(parsed.Public()))

	_, err = s.GenerateKeyPair(ctx, profile.KeyTypeImported)
	assert.ErrorIs(t, err, pki.ErrUnsupportedKeyType)
}

func TestGenerateKeyPair_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := pki.NewSoftware().GenerateKeyPair(ctx, profile.KeyTypeECDSA)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSigningRequestRoundTrip(t *testing.T) {
	ctx := t.Context()
	s := pki.NewSoftware()

	key, err := s.GenerateKeyPair(ctx, profile.KeyTypeECDSA)
	require.NoError(t, err)
	exts, err := profile.BuildRequestExtensions(profile.CertTypeServer, "www.example.com", "10.0.0.5, api.example.com")
	require.NoError(t, err)

	csrPEM, err := s.CreateSigningRequest(ctx, key, testSubject(), exts)
	require.NoError(t, err)
	assert.Contains(t, csrPEM, "BEGIN CERTIFICATE REQUEST")

	req, err := s.ParseSigningRequest(csrPEM)
	require.NoError(t, err)
	assert.Equal(t, testSubject(), req.Subject)
	assert.Equal(t, []string{"www.example.com", "api.example.com"}, req.DNSNames)
	assert.Equal(t, "www.example.com, api.example.com, 10.0.0.5", req.AltNamesRaw())
	assert.Equal(t, "ECDSA P-384", req.KeyAlgorithm)
}

func TestParseSigningRequest_Invalid(t *testing.T) {
	s := pki.NewSoftware()

	_, err := s.ParseSigningRequest("not pem")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)

	garbage := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: []byte{1, 2, 3}}))
	_, err = s.ParseSigningRequest(garbage)
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)

	_, res := newTestAuthority(t)
	_, err = s.ParseSigningRequest(res.RootCertPEM)
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestParseSigningRequest_BadSignature(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "tampered"},
	}, key)
	require.NoError(t, err)
	// Flip a bit in the signature.
	der[len(der)-2] ^= 0xFF
	csrPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))

	_, err = pki.NewSoftware().ParseSigningRequest(csrPEM)
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestSignCertificate(t *testing.T) {
	ctx := t.Context()
	s := pki.NewSoftware()
	auth, res := newTestAuthority(t)

	key, err := s.GenerateKeyPair(ctx, profile.KeyTypeRSA)
	require.NoError(t, err)
	reqExts, err := profile.BuildRequestExtensions(profile.CertTypeServer, "www.example.com", "10.0.0.5")
	require.NoError(t, err)
	csrPEM, err := s.CreateSigningRequest(ctx, key, testSubject(), reqExts)
	require.NoError(t, err)

	certExts, err := profile.BuildCertificateExtensions(profile.CertTypeServer, "www.example.com", "10.0.0.5")
	require.NoError(t, err)
	signed, err := s.SignCertificate(ctx, csrPEM, certExts, 365, auth)
	require.NoError(t, err)

	assert.Equal(t, strings.ToUpper(signed.Serial), signed.Serial)
	assert.Equal(t, 365*24*time.Hour, signed.NotAfter.Sub(signed.NotBefore))
	assert.Equal(t, "www.example.com", signed.Subject.CommonName)
	assert.Equal(t, "ops@example.com", signed.Subject.Email)

	cert, err := pki.ParseCertificatePEM(signed.PEM)
	require.NoError(t, err)
	assert.False(t, cert.IsCA)
	assert.Equal(t, x509.ECDSAWithSHA384, cert.SignatureAlgorithm)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)
	assert.Equal(t, []string{"www.example.com"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.5", cert.IPAddresses[0].String())
	assert.NotEmpty(t, cert.SubjectKeyId)
	assert.Equal(t, auth.Certificate().SubjectKeyId, cert.AuthorityKeyId)

	// The issued certificate verifies against the bootstrapped chain.
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM([]byte(res.RootCertPEM)))
	inters := x509.NewCertPool()
	require.True(t, inters.AppendCertsFromPEM([]byte(res.IntermediateCertPEM)))
	_, err = cert.Verify(x509.VerifyOptions{
		DNSName:       "www.example.com",
		Roots:         roots,
		Intermediates: inters,
	})
	require.NoError(t, err)

	info, err := s.ParseCertificate(signed.PEM)
	require.NoError(t, err)
	assert.Equal(t, signed.Serial, info.Serial)
	assert.Equal(t, pki.StatusActive, info.Status)
	assert.Equal(t, "RSA 2048", info.KeyAlgorithm)
	assert.Equal(t, []string{"10.0.0.5"}, info.IPAddresses)
}

func TestSignCertificate_UniqueSerials(t *testing.T) {
	ctx := t.Context()
	s := pki.NewSoftware()
	auth, _ := newTestAuthority(t)

	key, err := s.GenerateKeyPair(ctx, profile.KeyTypeECDSA)
	require.NoError(t, err)
	exts, err := profile.BuildCertificateExtensions(profile.CertTypeClient, "alice", "")
	require.NoError(t, err)
	csrPEM, err := s.CreateSigningRequest(ctx, key, profile.Subject{CommonName: "alice"}, exts)
	require.NoError(t, err)

	seen := map[string]bool{}
	for range 5 {
		signed, err := s.SignCertificate(ctx, csrPEM, exts, 30, auth)
		require.NoError(t, err)
		assert.False(t, seen[signed.Serial])
		seen[signed.Serial] = true
	}
}

func TestSignCertificate_NoAuthority(t *testing.T) {
	ctx := t.Context()
	s := pki.NewSoftware()
	exts, err := profile.BuildCertificateExtensions(profile.CertTypeClient, "alice", "")
	require.NoError(t, err)

	_, err = s.SignCertificate(ctx, "irrelevant", exts, 30, nil)
	assert.ErrorIs(t, err, pki.ErrNoAuthority)
}

func TestNewAuthority_KeyMismatch(t *testing.T) {
	_, res := newTestAuthority(t)
	_, err := pki.NewAuthority(res.IntermediateCertPEM, res.RootKeyPEM, "", res.RootCertPEM)
	assert.ErrorIs(t, err, pki.ErrKeyMismatch)
}

func TestNewAuthority_DefaultChain(t *testing.T) {
	_, res := newTestAuthority(t)
	auth, err := pki.NewAuthority(res.IntermediateCertPEM, res.IntermediateKeyPEM, "", res.RootCertPEM)
	require.NoError(t, err)
	assert.Equal(t, res.IntermediateCertPEM+res.RootCertPEM, auth.ChainPEM())
	assert.Equal(t, res.RootCertPEM, auth.RootPEM())
	assert.Equal(t, "Test Intermediate CA", auth.Certificate().Subject.CommonName)
}

func TestBootstrapWriteAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ca")
	_, res := newTestAuthority(t)
	require.NoError(t, res.WriteFiles(dir))

	st, err := os.Stat(filepath.Join(dir, pki.IntermediateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	auth, err := pki.LoadAuthority(
		filepath.Join(dir, pki.IntermediateCertFile),
		filepath.Join(dir, pki.IntermediateKeyFile),
		filepath.Join(dir, pki.ChainFile),
		filepath.Join(dir, pki.RootCertFile),
	)
	require.NoError(t, err)
	assert.Equal(t, res.ChainPEM, auth.ChainPEM())

	// A second write must not clobber existing material.
	assert.Error(t, res.WriteFiles(dir))
}

func TestBootstrap_IntermediateConstraints(t *testing.T) {
	_, res := newTestAuthority(t)
	inter, err := pki.ParseCertificatePEM(res.IntermediateCertPEM)
	require.NoError(t, err)
	assert.True(t, inter.IsCA)
	assert.True(t, inter.MaxPathLenZero)
	assert.Equal(t, "Test Root CA", inter.Issuer.CommonName)
}
