package issuance_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/profile"
)

type mockSigner struct {
	mock.Mock
}

var _ pki.Signer = (*mockSigner)(nil)

func (m *mockSigner) GenerateKeyPair(ctx context.Context, keyType profile.KeyType) (*pki.KeyPair, error) {
	args := m.Called(ctx, keyType)
	kp, _ := args.Get(0).(*pki.KeyPair)
	return kp, args.Error(1)
}

func (m *mockSigner) CreateSigningRequest(ctx context.Context, key *pki.KeyPair, subject profile.Subject, exts *profile.ExtensionSet) (string, error) {
	args := m.Called(ctx, key, subject, exts)
	return args.String(0), args.Error(1)
}

func (m *mockSigner) ParseSigningRequest(csrPEM string) (*pki.SigningRequest, error) {
	args := m.Called(csrPEM)
	req, _ := args.Get(0).(*pki.SigningRequest)
	return req, args.Error(1)
}

func (m *mockSigner) SignCertificate(ctx context.Context, csrPEM string, exts *profile.ExtensionSet, validityDays int, authority *pki.Authority) (*pki.SignedCertificate, error) {
	args := m.Called(ctx, csrPEM, exts, validityDays, authority)
	cert, _ := args.Get(0).(*pki.SignedCertificate)
	return cert, args.Error(1)
}

func (m *mockSigner) ParseCertificate(certPEM string) (*pki.CertificateInfo, error) {
	args := m.Called(certPEM)
	info, _ := args.Get(0).(*pki.CertificateInfo)
	return info, args.Error(1)
}
