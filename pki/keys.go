package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"

	"github.com/jmcleod/ironca/profile"
)

// RSAKeyBits is the modulus size of generated RSA keys.
const RSAKeyBits = 2048

// KeyPair is a freshly generated private key together with its PKCS#8 PEM
// encoding.
type KeyPair struct {
	Type   profile.KeyType
	Signer crypto.Signer
	PEM    string
}

// Public returns the public half of the pair.
func (k *KeyPair) Public() crypto.PublicKey {
	return k.Signer.Public()
}

func generateKey(r io.Reader, keyType profile.KeyType) (*KeyPair, error) {
	var (
		priv crypto.Signer
		err  error
	)
	switch keyType {
	case profile.KeyTypeRSA:
		priv, err = rsa.GenerateKey(r, RSAKeyBits)
	case profile.KeyTypeECDSA:
		priv, err = ecdsa.GenerateKey(elliptic.P384(), r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, string(keyType))
	}
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", keyType, err)
	}
	keyPEM, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Type: keyType, Signer: priv, PEM: keyPEM}, nil
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 "PRIVATE KEY" block.
func EncodePrivateKeyPEM(key crypto.Signer) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("encoding private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der})), nil
}

// ParsePrivateKeyPEM accepts PKCS#8, SEC1 and PKCS#1 private key blocks.
func ParsePrivateKeyPEM(keyPEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case pemTypePrivateKey:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}

	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
	}
}

// signatureAlgorithm picks the SHA-384 variant matching the signing key.
func signatureAlgorithm(pub crypto.PublicKey) (x509.SignatureAlgorithm, error) {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA384, nil
	case *rsa.PublicKey:
		return x509.SHA384WithRSA, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
}
