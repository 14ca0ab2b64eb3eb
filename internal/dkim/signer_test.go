package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fwdmail/backend/internal/domain"
)

const testMessage = "From: client@other.com\r\n" +
	"To: sales@example.com\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"body line\r\n"

func genTestKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block))
}

func TestSignAddsSignatureHeader(t *testing.T) {
	signer := NewSigner(zap.NewNop(), false)
	d := &domain.Domain{
		Name:           "example.com",
		DKIMSelector:   "fwd",
		DKIMPrivateKey: genTestKeyPEM(t),
		DKIMVerified:   true,
	}

	signed, err := signer.Sign([]byte(testMessage), d)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(signed), "DKIM-Signature:"))
	assert.Contains(t, string(signed), "d=example.com")
	assert.Contains(t, string(signed), "s=fwd")
	assert.Contains(t, string(signed), "body line")
}

func TestSignFailsWhenVerifiedDomainHasNoKey(t *testing.T) {
	signer := NewSigner(zap.NewNop(), false)
	d := &domain.Domain{
		Name:         "example.com",
		DKIMVerified: true,
	}

	_, err := signer.Sign([]byte(testMessage), d)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestSignFailsWhenVerifiedDomainHasBadKey(t *testing.T) {
	signer := NewSigner(zap.NewNop(), false)
	d := &domain.Domain{
		Name:           "example.com",
		DKIMSelector:   "fwd",
		DKIMPrivateKey: "not a pem key",
		DKIMVerified:   true,
	}

	_, err := signer.Sign([]byte(testMessage), d)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSignPassesThroughWhenDKIMNotVerified(t *testing.T) {
	signer := NewSigner(zap.NewNop(), false)
	d := &domain.Domain{
		Name:         "example.com",
		DKIMVerified: false,
	}

	out, err := signer.Sign([]byte(testMessage), d)
	require.NoError(t, err)
	assert.Equal(t, []byte(testMessage), out, "unsigned delivery is the defined behavior")
}

func TestSignRejectsUnsignedWhenRequired(t *testing.T) {
	signer := NewSigner(zap.NewNop(), true)
	d := &domain.Domain{
		Name:         "example.com",
		DKIMVerified: false,
	}

	_, err := signer.Sign([]byte(testMessage), d)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestPublicKeyRecordMatchesPrivateKey(t *testing.T) {
	pemKey := genTestKeyPEM(t)

	p1, err := PublicKeyRecord(pemKey)
	require.NoError(t, err)
	p2, err := PublicKeyRecord(pemKey)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.NotEmpty(t, p1)

	other := genTestKeyPEM(t)
	p3, err := PublicKeyRecord(other)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p3)
}

func TestNormalizeCRLF(t *testing.T) {
	in := []byte("a\nb\r\nc\n")
	assert.Equal(t, []byte("a\r\nb\r\nc\r\n"), normalizeCRLF(in))
}
