package cosekey

import (
	goecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/go-ctap/softauthn/pkg/keywrap"
	"github.com/go-ctap/softauthn/pkg/webauthntypes"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEncMode(t *testing.T) cbor.EncMode {
	t.Helper()
	encMode, err := cbor.CTAP2EncOptions().EncMode()
	require.NoError(t, err)
	return encMode
}

func TestSignVerify(t *testing.T) {
	sk, err := GenerateKey(AlgES256)
	require.NoError(t, err)

	data := []byte("authenticator data || client data hash")
	sig, err := sk.Sign(data)
	require.NoError(t, err)

	pub, err := sk.PublicKeyCOSE()
	require.NoError(t, err)
	assert.NoError(t, Verify(pub, data, sig))
	assert.Error(t, Verify(pub, []byte("different data"), sig))
}

func TestNewES256KeyWrapsExistingKey(t *testing.T) {
	priv, err := goecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sk := NewES256Key(priv)
	assert.Equal(t, AlgES256, sk.Alg())
	assert.True(t, priv.PublicKey.Equal(sk.ECDSAPublicKey()))

	data := []byte("signed with an adopted key")
	sig, err := sk.Sign(data)
	require.NoError(t, err)
	pub, err := sk.PublicKeyCOSE()
	require.NoError(t, err)
	assert.NoError(t, Verify(pub, data, sig))
}

func TestGenerateKeyUnsupportedAlgorithm(t *testing.T) {
	_, err := GenerateKey(-257) // RS256
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestDeriveCredentialIDStable(t *testing.T) {
	encMode := testEncMode(t)

	sk, err := GenerateKey(AlgES256)
	require.NoError(t, err)
	pub, err := sk.PublicKeyCOSE()
	require.NoError(t, err)

	a, err := DeriveCredentialID(encMode, pub)
	require.NoError(t, err)
	b, err := DeriveCredentialID(encMode, pub)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	other, err := GenerateKey(AlgES256)
	require.NoError(t, err)
	otherPub, err := other.PublicKeyCOSE()
	require.NoError(t, err)
	c, err := DeriveCredentialID(encMode, otherPub)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestWrapUnwrapKeyRoundTrip(t *testing.T) {
	sk, err := GenerateKey(AlgES256)
	require.NoError(t, err)

	wrapped, err := sk.(*ES256Key).WrapWithPIN("123456")
	require.NoError(t, err)

	restored, err := UnwrapKey(wrapped, "123456")
	require.NoError(t, err)
	assert.Equal(t, AlgES256, restored.Alg())

	// The restored key must produce signatures the original public key
	// verifies.
	data := []byte("signed after round trip")
	sig, err := restored.Sign(data)
	require.NoError(t, err)
	pub, err := sk.PublicKeyCOSE()
	require.NoError(t, err)
	assert.NoError(t, Verify(pub, data, sig))
}

func TestUnwrapKeyWrongPIN(t *testing.T) {
	sk, err := GenerateKey(AlgES256)
	require.NoError(t, err)

	wrapped, err := sk.(*ES256Key).WrapWithPIN("123456")
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, "654321")
	assert.ErrorIs(t, err, keywrap.ErrIntegrity)
}

func TestPKCS8RoundTrip(t *testing.T) {
	sk, err := GenerateKey(AlgES256)
	require.NoError(t, err)

	der, err := sk.(*ES256Key).PKCS8()
	require.NoError(t, err)

	restored, err := ParsePKCS8ES256(der)
	require.NoError(t, err)

	data := []byte("pkcs8 round trip")
	sig, err := restored.Sign(data)
	require.NoError(t, err)
	pub, err := sk.PublicKeyCOSE()
	require.NoError(t, err)
	assert.NoError(t, Verify(pub, data, sig))
}

func TestChooseAlgorithm(t *testing.T) {
	alg, err := ChooseAlgorithm([]webauthntypes.PublicKeyCredentialParameters{
		{Type: webauthntypes.PublicKeyCredentialTypePublicKey, Algorithm: -257},
		{Type: webauthntypes.PublicKeyCredentialTypePublicKey, Algorithm: AlgES256},
	})
	require.NoError(t, err)
	assert.Equal(t, AlgES256, alg)

	_, err = ChooseAlgorithm([]webauthntypes.PublicKeyCredentialParameters{
		{Type: webauthntypes.PublicKeyCredentialTypePublicKey, Algorithm: -257},
	})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestEncodeDecodeID(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	decoded, err := DecodeID(EncodeID(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}
