// Package cosekey abstracts the asymmetric primitive behind a credential so
// the protocol engine is algorithm-agnostic beyond the COSE identifier
// negotiated at creation time.
package cosekey

import (
	goecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-ctap/softauthn/pkg/keywrap"
	"github.com/go-ctap/softauthn/pkg/webauthntypes"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"
	"github.com/ldclabs/cose/key/ecdsa"
)

var (
	ErrUnsupportedAlgorithm = errors.New("cosekey: unsupported algorithm")
)

// AlgES256 is the COSE algorithm identifier for ECDSA w/ SHA-256.
var AlgES256 = key.Alg(iana.AlgorithmES256)

// SigningKey is the capability set a credential key must provide: signing,
// COSE public key export, and construction of the authenticator data and
// client data artifacts bound to this key's identity.
type SigningKey interface {
	Alg() key.Alg
	Sign(data []byte) ([]byte, error)
	PublicKeyCOSE() (key.Key, error)
	AuthenticatorData(encMode cbor.EncMode, rpID string, aaguid uuid.UUID, credentialID, extensions []byte) ([]byte, error)
	ClientData(ceremony, origin string, challenge []byte) ([]byte, error)
}

// Wrapper is implemented by signing keys whose private half can be exported
// through the key-wrap codec for persistence.
type Wrapper interface {
	WrapWithPIN(pin string) ([]byte, error)
}

// ES256Key implements SigningKey over ECDSA P-256 with SHA-256, the only
// algorithm this authenticator currently negotiates.
type ES256Key struct {
	priv *goecdsa.PrivateKey
}

var es256Descriptor = keywrap.KeyAlgorithm{
	Name:       "ECDSA",
	NamedCurve: "P-256",
	Hash:       "SHA-256",
}

// GenerateKey creates a fresh signing key pair for the given COSE algorithm.
func GenerateKey(alg key.Alg) (SigningKey, error) {
	if alg != AlgES256 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, alg)
	}

	priv, err := goecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cannot generate P-256 keypair: %w", err)
	}
	return NewES256Key(priv), nil
}

// NewES256Key wraps an existing ECDSA P-256 private key.
func NewES256Key(priv *goecdsa.PrivateKey) *ES256Key {
	return &ES256Key{priv: priv}
}

func (k *ES256Key) Alg() key.Alg {
	return AlgES256
}

// Sign produces an ASN.1 DER ECDSA signature over SHA-256(data), the
// signature format WebAuthn relying parties expect for ES256.
func (k *ES256Key) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := goecdsa.SignASN1(rand.Reader, k.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("cannot sign: %w", err)
	}
	return sig, nil
}

func (k *ES256Key) PublicKeyCOSE() (key.Key, error) {
	coseKey, err := ecdsa.KeyFromPublic(&k.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("cannot convert public key to COSE_Key: %w", err)
	}
	return coseKey, nil
}

func (k *ES256Key) AuthenticatorData(
	encMode cbor.EncMode,
	rpID string,
	aaguid uuid.UUID,
	credentialID []byte,
	extensions []byte,
) ([]byte, error) {
	coseKey, err := k.PublicKeyCOSE()
	if err != nil {
		return nil, err
	}
	return webauthntypes.BuildAuthenticatorData(
		encMode,
		rpID,
		webauthntypes.AuthDataFlagUserPresent,
		0,
		&webauthntypes.AttestedCredentialData{
			AAGUID:              aaguid,
			CredentialID:        credentialID,
			CredentialPublicKey: coseKey,
		},
		extensions,
	)
}

func (k *ES256Key) ClientData(ceremony, origin string, challenge []byte) ([]byte, error) {
	return webauthntypes.BuildClientData(ceremony, origin, challenge)
}

// PKCS8 exports the private half as PKCS#8 DER.
func (k *ES256Key) PKCS8() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal private key: %w", err)
	}
	return der, nil
}

// ParsePKCS8ES256 reconstructs a signing key from PKCS#8 DER.
func ParsePKCS8ES256(der []byte) (*ES256Key, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("cannot parse private key: %w", err)
	}
	priv, ok := parsed.(*goecdsa.PrivateKey)
	if !ok || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not an ECDSA P-256 key", ErrUnsupportedAlgorithm)
	}
	return NewES256Key(priv), nil
}

// ECDSAPublicKey exposes the underlying public key for out-of-band exports
// such as JWK.
func (k *ES256Key) ECDSAPublicKey() *goecdsa.PublicKey {
	return &k.priv.PublicKey
}

// Verify checks an ASN.1 DER ECDSA signature over SHA-256(data) against a
// COSE public key.
func Verify(publicKey key.Key, data, sig []byte) error {
	pub, err := ecdsa.KeyToPublic(publicKey)
	if err != nil {
		return fmt.Errorf("cannot convert COSE_Key to public key: %w", err)
	}
	digest := sha256.Sum256(data)
	if !goecdsa.VerifyASN1(pub, digest[:], sig) {
		return errors.New("cosekey: signature verification failed")
	}
	return nil
}

// WrapWithPIN exports the private half as PKCS#8 and wraps it through the
// key-wrap codec under the given PIN.
func (k *ES256Key) WrapWithPIN(pin string) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not exportable: %w", keywrap.ErrCrypto, err)
	}
	return keywrap.Wrap(der, es256Descriptor, pin)
}

// UnwrapKey reverses WrapWithPIN: it unwraps the payload and reconstructs a
// signing key whose algorithm matches the embedded descriptor.
func UnwrapKey(payload []byte, pin string) (SigningKey, error) {
	material, alg, err := keywrap.Unwrap(payload, pin)
	if err != nil {
		return nil, err
	}
	if alg != es256Descriptor {
		return nil, fmt.Errorf("%w: %q over %q", ErrUnsupportedAlgorithm, alg.Name, alg.NamedCurve)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(material)
	if err != nil {
		return nil, fmt.Errorf("cannot parse unwrapped key material: %w", err)
	}
	priv, ok := parsed.(*goecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: unwrapped key is not ECDSA", ErrUnsupportedAlgorithm)
	}

	return NewES256Key(priv), nil
}

// ChooseAlgorithm picks the first mutually supported COSE algorithm from the
// relying party's requested parameters.
func ChooseAlgorithm(params []webauthntypes.PublicKeyCredentialParameters) (key.Alg, error) {
	for _, p := range params {
		if p.Type != webauthntypes.PublicKeyCredentialTypePublicKey {
			continue
		}
		if p.Algorithm == AlgES256 {
			return p.Algorithm, nil
		}
	}
	return 0, ErrUnsupportedAlgorithm
}

// EncodeID renders a raw credential id in its relying-party-scoped string
// form, base64url without padding.
func EncodeID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// DecodeID is the inverse of EncodeID.
func DecodeID(id string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(id)
}

// DeriveCredentialID derives a credential id from a key's identity: the
// SHA-256 of the canonical CBOR encoding of its COSE public key. Identical
// keys therefore always map to the same id, which is what makes duplicate
// detection and delegation binding possible.
func DeriveCredentialID(encMode cbor.EncMode, publicKey key.Key) ([]byte, error) {
	b, err := encMode.Marshal(publicKey)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal COSE_Key: %w", err)
	}
	id := sha256.Sum256(b)
	return id[:], nil
}
