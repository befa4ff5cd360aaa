package webauthntypes

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/key"
)

// AttestationObject is the CBOR structure conveying how a credential was
// created. This authenticator only ever emits the trust-agnostic "none"
// format with an empty attestation statement.
// https://www.w3.org/TR/webauthn-3/#sctn-attestation
type AttestationObject struct {
	Format               AttestationStatementFormatIdentifier `cbor:"fmt"`
	AttestationStatement map[string]any                       `cbor:"attStmt"`
	AuthData             []byte                               `cbor:"authData"`
}

// BuildNoneAttestationObject encodes a "none"-format attestation object over
// the given authenticator data. encMode must be canonical so the map key
// order and integer encoding are deterministic.
func BuildNoneAttestationObject(encMode cbor.EncMode, authData []byte) ([]byte, error) {
	b, err := encMode.Marshal(&AttestationObject{
		Format:               AttestationStatementFormatIdentifierNone,
		AttestationStatement: map[string]any{},
		AuthData:             authData,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot marshal attestation object: %w", err)
	}
	return b, nil
}

// BuildPSKExtensionOutput encodes the single-entry extension map carrying a
// backup key's COSE public key under the reserved PSK identifier. The result
// is appended verbatim to authenticator data as the extension segment.
func BuildPSKExtensionOutput(encMode cbor.EncMode, backupPublicKey key.Key) ([]byte, error) {
	b, err := encMode.Marshal(map[ExtensionIdentifier]key.Key{
		ExtensionIdentifierPSK: backupPublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot marshal psk extension output: %w", err)
	}
	return b, nil
}
