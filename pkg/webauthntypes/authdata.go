package webauthntypes

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/ldclabs/cose/key"
)

type AuthDataFlag byte

const (
	AuthDataFlagUserPresent AuthDataFlag = 1 << iota
	_
	AuthDataFlagUserVerified
	_
	_
	_
	AuthDataFlagAttestedCredentialDataIncluded
	AuthDataFlagExtensionDataIncluded
)

func (f AuthDataFlag) UserPresent() bool {
	return f&AuthDataFlagUserPresent != 0
}
func (f AuthDataFlag) UserVerified() bool {
	return f&AuthDataFlagUserVerified != 0
}
func (f AuthDataFlag) AttestedCredentialDataIncluded() bool {
	return f&AuthDataFlagAttestedCredentialDataIncluded != 0
}
func (f AuthDataFlag) ExtensionDataIncluded() bool {
	return f&AuthDataFlagExtensionDataIncluded != 0
}

// AttestedCredentialData is the variable-length authData segment binding a
// credential id to its COSE public key.
type AttestedCredentialData struct {
	AAGUID              uuid.UUID
	CredentialID        []byte
	CredentialPublicKey key.Key
}

// AuthData is the decoded form of the fixed-layout authenticator data
// structure.
// https://www.w3.org/TR/webauthn-3/#sctn-authenticator-data
type AuthData struct {
	RPIDHash               []byte
	Flags                  AuthDataFlag
	SignCount              uint32
	AttestedCredentialData *AttestedCredentialData
	Extensions             []byte
}

var ErrInvalidAuthData = errors.New("webauthntypes: invalid authenticator data")

// BuildAuthenticatorData serializes authenticator data:
//
//	rpIdHash(32) || flags(1) || signCount(4, BE) || [attestedCredentialData] || [extensions]
//
// The AT and ED flags are set from the presence of the optional segments,
// never by the caller. encMode must produce canonical CTAP2 CBOR so the
// embedded COSE key is deterministic.
func BuildAuthenticatorData(
	encMode cbor.EncMode,
	rpID string,
	flags AuthDataFlag,
	signCount uint32,
	attested *AttestedCredentialData,
	extensions []byte,
) ([]byte, error) {
	rpIDHash := sha256.Sum256([]byte(rpID))

	signCountBin := make([]byte, 4)
	binary.BigEndian.PutUint32(signCountBin, signCount)

	flags &^= AuthDataFlagAttestedCredentialDataIncluded | AuthDataFlagExtensionDataIncluded
	if attested != nil {
		flags |= AuthDataFlagAttestedCredentialDataIncluded
	}
	if len(extensions) > 0 {
		flags |= AuthDataFlagExtensionDataIncluded
	}

	authData := slices.Concat(rpIDHash[:], []byte{byte(flags)}, signCountBin)

	if attested != nil {
		if len(attested.CredentialID) > 0xffff {
			return nil, fmt.Errorf("%w: credential id too long", ErrInvalidAuthData)
		}
		credIDLen := make([]byte, 2)
		binary.BigEndian.PutUint16(credIDLen, uint16(len(attested.CredentialID)))

		coseKey, err := encMode.Marshal(attested.CredentialPublicKey)
		if err != nil {
			return nil, fmt.Errorf("cannot marshal credential public key: %w", err)
		}

		authData = slices.Concat(authData, attested.AAGUID[:], credIDLen, attested.CredentialID, coseKey)
	}

	if len(extensions) > 0 {
		authData = slices.Concat(authData, extensions)
	}

	return authData, nil
}

// ParseAuthenticatorData is the inverse of BuildAuthenticatorData.
func ParseAuthenticatorData(data []byte) (*AuthData, error) {
	if len(data) < 37 {
		return nil, ErrInvalidAuthData
	}

	d := &AuthData{
		RPIDHash:  data[:32],
		Flags:     AuthDataFlag(data[32]),
		SignCount: binary.BigEndian.Uint32(data[33:37]),
	}
	offset := 37

	if d.Flags.AttestedCredentialDataIncluded() {
		if len(data) < offset+18 {
			return nil, ErrInvalidAuthData
		}
		credData := &AttestedCredentialData{
			AAGUID: uuid.UUID(data[offset : offset+16]),
		}
		offset += 16

		length := binary.BigEndian.Uint16(data[offset : offset+2])
		offset += 2
		if len(data) < offset+int(length) {
			return nil, ErrInvalidAuthData
		}
		credData.CredentialID = data[offset : offset+int(length)]
		offset += int(length)

		dec := cbor.NewDecoder(bytes.NewReader(data[offset:]))
		if err := dec.Decode(&credData.CredentialPublicKey); err != nil {
			return nil, err
		}
		offset += dec.NumBytesRead()

		d.AttestedCredentialData = credData
	}

	if d.Flags.ExtensionDataIncluded() {
		d.Extensions = data[offset:]
	}

	return d, nil
}
