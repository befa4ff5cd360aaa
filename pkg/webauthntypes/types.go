package webauthntypes

import "github.com/ldclabs/cose/key"

type (
	// PublicKeyCredentialType defines the valid credential types.
	// https://www.w3.org/TR/webauthn-3/#enumdef-publickeycredentialtype
	PublicKeyCredentialType string
	// AttestationConveyancePreference describes the Relying Party's preference
	// for attestation conveyance.
	// https://www.w3.org/TR/webauthn-3/#enumdef-attestationconveyancepreference
	AttestationConveyancePreference string
	// AttestationStatementFormatIdentifier is an enum consisting of IANA registered Attestation Statement Format Identifiers.
	// https://www.iana.org/assignments/webauthn/webauthn.xhtml
	AttestationStatementFormatIdentifier string
	// ExtensionIdentifier is an enum of WebAuthn extension identifiers understood
	// by this authenticator.
	ExtensionIdentifier string
)

const (
	PublicKeyCredentialTypePublicKey PublicKeyCredentialType = "public-key"
)

const (
	AttestationConveyancePreferenceNone     AttestationConveyancePreference = "none"
	AttestationConveyancePreferenceIndirect AttestationConveyancePreference = "indirect"
	AttestationConveyancePreferenceDirect   AttestationConveyancePreference = "direct"
)

const (
	AttestationStatementFormatIdentifierPacked AttestationStatementFormatIdentifier = "packed"
	AttestationStatementFormatIdentifierNone   AttestationStatementFormatIdentifier = "none"
)

const (
	// ExtensionIdentifierPSK is the reserved identifier of the non-standard
	// portable security key backup/delegation extension. Its presence in a
	// request's extension map switches creation to a pooled backup key and
	// assertion to the delegated recovery flow.
	ExtensionIdentifierPSK ExtensionIdentifier = "psk"
)

// PublicKeyCredentialRpEntity is used to supply additional Relying Party attributes when creating a new credential.
// https://www.w3.org/TR/webauthn-3/#dictdef-publickeycredentialrpentity
type PublicKeyCredentialRpEntity struct {
	ID   string `json:"id,omitempty" cbor:"id"`
	Name string `json:"name,omitempty" cbor:"name,omitempty"`
}

// PublicKeyCredentialUserEntity is used to supply additional user account attributes when creating a new credential.
// https://www.w3.org/TR/webauthn-3/#dictdef-publickeycredentialuserentity
type PublicKeyCredentialUserEntity struct {
	ID          []byte `json:"id" cbor:"id"`
	DisplayName string `json:"displayName,omitempty" cbor:"displayName,omitempty"`
	Name        string `json:"name,omitempty" cbor:"name,omitempty"`
}

// PublicKeyCredentialDescriptor identifies a specific public key credential.
// https://www.w3.org/TR/webauthn-3/#dictdef-publickeycredentialdescriptor
type PublicKeyCredentialDescriptor struct {
	Type PublicKeyCredentialType `json:"type" cbor:"type"`
	ID   []byte                  `json:"id" cbor:"id"`
}

// PublicKeyCredentialParameters is used to supply additional parameters when creating a new credential.
// https://www.w3.org/TR/webauthn-3/#dictdef-publickeycredentialparameters
type PublicKeyCredentialParameters struct {
	Type      PublicKeyCredentialType `json:"type" cbor:"type"`
	Algorithm key.Alg                 `json:"alg" cbor:"alg"`
}

// PublicKeyCredentialCreationOptions carries the host shell's credential
// creation request into the protocol engine.
// https://www.w3.org/TR/webauthn-3/#dictdef-publickeycredentialcreationoptions
type PublicKeyCredentialCreationOptions struct {
	RP                 PublicKeyCredentialRpEntity     `json:"rp"`
	User               PublicKeyCredentialUserEntity   `json:"user"`
	Challenge          []byte                          `json:"challenge"`
	PubKeyCredParams   []PublicKeyCredentialParameters `json:"pubKeyCredParams"`
	ExcludeCredentials []PublicKeyCredentialDescriptor `json:"excludeCredentials,omitempty"`
	Attestation        AttestationConveyancePreference `json:"attestation,omitempty"`
	Extensions         map[ExtensionIdentifier]any     `json:"extensions,omitempty"`
}

// PublicKeyCredentialRequestOptions carries the host shell's assertion
// request into the protocol engine.
// https://www.w3.org/TR/webauthn-3/#dictdef-publickeycredentialrequestoptions
type PublicKeyCredentialRequestOptions struct {
	Challenge        []byte                          `json:"challenge"`
	RPID             string                          `json:"rpId,omitempty"`
	AllowCredentials []PublicKeyCredentialDescriptor `json:"allowCredentials,omitempty"`
	Extensions       map[ExtensionIdentifier]any     `json:"extensions,omitempty"`
}

// AuthenticatorAttestationResponse is the creation half of a produced
// credential response.
type AuthenticatorAttestationResponse struct {
	ClientDataJSON    []byte `json:"clientDataJSON"`
	AttestationObject []byte `json:"attestationObject"`
}

// AuthenticatorAssertionResponse is the assertion half of a produced
// credential response.
type AuthenticatorAssertionResponse struct {
	ClientDataJSON    []byte `json:"clientDataJSON"`
	AuthenticatorData []byte `json:"authenticatorData"`
	Signature         []byte `json:"signature"`
	UserHandle        []byte `json:"userHandle"`
}

// CreatedCredential is returned to the host shell after a successful
// credential creation.
type CreatedCredential struct {
	ID       string                           `json:"id"`
	RawID    []byte                           `json:"rawId"`
	Type     PublicKeyCredentialType          `json:"type"`
	Response AuthenticatorAttestationResponse `json:"response"`
}

// AssertedCredential is returned to the host shell after a successful
// assertion.
type AssertedCredential struct {
	ID       string                         `json:"id"`
	RawID    []byte                         `json:"rawId"`
	Type     PublicKeyCredentialType        `json:"type"`
	Response AuthenticatorAssertionResponse `json:"response"`
}

// HasPSKExtension reports whether the reserved recovery extension key is
// present in an extension map.
func HasPSKExtension(extensions map[ExtensionIdentifier]any) bool {
	_, ok := extensions[ExtensionIdentifierPSK]
	return ok
}
