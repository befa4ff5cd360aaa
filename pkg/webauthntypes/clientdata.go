package webauthntypes

import (
	"encoding/base64"
	"encoding/json"
)

const (
	ClientDataTypeCreate = "webauthn.create"
	ClientDataTypeGet    = "webauthn.get"
)

// CollectedClientData is the client data contextually bound to a credential
// creation or assertion ceremony.
// https://www.w3.org/TR/webauthn-3/#dictdef-collectedclientdata
type CollectedClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin"`
}

// BuildClientData serializes collected client data for a ceremony. The
// challenge is base64url-encoded without padding, as the platform does.
func BuildClientData(ceremony, origin string, challenge []byte) ([]byte, error) {
	return json.Marshal(&CollectedClientData{
		Type:      ceremony,
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		Origin:    origin,
	})
}
