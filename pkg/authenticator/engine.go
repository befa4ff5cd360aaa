// Package authenticator implements the WebAuthn protocol engine of the
// software authenticator: credential creation and assertion over the
// credential store, with the PSK recovery extension delegated to the
// recovery engine. The engine itself is stateless; all persistent state
// lives behind the store.
package authenticator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/go-ctap/softauthn/pkg/cosekey"
	"github.com/go-ctap/softauthn/pkg/keywrap"
	"github.com/go-ctap/softauthn/pkg/options"
	"github.com/go-ctap/softauthn/pkg/storage"
	"github.com/go-ctap/softauthn/pkg/webauthntypes"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

var (
	// ErrUnsupportedAttestation is returned for any attestation conveyance
	// other than "none"; this authenticator never produces identifying
	// attestation.
	ErrUnsupportedAttestation = errors.New("authenticator: unsupported attestation conveyance")
	// ErrDuplicateCredential is returned when a derived credential id already
	// exists anywhere in the local store.
	ErrDuplicateCredential = errors.New("authenticator: duplicate credential")
	// ErrCredentialNotFound is returned when no offered candidate matches a
	// stored credential that unwraps with the supplied PIN.
	ErrCredentialNotFound = errors.New("authenticator: credential not found")
	// ErrRecoveryUnconfigured is returned when a request signals the PSK
	// extension but no recovery engine is attached.
	ErrRecoveryUnconfigured = errors.New("authenticator: recovery engine not configured")
)

// RecoveryService is the slice of the recovery engine the protocol engine
// needs: a backup key source for PSK creation, and the alternate assertion
// flow for PSK assertion.
type RecoveryService interface {
	PopBackupKey(ctx context.Context) (cosekey.SigningKey, error)
	Assert(ctx context.Context, origin string, opts *webauthntypes.PublicKeyCredentialRequestOptions, pin string) (*webauthntypes.AssertedCredential, error)
}

type Engine struct {
	store    *storage.CredentialStore
	recovery RecoveryService
	logger   *slog.Logger
	encMode  cbor.EncMode
	aaguid   uuid.UUID
}

// NewEngine builds a protocol engine over the credential store. recovery may
// be nil, in which case PSK requests fail with ErrRecoveryUnconfigured.
func NewEngine(store *storage.CredentialStore, recovery RecoveryService, opts ...options.Option) *Engine {
	oo := options.NewOptions(opts...)

	return &Engine{
		store:    store,
		recovery: recovery,
		logger:   oo.Logger,
		encMode:  oo.EncMode,
		aaguid:   oo.AAGUID,
	}
}

// ProcessCredentialCreation runs the creation flow: negotiate an algorithm
// (or pull a pooled backup key when the PSK extension is requested), derive
// the credential id from the key's identity, build the authenticator data,
// client data and "none"-format attestation object, and persist the wrapped
// private key.
func (e *Engine) ProcessCredentialCreation(
	ctx context.Context,
	origin string,
	creation *webauthntypes.PublicKeyCredentialCreationOptions,
	pin string,
) (*webauthntypes.CreatedCredential, error) {
	if creation.Attestation != "" && creation.Attestation != webauthntypes.AttestationConveyancePreferenceNone {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAttestation, creation.Attestation)
	}

	rpID := creation.RP.ID
	if rpID == "" {
		var err error
		rpID, err = webauthntypes.RPIDFromOrigin(origin)
		if err != nil {
			return nil, err
		}
	}

	pskRequested := webauthntypes.HasPSKExtension(creation.Extensions)

	var (
		sk  cosekey.SigningKey
		err error
	)
	if pskRequested {
		if e.recovery == nil {
			return nil, ErrRecoveryUnconfigured
		}
		sk, err = e.recovery.PopBackupKey(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		alg, err := cosekey.ChooseAlgorithm(creation.PubKeyCredParams)
		if err != nil {
			return nil, err
		}
		sk, err = cosekey.GenerateKey(alg)
		if err != nil {
			return nil, err
		}
	}

	publicKey, err := sk.PublicKeyCOSE()
	if err != nil {
		return nil, err
	}
	rawID, err := cosekey.DeriveCredentialID(e.encMode, publicKey)
	if err != nil {
		return nil, err
	}
	id := cosekey.EncodeID(rawID)

	// Ids must be globally unique in the local store, not just per relying
	// party: assertion lookup does not yet know the relying party.
	if err := e.rejectKnownIDs(ctx, append([]string{id}, excludedIDs(creation.ExcludeCredentials)...)); err != nil {
		return nil, err
	}

	var extensionOutput []byte
	if pskRequested {
		extensionOutput, err = webauthntypes.BuildPSKExtensionOutput(e.encMode, publicKey)
		if err != nil {
			return nil, err
		}
	}

	authData, err := sk.AuthenticatorData(e.encMode, rpID, e.aaguid, rawID, extensionOutput)
	if err != nil {
		return nil, err
	}
	clientDataJSON, err := sk.ClientData(webauthntypes.ClientDataTypeCreate, origin, creation.Challenge)
	if err != nil {
		return nil, err
	}
	attestationObject, err := webauthntypes.BuildNoneAttestationObject(e.encMode, authData)
	if err != nil {
		return nil, err
	}

	wrapper, ok := sk.(cosekey.Wrapper)
	if !ok {
		return nil, fmt.Errorf("%w: key is not exportable", keywrap.ErrCrypto)
	}
	wrapped, err := wrapper.WrapWithPIN(pin)
	if err != nil {
		return nil, err
	}

	if err := e.store.Put(ctx, rpID, storage.StoredCredential{
		ID:         id,
		RPID:       rpID,
		UserHandle: creation.User.ID,
		Type:       string(webauthntypes.PublicKeyCredentialTypePublicKey),
		WrappedKey: wrapped,
	}); err != nil {
		return nil, err
	}

	e.logger.Debug("created credential", "rpId", rpID, "id", id, "psk", pskRequested)

	return &webauthntypes.CreatedCredential{
		ID:    id,
		RawID: rawID,
		Type:  webauthntypes.PublicKeyCredentialTypePublicKey,
		Response: webauthntypes.AuthenticatorAttestationResponse{
			ClientDataJSON:    clientDataJSON,
			AttestationObject: attestationObject,
		},
	}, nil
}

// ProcessCredentialAssertion runs the assertion flow: either the ordinary
// early-exit scan over the offered candidate ids, or, when the PSK extension
// is signaled, the delegated recovery flow.
func (e *Engine) ProcessCredentialAssertion(
	ctx context.Context,
	origin string,
	request *webauthntypes.PublicKeyCredentialRequestOptions,
	pin string,
) (*webauthntypes.AssertedCredential, error) {
	// Discoverable-credential-only flows are unsupported; candidates are
	// required.
	if len(request.AllowCredentials) == 0 {
		return nil, fmt.Errorf("%w: no candidate credentials offered", ErrCredentialNotFound)
	}

	if webauthntypes.HasPSKExtension(request.Extensions) {
		if e.recovery == nil {
			return nil, ErrRecoveryUnconfigured
		}
		return e.recovery.Assert(ctx, origin, request, pin)
	}

	rpID := request.RPID
	if rpID == "" {
		var err error
		rpID, err = webauthntypes.RPIDFromOrigin(origin)
		if err != nil {
			return nil, err
		}
	}

	// Early-exit scan in caller order: the first candidate that exists
	// locally and unwraps with the supplied PIN wins.
	var (
		selected cosekey.SigningKey
		rawID    []byte
	)
	for _, candidate := range request.AllowCredentials {
		stored, err := e.store.Lookup(ctx, rpID, cosekey.EncodeID(candidate.ID))
		if err != nil {
			return nil, err
		}
		cred, ok := stored.Get()
		if !ok {
			continue
		}

		sk, err := cosekey.UnwrapKey(cred.WrappedKey, pin)
		if err != nil {
			if errors.Is(err, keywrap.ErrIntegrity) {
				continue
			}
			return nil, err
		}

		selected = sk
		rawID = candidate.ID
		break
	}
	if selected == nil {
		return nil, ErrCredentialNotFound
	}

	clientDataJSON, err := selected.ClientData(webauthntypes.ClientDataTypeGet, origin, request.Challenge)
	if err != nil {
		return nil, err
	}
	clientDataHash := sha256.Sum256(clientDataJSON)

	authData, err := webauthntypes.BuildAuthenticatorData(
		e.encMode,
		rpID,
		webauthntypes.AuthDataFlagUserPresent,
		0,
		nil,
		nil,
	)
	if err != nil {
		return nil, err
	}

	signature, err := selected.Sign(slices.Concat(authData, clientDataHash[:]))
	if err != nil {
		return nil, err
	}

	id := cosekey.EncodeID(rawID)
	e.logger.Debug("asserted credential", "rpId", rpID, "id", id)

	return &webauthntypes.AssertedCredential{
		ID:    id,
		RawID: rawID,
		Type:  webauthntypes.PublicKeyCredentialTypePublicKey,
		Response: webauthntypes.AuthenticatorAssertionResponse{
			ClientDataJSON:    clientDataJSON,
			AuthenticatorData: authData,
			Signature:         signature,
			UserHandle:        []byte{},
		},
	}, nil
}

func (e *Engine) rejectKnownIDs(ctx context.Context, ids []string) error {
	for _, id := range ids {
		known, err := e.store.HasCredentialID(ctx, id)
		if err != nil {
			return err
		}
		if known {
			return fmt.Errorf("%w: %s", ErrDuplicateCredential, id)
		}
	}
	return nil
}

func excludedIDs(descriptors []webauthntypes.PublicKeyCredentialDescriptor) []string {
	ids := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		ids = append(ids, cosekey.EncodeID(d.ID))
	}
	return ids
}
