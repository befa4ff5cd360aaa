// Package recovery implements the delegated-recovery half of the PSK
// protocol: one-time backup and recovery key pools, delegation records, and
// the alternate assertion flow a relying party triggers through the PSK
// extension.
package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/go-ctap/softauthn/pkg/cosekey"
	"github.com/go-ctap/softauthn/pkg/options"
	"github.com/go-ctap/softauthn/pkg/storage"
	"github.com/go-ctap/softauthn/pkg/webauthntypes"

	"github.com/fxamacker/cbor/v2"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/ldclabs/cose/key"
	"github.com/samber/lo"
	"github.com/samber/mo"
)

var (
	// ErrPoolExhausted is returned when no matching one-time key remains in
	// a pool. Every pop permanently consumes a key.
	ErrPoolExhausted = errors.New("recovery: key pool exhausted")
	// ErrDelegationNotFound is returned when no delegation record exists for
	// the requested backup credential.
	ErrDelegationNotFound = errors.New("recovery: delegation not found")
	// ErrDelegationUnverified is returned when a delegation record fails
	// signature verification against the backup key's public identity. An
	// unverified delegation must never mint an assertion.
	ErrDelegationUnverified = errors.New("recovery: delegation unverified")
)

const (
	backupPoolKey   = "psk/backup-keys"
	recoveryPoolKey = "psk/recovery-keys"
	delegationsKey  = "psk/delegations"
	syncedKey       = "psk/synced"

	schemaVersion = 1
)

// PoolKey is a one-time asymmetric key as bundled and persisted: an id plus
// the PKCS#8 private half (base64 inside the JSON).
type PoolKey struct {
	ID         string `json:"id"`
	PrivateKey []byte `json:"privateKey"`
}

// SigningKey reconstructs the pool key's signing key.
func (p PoolKey) SigningKey() (*cosekey.ES256Key, error) {
	return cosekey.ParsePKCS8ES256(p.PrivateKey)
}

type keyPool struct {
	Version int       `json:"version"`
	Keys    []PoolKey `json:"keys"`
}

// Delegation binds a backup credential id to its authorized replacement: a
// recovery key's public identity plus a signature by the backup key holder.
// Public keys travel as canonical CBOR COSE_Key bytes.
type Delegation struct {
	BackupID       string `json:"backupId"`
	BackupKey      []byte `json:"backupKey"`
	ReplacementID  string `json:"replacementId"`
	ReplacementKey []byte `json:"replacementKey"`
	Signature      []byte `json:"signature"`
}

type delegationList struct {
	Version     int          `json:"version"`
	Delegations []Delegation `json:"delegations"`
}

// delegationMessage is the signed portion of a delegation record.
type delegationMessage struct {
	BackupID       string `cbor:"backupId"`
	ReplacementID  string `cbor:"replacementId"`
	ReplacementKey []byte `cbor:"replacementKey"`
}

// Engine manages the key pools and delegation records and drives the
// recovery assertion flow.
type Engine struct {
	kv             storage.KV
	store          *storage.CredentialStore
	assets         AssetLoader
	logger         *slog.Logger
	encMode        cbor.EncMode
	aaguid         uuid.UUID
	recoveryOrigin string
}

func NewEngine(kv storage.KV, store *storage.CredentialStore, assets AssetLoader, opts ...options.Option) *Engine {
	oo := options.NewOptions(opts...)

	return &Engine{
		kv:             kv,
		store:          store,
		assets:         assets,
		logger:         oo.Logger,
		encMode:        oo.EncMode,
		aaguid:         oo.AAGUID,
		recoveryOrigin: oo.RecoveryOrigin,
	}
}

// Sync loads the bundled backup keys and delegations into the store once;
// pool state is persisted and never re-seeded afterwards.
func (e *Engine) Sync(ctx context.Context) error {
	synced, err := e.kv.Get(ctx, syncedKey)
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
	}
	if synced.IsPresent() {
		return nil
	}
	return e.seedFromBundles(ctx)
}

// seedFromBundles fetches the bundled documents and writes each one under a
// create-only CompareAndSwap. The marker check in Sync is only a fast path:
// a concurrent first sync that already seeded a pool, and possibly consumed
// keys from it, keeps its state because an existing key is never overwritten.
func (e *Engine) seedFromBundles(ctx context.Context) error {
	var backupKeys []PoolKey
	if err := e.assets.FetchJSON(ctx, BackupKeyBundlePath, &backupKeys); err != nil {
		return err
	}
	var delegations []Delegation
	if err := e.assets.FetchJSON(ctx, DelegationBundlePath, &delegations); err != nil {
		return err
	}

	if err := e.seed(ctx, backupPoolKey, &keyPool{
		Version: schemaVersion,
		Keys:    backupKeys,
	}); err != nil {
		return err
	}
	if err := e.seed(ctx, delegationsKey, &delegationList{
		Version:     schemaVersion,
		Delegations: delegations,
	}); err != nil {
		return err
	}

	e.logger.Debug("synced psk bundles",
		"backupKeys", len(backupKeys),
		"delegations", len(delegations),
	)

	if _, err := e.kv.CompareAndSwap(ctx, syncedKey, mo.None[string](), "true"); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
	}
	return nil
}

// seed writes a document only if its key is absent; losing the swap means
// another syncer already seeded it.
func (e *Engine) seed(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: cannot encode %s: %w", storage.ErrStoreUnavailable, key, err)
	}
	if _, err := e.kv.CompareAndSwap(ctx, key, mo.None[string](), string(b)); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
	}
	return nil
}

// PopBackupKey removes and returns the most recently added backup key. The
// reduced pool is persisted before the key is handed out.
func (e *Engine) PopBackupKey(ctx context.Context) (cosekey.SigningKey, error) {
	if err := e.Sync(ctx); err != nil {
		return nil, err
	}

	popped, err := e.pop(ctx, backupPoolKey, func(keys []PoolKey) (int, error) {
		if len(keys) == 0 {
			return 0, fmt.Errorf("%w: no backup keys remain", ErrPoolExhausted)
		}
		return len(keys) - 1, nil
	})
	if err != nil {
		return nil, err
	}
	return popped.SigningKey()
}

// popRecoveryKey removes the recovery key matching the delegation's
// replacement id.
func (e *Engine) popRecoveryKey(ctx context.Context, replacementID string) (PoolKey, error) {
	return e.pop(ctx, recoveryPoolKey, func(keys []PoolKey) (int, error) {
		for i, k := range keys {
			if k.ID == replacementID {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: no recovery key %s remains", ErrPoolExhausted, replacementID)
	})
}

// pop removes one key chosen by pick from a persisted pool, writing the
// reduced pool back under the store's CompareAndSwap contract so the same id
// can never be handed out twice.
func (e *Engine) pop(ctx context.Context, poolKey string, pick func([]PoolKey) (int, error)) (PoolKey, error) {
	var popped PoolKey
	err := storage.UpdateJSON(ctx, e.kv, poolKey, func(pool *keyPool) error {
		i, err := pick(pool.Keys)
		if err != nil {
			return err
		}
		popped = pool.Keys[i]
		pool.Version = schemaVersion
		pool.Keys = slices.Delete(slices.Clone(pool.Keys), i, i+1)
		return nil
	})
	if err != nil {
		return PoolKey{}, err
	}
	return popped, nil
}

// GenerateRecoveryKeys creates n fresh key pairs, persists the private
// halves to the recovery pool and returns the public halves as JWKs for the
// out-of-band export channel. Administrative operation, not part of the
// request-time hot path.
func (e *Engine) GenerateRecoveryKeys(ctx context.Context, n int) ([]jose.JSONWebKey, error) {
	generated := make([]PoolKey, 0, n)
	jwks := make([]jose.JSONWebKey, 0, n)

	for range n {
		sk, err := cosekey.GenerateKey(cosekey.AlgES256)
		if err != nil {
			return nil, err
		}
		es256 := sk.(*cosekey.ES256Key)

		pub, err := es256.PublicKeyCOSE()
		if err != nil {
			return nil, err
		}
		rawID, err := cosekey.DeriveCredentialID(e.encMode, pub)
		if err != nil {
			return nil, err
		}
		id := cosekey.EncodeID(rawID)

		der, err := es256.PKCS8()
		if err != nil {
			return nil, err
		}

		generated = append(generated, PoolKey{ID: id, PrivateKey: der})
		jwks = append(jwks, jose.JSONWebKey{
			Key:       es256.ECDSAPublicKey(),
			KeyID:     id,
			Algorithm: "ES256",
			Use:       "sig",
		})
	}

	if err := storage.UpdateJSON(ctx, e.kv, recoveryPoolKey, func(pool *keyPool) error {
		pool.Version = schemaVersion
		pool.Keys = append(pool.Keys, generated...)
		return nil
	}); err != nil {
		return nil, err
	}

	return jwks, nil
}

// lookupDelegation returns the first delegation record for the backup
// credential id.
func (e *Engine) lookupDelegation(ctx context.Context, backupID string) (Delegation, error) {
	var list delegationList
	if err := storage.GetJSON(ctx, e.kv, delegationsKey, &list); err != nil {
		return Delegation{}, err
	}

	d, ok := lo.Find(list.Delegations, func(d Delegation) bool {
		return d.BackupID == backupID
	})
	if !ok {
		return Delegation{}, fmt.Errorf("%w: %s", ErrDelegationNotFound, backupID)
	}
	return d, nil
}

// verifyDelegation checks that the record's embedded backup public key hashes
// to the delegation's backup credential id, and that the signature over the
// delegation message verifies against it. Credential ids are key-derived, so
// the first check binds the embedded key to the id it claims to replace.
func (e *Engine) verifyDelegation(d Delegation) error {
	var backupKey key.Key
	if err := cbor.Unmarshal(d.BackupKey, &backupKey); err != nil {
		return fmt.Errorf("%w: malformed backup key: %w", ErrDelegationUnverified, err)
	}

	rawID, err := cosekey.DeriveCredentialID(e.encMode, backupKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelegationUnverified, err)
	}
	if cosekey.EncodeID(rawID) != d.BackupID {
		return fmt.Errorf("%w: backup key does not match backup id", ErrDelegationUnverified)
	}

	message, err := e.encMode.Marshal(&delegationMessage{
		BackupID:       d.BackupID,
		ReplacementID:  d.ReplacementID,
		ReplacementKey: d.ReplacementKey,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelegationUnverified, err)
	}

	if err := cosekey.Verify(backupKey, message, d.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrDelegationUnverified, err)
	}
	return nil
}

// SignDelegation produces the signature that authorizes replacing backupID
// with the given recovery key identity. Used when constructing delegation
// bundles; verification during recovery is its mirror image.
func SignDelegation(encMode cbor.EncMode, backupKey cosekey.SigningKey, backupID, replacementID string, replacementKey []byte) ([]byte, error) {
	message, err := encMode.Marshal(&delegationMessage{
		BackupID:       backupID,
		ReplacementID:  replacementID,
		ReplacementKey: replacementKey,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot marshal delegation message: %w", err)
	}
	return backupKey.Sign(message)
}

// Assert executes the recovery assertion flow: resolve the first offered
// credential id to its delegation, verify it, consume the matching recovery
// key, persist it as an ordinary credential under the caller's PIN, and sign
// a fresh assertion under the recovery key's identity. Only the first
// candidate is considered; multi-candidate recovery is unsupported.
func (e *Engine) Assert(
	ctx context.Context,
	origin string,
	opts *webauthntypes.PublicKeyCredentialRequestOptions,
	pin string,
) (*webauthntypes.AssertedCredential, error) {
	if err := e.Sync(ctx); err != nil {
		return nil, err
	}

	backupID := cosekey.EncodeID(opts.AllowCredentials[0].ID)

	delegation, err := e.lookupDelegation(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if err := e.verifyDelegation(delegation); err != nil {
		return nil, err
	}

	poolKey, err := e.popRecoveryKey(ctx, delegation.ReplacementID)
	if err != nil {
		return nil, err
	}
	recoveryKey, err := poolKey.SigningKey()
	if err != nil {
		return nil, err
	}

	rpID := opts.RPID
	if rpID == "" {
		rpID, err = webauthntypes.RPIDFromOrigin(origin)
		if err != nil {
			return nil, err
		}
	}

	pub, err := recoveryKey.PublicKeyCOSE()
	if err != nil {
		return nil, err
	}
	rawID, err := cosekey.DeriveCredentialID(e.encMode, pub)
	if err != nil {
		return nil, err
	}

	// The new attestation artifact binds the recovery credential id, not the
	// lost backup credential's.
	authData, err := recoveryKey.AuthenticatorData(e.encMode, rpID, e.aaguid, rawID, nil)
	if err != nil {
		return nil, err
	}

	wrapped, err := recoveryKey.WrapWithPIN(pin)
	if err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, rpID, storage.StoredCredential{
		ID:         cosekey.EncodeID(rawID),
		RPID:       rpID,
		Type:       string(webauthntypes.PublicKeyCredentialTypePublicKey),
		WrappedKey: wrapped,
	}); err != nil {
		return nil, err
	}

	clientDataOrigin := origin
	if e.recoveryOrigin != "" {
		clientDataOrigin = e.recoveryOrigin
	}
	clientDataJSON, err := recoveryKey.ClientData(webauthntypes.ClientDataTypeGet, clientDataOrigin, opts.Challenge)
	if err != nil {
		return nil, err
	}
	clientDataHash := sha256.Sum256(clientDataJSON)

	signature, err := recoveryKey.Sign(slices.Concat(authData, clientDataHash[:]))
	if err != nil {
		return nil, err
	}

	e.logger.Debug("recovered credential",
		"rpId", rpID,
		"backupId", backupID,
		"replacementId", delegation.ReplacementID,
	)

	return &webauthntypes.AssertedCredential{
		ID:    cosekey.EncodeID(rawID),
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
