package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
	"github.com/samber/mo"
)

const (
	credentialKeyPrefix = "credentials/"
	credentialIndexKey  = "credentials-index"
	endpointKey         = "config/endpoint"

	// DefaultEndpoint is the fallback recovery service endpoint used when
	// none has been configured.
	DefaultEndpoint = "https://recovery.example.org"

	schemaVersion = 1

	// casAttempts bounds the compare-and-swap retry loop. Contention is
	// in-process only, so a handful of retries is plenty.
	casAttempts = 16
)

// StoredCredential is one authenticator-resident credential as persisted:
// the private key appears only in wrapped form.
type StoredCredential struct {
	ID         string `json:"id"`
	RPID       string `json:"rpId"`
	UserHandle []byte `json:"userHandle,omitempty"`
	Type       string `json:"type"`
	WrappedKey []byte `json:"wrappedKey"`
}

type credentialList struct {
	Version     int                `json:"version"`
	Credentials []StoredCredential `json:"credentials"`
}

type credentialIndex struct {
	Version int      `json:"version"`
	IDs     []string `json:"ids"`
}

// CredentialStore maps a relying-party identifier to its ordered list of
// credential records, and maintains a global index of credential ids across
// relying parties.
type CredentialStore struct {
	kv KV
}

func NewCredentialStore(kv KV) *CredentialStore {
	return &CredentialStore{kv: kv}
}

// Put appends a credential to the relying party's list (insertion order is
// creation order) and records its id in the global index.
func (s *CredentialStore) Put(ctx context.Context, rpID string, cred StoredCredential) error {
	if err := UpdateJSON(ctx, s.kv, credentialKeyPrefix+rpID, func(list *credentialList) error {
		list.Version = schemaVersion
		list.Credentials = append(list.Credentials, cred)
		return nil
	}); err != nil {
		return err
	}

	return UpdateJSON(ctx, s.kv, credentialIndexKey, func(idx *credentialIndex) error {
		idx.Version = schemaVersion
		if !lo.Contains(idx.IDs, cred.ID) {
			idx.IDs = append(idx.IDs, cred.ID)
		}
		return nil
	})
}

// Load returns the relying party's credential list in insertion order, or an
// empty list when the relying party is unknown.
func (s *CredentialStore) Load(ctx context.Context, rpID string) ([]StoredCredential, error) {
	var list credentialList
	if err := GetJSON(ctx, s.kv, credentialKeyPrefix+rpID, &list); err != nil {
		return nil, err
	}
	return list.Credentials, nil
}

// Lookup scans the relying party's list for an exact credential id match;
// the first match wins.
func (s *CredentialStore) Lookup(ctx context.Context, rpID, credentialID string) (mo.Option[StoredCredential], error) {
	creds, err := s.Load(ctx, rpID)
	if err != nil {
		return mo.None[StoredCredential](), err
	}

	for _, cred := range creds {
		if cred.ID == credentialID {
			return mo.Some(cred), nil
		}
	}
	return mo.None[StoredCredential](), nil
}

// Exists reports whether any credentials are stored for the relying party.
func (s *CredentialStore) Exists(ctx context.Context, rpID string) (bool, error) {
	creds, err := s.Load(ctx, rpID)
	if err != nil {
		return false, err
	}
	return len(creds) > 0, nil
}

// HasCredentialID reports whether the id exists anywhere in the local store,
// regardless of relying party. Assertion lookup does not yet know the
// relying party, so ids must be globally unique.
func (s *CredentialStore) HasCredentialID(ctx context.Context, credentialID string) (bool, error) {
	var idx credentialIndex
	if err := GetJSON(ctx, s.kv, credentialIndexKey, &idx); err != nil {
		return false, err
	}
	return lo.Contains(idx.IDs, credentialID), nil
}

// GetEndpoint returns the configured recovery service endpoint, falling back
// to DefaultEndpoint when unset.
func (s *CredentialStore) GetEndpoint(ctx context.Context) (string, error) {
	v, err := s.kv.Get(ctx, endpointKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return v.OrElse(DefaultEndpoint), nil
}

func (s *CredentialStore) SetEndpoint(ctx context.Context, endpoint string) error {
	if err := s.kv.Set(ctx, endpointKey, endpoint); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// GetJSON decodes the JSON value under key into v, leaving v untouched when
// the key is absent.
func GetJSON[T any](ctx context.Context, kv KV, key string, v *T) error {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	value, ok := raw.Get()
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("%w: cannot decode %s: %w", ErrStoreUnavailable, key, err)
	}
	return nil
}

// UpdateJSON runs a read-modify-write cycle under the store's CompareAndSwap
// contract, retrying on contention. Errors from the update callback abort the
// cycle unchanged.
func UpdateJSON[T any](ctx context.Context, kv KV, key string, update func(*T) error) error {
	for range casAttempts {
		raw, err := kv.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}

		var value T
		if current, ok := raw.Get(); ok {
			if err := json.Unmarshal([]byte(current), &value); err != nil {
				return fmt.Errorf("%w: cannot decode %s: %w", ErrStoreUnavailable, key, err)
			}
		}

		if err := update(&value); err != nil {
			return err
		}

		b, err := json.Marshal(&value)
		if err != nil {
			return fmt.Errorf("%w: cannot encode %s: %w", ErrStoreUnavailable, key, err)
		}

		swapped, err := kv.CompareAndSwap(ctx, key, raw, string(b))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if swapped {
			return nil
		}
	}

	return fmt.Errorf("%w: too much contention on %s", ErrStoreUnavailable, key)
}
