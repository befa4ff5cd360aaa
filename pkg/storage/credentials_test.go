package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAbsentRP(t *testing.T) {
	store := NewCredentialStore(NewMemoryStore())

	creds, err := store.Load(context.Background(), "never-written.example")
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestPutPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore(NewMemoryStore())

	first := StoredCredential{ID: "cred-1", RPID: "example.com", Type: "public-key", WrappedKey: []byte{1}}
	second := StoredCredential{ID: "cred-2", RPID: "example.com", Type: "public-key", WrappedKey: []byte{2}}
	require.NoError(t, store.Put(ctx, "example.com", first))
	require.NoError(t, store.Put(ctx, "example.com", second))

	creds, err := store.Load(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "cred-1", creds[0].ID)
	assert.Equal(t, "cred-2", creds[1].ID)

	exists, err := store.Exists(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLookupFirstMatch(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore(NewMemoryStore())

	require.NoError(t, store.Put(ctx, "example.com", StoredCredential{ID: "cred-1", WrappedKey: []byte{1}}))

	found, err := store.Lookup(ctx, "example.com", "cred-1")
	require.NoError(t, err)
	cred, ok := found.Get()
	require.True(t, ok)
	assert.Equal(t, []byte{1}, cred.WrappedKey)

	absent, err := store.Lookup(ctx, "example.com", "cred-2")
	require.NoError(t, err)
	assert.True(t, absent.IsAbsent())
}

func TestHasCredentialIDIsGlobal(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore(NewMemoryStore())

	require.NoError(t, store.Put(ctx, "a.example", StoredCredential{ID: "cred-1"}))

	// Visible regardless of which relying party owns it.
	known, err := store.HasCredentialID(ctx, "cred-1")
	require.NoError(t, err)
	assert.True(t, known)

	known, err = store.HasCredentialID(ctx, "cred-2")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestEndpointDefaultAndOverride(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore(NewMemoryStore())

	endpoint, err := store.GetEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, endpoint)

	require.NoError(t, store.SetEndpoint(ctx, "https://recovery.internal.example"))
	endpoint, err = store.GetEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://recovery.internal.example", endpoint)
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	// Creation requires the key to be absent.
	swapped, err := kv.CompareAndSwap(ctx, "k", mo.None[string](), "v1")
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = kv.CompareAndSwap(ctx, "k", mo.None[string](), "v2")
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = kv.CompareAndSwap(ctx, "k", mo.Some("v1"), "v2")
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = kv.CompareAndSwap(ctx, "k", mo.Some("v1"), "v3")
	require.NoError(t, err)
	assert.False(t, swapped)

	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v.MustGet())
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	kv := NewFileStore(filepath.Join(t.TempDir(), "store.json"))

	v, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, v.IsAbsent())

	require.NoError(t, kv.Set(ctx, "k", "v1"))

	swapped, err := kv.CompareAndSwap(ctx, "k", mo.Some("v1"), "v2")
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = kv.CompareAndSwap(ctx, "k", mo.Some("v1"), "v3")
	require.NoError(t, err)
	assert.False(t, swapped)

	v, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v.MustGet())

	// Credential store round trip over the file backend.
	store := NewCredentialStore(kv)
	require.NoError(t, store.Put(ctx, "example.com", StoredCredential{ID: "cred-1", WrappedKey: []byte{1, 2, 3}}))
	creds, err := store.Load(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, []byte{1, 2, 3}, creds[0].WrappedKey)
}
