package keystore

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealed_chat/internal/localdb"
)

func TestGetOrCreateIdempotent(t *testing.T) {
	db := localdb.Open(filepath.Join(t.TempDir(), "keys.db"))
	defer db.Close()
	ks := New(db)

	first, err := ks.GetOrCreateIdentity()
	require.NoError(t, err)
	require.Len(t, first.PublicKey, 32)
	require.Len(t, first.SecretKey, 32)

	second, err := ks.GetOrCreateIdentity()
	require.NoError(t, err)
	assert.True(t, first.Equal(*second))
}

func TestIdentitySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")

	db := localdb.Open(path)
	first, err := New(db).GetOrCreateIdentity()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = localdb.Open(path)
	defer db.Close()
	second, err := New(db).GetOrCreateIdentity()
	require.NoError(t, err)
	assert.True(t, first.Equal(*second))
}

func TestRegenerateReplacesIdentity(t *testing.T) {
	db := localdb.OpenMemory()
	ks := New(db)

	first, err := ks.GetOrCreateIdentity()
	require.NoError(t, err)

	second, err := ks.Regenerate()
	require.NoError(t, err)
	assert.False(t, first.Equal(*second))

	current, err := ks.GetOrCreateIdentity()
	require.NoError(t, err)
	assert.True(t, second.Equal(*current))
}

func TestNonPersistentDetectable(t *testing.T) {
	mem := New(localdb.OpenMemory())
	assert.False(t, mem.Persistent())

	// still fully functional
	kp, err := mem.GetOrCreateIdentity()
	require.NoError(t, err)
	assert.Len(t, kp.PublicKey, 32)

	db := localdb.Open(filepath.Join(t.TempDir(), "keys.db"))
	defer db.Close()
	assert.True(t, New(db).Persistent())
}

func TestExportPublicKey(t *testing.T) {
	ks := New(localdb.OpenMemory())

	kp, err := ks.GetOrCreateIdentity()
	require.NoError(t, err)

	exported, err := ks.ExportPublicKey()
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(exported)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, decoded)
}

func TestHasAndWipe(t *testing.T) {
	ks := New(localdb.OpenMemory())

	has, err := ks.Has()
	require.NoError(t, err)
	assert.False(t, has)

	kp, err := ks.GetOrCreateIdentity()
	require.NoError(t, err)

	has, err = ks.Has()
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, ks.Wipe())
	has, err = ks.Has()
	require.NoError(t, err)
	assert.False(t, has)

	// a fresh identity after the wipe, not the old one
	next, err := ks.GetOrCreateIdentity()
	require.NoError(t, err)
	assert.False(t, next.Equal(*kp))
}
