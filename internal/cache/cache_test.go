package cache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealed_chat/internal/localdb"
	"sealed_chat/internal/model"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	db := localdb.Open(filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func msg(id, conv string, at time.Time) model.CachedMessage {
	return model.CachedMessage{
		Message: model.Message{
			ID:             id,
			ConversationID: conv,
			SenderID:       "alice",
			RecipientID:    "bob",
			Content:        "opaque",
			CreatedAt:      at,
		},
		Plaintext: "plain " + id,
		Decrypted: true,
	}
}

func TestPutIdempotent(t *testing.T) {
	c := newTestCache(t)
	m := msg("m1", "conv", time.Now())

	require.NoError(t, c.Put(&m))
	m.Plaintext = "updated"
	require.NoError(t, c.Put(&m))

	got, err := c.Get("conv")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "updated", got[0].Plaintext)

	n, err := c.Count("conv")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetOrdering(t *testing.T) {
	c := newTestCache(t)
	base := time.Now()

	m3 := msg("m3", "conv", base.Add(2*time.Second))
	m1 := msg("m1", "conv", base)
	m2 := msg("m2", "conv", base.Add(time.Second))
	require.NoError(t, c.PutMany([]model.CachedMessage{m3, m1, m2}))

	got, err := c.Get("conv")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, "m3", got[2].ID)
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	m := msg("m1", "conv", time.Now())
	require.NoError(t, c.Put(&m))

	require.NoError(t, c.Delete("m1"))
	require.NoError(t, c.Delete("m1")) // already gone, not an error

	got, err := c.Get("conv")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteAllAndClearAll(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	require.NoError(t, c.PutMany([]model.CachedMessage{
		msg("m1", "conv-a", now),
		msg("m2", "conv-a", now),
		msg("m3", "conv-b", now),
	}))

	require.NoError(t, c.DeleteAll("conv-a"))
	na, err := c.Count("conv-a")
	require.NoError(t, err)
	assert.Equal(t, 0, na)
	nb, err := c.Count("conv-b")
	require.NoError(t, err)
	assert.Equal(t, 1, nb)

	require.NoError(t, c.ClearAll())
	nb, err = c.Count("conv-b")
	require.NoError(t, err)
	assert.Equal(t, 0, nb)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	db := localdb.Open(path)
	c := New(db)
	m := msg("m1", "conv", time.Now())
	require.NoError(t, c.Put(&m))
	require.NoError(t, db.Close())

	db = localdb.Open(path)
	defer db.Close()
	got, err := New(db).Get("conv")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "plain m1", got[0].Plaintext)
}

func TestReconcileDecryptsOnce(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()

	server := []model.Message{
		{ID: "m1", ConversationID: "conv", SenderID: "bob", Content: "ct1", CreatedAt: now},
	}

	calls := 0
	out, err := c.Reconcile("conv", server, func(m *model.Message) (string, error) {
		calls++
		return "decrypted once", nil
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Decrypted)
	assert.Equal(t, "decrypted once", out[0].Plaintext)
	assert.Equal(t, 1, calls)

	// second pass: key material is gone, decrypt always fails; the
	// cached plaintext must win and decrypt must not even be consulted
	out, err = c.Reconcile("conv", server, func(m *model.Message) (string, error) {
		calls++
		return "", errors.New("key rotated away")
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Decrypted)
	assert.Equal(t, "decrypted once", out[0].Plaintext)
	assert.Equal(t, 1, calls)
}

func TestReconcileMergesServerFields(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	edited := now.Add(time.Minute)

	server := []model.Message{
		{ID: "m1", ConversationID: "conv", SenderID: "bob", Content: "ct1", CreatedAt: now},
	}
	_, err := c.Reconcile("conv", server, func(m *model.Message) (string, error) {
		return "hello", nil
	})
	require.NoError(t, err)

	server[0].EditedAt = &edited
	server[0].ReplyTo = "m0"
	out, err := c.Reconcile("conv", server, func(m *model.Message) (string, error) {
		return "", errors.New("must not re-decrypt")
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hello", out[0].Plaintext)
	assert.Equal(t, "m0", out[0].ReplyTo)
	require.NotNil(t, out[0].EditedAt)
	assert.True(t, edited.Equal(*out[0].EditedAt))
}

func TestReconcileFailureNotPersisted(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()

	server := []model.Message{
		{ID: "m1", ConversationID: "conv", SenderID: "bob", Content: "ct1", CreatedAt: now},
	}
	out, err := c.Reconcile("conv", server, func(m *model.Message) (string, error) {
		return "", errors.New("not for this device")
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].Decrypted)

	// a failed decrypt leaves no cache entry behind
	n, err := c.Count("conv")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// ... so a later pass with restored keys still gets its chance
	out, err = c.Reconcile("conv", server, func(m *model.Message) (string, error) {
		return "finally", nil
	})
	require.NoError(t, err)
	assert.True(t, out[0].Decrypted)
	assert.Equal(t, "finally", out[0].Plaintext)
}
