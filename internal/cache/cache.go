package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sealed_chat/internal/localdb"
	"sealed_chat/internal/model"
	"sealed_chat/internal/utils/log"
)

const (
	convBucketPrefix = "conv:"
	indexBucket      = "msg_index"
)

type (
	// Cache is the durable per-conversation store of already-decrypted
	// messages. Once a message is cached with decrypted content it is
	// authoritative: later reconciliation passes never replace it with a
	// locked placeholder, which keeps history readable across key
	// rotation and device-list drift.
	Cache struct {
		db *localdb.DB

		// serializes concurrent send+receive writes for the same id
		mu sync.Mutex
	}

	// DecryptFunc attempts to decrypt one server message's content.
	DecryptFunc func(m *model.Message) (string, error)
)

func New(db *localdb.DB) *Cache {
	return &Cache{db: db}
}

// Get returns the cached messages of one conversation, ordered by
// creation time ascending.
func (c *Cache) Get(conversationID string) ([]model.CachedMessage, error) {
	var out []model.CachedMessage
	err := c.db.ForEach(convBucketPrefix+conversationID, func(_, v []byte) error {
		var m model.CachedMessage
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("unmarshal cached message: %w", err)
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Put upserts one message by id.
func (c *Cache) Put(m *model.CachedMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(m)
}

// PutMany upserts a batch.
func (c *Cache) PutMany(msgs []model.CachedMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range msgs {
		if err := c.put(&msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes one message by id, wherever it is cached.
func (c *Cache) Delete(messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	convID, err := c.db.Get(indexBucket, messageID)
	if err != nil {
		return err
	}
	if convID == nil {
		return nil
	}
	if err := c.db.Delete(convBucketPrefix+string(convID), messageID); err != nil {
		return err
	}
	return c.db.Delete(indexBucket, messageID)
}

// DeleteAll drops a whole conversation.
func (c *Cache) DeleteAll(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	err := c.db.ForEach(convBucketPrefix+conversationID, func(k, _ []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.db.Delete(indexBucket, id); err != nil {
			return err
		}
	}
	return c.db.DeleteBucket(convBucketPrefix + conversationID)
}

// ClearAll wipes every cached conversation. Invoked on logout.
func (c *Cache) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	names, err := c.db.Buckets(convBucketPrefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := c.db.DeleteBucket(name); err != nil {
			return err
		}
	}
	return c.db.DeleteBucket(indexBucket)
}

// Count returns the number of cached messages in a conversation.
func (c *Cache) Count(conversationID string) (int, error) {
	return c.db.Count(convBucketPrefix + conversationID)
}

// Reconcile merges the authoritative server view of a conversation into
// the cache. Cached plaintext wins: messages already decrypted only pick
// up server-side fields (edits, reply relations) and are never
// re-decrypted. Unknown messages are decrypted once via decrypt and
// persisted only on success; failures are returned undecrypted so the UI
// can show a locked placeholder, without touching the cache.
func (c *Cache) Reconcile(conversationID string, serverMsgs []model.Message, decrypt DecryptFunc) ([]model.CachedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached := make(map[string]model.CachedMessage)
	err := c.db.ForEach(convBucketPrefix+conversationID, func(_, v []byte) error {
		var m model.CachedMessage
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("unmarshal cached message: %w", err)
		}
		cached[m.ID] = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.CachedMessage, 0, len(serverMsgs))
	for i := range serverMsgs {
		sm := serverMsgs[i]

		if prev, ok := cached[sm.ID]; ok && prev.Decrypted {
			merged := prev
			merged.ReplyTo = sm.ReplyTo
			merged.EditedAt = sm.EditedAt
			if err := c.put(&merged); err != nil {
				return nil, err
			}
			out = append(out, merged)
			continue
		}

		cm := model.CachedMessage{Message: sm}
		plain, derr := decrypt(&sm)
		if derr != nil {
			log.Debug("message not decryptable on this device",
				zap.String("message_id", sm.ID), zap.Error(derr))
			out = append(out, cm)
			continue
		}
		cm.Plaintext = plain
		cm.Decrypted = true
		cm.CachedAt = time.Now()
		if err := c.put(&cm); err != nil {
			return nil, err
		}
		out = append(out, cm)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (c *Cache) put(m *model.CachedMessage) error {
	if m.CachedAt.IsZero() {
		m.CachedAt = time.Now()
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal cached message: %w", err)
	}
	if err := c.db.Put(convBucketPrefix+m.ConversationID, m.ID, raw); err != nil {
		return err
	}
	return c.db.Put(indexBucket, m.ID, []byte(m.ConversationID))
}
