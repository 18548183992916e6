package localdb

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"sealed_chat/internal/utils/log"
)

type (
	// DB is the device-local key/value store backing the keystore, the
	// device-id record and the plaintext cache. It is bbolt on disk; when
	// the file cannot be opened (read-only or ephemeral environment) it
	// degrades to an in-memory map so the session still works, and
	// Persistent reports the degradation so callers can warn about
	// missing durability.
	DB struct {
		bolt *bolt.DB

		mu  sync.Mutex
		mem map[string]map[string][]byte
	}
)

// Open opens (or creates) the store at path. Open never fails: storage
// errors downgrade to the in-memory fallback.
func Open(path string) *DB {
	b, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.Warn("local store unavailable, falling back to memory",
			zap.String("path", path), zap.Error(err))
		return &DB{mem: make(map[string]map[string][]byte)}
	}
	return &DB{bolt: b}
}

// OpenMemory returns a purely in-memory store. Used in tests.
func OpenMemory() *DB {
	return &DB{mem: make(map[string]map[string][]byte)}
}

// Persistent reports whether writes survive the process.
func (d *DB) Persistent() bool {
	return d.bolt != nil
}

func (d *DB) Close() error {
	if d.bolt == nil {
		return nil
	}
	return d.bolt.Close()
}

// Get returns the value for key in bucket, or nil when either is absent.
func (d *DB) Get(bucket, key string) ([]byte, error) {
	if d.bolt == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		v, ok := d.mem[bucket][key]
		if !ok {
			return nil, nil
		}
		cpy := make([]byte, len(v))
		copy(cpy, v)
		return cpy, nil
	}

	var out []byte
	err := d.bolt.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		if v := bkt.Get([]byte(key)); v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, err
}

func (d *DB) Put(bucket, key string, value []byte) error {
	if d.bolt == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.mem[bucket] == nil {
			d.mem[bucket] = make(map[string][]byte)
		}
		cpy := make([]byte, len(value))
		copy(cpy, value)
		d.mem[bucket][key] = cpy
		return nil
	}

	return d.bolt.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("create bucket %q: %w", bucket, err)
		}
		return bkt.Put([]byte(key), value)
	})
}

func (d *DB) Delete(bucket, key string) error {
	if d.bolt == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.mem[bucket], key)
		return nil
	}

	return d.bolt.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

// DeleteBucket removes a bucket and everything in it. Missing buckets are
// not an error.
func (d *DB) DeleteBucket(bucket string) error {
	if d.bolt == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.mem, bucket)
		return nil
	}

	return d.bolt.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(bucket))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// ForEach visits every key/value pair in bucket.
func (d *DB) ForEach(bucket string, fn func(k, v []byte) error) error {
	if d.bolt == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		for k, v := range d.mem[bucket] {
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	}

	return d.bolt.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(fn)
	})
}

// Count returns the number of keys in bucket.
func (d *DB) Count(bucket string) (int, error) {
	if d.bolt == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.mem[bucket]), nil
	}

	var n int
	err := d.bolt.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt != nil {
			n = bkt.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Buckets lists bucket names with the given prefix, sorted.
func (d *DB) Buckets(prefix string) ([]string, error) {
	var names []string
	if d.bolt == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		for name := range d.mem {
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return names, nil
	}

	err := d.bolt.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if strings.HasPrefix(string(name), prefix) {
				names = append(names, string(name))
			}
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}
