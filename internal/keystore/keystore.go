package keystore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"sealed_chat/internal/cryptographic/envelope"
	"sealed_chat/internal/localdb"
	"sealed_chat/internal/model"
	"sealed_chat/internal/utils/log"
)

const (
	bucket     = "identity"
	keypairKey = "keypair"
)

type (
	// KeyStore owns the device's long-term identity keypair. The keypair
	// is created exactly once per installation; Regenerate is the only
	// path that replaces it, and doing so makes all ciphertext addressed
	// to the old public key permanently unreadable.
	KeyStore struct {
		db *localdb.DB
	}
)

func New(db *localdb.DB) *KeyStore {
	return &KeyStore{db: db}
}

// GetOrCreateIdentity returns the persisted identity, creating one on
// first call. Idempotent.
func (s *KeyStore) GetOrCreateIdentity() (*model.KeyPair, error) {
	raw, err := s.db.Get(bucket, keypairKey)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	if raw != nil {
		var kp model.KeyPair
		if err := json.Unmarshal(raw, &kp); err != nil {
			return nil, fmt.Errorf("unmarshal identity: %w", err)
		}
		return &kp, nil
	}
	return s.Regenerate()
}

// Regenerate creates and persists a fresh identity keypair, destroying
// the old one. Explicit calls only.
func (s *KeyStore) Regenerate() (*model.KeyPair, error) {
	kp, err := envelope.NewKeyPair()
	if err != nil {
		return nil, err
	}
	if err := s.put(kp); err != nil {
		return nil, err
	}
	log.Info("generated new identity keypair")
	return kp, nil
}

// SetIdentity installs a keypair restored from a backup blob.
func (s *KeyStore) SetIdentity(kp *model.KeyPair) error {
	return s.put(kp)
}

// Has reports whether an identity already exists, without creating one.
func (s *KeyStore) Has() (bool, error) {
	raw, err := s.db.Get(bucket, keypairKey)
	if err != nil {
		return false, fmt.Errorf("read identity: %w", err)
	}
	return raw != nil, nil
}

// Wipe deletes the stored identity. The next GetOrCreateIdentity mints a
// fresh keypair unless a backup is restored first.
func (s *KeyStore) Wipe() error {
	return s.db.DeleteBucket(bucket)
}

// ExportPublicKey returns the identity public key, Base64-encoded for
// transport.
func (s *KeyStore) ExportPublicKey() (string, error) {
	kp, err := s.GetOrCreateIdentity()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(kp.PublicKey), nil
}

// Persistent reports whether the identity survives the session. Callers
// must not promise cross-session decryption when this is false.
func (s *KeyStore) Persistent() bool {
	return s.db.Persistent()
}

func (s *KeyStore) put(kp *model.KeyPair) error {
	raw, err := json.Marshal(kp)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.db.Put(bucket, keypairKey, raw); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	if !s.db.Persistent() {
		log.Warn("identity stored in memory only", zap.Bool("persistent", false))
	}
	return nil
}
