package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sealed_chat/internal/cache"
	"sealed_chat/internal/cryptographic/vault"
	"sealed_chat/internal/devices"
	"sealed_chat/internal/keystore"
	"sealed_chat/internal/localdb"
	"sealed_chat/internal/model"
	"sealed_chat/internal/protocol/multidevice"
	"sealed_chat/internal/utils/log"
)

// LockedPlaceholder is rendered instead of ciphertext when no envelope of
// a bundle opens under this device's key.
const LockedPlaceholder = "[locked] message cannot be decrypted on this device"

type (
	// BackupStore is the slice of the directory API the login flow needs
	// for identity backup blobs.
	BackupStore interface {
		GetBackup(ctx context.Context, userID string) ([]byte, error)
		PutBackup(ctx context.Context, userID string, blob []byte) error
	}

	// Session is one logged-in user's encryption context: identity,
	// device id, directory access and the local plaintext cache. It is
	// the boundary the UI talks to; plaintext exists only on its inside.
	Session struct {
		UserID   string
		DeviceID string

		identity *model.KeyPair
		keystore *keystore.KeyStore
		registry *devices.Registry
		cache    *cache.Cache
		backups  BackupStore
	}
)

// Login builds a session. Order matters: try restoring the identity from
// the account backup before generating a fresh one (a fresh identity on a
// device that had history makes that history unreadable), then register
// this device, then re-upload the backup best-effort.
func Login(ctx context.Context, db *localdb.DB, dir devices.Directory, backups BackupStore, userID, password, deviceName string) (*Session, error) {
	ks := keystore.New(db)

	if err := restoreIdentity(ctx, ks, backups, userID, password); err != nil {
		return nil, err
	}

	identity, err := ks.GetOrCreateIdentity()
	if err != nil {
		return nil, fmt.Errorf("identity unavailable: %w", err)
	}
	if !ks.Persistent() {
		log.Warn("identity is not persisted; messages will be unreadable after restart")
	}

	registry := devices.New(db, dir, userID, deviceName)
	deviceID, err := registry.GetOrCreateDeviceID()
	if err != nil {
		return nil, err
	}

	if err := registry.Register(ctx, identity.PublicKey); err != nil {
		// Non-fatal: peers can still reach the legacy key if one was
		// ever published, and registration is retried next login.
		log.Warn("device registration failed", zap.Error(err))
	}

	s := &Session{
		UserID:   userID,
		DeviceID: deviceID,
		identity: identity,
		keystore: ks,
		registry: registry,
		cache:    cache.New(db),
		backups:  backups,
	}

	go s.uploadBackup(password)
	return s, nil
}

// restoreIdentity installs a backed-up identity when the local store has
// none. An identity this device already owns always wins over the server
// blob: replacing it would orphan every ciphertext already addressed to
// it. A wrong password is returned to the caller (they may want to
// retry); a corrupt or missing blob falls through to fresh generation.
func restoreIdentity(ctx context.Context, ks *keystore.KeyStore, backups BackupStore, userID, password string) error {
	has, err := ks.Has()
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	blob, err := backups.GetBackup(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNoBackup) {
			log.Warn("backup fetch failed, continuing without restore", zap.Error(err))
		}
		return nil
	}

	kp, err := vault.Restore(blob, password)
	switch {
	case err == nil:
		return ks.SetIdentity(kp)
	case errors.Is(err, vault.ErrWrongPassword):
		return err
	default:
		log.Warn("backup blob corrupt, generating fresh identity", zap.Error(err))
		return nil
	}
}

// uploadBackup refreshes the server-side backup blob. Best effort: the
// KDF takes hundreds of milliseconds and a failure here must not block or
// fail the login.
func (s *Session) uploadBackup(password string) {
	blob, err := vault.Backup(s.identity, password)
	if err != nil {
		log.Warn("backup encode failed", zap.Error(err))
		return
	}
	if err := s.backups.PutBackup(context.Background(), s.UserID, blob); err != nil {
		log.Warn("backup upload failed", zap.Error(err))
	}
}

// EncryptOutgoing turns plaintext into the opaque bundle string sent as
// message content. Device lists for both sides are fetched concurrently;
// when the directory is unreachable the send degrades to the legacy
// dual-envelope path over the long-term keys. With no recipient key at
// all the send is refused; plaintext never goes out.
func (s *Session) EncryptOutgoing(ctx context.Context, plaintext, recipientUserID string) (string, error) {
	var (
		wg             sync.WaitGroup
		recipientDevs  []model.DeviceIdentity
		ownDevs        []model.DeviceIdentity
		recErr, ownErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		recipientDevs, recErr = s.registry.ListDevicesFor(ctx, recipientUserID)
	}()
	go func() {
		defer wg.Done()
		ownDevs, ownErr = s.registry.ListOwnDevices(ctx)
	}()
	wg.Wait()

	if recErr == nil && ownErr == nil && len(recipientDevs) > 0 && len(ownDevs) > 0 {
		bundle, err := multidevice.EncryptForAllDevices([]byte(plaintext), recipientDevs, ownDevs)
		if err == nil {
			return multidevice.EncodeBundle(bundle)
		}
		log.Warn("multi-device encryption failed, trying legacy path", zap.Error(err))
	} else {
		log.Warn("device lists unavailable, trying legacy path",
			zap.NamedError("recipient_err", recErr), zap.NamedError("own_err", ownErr))
	}

	return s.encryptLegacy(ctx, plaintext, recipientUserID)
}

func (s *Session) encryptLegacy(ctx context.Context, plaintext, recipientUserID string) (string, error) {
	key, err := s.registry.UserKeyFor(ctx, recipientUserID)
	if err != nil || key == nil {
		return "", fmt.Errorf("no key available for %s: %w", recipientUserID, multidevice.ErrKeyUnavailable)
	}

	bundle, err := multidevice.EncryptLegacy([]byte(plaintext), key.PublicKey, s.identity.PublicKey)
	if err != nil {
		return "", err
	}
	return multidevice.EncodeBundle(bundle)
}

// DecryptIncoming renders message content for display. It never fails:
// anything undecryptable comes back as the locked placeholder with
// ok=false, and the plaintext cache is left untouched.
func (s *Session) DecryptIncoming(content string, isSender bool) (text string, ok bool) {
	bundle, shape, err := multidevice.DecodeBundle(content)
	if err != nil {
		log.Warn("unrecognized bundle shape", zap.Error(err))
		return LockedPlaceholder, false
	}

	plain, err := multidevice.DecryptBundle(bundle, s.DeviceID, isSender, s.identity.SecretKey)
	if err != nil {
		log.Debug("bundle not decryptable",
			zap.Stringer("shape", shape), zap.Bool("is_sender", isSender))
		return LockedPlaceholder, false
	}
	return string(plain), true
}

// LoadConversation renders a conversation: cached plaintext immediately,
// merged with the authoritative server view ("decrypt once, trust
// forever").
func (s *Session) LoadConversation(conversationID string, serverMsgs []model.Message) ([]model.CachedMessage, error) {
	return s.cache.Reconcile(conversationID, serverMsgs, func(m *model.Message) (string, error) {
		bundle, _, err := multidevice.DecodeBundle(m.Content)
		if err != nil {
			return "", err
		}
		plain, err := multidevice.DecryptBundle(bundle, s.DeviceID, m.SenderID == s.UserID, s.identity.SecretKey)
		if err != nil {
			return "", err
		}
		return string(plain), nil
	})
}

// CacheDecrypted stores one freshly handled message. Called after a send
// is confirmed on the wire or after a successful inbound decrypt.
func (s *Session) CacheDecrypted(m *model.Message, plaintext string) error {
	return s.cache.Put(&model.CachedMessage{
		Message:   *m,
		Plaintext: plaintext,
		Decrypted: true,
	})
}

// CachedConversation returns what the cache holds, for instant rendering
// before the server responds.
func (s *Session) CachedConversation(conversationID string) ([]model.CachedMessage, error) {
	return s.cache.Get(conversationID)
}

// Logout wipes everything this session persisted locally: cached
// plaintext, the identity keypair and the device id. The identity stays
// recoverable through the account backup at the next login.
func (s *Session) Logout() error {
	if err := s.cache.ClearAll(); err != nil {
		return err
	}
	if err := s.keystore.Wipe(); err != nil {
		return err
	}
	return s.registry.Wipe()
}
