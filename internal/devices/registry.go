package devices

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sealed_chat/internal/localdb"
	"sealed_chat/internal/model"
	"sealed_chat/internal/utils/log"
)

const (
	bucket      = "device"
	deviceIDKey = "device_id"
)

type (
	// Directory is the remote device-directory API. The HTTP client in
	// the app service implements it; tests substitute an in-memory fake.
	Directory interface {
		RegisterDevice(ctx context.Context, dev *model.DeviceIdentity) error
		ListDevices(ctx context.Context, userID string) ([]model.DeviceIdentity, error)
		PutUserKey(ctx context.Context, key *model.UserKey) error
		GetUserKey(ctx context.Context, userID string) (*model.UserKey, error)
	}

	// Registry owns the stable per-installation device id and mirrors the
	// device's identity into the remote directory.
	Registry struct {
		db         *localdb.DB
		dir        Directory
		userID     string
		deviceName string
	}
)

func New(db *localdb.DB, dir Directory, userID, deviceName string) *Registry {
	return &Registry{
		db:         db,
		dir:        dir,
		userID:     userID,
		deviceName: deviceName,
	}
}

// GetOrCreateDeviceID returns the installation's device id, minting a
// UUID on first call. Idempotent per installation.
func (r *Registry) GetOrCreateDeviceID() (string, error) {
	raw, err := r.db.Get(bucket, deviceIDKey)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if raw != nil {
		return string(raw), nil
	}

	id := uuid.NewString()
	if err := r.db.Put(bucket, deviceIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	log.Info("created device id", zap.String("device_id", id))
	return id, nil
}

// Wipe deletes the persisted device id. The next login registers as a
// fresh installation.
func (r *Registry) Wipe() error {
	return r.db.DeleteBucket(bucket)
}

// Register upserts this device's (deviceId, publicKey, name) record and
// the legacy single-key record in the directory. A failure here is
// non-fatal to sending (the peer can still encrypt to the legacy key) but
// is surfaced to the caller for retry.
func (r *Registry) Register(ctx context.Context, publicKey []byte) error {
	deviceID, err := r.GetOrCreateDeviceID()
	if err != nil {
		return err
	}

	if err := r.dir.RegisterDevice(ctx, &model.DeviceIdentity{
		UserID:     r.userID,
		DeviceID:   deviceID,
		PublicKey:  publicKey,
		DeviceName: r.deviceName,
	}); err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	if err := r.dir.PutUserKey(ctx, &model.UserKey{
		UserID:    r.userID,
		PublicKey: publicKey,
	}); err != nil {
		return fmt.Errorf("publish user key: %w", err)
	}
	return nil
}

// ListDevicesFor fetches the directory's device list for any user.
func (r *Registry) ListDevicesFor(ctx context.Context, userID string) ([]model.DeviceIdentity, error) {
	return r.dir.ListDevices(ctx, userID)
}

// ListOwnDevices fetches this user's devices, including this one.
func (r *Registry) ListOwnDevices(ctx context.Context) ([]model.DeviceIdentity, error) {
	return r.dir.ListDevices(ctx, r.userID)
}

// UserKeyFor fetches a user's legacy long-term public key, used when the
// device list is unavailable.
func (r *Registry) UserKeyFor(ctx context.Context, userID string) (*model.UserKey, error) {
	return r.dir.GetUserKey(ctx, userID)
}
