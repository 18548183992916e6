package model

import "bytes"

type (
	// KeyPair is a device's long-term X25519 identity keypair. The secret
	// key never leaves the owning device except inside an encrypted
	// BackupBlob.
	KeyPair struct {
		PublicKey []byte `json:"public_key"`
		SecretKey []byte `json:"secret_key"`
	}

	// DeviceIdentity is one (user, installation) record in the device
	// directory.
	DeviceIdentity struct {
		UserID     string `json:"user_id" bson:"user_id"`
		DeviceID   string `json:"device_id" bson:"device_id"`
		PublicKey  []byte `json:"public_key" bson:"public_key"`
		DeviceName string `json:"device_name" bson:"device_name"`
	}

	// UserKey is the legacy single long-term public key record, kept so
	// pre-multi-device peers can still be encrypted to.
	UserKey struct {
		UserID    string `json:"user_id" bson:"user_id"`
		PublicKey []byte `json:"public_key" bson:"public_key"`
	}
)

// Equal reports whether both halves of the keypairs match.
func (k KeyPair) Equal(other KeyPair) bool {
	return bytes.Equal(k.PublicKey, other.PublicKey) &&
		bytes.Equal(k.SecretKey, other.SecretKey)
}
