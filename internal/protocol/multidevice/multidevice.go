package multidevice

import (
	"errors"

	"go.uber.org/zap"

	"sealed_chat/internal/cryptographic/envelope"
	"sealed_chat/internal/model"
	"sealed_chat/internal/utils/log"
)

var (
	// ErrKeyUnavailable means no usable public key existed for a required
	// role; the message must not be sent.
	ErrKeyUnavailable = errors.New("multidevice: no usable key for encryption")

	// ErrCannotDecrypt means every envelope in the bundle failed to open
	// under this device's secret key. Callers render a locked-message
	// placeholder and leave the plaintext cache untouched.
	ErrCannotDecrypt = errors.New("multidevice: no envelope decryptable by this device")
)

// EncryptForAllDevices fans plaintext out to every device of the
// recipient and every device of the sender (so the author can re-read the
// message on all installations). Devices whose keys fail to encrypt are
// skipped; at least one envelope must succeed per role, otherwise the
// whole send is refused: an unreadable-to-self message is never sent.
// The first envelope of each list doubles as the dual-format fallback.
func EncryptForAllDevices(plaintext []byte, recipientDevices, senderDevices []model.DeviceIdentity) (*model.MultiDeviceBundle, error) {
	recipients := sealForDevices(plaintext, recipientDevices)
	senders := sealForDevices(plaintext, senderDevices)
	if len(recipients) == 0 || len(senders) == 0 {
		return nil, ErrKeyUnavailable
	}

	return &model.MultiDeviceBundle{
		RecipientDevices: recipients,
		SenderDevices:    senders,
		ForRecipient:     &recipients[0].Envelope,
		ForSender:        &senders[0].Envelope,
	}, nil
}

// EncryptLegacy is the degraded path used when the device directory is
// unreachable: encrypt only to the two long-term keys. The recipient key
// is mandatory; a missing sender key loses self-readability but does not
// block the send.
func EncryptLegacy(plaintext, recipientKey, senderKey []byte) (*model.MultiDeviceBundle, error) {
	if len(recipientKey) == 0 {
		return nil, ErrKeyUnavailable
	}

	forRecipient, err := envelope.Encrypt(plaintext, recipientKey)
	if err != nil {
		return nil, ErrKeyUnavailable
	}

	b := &model.MultiDeviceBundle{ForRecipient: forRecipient}
	if len(senderKey) != 0 {
		forSender, err := envelope.Encrypt(plaintext, senderKey)
		if err == nil {
			b.ForSender = forSender
		} else {
			log.Warn("legacy encrypt: skipping sender envelope", zap.Error(err))
		}
	} else {
		log.Warn("legacy encrypt: sender key unknown, message will not be self-readable")
	}
	return b, nil
}

// DecryptBundle walks the bundle's envelopes in precedence order and
// returns the first plaintext that authenticates:
//
//  1. the envelope addressed to myDeviceID in the role-matching list
//  2. any other envelope in that list (device-id drift, reinstalls)
//  3. the role-matching legacy fallback
//  4. every envelope in the opposite-role list
//  5. the opposite-role legacy fallback
//
// Roles are swapped when the reader is the message's author. Each attempt
// is idempotent, so trying sibling-device envelopes is safe.
func DecryptBundle(b *model.MultiDeviceBundle, myDeviceID string, isSender bool, ownSecret []byte) ([]byte, error) {
	if b == nil {
		return nil, ErrCannotDecrypt
	}

	roleList, roleFallback := b.RecipientDevices, b.ForRecipient
	otherList, otherFallback := b.SenderDevices, b.ForSender
	if isSender {
		roleList, otherList = otherList, roleList
		roleFallback, otherFallback = otherFallback, roleFallback
	}

	for _, de := range roleList {
		if de.DeviceID != myDeviceID {
			continue
		}
		if plain, err := envelope.Decrypt(&de.Envelope, ownSecret); err == nil {
			return plain, nil
		}
	}
	for _, de := range roleList {
		if de.DeviceID == myDeviceID {
			continue
		}
		if plain, err := envelope.Decrypt(&de.Envelope, ownSecret); err == nil {
			return plain, nil
		}
	}
	if plain, err := envelope.Decrypt(roleFallback, ownSecret); err == nil {
		return plain, nil
	}
	for _, de := range otherList {
		if plain, err := envelope.Decrypt(&de.Envelope, ownSecret); err == nil {
			return plain, nil
		}
	}
	if otherFallback != roleFallback {
		if plain, err := envelope.Decrypt(otherFallback, ownSecret); err == nil {
			return plain, nil
		}
	}
	return nil, ErrCannotDecrypt
}

func sealForDevices(plaintext []byte, devs []model.DeviceIdentity) []model.DeviceEnvelope {
	out := make([]model.DeviceEnvelope, 0, len(devs))
	for _, d := range devs {
		env, err := envelope.Encrypt(plaintext, d.PublicKey)
		if err != nil {
			log.Warn("skipping device with bad key",
				zap.String("device_id", d.DeviceID), zap.Error(err))
			continue
		}
		out = append(out, model.DeviceEnvelope{DeviceID: d.DeviceID, Envelope: *env})
	}
	return out
}
