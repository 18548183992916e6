package multidevice

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealed_chat/internal/cryptographic/envelope"
	"sealed_chat/internal/model"
)

type testDevice struct {
	id string
	kp *model.KeyPair
}

func newTestDevice(t *testing.T, id string) testDevice {
	t.Helper()
	kp, err := envelope.NewKeyPair()
	require.NoError(t, err)
	return testDevice{id: id, kp: kp}
}

func identities(devs ...testDevice) []model.DeviceIdentity {
	out := make([]model.DeviceIdentity, 0, len(devs))
	for _, d := range devs {
		out = append(out, model.DeviceIdentity{DeviceID: d.id, PublicKey: d.kp.PublicKey})
	}
	return out
}

func TestFanOutCompleteness(t *testing.T) {
	recA := newTestDevice(t, "dev-A")
	recB := newTestDevice(t, "dev-B")
	sndC := newTestDevice(t, "dev-C")
	sndD := newTestDevice(t, "dev-D")

	bundle, err := EncryptForAllDevices([]byte("hello"),
		identities(recA, recB), identities(sndC, sndD))
	require.NoError(t, err)
	require.Len(t, bundle.RecipientDevices, 2)
	require.Len(t, bundle.SenderDevices, 2)

	for _, d := range []testDevice{recA, recB} {
		plain, err := DecryptBundle(bundle, d.id, false, d.kp.SecretKey)
		require.NoError(t, err, "recipient device %s", d.id)
		assert.Equal(t, "hello", string(plain))
	}
	for _, d := range []testDevice{sndC, sndD} {
		plain, err := DecryptBundle(bundle, d.id, true, d.kp.SecretKey)
		require.NoError(t, err, "sender device %s", d.id)
		assert.Equal(t, "hello", string(plain))
	}
}

func TestFallbackFieldsMatchFirstEntries(t *testing.T) {
	recA := newTestDevice(t, "dev-A")
	sndC := newTestDevice(t, "dev-C")

	bundle, err := EncryptForAllDevices([]byte("hi"),
		identities(recA), identities(sndC))
	require.NoError(t, err)

	assert.Equal(t, bundle.RecipientDevices[0].Envelope, *bundle.ForRecipient)
	assert.Equal(t, bundle.SenderDevices[0].Envelope, *bundle.ForSender)
}

func TestUnreadableToSelfRefused(t *testing.T) {
	recA := newTestDevice(t, "dev-A")

	_, err := EncryptForAllDevices([]byte("hi"), identities(recA), nil)
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	_, err = EncryptForAllDevices([]byte("hi"), nil, identities(recA))
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestDeviceIDDriftStillDecrypts(t *testing.T) {
	recA := newTestDevice(t, "dev-A")
	sndC := newTestDevice(t, "dev-C")

	bundle, err := EncryptForAllDevices([]byte("drift"),
		identities(recA), identities(sndC))
	require.NoError(t, err)

	// reader kept the key but reinstalled, so its device id changed
	plain, err := DecryptBundle(bundle, "dev-A-reinstalled", false, recA.kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "drift", string(plain))
}

func TestOppositeRoleFallback(t *testing.T) {
	recA := newTestDevice(t, "dev-A")
	sndC := newTestDevice(t, "dev-C")

	bundle, err := EncryptForAllDevices([]byte("confused"),
		identities(recA), identities(sndC))
	require.NoError(t, err)

	// older clients sometimes got the role flag wrong; the chain must
	// still find the envelope in the opposite-role list
	plain, err := DecryptBundle(bundle, recA.id, true, recA.kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "confused", string(plain))
}

func TestWrongKeyCannotDecrypt(t *testing.T) {
	recA := newTestDevice(t, "dev-A")
	sndC := newTestDevice(t, "dev-C")
	outsider := newTestDevice(t, "dev-X")

	bundle, err := EncryptForAllDevices([]byte("private"),
		identities(recA), identities(sndC))
	require.NoError(t, err)

	_, err = DecryptBundle(bundle, outsider.id, false, outsider.kp.SecretKey)
	assert.ErrorIs(t, err, ErrCannotDecrypt)
	_, err = DecryptBundle(bundle, outsider.id, true, outsider.kp.SecretKey)
	assert.ErrorIs(t, err, ErrCannotDecrypt)
}

func TestEncodeDecodeMultiShape(t *testing.T) {
	recA := newTestDevice(t, "dev-A")
	sndC := newTestDevice(t, "dev-C")

	bundle, err := EncryptForAllDevices([]byte("wire"),
		identities(recA), identities(sndC))
	require.NoError(t, err)

	content, err := EncodeBundle(bundle)
	require.NoError(t, err)

	decoded, shape, err := DecodeBundle(content)
	require.NoError(t, err)
	assert.Equal(t, ShapeMulti, shape)

	plain, err := DecryptBundle(decoded, recA.id, false, recA.kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "wire", string(plain))
}

func TestDecodeLegacyDualShape(t *testing.T) {
	rec := newTestDevice(t, "dev-A")
	snd := newTestDevice(t, "dev-C")

	forRecipient, err := envelope.Encrypt([]byte("legacy"), rec.kp.PublicKey)
	require.NoError(t, err)
	forSender, err := envelope.Encrypt([]byte("legacy"), snd.kp.PublicKey)
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]any{
		"forRecipient": forRecipient,
		"forSender":    forSender,
	})
	require.NoError(t, err)

	decoded, shape, err := DecodeBundle(string(raw))
	require.NoError(t, err)
	assert.Equal(t, ShapeDual, shape)
	assert.Nil(t, decoded.RecipientDevices)

	plain, err := DecryptBundle(decoded, rec.id, false, rec.kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(plain))

	plain, err = DecryptBundle(decoded, snd.id, true, snd.kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(plain))
}

func TestDecodeBareEnvelopeShape(t *testing.T) {
	rec := newTestDevice(t, "dev-A")

	env, err := envelope.Encrypt([]byte("oldest"), rec.kp.PublicKey)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, shape, err := DecodeBundle(string(raw))
	require.NoError(t, err)
	assert.Equal(t, ShapeSingle, shape)

	// the one envelope serves both roles
	plain, err := DecryptBundle(decoded, rec.id, false, rec.kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "oldest", string(plain))

	plain, err = DecryptBundle(decoded, rec.id, true, rec.kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "oldest", string(plain))
}

func TestDecodeUnrecognized(t *testing.T) {
	_, _, err := DecodeBundle("not json at all")
	assert.ErrorIs(t, err, ErrUnrecognizedBundle)

	_, _, err = DecodeBundle("{}")
	assert.ErrorIs(t, err, ErrUnrecognizedBundle)
}

func TestEncryptLegacy(t *testing.T) {
	rec := newTestDevice(t, "dev-A")
	snd := newTestDevice(t, "dev-C")

	bundle, err := EncryptLegacy([]byte("degraded"), rec.kp.PublicKey, snd.kp.PublicKey)
	require.NoError(t, err)
	require.NotNil(t, bundle.ForRecipient)
	require.NotNil(t, bundle.ForSender)

	plain, err := DecryptBundle(bundle, rec.id, false, rec.kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "degraded", string(plain))

	plain, err = DecryptBundle(bundle, snd.id, true, snd.kp.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, "degraded", string(plain))

	_, err = EncryptLegacy([]byte("degraded"), nil, snd.kp.PublicKey)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}
