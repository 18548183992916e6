package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"sealed_chat/internal/model"
)

const (
	// KeySize is the length of X25519 public and secret keys.
	KeySize = 32
	// NonceSize is the length required by the XSalsa20-Poly1305
	// construction.
	NonceSize = 24
)

var (
	// ErrDecryptFailed means the ciphertext did not authenticate under
	// the attempted secret key. Expected and common: every device probes
	// envelopes that may have been encrypted for a sibling device.
	ErrDecryptFailed = errors.New("envelope: decryption failed")

	// ErrMalformed means the envelope is structurally broken (wrong key
	// or nonce length), as opposed to merely failing authentication.
	ErrMalformed = errors.New("envelope: malformed input")
)

// NewKeyPair generates a fresh X25519 keypair.
func NewKeyPair() (*model.KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &model.KeyPair{
		PublicKey: pub[:],
		SecretKey: priv[:],
	}, nil
}

// Encrypt seals plaintext for the holder of recipientPub. A fresh
// ephemeral keypair is generated per call; its secret half is discarded on
// return, so compromise of one message exposes no other.
func Encrypt(plaintext, recipientPub []byte) (*model.Envelope, error) {
	if len(recipientPub) != KeySize {
		return nil, fmt.Errorf("%w: recipient key is %d bytes", ErrMalformed, len(recipientPub))
	}

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}

	var peer [KeySize]byte
	copy(peer[:], recipientPub)

	ct := box.Seal(nil, plaintext, &nonce, &peer, ephPriv)
	return &model.Envelope{
		Ciphertext:         ct,
		Nonce:              nonce[:],
		EphemeralPublicKey: ephPub[:],
	}, nil
}

// Decrypt opens env with ownSecret. Returns ErrDecryptFailed when the
// authentication tag does not verify (wrong key, corrupted ciphertext, or
// nonce mismatch).
func Decrypt(env *model.Envelope, ownSecret []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if len(ownSecret) != KeySize {
		return nil, fmt.Errorf("%w: secret key is %d bytes", ErrMalformed, len(ownSecret))
	}
	if len(env.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrMalformed, len(env.Nonce))
	}
	if len(env.EphemeralPublicKey) != KeySize {
		return nil, fmt.Errorf("%w: ephemeral key is %d bytes", ErrMalformed, len(env.EphemeralPublicKey))
	}

	var (
		nonce  [NonceSize]byte
		ephPub [KeySize]byte
		secret [KeySize]byte
	)
	copy(nonce[:], env.Nonce)
	copy(ephPub[:], env.EphemeralPublicKey)
	copy(secret[:], ownSecret)

	plain, ok := box.Open(nil, env.Ciphertext, &nonce, &ephPub, &secret)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}
