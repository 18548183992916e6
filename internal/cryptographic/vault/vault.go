package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/model"
)

const (
	saltSize = 16
	keySize  = 32

	// Iterations is deliberately high; a restore is expected to cost
	// hundreds of milliseconds.
	Iterations = 150_000
)

var (
	// ErrWrongPassword means the blob is structurally valid but did not
	// authenticate under the key derived from the given password.
	ErrWrongPassword = errors.New("vault: wrong password")

	// ErrCorrupt means the blob cannot even be parsed. Callers treat this
	// the same as "no backup exists".
	ErrCorrupt = errors.New("vault: corrupted backup blob")
)

// Backup encrypts the identity keypair under a key derived from password
// and a fresh random salt. The blob layout is salt || nonce || ciphertext;
// at most one blob exists per account and each call produces a full
// replacement.
func Backup(kp *model.KeyPair, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("rand.Read salt: %w", err)
	}

	payload, err := json.Marshal(kp)
	if err != nil {
		return nil, fmt.Errorf("marshal keypair: %w", err)
	}

	sealed, err := encryption.AEADEncrypt(deriveKey(password, salt), payload, nil)
	if err != nil {
		return nil, fmt.Errorf("seal keypair: %w", err)
	}

	return append(salt, sealed...), nil
}

// Restore reverses Backup. ErrWrongPassword and ErrCorrupt are
// distinguishable so the caller can decide between re-prompting for a
// password and generating a fresh identity.
func Restore(blob []byte, password string) (*model.KeyPair, error) {
	if len(blob) <= saltSize {
		return nil, ErrCorrupt
	}

	plain, err := encryption.AEADDecrypt(deriveKey(password, blob[:saltSize]), blob[saltSize:], nil)
	if err != nil {
		if errors.Is(err, encryption.ErrOpenFailed) {
			return nil, ErrWrongPassword
		}
		return nil, ErrCorrupt
	}

	var kp model.KeyPair
	if err := json.Unmarshal(plain, &kp); err != nil {
		return nil, ErrCorrupt
	}
	if len(kp.PublicKey) == 0 || len(kp.SecretKey) == 0 {
		return nil, ErrCorrupt
	}
	return &kp, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, keySize, sha256.New)
}
