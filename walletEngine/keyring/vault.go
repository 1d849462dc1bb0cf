package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
)

const (
	// Encryption constants
	saltLength       = 32
	nonceLength      = 12 // GCM nonce length
	keyLength        = 32 // AES-256 key length
	pbkdf2Iterations = 100000
)

// vaultPayload is the plaintext sealed in the vault.
type vaultPayload struct {
	Mnemonic string                      `json:"mnemonic"`
	Imported map[string][]importedSecret `json:"imported,omitempty"`
}

type importedSecret struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

// sealVault encrypts data using AES-256-GCM with a password-derived key.
// Returns encrypted data in format: [salt(32) || nonce(12) || ciphertext || tag(16)]
func sealVault(password []byte, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("vault data cannot be empty")
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}

	key := pbkdf2.Key(password, salt, pbkdf2Iterations, keyLength, sha256.New)
	defer Zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)

	encrypted := make([]byte, 0, saltLength+len(ciphertext))
	encrypted = append(encrypted, salt...)
	encrypted = append(encrypted, ciphertext...)
	return encrypted, nil
}

// openVault decrypts data sealed with sealVault. A wrong password and a
// corrupted blob are indistinguishable and both report InvalidPassword.
func openVault(password []byte, blob []byte) ([]byte, error) {
	if len(blob) < saltLength+nonceLength {
		return nil, apperrors.New(apperrors.ReasonInvalidPassword, "invalid password")
	}
	salt := blob[:saltLength]
	nonce := blob[saltLength : saltLength+nonceLength]
	ciphertext := blob[saltLength+nonceLength:]

	key := pbkdf2.Key(password, salt, pbkdf2Iterations, keyLength, sha256.New)
	defer Zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ReasonInvalidPassword, "invalid password")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return gcm, nil
}

func sealPayload(password []byte, payload *vaultPayload) ([]byte, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode vault")
	}
	defer Zero(plaintext)
	return sealVault(password, plaintext)
}

func openPayload(password []byte, blob []byte) (*vaultPayload, error) {
	plaintext, err := openVault(password, blob)
	if err != nil {
		return nil, err
	}
	defer Zero(plaintext)

	var payload vaultPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ReasonRpcInternal, err, "vault is corrupted")
	}
	return &payload, nil
}
