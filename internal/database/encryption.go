package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"chatsync/internal/constants"
)

// sealedPrefix marks values written by an enabled encryptor so a cache
// opened without the key fails instead of returning ciphertext.
const sealedPrefix = "v1:"

type encryptor struct {
	gcm cipher.AEAD
}

// newEncryptor returns a pass-through encryptor when disabled. When enabled
// the key is derived from the secret in CHATSYNC_CACHE_SECRET.
func newEncryptor(enabled bool) (*encryptor, error) {
	if !enabled {
		return &encryptor{}, nil
	}

	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) enabled() bool {
	return e.gcm != nil
}

func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, constants.CacheNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

func (e *encryptor) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if e.gcm == nil {
		return "", fmt.Errorf("cache is encrypted but encryption is disabled")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < constants.CacheNonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:constants.CacheNonceSize], data[constants.CacheNonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func deriveKey() ([]byte, error) {
	secret := os.Getenv(constants.CacheSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required when cache encryption is enabled", constants.CacheSecretEnv)
	}
	if len(secret) < constants.CacheSecretMinLen {
		return nil, fmt.Errorf("cache secret must be at least %d characters long", constants.CacheSecretMinLen)
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.CacheEncryptionSalt), constants.CacheKeyIterations, constants.CacheKeySize, sha256.New)
	return key, nil
}
