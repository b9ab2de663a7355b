package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/pbkdf2"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

const (
	keyLen            = 32
	DefaultIterations = 310000
)

// ErrInvalidCiphertext is returned when a stored value cannot be opened
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// CipherStrategy encrypts sensitive payloads with AES-256-GCM under a key
// derived per call with PBKDF2 from the owning user id and a fixed
// application salt. The stored data is a JSON string holding
// base64(nonce || ciphertext).
type CipherStrategy struct {
	salt       []byte
	iterations int
	rand       io.Reader
	logger     *slog.Logger
}

func NewCipherStrategy(salt string, iterations int, logger *slog.Logger) *CipherStrategy {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CipherStrategy{
		salt:       []byte(salt),
		iterations: iterations,
		rand:       rand.Reader,
		logger:     logger,
	}
}

func (c *CipherStrategy) Name() string { return "cipher" }

func (c *CipherStrategy) deriveKey(userID string) []byte {
	return pbkdf2.Key([]byte(userID), c.salt, c.iterations, keyLen, sha256.New)
}

func (c *CipherStrategy) aead(userID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.deriveKey(userID))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext for userID and returns base64(nonce || ciphertext)
func (c *CipherStrategy) Seal(userID string, plaintext []byte) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	gcm, err := c.aead(userID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal
func (c *CipherStrategy) Open(userID, encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	gcm, err := c.aead(userID)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func (c *CipherStrategy) Protect(_ context.Context, item models.QueueItem) (models.QueueItem, error) {
	if !item.Metadata.Sensitive {
		return item, nil
	}

	sealed, err := c.Seal(item.Metadata.UserID, item.Data)
	if err != nil {
		return item, &EncryptionError{ItemID: item.ID, Err: err}
	}
	stored, err := json.Marshal(sealed)
	if err != nil {
		return item, &EncryptionError{ItemID: item.ID, Err: err}
	}

	out := item.Clone()
	out.Data = stored
	return out, nil
}

// Resolve never fails: a value that cannot be decrypted is returned as
// stored, and the remote side's own validation rejects it.
func (c *CipherStrategy) Resolve(_ context.Context, item models.QueueItem) (json.RawMessage, error) {
	if !item.Metadata.Sensitive {
		return item.Data, nil
	}

	var encoded string
	if err := json.Unmarshal(item.Data, &encoded); err != nil {
		c.logger.Warn("Sensitive payload is not a sealed string, using raw value", "item_id", item.ID)
		return item.Data, nil
	}
	plaintext, err := c.Open(item.Metadata.UserID, encoded)
	if err != nil {
		c.logger.Warn("Failed to decrypt sensitive payload, using raw value", "item_id", item.ID, "error", err)
		return item.Data, nil
	}
	return plaintext, nil
}

// Erase is a no-op: the ciphertext lives in the queue row itself
func (c *CipherStrategy) Erase(context.Context, string) error { return nil }
