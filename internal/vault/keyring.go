package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// RedactedMarker replaces a payload that was moved to the secure store
var RedactedMarker = json.RawMessage(`{"__redacted":true}`)

const probeAccount = "__probe__"

// SecretStore is the platform credential store
type SecretStore interface {
	Set(service, account, secret string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// systemKeyring adapts the package level go-keyring functions
type systemKeyring struct{}

func (systemKeyring) Set(service, account, secret string) error {
	return keyring.Set(service, account, secret)
}

func (systemKeyring) Get(service, account string) (string, error) {
	return keyring.Get(service, account)
}

func (systemKeyring) Delete(service, account string) error {
	return keyring.Delete(service, account)
}

// SystemKeyring returns the OS credential store
func SystemKeyring() SecretStore { return systemKeyring{} }

// KeyringStrategy moves sensitive payloads out of the queue into the
// platform credential store, keyed by item id.
type KeyringStrategy struct {
	service string
	secrets SecretStore
	logger  *slog.Logger
}

func NewKeyringStrategy(service string, secrets SecretStore, logger *slog.Logger) *KeyringStrategy {
	if secrets == nil {
		secrets = SystemKeyring()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyringStrategy{service: service, secrets: secrets, logger: logger}
}

func (k *KeyringStrategy) Name() string { return "keyring" }

// Probe checks that the credential store accepts a full set/get/delete round trip
func (k *KeyringStrategy) Probe() error {
	if err := k.secrets.Set(k.service, probeAccount, "ok"); err != nil {
		return err
	}
	v, err := k.secrets.Get(k.service, probeAccount)
	if err != nil {
		return err
	}
	if v != "ok" {
		return fmt.Errorf("keyring returned %q for probe entry", v)
	}
	return k.secrets.Delete(k.service, probeAccount)
}

// Protect stores the payload under the item id. When the credential store
// refuses the write, the item is kept unredacted and the degradation logged.
func (k *KeyringStrategy) Protect(_ context.Context, item models.QueueItem) (models.QueueItem, error) {
	if !item.Metadata.Sensitive {
		return item, nil
	}
	if item.ID == "" {
		return item, &EncryptionError{Err: errors.New("sensitive item has no id")}
	}

	if err := k.secrets.Set(k.service, item.ID, string(item.Data)); err != nil {
		k.logger.Warn("Secure store unavailable, keeping payload in queue",
			"item_id", item.ID, "degraded", true, "error", err)
		return item, nil
	}

	out := item.Clone()
	out.Data = append(json.RawMessage(nil), RedactedMarker...)
	return out, nil
}

func (k *KeyringStrategy) Resolve(_ context.Context, item models.QueueItem) (json.RawMessage, error) {
	if !item.Metadata.Sensitive || !IsRedacted(item.Data) {
		return item.Data, nil
	}

	secret, err := k.secrets.Get(k.service, item.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read secure payload of %s: %w", item.ID, err)
	}
	return json.RawMessage(secret), nil
}

func (k *KeyringStrategy) Erase(_ context.Context, id string) error {
	err := k.secrets.Delete(k.service, id)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// IsRedacted reports whether data is the secure store marker
func IsRedacted(data json.RawMessage) bool {
	var marker struct {
		Redacted bool `json:"__redacted"`
	}
	if err := json.Unmarshal(data, &marker); err != nil {
		return false
	}
	return marker.Redacted
}
