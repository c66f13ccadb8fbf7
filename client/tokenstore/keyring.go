package tokenstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"

	"github.com/giantswarm/coursesync/security"
)

// DefaultKeyringService is the service name under which values are stored
const DefaultKeyringService = "coursesync"

// diskKeyName holds the DiskStore key generated by NewKeyringBackedDisk
const diskKeyName = "disk_key"

// KeyringStore is a Backend using the OS keyring. The progress snapshot can
// exceed what some keyrings accept, so it is delegated to a fallback Backend.
type KeyringStore struct {
	service  string
	fallback Backend
}

// NewKeyringStore creates a keyring-backed store. fallback receives the
// progress snapshot; if nil, a MemoryStore is used.
func NewKeyringStore(service string, fallback Backend) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	if fallback == nil {
		fallback = NewMemoryStore()
	}
	return &KeyringStore{service: service, fallback: fallback}
}

// Get implements Backend
func (k *KeyringStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == KeyProgressSnapshot {
		return k.fallback.Get(ctx, key)
	}
	v, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from keyring: %w", key, err)
	}
	return []byte(v), nil
}

// Set implements Backend
func (k *KeyringStore) Set(ctx context.Context, key string, value []byte) error {
	if key == KeyProgressSnapshot {
		return k.fallback.Set(ctx, key, value)
	}
	if err := keyring.Set(k.service, key, string(value)); err != nil {
		return fmt.Errorf("failed to write %s to keyring: %w", key, err)
	}
	return nil
}

// Delete implements Backend
func (k *KeyringStore) Delete(ctx context.Context, key string) error {
	if key == KeyProgressSnapshot {
		return k.fallback.Delete(ctx, key)
	}
	if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete %s from keyring: %w", key, err)
	}
	return nil
}

// KeyringAvailable tests if the OS keyring is available by attempting to set
// and delete a test value.
func KeyringAvailable(service string) bool {
	if service == "" {
		service = DefaultKeyringService
	}
	testKey := "coursesync-keyring-test"
	if err := keyring.Set(service, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(service, testKey)
	return true
}

// NewKeyringBackedDisk opens a DiskStore in dir whose encryption key is
// generated on first use and kept in the OS keyring.
func NewKeyringBackedDisk(ctx context.Context, service, dir string, logger *slog.Logger) (*DiskStore, error) {
	if service == "" {
		service = DefaultKeyringService
	}

	var key []byte
	encoded, err := keyring.Get(service, diskKeyName)
	switch {
	case err == nil:
		if key, err = security.KeyFromBase64(encoded); err != nil {
			return nil, fmt.Errorf("invalid disk key in keyring: %w", err)
		}
	case errors.Is(err, keyring.ErrNotFound):
		if key, err = security.GenerateKey(); err != nil {
			return nil, err
		}
		if err := keyring.Set(service, diskKeyName, base64.StdEncoding.EncodeToString(key)); err != nil {
			return nil, fmt.Errorf("failed to store disk key in keyring: %w", err)
		}
	default:
		return nil, fmt.Errorf("OS keyring is not available: %w", err)
	}

	return NewDiskStore(ctx, DiskConfig{Dir: dir, Key: key, Logger: logger})
}
