package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/peterbourgon/diskv/v3"

	"github.com/giantswarm/coursesync/security"
)

const (
	// saltKey holds the scrypt salt in clear; it is not secret
	saltKey = "salt"

	lockFileName = ".lock"
	tempDirName  = ".tmp"

	// lockTimeout is the maximum time to wait for the cross-process lock
	lockTimeout       = 2 * time.Second
	lockRetryInterval = 50 * time.Millisecond
)

// DiskConfig configures a DiskStore
type DiskConfig struct {
	// Dir holds one file per key (required)
	Dir string

	// Key is a KeySize-byte encryption key. When empty, a key is derived
	// from Passphrase.
	Key []byte

	// Passphrase is used with scrypt when Key is empty
	Passphrase string

	Logger *slog.Logger
}

// DiskStore is a Backend storing sealed values on disk.
type DiskStore struct {
	// mu serialises lock holders within the process; flock only excludes other processes
	mu sync.Mutex

	dv        *diskv.Diskv
	lock      *flock.Flock
	encryptor *security.Encryptor
	logger    *slog.Logger
}

// NewDiskStore opens (or creates) a DiskStore in cfg.Dir.
func NewDiskStore(ctx context.Context, cfg DiskConfig) (*DiskStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("tokenstore: directory is required")
	}
	if len(cfg.Key) == 0 && cfg.Passphrase == "" {
		return nil, errors.New("tokenstore: an encryption key or passphrase is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// Put all the data files into the base dir
	flatTransform := func(string) []string { return []string{} }

	s := &DiskStore{
		dv: diskv.New(diskv.Options{
			BasePath:  cfg.Dir,
			TempDir:   filepath.Join(cfg.Dir, tempDirName),
			Transform: flatTransform,
			PathPerm:  0o700,
			FilePerm:  0o600,
		}),
		lock:   flock.New(filepath.Join(cfg.Dir, lockFileName)),
		logger: cfg.Logger,
	}

	key := cfg.Key
	if len(key) == 0 {
		salt, err := s.loadOrCreateSalt(ctx)
		if err != nil {
			return nil, err
		}
		if key, err = security.DeriveKey(cfg.Passphrase, salt); err != nil {
			return nil, err
		}
	}

	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	s.encryptor = enc
	return s, nil
}

// Get implements Backend
func (s *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	var sealed []byte
	err := s.withLock(ctx, false, func() error {
		var err error
		sealed, err = s.dv.Read(key)
		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	value, err := s.encryptor.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s (wrong passphrase?): %w", key, err)
	}
	return value, nil
}

// Set implements Backend
func (s *DiskStore) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.encryptor.Seal(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	return s.withLock(ctx, true, func() error {
		if err := s.dv.Write(key, sealed); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
		return nil
	})
}

// Delete implements Backend
func (s *DiskStore) Delete(ctx context.Context, key string) error {
	return s.withLock(ctx, true, func() error {
		if err := s.dv.Erase(key); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	})
}

// loadOrCreateSalt reads the scrypt salt, creating it on first use.
func (s *DiskStore) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.withLock(ctx, true, func() error {
		existing, err := s.dv.Read(saltKey)
		if err == nil && len(existing) >= security.SaltSize {
			salt = existing
			return nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read salt: %w", err)
		}

		if salt, err = security.GenerateSalt(); err != nil {
			return err
		}
		s.logger.Debug("Created token store salt", "dir", s.dv.BasePath)
		return s.dv.Write(saltKey, salt)
	})
	return salt, err
}

// withLock runs fn while holding the store's file lock.
func (s *DiskStore) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	var locked bool
	var err error
	if exclusive {
		locked, err = s.lock.TryLockContext(lockCtx, lockRetryInterval)
	} else {
		locked, err = s.lock.TryRLockContext(lockCtx, lockRetryInterval)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("Failed to release token store lock", "error", err)
		}
	}()

	return fn()
}
