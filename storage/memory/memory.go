package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/coursesync/instrumentation"
	"github.com/giantswarm/coursesync/security"
	"github.com/giantswarm/coursesync/storage"
)

const (
	// DefaultCleanupInterval is how often expired entries are swept
	DefaultCleanupInterval = time.Minute

	storageType = "memory"
)

type exchangeEntry struct {
	result    storage.ExchangeResult
	expiresAt time.Time
}

// Store is an in-memory implementation of the broker storage interfaces.
type Store struct {
	mu sync.Mutex

	revocations map[string]storage.RevocationEntry // token key -> entry
	exchanges   map[string]exchangeEntry           // exchange key -> cached result

	encryptor *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Lock-free counts for the storage gauges
	revocationsCount atomic.Int64
	exchangesCount   atomic.Int64

	clock           clockwork.Clock
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.RevocationStore = (*Store)(nil)
	_ storage.ExchangeCache   = (*Store)(nil)
)

// New creates a store with the default cleanup interval and a real clock
func New() *Store {
	return NewWithClock(clockwork.NewRealClock(), DefaultCleanupInterval)
}

// NewWithClock creates a store driven by clock. Tests pass a fake clock to
// control expiry. If cleanupInterval is 0 or negative the default is used.
func NewWithClock(clock clockwork.Clock, cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		revocations:     make(map[string]storage.RevocationEntry),
		exchanges:       make(map[string]exchangeEntry),
		clock:           clock,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor enables encryption of cached access tokens
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Exchange cache encryption enabled")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.revocationsCount.Store(int64(len(s.revocations)))
	s.exchangesCount.Store(int64(len(s.exchanges)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.revocationsCount.Load() },
			func() int64 { return s.exchangesCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Revoke adds token to the revocation set for ttl
func (s *Store) Revoke(ctx context.Context, token string, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke")
	defer span.End()
	startTime := s.clock.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke", err, startTime) }()

	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	key := storage.TokenKey(token)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.revocations[key]; ok && !existing.Expired(now) {
		return nil
	} else if !ok {
		s.revocationsCount.Add(1)
	}

	s.revocations[key] = storage.RevocationEntry{
		TokenID:   key,
		RevokedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.logger.Debug("Token revoked", "token_id", key[:8], "ttl", ttl)

	return nil
}

// IsRevoked reports whether token is in the revocation set
func (s *Store) IsRevoked(ctx context.Context, token string) (revoked bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "is_revoked")
	defer span.End()
	startTime := s.clock.Now()
	defer func() { s.recordStorageOperation(ctx, span, "is_revoked", err, startTime) }()

	key := storage.TokenKey(token)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.revocations[key]
	if !ok {
		return false, nil
	}
	if entry.Expired(now) {
		delete(s.revocations, key)
		s.revocationsCount.Add(-1)
		return false, nil
	}
	return true, nil
}

// GetExchange returns the cached exchange result for key
func (s *Store) GetExchange(ctx context.Context, key string) (result *storage.ExchangeResult, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_exchange")
	defer span.End()
	startTime := s.clock.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_exchange", err, startTime) }()

	now := s.clock.Now()

	s.mu.Lock()
	entry, ok := s.exchanges[key]
	if ok && !now.Before(entry.expiresAt) {
		delete(s.exchanges, key)
		s.exchangesCount.Add(-1)
		ok = false
	}
	encryptor := s.encryptor
	s.mu.Unlock()

	if !ok {
		return nil, storage.ErrNotFound
	}

	out := entry.result
	if encryptor != nil && encryptor.IsEnabled() {
		out.AccessToken, err = encryptor.Decrypt(out.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt cached token: %w", err)
		}
	}
	return &out, nil
}

// PutExchange caches result under key for ttl. An unexpired entry is kept.
func (s *Store) PutExchange(ctx context.Context, key string, result *storage.ExchangeResult, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_exchange")
	defer span.End()
	startTime := s.clock.Now()
	defer func() { s.recordStorageOperation(ctx, span, "put_exchange", err, startTime) }()

	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}

	stored := *result

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encryptor != nil && s.encryptor.IsEnabled() {
		stored.AccessToken, err = s.encryptor.Encrypt(stored.AccessToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
	}

	now := s.clock.Now()
	if existing, ok := s.exchanges[key]; ok {
		if now.Before(existing.expiresAt) {
			return nil
		}
	} else {
		s.exchangesCount.Add(1)
	}

	s.exchanges[key] = exchangeEntry{result: stored, expiresAt: now.Add(ttl)}
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := s.clock.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.Chan():
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for key, entry := range s.revocations {
		if entry.Expired(now) {
			delete(s.revocations, key)
			cleaned++
		}
	}
	for key, entry := range s.exchanges {
		if !now.Before(entry.expiresAt) {
			delete(s.exchanges, key)
			cleaned++
		}
	}

	s.revocationsCount.Store(int64(len(s.revocations)))
	s.exchangesCount.Store(int64(len(s.exchanges)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// Stats returns the number of live-or-unswept entries in each map
func (s *Store) Stats() (revocations, exchanges int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revocations), len(s.exchanges)
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	durationMs := float64(s.clock.Since(startTime).Milliseconds())
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
