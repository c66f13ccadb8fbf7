package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/coursesync/instrumentation"
	"github.com/giantswarm/coursesync/security"
	"github.com/giantswarm/coursesync/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix namespaces broker keys in a shared Redis
	DefaultKeyPrefix = "coursesync:"

	storageType = "redis"
)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is host:port of the Redis server
	Addr string

	Username string
	Password string
	DB       int

	// KeyPrefix for multi-tenancy (default: DefaultKeyPrefix)
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s)
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store implements storage.RevocationStore and storage.ExchangeCache on Redis.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	now       func() time.Time

	encryptor       *security.Encryptor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	logger          *slog.Logger
}

var (
	_ storage.RevocationStore = (*Store)(nil)
	_ storage.ExchangeCache   = (*Store)(nil)
)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient creates a Store with a pre-configured client.
// This is useful for testing with miniredis.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor enables encryption of cached access tokens
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// Size gauges are not registered: counting keys would need a SCAN per collection.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) revokedKey(token string) string {
	return s.keyPrefix + "revoked:" + storage.TokenKey(token)
}

func (s *Store) exchangeKey(key string) string {
	return s.keyPrefix + "exchange:" + key
}

// Revoke adds token to the revocation set for ttl
func (s *Store) Revoke(ctx context.Context, token string, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke")
	defer span.End()
	startTime := s.now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke", err, startTime) }()

	if token == "" {
		return errors.New("token cannot be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	now := s.now()
	entry := storage.RevocationEntry{
		TokenID:   storage.TokenKey(token),
		RevokedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal revocation entry: %w", err)
	}

	// NX keeps the original window when a token is revoked twice
	if err := s.client.SetNX(ctx, s.revokedKey(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether token is in the revocation set
func (s *Store) IsRevoked(ctx context.Context, token string) (revoked bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "is_revoked")
	defer span.End()
	startTime := s.now()
	defer func() { s.recordStorageOperation(ctx, span, "is_revoked", err, startTime) }()

	n, err := s.client.Exists(ctx, s.revokedKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// GetExchange returns the cached exchange result for key
func (s *Store) GetExchange(ctx context.Context, key string) (result *storage.ExchangeResult, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_exchange")
	defer span.End()
	startTime := s.now()
	defer func() { s.recordStorageOperation(ctx, span, "get_exchange", err, startTime) }()

	data, err := s.client.Get(ctx, s.exchangeKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get exchange: %w", err)
	}

	var out storage.ExchangeResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exchange: %w", err)
	}
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		out.AccessToken, err = s.encryptor.Decrypt(out.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt cached token: %w", err)
		}
	}
	return &out, nil
}

// PutExchange caches result under key for ttl. The first writer wins.
func (s *Store) PutExchange(ctx context.Context, key string, result *storage.ExchangeResult, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put_exchange")
	defer span.End()
	startTime := s.now()
	defer func() { s.recordStorageOperation(ctx, span, "put_exchange", err, startTime) }()

	if key == "" {
		return errors.New("key cannot be empty")
	}
	if result == nil {
		return errors.New("result cannot be nil")
	}

	stored := *result
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		stored.AccessToken, err = s.encryptor.Encrypt(stored.AccessToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal exchange: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.exchangeKey(key), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store exchange: %w", err)
	}
	if !ok {
		s.logger.Debug("Exchange already cached, keeping first result")
	}
	return nil
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

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

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(s.now().Sub(startTime).Milliseconds()))
}
