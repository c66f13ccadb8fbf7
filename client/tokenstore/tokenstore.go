package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Keys used by Store
const (
	KeyCredential       = "credential"
	KeyOAuthState       = "oauth_state"
	KeyProgressSnapshot = "progress_snapshot"
)

// DefaultOAuthStateTTL bounds how long a login may stay pending
const DefaultOAuthStateTTL = 10 * time.Minute

// ErrNotFound is returned when a key holds no value
var ErrNotFound = errors.New("tokenstore: not found")

// Backend is a durable key-value store.
// Get returns ErrNotFound for absent keys; Delete of an absent key succeeds.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Credential is the GitHub access token held by the client
type Credential struct {
	AccessToken string    `json:"access_token"`
	ObtainedAt  time.Time `json:"obtained_at"`
}

// OAuthState is the nonce of a login in progress
type OAuthState struct {
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a typed view over a Backend.
type Store struct {
	backend       Backend
	clock         clockwork.Clock
	oauthStateTTL time.Duration

	// takeMu makes TakeOAuthState a single read-and-delete within the process
	takeMu sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for timestamps and state expiry
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithOAuthStateTTL overrides DefaultOAuthStateTTL
func WithOAuthStateTTL(ttl time.Duration) Option {
	return func(s *Store) { s.oauthStateTTL = ttl }
}

// New creates a Store on backend
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		clock:         clockwork.NewRealClock(),
		oauthStateTTL: DefaultOAuthStateTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Credential returns the stored credential or ErrNotFound
func (s *Store) Credential(ctx context.Context) (*Credential, error) {
	var c Credential
	if err := s.getJSON(ctx, KeyCredential, &c); err != nil {
		return nil, err
	}
	if c.AccessToken == "" {
		return nil, ErrNotFound
	}
	return &c, nil
}

// SaveCredential stores token, stamped with the current time
func (s *Store) SaveCredential(ctx context.Context, token string) (*Credential, error) {
	if token == "" {
		return nil, errors.New("tokenstore: empty access token")
	}
	c := &Credential{AccessToken: token, ObtainedAt: s.clock.Now()}
	if err := s.setJSON(ctx, KeyCredential, c); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveOAuthState stores the nonce of a new login, replacing any previous one
func (s *Store) SaveOAuthState(ctx context.Context, value string) error {
	return s.setJSON(ctx, KeyOAuthState, &OAuthState{Value: value, CreatedAt: s.clock.Now()})
}

// TakeOAuthState returns and deletes the pending OAuth state. A state older
// than the configured TTL is deleted and reported as ErrNotFound.
func (s *Store) TakeOAuthState(ctx context.Context) (*OAuthState, error) {
	s.takeMu.Lock()
	defer s.takeMu.Unlock()

	var st OAuthState
	getErr := s.getJSON(ctx, KeyOAuthState, &st)
	if errors.Is(getErr, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err := s.backend.Delete(ctx, KeyOAuthState); err != nil {
		return nil, fmt.Errorf("failed to delete oauth state: %w", err)
	}
	if getErr != nil {
		return nil, getErr
	}

	if st.Value == "" || s.clock.Since(st.CreatedAt) > s.oauthStateTTL {
		return nil, ErrNotFound
	}
	return &st, nil
}

// ProgressSnapshot returns the raw persisted progress snapshot
func (s *Store) ProgressSnapshot(ctx context.Context) ([]byte, error) {
	return s.backend.Get(ctx, KeyProgressSnapshot)
}

// SaveProgressSnapshot persists a raw progress snapshot
func (s *Store) SaveProgressSnapshot(ctx context.Context, data []byte) error {
	return s.backend.Set(ctx, KeyProgressSnapshot, data)
}

// Clear removes the credential and any pending OAuth state. The progress
// snapshot survives so reads can still degrade to it after the next login.
func (s *Store) Clear(ctx context.Context) error {
	return errors.Join(
		s.backend.Delete(ctx, KeyCredential),
		s.backend.Delete(ctx, KeyOAuthState),
	)
}

// ClearAll removes every key
func (s *Store) ClearAll(ctx context.Context) error {
	return errors.Join(
		s.Clear(ctx),
		s.backend.Delete(ctx, KeyProgressSnapshot),
	)
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.backend.Set(ctx, key, data)
}
