package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/giantswarm/coursesync/client/tokenstore"
	"github.com/giantswarm/coursesync/instrumentation"
	"github.com/giantswarm/coursesync/internal/util"
	"github.com/giantswarm/coursesync/providers"
	ghprovider "github.com/giantswarm/coursesync/providers/github"
)

const (
	// DefaultValidationInterval is the period of background revalidation
	DefaultValidationInterval = 5 * time.Minute

	// DefaultValidationTimeout bounds each validation and logout call
	DefaultValidationTimeout = 4 * time.Second

	// DefaultExchangeTimeout bounds the callback request to the broker
	DefaultExchangeTimeout = 10 * time.Second

	// DefaultErrorResetDelay is how long LoginError is shown before the
	// controller returns to Anonymous
	DefaultErrorResetDelay = 5 * time.Second
)

// Scopes requested at login
var Scopes = []string{"repo", "read:user"}

// State is the session lifecycle state.
type State int

const (
	StateAnonymous State = iota
	StatePendingCallback
	StateAuthenticated
	StateRevalidating
	StateLoginError
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StatePendingCallback:
		return "pending_callback"
	case StateAuthenticated:
		return "authenticated"
	case StateRevalidating:
		return "revalidating"
	case StateLoginError:
		return "login_error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is delivered to subscribers on every state change.
type Transition struct {
	From State
	To   State

	// Err is set when entering StateLoginError
	Err error
}

// Identity is the signed-in GitHub user. Login may be empty when the session
// was restored while GitHub was unreachable; it is filled in by the next
// successful validation.
type Identity struct {
	Login       string
	Name        string
	AccessToken string
}

// Navigator sends the user agent to the authorization URL.
type Navigator interface {
	Navigate(ctx context.Context, authURL string) error
}

// NavigatorFunc adapts a function to Navigator
type NavigatorFunc func(ctx context.Context, authURL string) error

func (f NavigatorFunc) Navigate(ctx context.Context, authURL string) error {
	return f(ctx, authURL)
}

// Provisioner prepares per-user resources after login, such as the
// progress repository. Its failure does not fail the login.
type Provisioner func(ctx context.Context, id Identity) error

// Config configures a Controller
type Config struct {
	// ClientID is the GitHub OAuth App client ID (required)
	ClientID string

	// RedirectURL is where GitHub sends the user back, registered with the app
	RedirectURL string

	// BrokerURL is the credential broker's base URL (required)
	BrokerURL string

	// AuthURL overrides GitHub's authorize endpoint
	AuthURL string

	// APIBaseURL overrides the GitHub REST API root
	APIBaseURL string

	HTTPClient *http.Client

	// ValidationInterval is the background revalidation period (default: 5m)
	ValidationInterval time.Duration

	// ValidationTimeout bounds validation and logout calls (default: 4s)
	ValidationTimeout time.Duration

	// ExchangeTimeout bounds the broker callback (default: 10s)
	ExchangeTimeout time.Duration

	// ErrorResetDelay is how long LoginError lasts (default: 5s)
	ErrorResetDelay time.Duration

	Navigator   Navigator
	Provisioner Provisioner

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.AuthURL == "" {
		c.AuthURL = oauthgithub.Endpoint.AuthURL
	}
	if c.ValidationInterval <= 0 {
		c.ValidationInterval = DefaultValidationInterval
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = DefaultValidationTimeout
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = DefaultExchangeTimeout
	}
	if c.ErrorResetDelay <= 0 {
		c.ErrorResetDelay = DefaultErrorResetDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller drives the login, validation and sign-out lifecycle.
//
// All methods are safe for concurrent use. Network calls are made without
// holding the state lock.
type Controller struct {
	cfg    Config
	oauth  *oauth2.Config
	tokens *tokenstore.Store
	broker *BrokerClient
	github *ghprovider.UserClient
	logger *slog.Logger

	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	mu         sync.Mutex
	state      State
	identity   *Identity
	lastErr    error
	resetTimer clockwork.Timer
	listeners  map[int]func(Transition)
	nextID     int
	onSignOut  []func(context.Context) error

	focus chan struct{}
}

// New creates a Controller in StateAnonymous. Call Restore to resume a
// stored session.
func New(cfg Config, tokens *tokenstore.Store) (*Controller, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	cfg.applyDefaults()

	return &Controller{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      Scopes,
			Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: oauthgithub.Endpoint.TokenURL},
		},
		tokens:    tokens,
		broker:    NewBrokerClient(cfg.BrokerURL, cfg.HTTPClient),
		github:    ghprovider.NewUserClient(cfg.APIBaseURL, cfg.HTTPClient),
		logger:    cfg.Logger,
		state:     StateAnonymous,
		listeners: make(map[int]func(Transition)),
		focus:     make(chan struct{}, 1),
	}, nil
}

// SetInstrumentation enables session tracing and transition metrics
func (c *Controller) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		c.tracer = inst.Tracer("session")
		c.metrics = inst.Metrics()
		c.github.SetInstrumentation(inst)
	}
}

// Broker returns the client used to talk to the credential broker
func (c *Controller) Broker() *BrokerClient {
	return c.broker
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the signed-in user. ok is false unless the state is
// StateAuthenticated or StateRevalidating.
func (c *Controller) Identity() (id Identity, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

// LastError returns the error shown while in StateLoginError
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Subscribe registers fn for state transitions. fn runs synchronously on the
// goroutine that caused the transition and must not block.
func (c *Controller) Subscribe(fn func(Transition)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// OnSignOut registers fn to run at the start of every sign-out, before the
// credential is revoked and cleared.
func (c *Controller) OnSignOut(fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignOut = append(c.onSignOut, fn)
}

// Restore resumes a stored session, validating the credential once.
// A rejected credential is cleared; an unverifiable one is kept.
func (c *Controller) Restore(ctx context.Context) error {
	cred, err := c.tokens.Credential(ctx)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credential: %w", err)
	}

	id := &Identity{AccessToken: cred.AccessToken}
	c.transition(StateAuthenticated, id, nil)

	if err := c.Revalidate(ctx); err != nil && errors.Is(err, ErrNotAuthenticated) {
		c.logger.Info("Stored credential no longer valid")
	}
	return nil
}

// InitiateLogin stores a fresh single-use state and sends the user agent to
// GitHub's authorize page.
func (c *Controller) InitiateLogin(ctx context.Context) error {
	if c.cfg.Navigator == nil {
		return fmt.Errorf("no navigator configured")
	}

	state := oauth2.GenerateVerifier()
	if err := c.tokens.SaveOAuthState(ctx, state); err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}

	authURL := c.oauth.AuthCodeURL(state)
	c.logger.Debug("Starting login", "state", util.SafeTruncate(state, 8))
	if err := c.cfg.Navigator.Navigate(ctx, authURL); err != nil {
		return fmt.Errorf("failed to open authorization page: %w", err)
	}
	return nil
}

// HandleRedirect processes the URL GitHub redirected to. URLs without OAuth
// parameters are ignored.
func (c *Controller) HandleRedirect(ctx context.Context, u *url.URL) error {
	q := u.Query()

	if errCode := q.Get("error"); errCode != "" {
		if err := c.beginCallback(); err != nil {
			return err
		}
		// Consume the nonce so it cannot be replayed
		stored, err := c.tokens.TakeOAuthState(ctx)
		if err != nil || subtle.ConstantTimeCompare([]byte(stored.Value), []byte(q.Get("state"))) != 1 {
			return c.fail("callback", ErrInvalidState)
		}
		return c.fail("callback", fmt.Errorf("%w: %s", ErrAccessDenied, errCode))
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		return nil
	}
	return c.CompleteCallback(ctx, code, state)
}

// CompleteCallback verifies state against the stored nonce and exchanges
// code for a credential through the broker.
//
// On failure the controller enters StateLoginError and returns a
// *SessionError; the stored nonce is consumed either way. A callback arriving
// while a session is active is rejected and leaves it untouched.
func (c *Controller) CompleteCallback(ctx context.Context, code, state string) error {
	if err := c.beginCallback(); err != nil {
		return err
	}

	stored, err := c.tokens.TakeOAuthState(ctx)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrNotFound) {
			c.logger.Warn("Failed to read oauth state", "error", err)
		}
		return c.fail("callback", ErrInvalidState)
	}
	if subtle.ConstantTimeCompare([]byte(stored.Value), []byte(state)) != 1 {
		return c.fail("callback", ErrInvalidState)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, c.cfg.ExchangeTimeout)
	token, err := c.broker.Exchange(exchangeCtx, code, state)
	cancel()
	if err != nil {
		return c.fail("callback", fmt.Errorf("%w: %w", ErrExchangeFailed, err))
	}

	if _, err := c.tokens.SaveCredential(ctx, token); err != nil {
		return c.fail("callback", fmt.Errorf("failed to store credential: %w", err))
	}

	id := &Identity{AccessToken: token}
	profileCtx, cancel := context.WithTimeout(ctx, c.cfg.ValidationTimeout)
	profile, err := c.github.UserProfile(profileCtx, token)
	cancel()
	switch {
	case errors.Is(err, providers.ErrUnauthorized):
		_ = c.tokens.Clear(ctx)
		return c.fail("callback", fmt.Errorf("%w: token rejected by GitHub", ErrExchangeFailed))
	case err != nil:
		c.logger.Warn("Could not load GitHub profile after login", "error", err)
	default:
		id.Login, id.Name = profile.Login, profile.Name
	}

	c.transition(StateAuthenticated, id, nil)
	c.logger.Info("Signed in", "login", id.Login)

	if c.cfg.Provisioner != nil && id.Login != "" {
		if err := c.cfg.Provisioner(ctx, *id); err != nil {
			c.logger.Warn("Provisioning after login failed", "login", id.Login, "error", err)
		}
	}
	return nil
}

// DismissError returns from StateLoginError to StateAnonymous immediately.
func (c *Controller) DismissError() {
	c.transitionIf(is(StateLoginError), StateAnonymous, nil, nil)
}

// SignOut runs the sign-out hooks, revokes the token at the broker on a best
// effort basis and clears the stored credential. It always ends in
// StateAnonymous.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	hooks := append([]func(context.Context) error(nil), c.onSignOut...)
	c.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			c.logger.Warn("Sign-out hook failed", "error", err)
		}
	}

	if cred, err := c.tokens.Credential(ctx); err == nil {
		logoutCtx, cancel := context.WithTimeout(ctx, c.cfg.ValidationTimeout)
		if err := c.broker.Logout(logoutCtx, cred.AccessToken); err != nil {
			c.logger.Debug("Broker logout failed", "error", err)
		}
		cancel()
	}

	clearErr := c.tokens.Clear(ctx)
	c.transition(StateAnonymous, nil, nil)
	c.logger.Info("Signed out")

	if clearErr != nil {
		return fmt.Errorf("failed to clear credential: %w", clearErr)
	}
	return nil
}

// NotifyFocus requests a revalidation, as when the application regains focus.
func (c *Controller) NotifyFocus() {
	select {
	case c.focus <- struct{}{}:
	default:
	}
}

// Start revalidates the session every ValidationInterval and on NotifyFocus
// until ctx is done.
func (c *Controller) Start(ctx context.Context) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-c.focus:
		}
		if err := c.Revalidate(ctx); err != nil && !errors.Is(err, ErrNotAuthenticated) {
			c.logger.Debug("Revalidation inconclusive", "error", err)
		}
	}
}

// Revalidate checks the credential with GitHub and the broker. Either one
// rejecting it signs the user out and returns ErrNotAuthenticated. Transport
// failures and timeouts leave the session as it was.
//
// It does nothing unless the state is StateAuthenticated.
func (c *Controller) Revalidate(ctx context.Context) error {
	id, ok := c.Identity()
	if !ok || !c.transitionIf(is(StateAuthenticated), StateRevalidating, nil, nil) {
		return nil
	}

	ctx, span := c.startSpan(ctx, "revalidate")
	defer span.End()
	defer func() {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrSessionState, c.State().String()))
	}()

	valid, err := c.check(ctx, &id)
	if id.Login != "" {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrUserLogin, id.Login))
	}
	switch {
	case err != nil:
		c.transitionIf(is(StateRevalidating), StateAuthenticated, &id, nil)
		instrumentation.RecordError(span, err)
		return &SessionError{Op: "revalidate", Err: err}
	case !valid:
		c.logger.Info("Credential rejected, signing out", "login", id.Login)
		if err := c.SignOut(ctx); err != nil {
			c.logger.Warn("Sign-out after failed validation incomplete", "error", err)
		}
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenValid, false))
		return &SessionError{Op: "revalidate", Err: ErrNotAuthenticated}
	default:
		// A concurrent sign-out wins
		c.transitionIf(is(StateRevalidating), StateAuthenticated, &id, nil)
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenValid, true))
		instrumentation.SetSpanSuccess(span)
		return nil
	}
}

func (c *Controller) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, "session."+operation)
}

// check asks GitHub first, then the broker. It fills in the identity's
// profile fields when GitHub answers.
func (c *Controller) check(ctx context.Context, id *Identity) (bool, error) {
	ghCtx, cancel := context.WithTimeout(ctx, c.cfg.ValidationTimeout)
	profile, err := c.github.UserProfile(ghCtx, id.AccessToken)
	cancel()
	switch {
	case errors.Is(err, providers.ErrUnauthorized):
		return false, nil
	case err != nil:
		return false, err
	}
	id.Login, id.Name = profile.Login, profile.Name

	brokerCtx, cancel := context.WithTimeout(ctx, c.cfg.ValidationTimeout)
	valid, err := c.broker.ValidateToken(brokerCtx, id.AccessToken)
	cancel()
	if err != nil {
		return false, err
	}
	return valid, nil
}

// beginCallback enters StatePendingCallback when no session is active. A
// stale callback must not disturb the current session.
func (c *Controller) beginCallback() error {
	var current State
	signedOut := func(s State) bool {
		current = s
		return s == StateAnonymous || s == StateLoginError
	}
	if c.transitionIf(signedOut, StatePendingCallback, nil, nil) {
		return nil
	}
	if current == StatePendingCallback {
		return &SessionError{Op: "callback", Err: ErrLoginInProgress}
	}
	return &SessionError{Op: "callback", Err: ErrInvalidState}
}

// fail enters StateLoginError and schedules the return to StateAnonymous.
func (c *Controller) fail(op string, err error) error {
	c.logger.Warn("Login failed", "error", err)
	c.transition(StateLoginError, nil, err)

	c.mu.Lock()
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.resetTimer = c.cfg.Clock.AfterFunc(c.cfg.ErrorResetDelay, c.DismissError)
	c.mu.Unlock()

	return &SessionError{Op: op, Err: err}
}

// transition moves to state to and notifies subscribers. id replaces the
// identity when entering StateAuthenticated; StateRevalidating keeps it and
// other states drop it.
func (c *Controller) transition(to State, id *Identity, err error) {
	c.transitionIf(nil, to, id, err)
}

// transitionIf is transition guarded by cond on the current state, checked
// under the same lock. A nil cond always holds.
func (c *Controller) transitionIf(cond func(State) bool, to State, id *Identity, err error) bool {
	c.mu.Lock()
	if cond != nil && !cond(c.state) {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = to
	switch to {
	case StateAuthenticated:
		c.identity = id
	case StateRevalidating:
		// keep identity
	default:
		c.identity = nil
	}
	if to == StateLoginError {
		c.lastErr = err
	} else {
		c.lastErr = nil
	}
	if to != StateLoginError && c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
	listeners := make([]func(Transition), 0, len(c.listeners))
	for i := 0; i < c.nextID; i++ {
		if fn, ok := c.listeners[i]; ok {
			listeners = append(listeners, fn)
		}
	}
	c.mu.Unlock()

	if from == to {
		return true
	}
	if c.metrics != nil {
		c.metrics.RecordSessionTransition(context.Background(), from.String(), to.String())
	}
	c.logger.Debug("Session state changed", "from", from.String(), "to", to.String())

	t := Transition{From: from, To: to, Err: err}
	for _, fn := range listeners {
		fn(t)
	}
	return true
}

func is(want State) func(State) bool {
	return func(s State) bool { return s == want }
}

// RedirectPath returns the path component of the configured redirect URL,
// for consumers that serve the callback themselves.
func (c *Controller) RedirectPath() string {
	u, err := url.Parse(c.cfg.RedirectURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return "/" + strings.TrimLeft(u.Path, "/")
}
