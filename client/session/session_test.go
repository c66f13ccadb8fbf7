package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/oauth2"

	"github.com/giantswarm/coursesync"
	"github.com/giantswarm/coursesync/broker"
	"github.com/giantswarm/coursesync/client/tokenstore"
	"github.com/giantswarm/coursesync/instrumentation"
	"github.com/giantswarm/coursesync/internal/testutil"
	ghprovider "github.com/giantswarm/coursesync/providers/github"
	"github.com/giantswarm/coursesync/storage/memory"
)

const (
	testLogin       = "octocat"
	testClientID    = "client-id"
	testRedirectURL = "http://127.0.0.1:8765/callback"
)

type sessionEnv struct {
	fake       *testutil.FakeGitHub
	brokerSrv  *httptest.Server
	tokens     *tokenstore.Store
	clock      *clockwork.FakeClock
	controller *Controller

	mu          sync.Mutex
	navigated   []string
	provisioned []Identity
	transitions []Transition
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()

	fake := testutil.NewFakeGitHub()
	t.Cleanup(fake.Close)

	provider, err := ghprovider.NewProvider(&ghprovider.Config{
		ClientID:     testClientID,
		ClientSecret: "client-secret",
		RedirectURL:  testRedirectURL,
		Endpoint: &oauth2.Endpoint{
			AuthURL:  fake.URL() + "/login/oauth/authorize",
			TokenURL: fake.URL() + "/login/oauth/access_token",
			// No auth style probing, so each exchange is one request
			AuthStyle: oauth2.AuthStyleInParams,
		},
		APIBaseURL: fake.URL(),
	})
	require.NoError(t, err)

	store := memory.New()
	t.Cleanup(store.Stop)

	b, err := broker.New(provider, store, store, nil, nil)
	require.NoError(t, err)

	handler, err := coursesync.NewHandler(b, &coursesync.Config{
		GitHub: coursesync.GitHubConfig{
			ClientID:     testClientID,
			ClientSecret: "client-secret",
			RedirectURI:  testRedirectURL,
		},
		AllowedOrigin: "http://127.0.0.1:8765",
	}, nil)
	require.NoError(t, err)

	brokerSrv := httptest.NewServer(handler.Routes())
	t.Cleanup(brokerSrv.Close)

	env := &sessionEnv{
		fake:      fake,
		brokerSrv: brokerSrv,
		tokens:    tokenstore.New(tokenstore.NewMemoryStore()),
		clock:     clockwork.NewFakeClock(),
	}
	env.controller = env.newController(t)
	return env
}

func (e *sessionEnv) newController(t *testing.T) *Controller {
	t.Helper()

	c, err := New(Config{
		ClientID:    testClientID,
		RedirectURL: testRedirectURL,
		BrokerURL:   e.brokerSrv.URL,
		AuthURL:     e.fake.URL() + "/login/oauth/authorize",
		APIBaseURL:  e.fake.URL(),
		Navigator: NavigatorFunc(func(_ context.Context, authURL string) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.navigated = append(e.navigated, authURL)
			return nil
		}),
		Provisioner: func(_ context.Context, id Identity) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.provisioned = append(e.provisioned, id)
			return nil
		},
		Clock: e.clock,
	}, e.tokens)
	require.NoError(t, err)

	c.Subscribe(func(tr Transition) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.transitions = append(e.transitions, tr)
	})
	return c
}

func (e *sessionEnv) lastAuthURL(t *testing.T) *url.URL {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.navigated)
	u, err := url.Parse(e.navigated[len(e.navigated)-1])
	require.NoError(t, err)
	return u
}

func (e *sessionEnv) states() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []State
	for _, tr := range e.transitions {
		out = append(out, tr.To)
	}
	return out
}

// login runs a full login and returns the access token
func (e *sessionEnv) login(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	token := testutil.GenerateTestToken()
	e.fake.AddUser(token, testLogin)
	e.fake.AddCode("code-"+token[:12], token)

	require.NoError(t, e.controller.InitiateLogin(ctx))
	state := e.lastAuthURL(t).Query().Get("state")

	redirect, err := url.Parse(testRedirectURL + "?code=code-" + token[:12] + "&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	require.NoError(t, e.controller.HandleRedirect(ctx, redirect))
	require.Equal(t, StateAuthenticated, e.controller.State())
	return token
}

func TestNew_Validation(t *testing.T) {
	tokens := tokenstore.New(tokenstore.NewMemoryStore())

	_, err := New(Config{BrokerURL: "http://broker"}, tokens)
	assert.Error(t, err)

	_, err = New(Config{ClientID: "id"}, tokens)
	assert.Error(t, err)

	_, err = New(Config{ClientID: "id", BrokerURL: "http://broker"}, nil)
	assert.Error(t, err)

	c, err := New(Config{ClientID: "id", BrokerURL: "http://broker"}, tokens)
	require.NoError(t, err)
	assert.Equal(t, StateAnonymous, c.State())
}

func TestController_InitiateLogin(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	require.NoError(t, env.controller.InitiateLogin(ctx))

	u := env.lastAuthURL(t)
	q := u.Query()
	assert.Equal(t, "/login/oauth/authorize", u.Path)
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, testRedirectURL, q.Get("redirect_uri"))
	assert.Equal(t, "repo read:user", q.Get("scope"))
	assert.Equal(t, "code", q.Get("response_type"))

	stored, err := env.tokens.TakeOAuthState(ctx)
	require.NoError(t, err)
	assert.Equal(t, q.Get("state"), stored.Value)
	assert.GreaterOrEqual(t, len(stored.Value), 43)

	// Navigation does not change state
	assert.Equal(t, StateAnonymous, env.controller.State())
}

func TestController_InitiateLoginFreshState(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	require.NoError(t, env.controller.InitiateLogin(ctx))
	first := env.lastAuthURL(t).Query().Get("state")
	require.NoError(t, env.controller.InitiateLogin(ctx))
	second := env.lastAuthURL(t).Query().Get("state")

	assert.NotEqual(t, first, second)
}

func TestController_InitiateLoginNavigatorFailure(t *testing.T) {
	env := newSessionEnv(t)
	env.controller.cfg.Navigator = NavigatorFunc(func(context.Context, string) error {
		return errors.New("no browser")
	})

	err := env.controller.InitiateLogin(context.Background())
	assert.ErrorContains(t, err, "no browser")
	assert.Equal(t, StateAnonymous, env.controller.State())
}

func TestController_LoginSucceeds(t *testing.T) {
	env := newSessionEnv(t)

	token := env.login(t)

	id, ok := env.controller.Identity()
	require.True(t, ok)
	assert.Equal(t, testLogin, id.Login)
	assert.Equal(t, "Octocat", id.Name)
	assert.Equal(t, token, id.AccessToken)

	cred, err := env.tokens.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, cred.AccessToken)

	// Nonce is single-use
	_, err = env.tokens.TakeOAuthState(context.Background())
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)

	assert.Equal(t, []State{StatePendingCallback, StateAuthenticated}, env.states())
	require.Len(t, env.provisioned, 1)
	assert.Equal(t, testLogin, env.provisioned[0].Login)
	assert.Equal(t, 1, env.fake.Calls(testutil.RouteToken))
}

func TestController_StateMismatch(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	env.fake.AddCode("good-code", testutil.GenerateTestToken())
	require.NoError(t, env.controller.InitiateLogin(ctx))

	err := env.controller.CompleteCallback(ctx, "good-code", "forged-state")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "callback", serr.Op)

	// No exchange attempted and the nonce is gone
	assert.Zero(t, env.fake.Calls(testutil.RouteToken))
	_, err = env.tokens.TakeOAuthState(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)

	assert.Equal(t, StateLoginError, env.controller.State())
	assert.ErrorIs(t, env.controller.LastError(), ErrInvalidState)
	_, ok := env.controller.Identity()
	assert.False(t, ok)
}

func TestController_CallbackWithoutPendingLogin(t *testing.T) {
	env := newSessionEnv(t)

	err := env.controller.CompleteCallback(context.Background(), "code", "state")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, env.fake.Calls(testutil.RouteToken))
}

func TestController_CallbackReplayRejected(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	token := env.login(t)
	state := env.lastAuthURL(t).Query().Get("state")

	// Same callback delivered again, e.g. a reloaded page
	err := env.controller.CompleteCallback(ctx, "code-"+token[:12], state)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, env.fake.Calls(testutil.RouteToken))
	assert.Equal(t, StateAuthenticated, env.controller.State())
}

func TestController_ExchangeFailure(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	env.fake.FailNext(testutil.RouteToken, 502)
	require.NoError(t, env.controller.InitiateLogin(ctx))
	state := env.lastAuthURL(t).Query().Get("state")

	err := env.controller.CompleteCallback(ctx, "some-code", state)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExchangeFailed)

	var berr *BrokerError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, 500, berr.Status)
	assert.Equal(t, "exchange_failed", berr.Code)

	_, err = env.tokens.Credential(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
	assert.Equal(t, StateLoginError, env.controller.State())
	assert.Empty(t, env.provisioned)
}

func TestController_InvalidGrant(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	env.fake.FailNext(testutil.RouteToken, 400)
	require.NoError(t, env.controller.InitiateLogin(ctx))
	state := env.lastAuthURL(t).Query().Get("state")

	err := env.controller.CompleteCallback(ctx, "expired-code", state)
	var berr *BrokerError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, 400, berr.Status)
	assert.Equal(t, "invalid_grant", berr.Code)
}

func TestController_LoginErrorResets(t *testing.T) {
	env := newSessionEnv(t)

	_ = env.controller.CompleteCallback(context.Background(), "code", "state")
	require.Equal(t, StateLoginError, env.controller.State())

	env.clock.BlockUntil(1)
	env.clock.Advance(DefaultErrorResetDelay)

	require.Eventually(t, func() bool {
		return env.controller.State() == StateAnonymous
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, env.controller.LastError())
}

func TestController_DismissError(t *testing.T) {
	env := newSessionEnv(t)

	_ = env.controller.CompleteCallback(context.Background(), "code", "state")
	require.Equal(t, StateLoginError, env.controller.State())

	env.controller.DismissError()
	assert.Equal(t, StateAnonymous, env.controller.State())

	// No-op outside LoginError
	env.controller.DismissError()
	assert.Equal(t, StateAnonymous, env.controller.State())
}

func TestController_HandleRedirect(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	t.Run("no oauth parameters", func(t *testing.T) {
		u, _ := url.Parse(testRedirectURL + "?tab=courses")
		require.NoError(t, env.controller.HandleRedirect(ctx, u))
		assert.Equal(t, StateAnonymous, env.controller.State())
	})

	t.Run("access denied", func(t *testing.T) {
		require.NoError(t, env.controller.InitiateLogin(ctx))
		state := env.lastAuthURL(t).Query().Get("state")
		u, _ := url.Parse(testRedirectURL + "?error=access_denied&state=" + url.QueryEscape(state))
		err := env.controller.HandleRedirect(ctx, u)
		assert.ErrorIs(t, err, ErrAccessDenied)
		assert.Equal(t, StateLoginError, env.controller.State())

		_, err = env.tokens.TakeOAuthState(ctx)
		assert.ErrorIs(t, err, tokenstore.ErrNotFound)
		env.controller.DismissError()
	})

	t.Run("error with mismatched state", func(t *testing.T) {
		require.NoError(t, env.controller.InitiateLogin(ctx))
		u, _ := url.Parse(testRedirectURL + "?error=access_denied&state=x")
		err := env.controller.HandleRedirect(ctx, u)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NotErrorIs(t, err, ErrAccessDenied)
		assert.Equal(t, StateLoginError, env.controller.State())
		env.controller.DismissError()
	})
}

func TestController_ErrorRedirectWhileAuthenticated(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	token := env.login(t)

	u, _ := url.Parse(testRedirectURL + "?error=access_denied&state=forged")
	err := env.controller.HandleRedirect(ctx, u)
	assert.ErrorIs(t, err, ErrInvalidState)

	// The session and the stored credential still agree
	assert.Equal(t, StateAuthenticated, env.controller.State())
	id, ok := env.controller.Identity()
	require.True(t, ok)
	assert.Equal(t, token, id.AccessToken)
	assert.Equal(t, testLogin, id.Login)

	cred, err := env.tokens.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, cred.AccessToken)
}

func TestController_RevalidateValid(t *testing.T) {
	env := newSessionEnv(t)
	env.login(t)

	require.NoError(t, env.controller.Revalidate(context.Background()))
	assert.Equal(t, StateAuthenticated, env.controller.State())
	assert.Contains(t, env.states(), StateRevalidating)
}

func TestController_RevalidateGitHubRejects(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	token := env.login(t)

	var hookCalls int
	env.controller.OnSignOut(func(context.Context) error {
		hookCalls++
		return nil
	})

	env.fake.RevokeToken(token)

	err := env.controller.Revalidate(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, StateAnonymous, env.controller.State())
	assert.Equal(t, 1, hookCalls)

	_, err = env.tokens.Credential(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
}

func TestController_RevalidateBrokerRejects(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	token := env.login(t)

	// Revoked at the broker by another device's logout; GitHub still accepts it
	require.NoError(t, env.controller.Broker().Logout(ctx, token))

	err := env.controller.Revalidate(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, StateAnonymous, env.controller.State())
}

func TestController_RevalidateSpan(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	token := env.login(t)

	recorder := tracetest.NewSpanRecorder()
	env.controller.tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	spanAttrs := func() map[string]any {
		spans := recorder.Ended()
		require.NotEmpty(t, spans)
		last := spans[len(spans)-1]
		require.Equal(t, "session.revalidate", last.Name())
		out := make(map[string]any)
		for _, kv := range last.Attributes() {
			out[string(kv.Key)] = kv.Value.AsInterface()
		}
		return out
	}

	require.NoError(t, env.controller.Revalidate(ctx))
	attrs := spanAttrs()
	assert.Equal(t, "authenticated", attrs[instrumentation.AttrSessionState])
	assert.Equal(t, testLogin, attrs[instrumentation.AttrUserLogin])
	assert.Equal(t, true, attrs[instrumentation.AttrTokenValid])

	env.fake.RevokeToken(token)
	require.ErrorIs(t, env.controller.Revalidate(ctx), ErrNotAuthenticated)
	attrs = spanAttrs()
	assert.Equal(t, "anonymous", attrs[instrumentation.AttrSessionState])
	assert.Equal(t, false, attrs[instrumentation.AttrTokenValid])
}

func TestController_RevalidateTransient(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	token := env.login(t)

	t.Run("github unavailable", func(t *testing.T) {
		env.fake.FailNext(testutil.RouteUser, 503)
		err := env.controller.Revalidate(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotAuthenticated)
		assert.Equal(t, StateAuthenticated, env.controller.State())
	})

	t.Run("broker unreachable", func(t *testing.T) {
		env.brokerSrv.Close()
		err := env.controller.Revalidate(ctx)
		require.Error(t, err)
		assert.Equal(t, StateAuthenticated, env.controller.State())

		id, ok := env.controller.Identity()
		require.True(t, ok)
		assert.Equal(t, token, id.AccessToken)
	})
}

func TestController_RevalidateWhenAnonymous(t *testing.T) {
	env := newSessionEnv(t)
	require.NoError(t, env.controller.Revalidate(context.Background()))
	assert.Zero(t, env.fake.Calls(testutil.RouteUser))
}

func TestController_StartRevalidatesPeriodically(t *testing.T) {
	env := newSessionEnv(t)
	token := env.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.controller.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	env.clock.BlockUntil(1)
	env.fake.RevokeToken(token)
	env.clock.Advance(DefaultValidationInterval)

	require.Eventually(t, func() bool {
		return env.controller.State() == StateAnonymous
	}, time.Second, 5*time.Millisecond)
}

func TestController_StartRevalidatesOnFocus(t *testing.T) {
	env := newSessionEnv(t)
	token := env.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.controller.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	env.fake.RevokeToken(token)
	env.controller.NotifyFocus()
	env.controller.NotifyFocus() // coalesced

	require.Eventually(t, func() bool {
		return env.controller.State() == StateAnonymous
	}, time.Second, 5*time.Millisecond)
}

func TestController_SignOut(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	token := env.login(t)

	var order []string
	env.controller.OnSignOut(func(ctx context.Context) error {
		// The credential is still present while hooks run
		_, err := env.tokens.Credential(ctx)
		assert.NoError(t, err)
		order = append(order, "drain")
		return nil
	})
	env.controller.OnSignOut(func(context.Context) error {
		order = append(order, "failing")
		return errors.New("hook failed")
	})

	require.NoError(t, env.controller.SignOut(ctx))

	assert.Equal(t, []string{"drain", "failing"}, order)
	assert.Equal(t, StateAnonymous, env.controller.State())
	_, ok := env.controller.Identity()
	assert.False(t, ok)

	_, err := env.tokens.Credential(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)

	// The broker now rejects the token
	valid, err := env.controller.Broker().ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestController_SignOutBrokerUnreachable(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	env.login(t)

	env.brokerSrv.Close()

	require.NoError(t, env.controller.SignOut(ctx))
	assert.Equal(t, StateAnonymous, env.controller.State())
	_, err := env.tokens.Credential(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
}

func TestController_Restore(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	token := testutil.GenerateTestToken()
	env.fake.AddUser(token, testLogin)
	_, err := env.tokens.SaveCredential(ctx, token)
	require.NoError(t, err)

	require.NoError(t, env.controller.Restore(ctx))
	assert.Equal(t, StateAuthenticated, env.controller.State())

	id, ok := env.controller.Identity()
	require.True(t, ok)
	assert.Equal(t, testLogin, id.Login)
}

func TestController_RestoreRejectedCredential(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	_, err := env.tokens.SaveCredential(ctx, "gho_unknown")
	require.NoError(t, err)

	require.NoError(t, env.controller.Restore(ctx))
	assert.Equal(t, StateAnonymous, env.controller.State())

	_, err = env.tokens.Credential(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
}

func TestController_RestoreWithoutCredential(t *testing.T) {
	env := newSessionEnv(t)
	require.NoError(t, env.controller.Restore(context.Background()))
	assert.Equal(t, StateAnonymous, env.controller.State())
	assert.Empty(t, env.states())
}

func TestController_Unsubscribe(t *testing.T) {
	env := newSessionEnv(t)

	var calls int
	unsubscribe := env.controller.Subscribe(func(Transition) { calls++ })
	_ = env.controller.CompleteCallback(context.Background(), "code", "state")
	unsubscribe()
	env.controller.DismissError()

	// PendingCallback and LoginError, not the dismissal
	assert.Equal(t, 2, calls)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "anonymous", StateAnonymous.String())
	assert.Equal(t, "pending_callback", StatePendingCallback.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "revalidating", StateRevalidating.String())
	assert.Equal(t, "login_error", StateLoginError.String())
	assert.Equal(t, "state(42)", State(42).String())
}
