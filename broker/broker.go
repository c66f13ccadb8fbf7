package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/coursesync/instrumentation"
	"github.com/giantswarm/coursesync/internal/util"
	"github.com/giantswarm/coursesync/providers"
	"github.com/giantswarm/coursesync/storage"
)

// Exchange outcomes reported to metrics and spans
const (
	ExchangeResultSuccess = "success"
	ExchangeResultFailure = "failure"
	ExchangeResultCached  = "cached"
	ExchangeResultShared  = "shared"
)

// Broker implements the credential broker logic.
type Broker struct {
	provider    providers.Provider
	revocations storage.RevocationStore
	exchanges   storage.ExchangeCache
	inflight    singleflight.Group

	Logger *slog.Logger
	Config *Config

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// ExchangeOutcome is the result of Exchange.
type ExchangeOutcome struct {
	*storage.ExchangeResult

	// Source is one of the ExchangeResult* constants
	Source string
}

// New creates a broker. provider and both stores are required.
func New(
	provider providers.Provider,
	revocations storage.RevocationStore,
	exchanges storage.ExchangeCache,
	config *Config,
	logger *slog.Logger,
) (*Broker, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if revocations == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	if exchanges == nil {
		return nil, fmt.Errorf("exchange cache is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		provider:    provider,
		revocations: revocations,
		exchanges:   exchanges,
		Logger:      logger,
		Config:      applyDefaults(config),
	}, nil
}

// SetInstrumentation enables tracing and metrics
func (b *Broker) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	b.tracer = inst.Tracer("broker")
	b.metrics = inst.Metrics()
}

// Exchange trades an authorization code for an access token.
//
// A cached result for the same (code, state) is replayed without contacting
// GitHub; concurrent callers with the same pair share one upstream call.
func (b *Broker) Exchange(ctx context.Context, code, state string) (*ExchangeOutcome, error) {
	ctx, span := b.startSpan(ctx, "exchange")
	defer span.End()

	if err := validateParam("code", code); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if err := validateParam("state", state); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	key := storage.ExchangeKey(code, state)

	var outcome *ExchangeOutcome
	replayed := false
	if cached := b.cachedExchange(ctx, key); cached != nil {
		outcome = &ExchangeOutcome{ExchangeResult: cached, Source: ExchangeResultCached}
		replayed = true
	} else {
		v, err, shared := b.inflight.Do(key, func() (any, error) {
			return b.exchangeOnce(ctx, key, code)
		})
		if err != nil {
			b.recordExchange(ctx, span, ExchangeResultFailure)
			instrumentation.RecordError(span, err)
			return nil, err
		}
		outcome = v.(*ExchangeOutcome)
		replayed = outcome.Source == ExchangeResultCached
		if shared {
			outcome = &ExchangeOutcome{ExchangeResult: outcome.ExchangeResult, Source: ExchangeResultShared}
		}
	}

	// A replay must not hand out a token logged out since the first exchange
	if replayed {
		if err := b.checkReplay(ctx, outcome.ExchangeResult); err != nil {
			b.recordExchange(ctx, span, ExchangeResultFailure)
			instrumentation.RecordError(span, err)
			return nil, err
		}
	}

	b.recordExchange(ctx, span, outcome.Source)
	return outcome, nil
}

func (b *Broker) checkReplay(ctx context.Context, cached *storage.ExchangeResult) error {
	err := b.checkNotRevoked(ctx, cached.AccessToken)
	if errors.Is(err, ErrTokenRevoked) {
		b.Logger.Info("Rejected replay of a revoked exchange")
		return fmt.Errorf("%w: code already used", ErrInvalidGrant)
	}
	return err
}

// exchangeOnce runs inside the singleflight group. The upstream call is
// detached from the first caller's cancellation because other callers may be
// waiting on it.
func (b *Broker) exchangeOnce(ctx context.Context, key, code string) (*ExchangeOutcome, error) {
	// Another replica may have finished the exchange since the first lookup
	if cached := b.cachedExchange(ctx, key); cached != nil {
		return &ExchangeOutcome{ExchangeResult: cached, Source: ExchangeResultCached}, nil
	}

	upstreamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.Config.UpstreamTimeout)
	defer cancel()

	token, err := b.provider.ExchangeCode(upstreamCtx, code)
	if err != nil {
		b.Logger.Warn("Code exchange failed", "error", err)
		switch {
		case errors.Is(err, providers.ErrInvalidGrant), errors.Is(err, providers.ErrUnauthorized):
			return nil, fmt.Errorf("%w: code rejected by provider", ErrInvalidGrant)
		default:
			return nil, fmt.Errorf("%w: code exchange failed", ErrUpstream)
		}
	}
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("%w: provider returned no access token", ErrUpstream)
	}

	scope, _ := token.Extra("scope").(string)
	result := &storage.ExchangeResult{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Scope:       scope,
		ExchangedAt: time.Now(),
	}

	// A cache write failure only loses idempotency for this code
	if err := b.exchanges.PutExchange(upstreamCtx, key, result, b.Config.ExchangeCacheTTL); err != nil {
		b.Logger.Warn("Failed to cache exchange result", "error", err)
	}

	b.Logger.Debug("Code exchanged", "token_prefix", util.SafeTruncate(result.AccessToken, 4))
	return &ExchangeOutcome{ExchangeResult: result, Source: ExchangeResultSuccess}, nil
}

func (b *Broker) cachedExchange(ctx context.Context, key string) *storage.ExchangeResult {
	cached, err := b.exchanges.GetExchange(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.Logger.Warn("Exchange cache lookup failed", "error", err)
		}
		return nil
	}
	return cached
}

// UserInfo returns the GitHub profile for token.
// Revoked tokens are rejected without contacting GitHub.
func (b *Broker) UserInfo(ctx context.Context, token string) (*providers.UserInfo, error) {
	ctx, span := b.startSpan(ctx, "user_info")
	defer span.End()

	if err := b.checkNotRevoked(ctx, token); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	upstreamCtx, cancel := context.WithTimeout(ctx, b.Config.UpstreamTimeout)
	defer cancel()

	info, err := b.provider.UserProfile(upstreamCtx, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, providers.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: token rejected by provider", ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: profile request failed", ErrUpstream)
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrUserLogin, info.Login),
		attribute.String(instrumentation.AttrUserID, info.ID),
	)
	instrumentation.SetSpanSuccess(span)
	return info, nil
}

// CheckToken returns nil when token is valid. The error says why it is not;
// callers that must not leak the reason should use ValidateToken.
func (b *Broker) CheckToken(ctx context.Context, token string) error {
	ctx, span := b.startSpan(ctx, "check_token")
	defer span.End()

	_, err := b.UserInfo(ctx, token)
	valid := err == nil

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenValid, valid))
	if b.metrics != nil {
		b.metrics.RecordTokenValidation(ctx, valid)
	}
	return err
}

// ValidateToken reports whether token is usable. Revoked, rejected and
// unverifiable tokens are all invalid.
func (b *Broker) ValidateToken(ctx context.Context, token string) bool {
	return b.CheckToken(ctx, token) == nil
}

// Logout adds token to the revocation set. An empty token is a no-op.
func (b *Broker) Logout(ctx context.Context, token string) error {
	ctx, span := b.startSpan(ctx, "logout")
	defer span.End()

	if token == "" {
		return nil
	}

	if err := b.revocations.Revoke(ctx, token, b.Config.RevocationTTL); err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("%w: failed to revoke token: %w", ErrUpstream, err)
	}

	if b.metrics != nil {
		b.metrics.RecordTokenRevocation(ctx)
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (b *Broker) checkNotRevoked(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	revoked, err := b.revocations.IsRevoked(ctx, token)
	if err != nil {
		// Fail closed: an unknown revocation status is not a valid token
		return fmt.Errorf("%w: revocation lookup failed: %w", ErrUpstream, err)
	}
	instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx), attribute.Bool(instrumentation.AttrTokenRevoked, revoked))
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}

func validateParam(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, name)
	}
	if len(value) > maxParamLength {
		return fmt.Errorf("%w: %s is too long", ErrInvalidRequest, name)
	}
	return nil
}

func (b *Broker) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if b.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return b.tracer.Start(ctx, "broker."+operation)
}

func (b *Broker) recordExchange(ctx context.Context, span trace.Span, result string) {
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrExchangeResult, result))
	if b.metrics != nil {
		b.metrics.RecordCodeExchange(ctx, result)
	}
}
