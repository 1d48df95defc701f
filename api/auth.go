package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"kanban-api/domain"
)

const tokenStoreKey = "kanban.token_store"

// RejectionKind classifies why a request was refused before its handler ran.
type RejectionKind int

const (
	RejectBadRequest RejectionKind = iota
	RejectUnauthorized
	RejectInternal
)

// Rejection is the refusal produced by Authenticate. The message is written
// to the client as the plain-text body.
type Rejection struct {
	Kind    RejectionKind
	Message string
	Err     error
}

func (r *Rejection) Error() string { return r.Message }

func (r *Rejection) Unwrap() error { return r.Err }

// Status maps the rejection to an HTTP status code.
func (r *Rejection) Status() int {
	switch r.Kind {
	case RejectBadRequest:
		return http.StatusBadRequest
	case RejectUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(err error) *Rejection {
	return &Rejection{Kind: RejectBadRequest, Message: err.Error(), Err: err}
}

var errStoreNotWired = errors.New("token store missing from request context")

// WithTokenStore makes store reachable to Authenticate for every request.
func WithTokenStore(store TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(tokenStoreKey, store)
			return next(c)
		}
	}
}

// Authenticate validates the bearer credential of the request. Header checks
// run first and cost nothing; only a well-formed credential reaches the store.
func Authenticate(c echo.Context) (domain.Token, *Rejection) {
	m := metricsFrom(c)
	start := time.Now()
	defer func() { m.ObserveAuth(time.Since(start)) }()

	credential, err := bearerTokenFromHeader(c.Request().Header)
	if err != nil {
		m.SetErrorStage("auth_header")
		return domain.Token{}, badRequest(err)
	}

	store, ok := c.Get(tokenStoreKey).(TokenValidator)
	if !ok || store == nil {
		m.SetErrorStage("auth_wiring")
		loggerFrom(c).WithError(errStoreNotWired).Error("auth.store_missing")
		return domain.Token{}, &Rejection{Kind: RejectInternal, Message: msgInternal, Err: errStoreNotWired}
	}

	ctx, span := otel.Tracer(tracerName).Start(c.Request().Context(), "auth.validate_token")
	defer span.End()

	tok, err := store.ValidateToken(ctx, credential)
	if err != nil {
		m.SetErrorStage("auth_token")
		span.SetAttributes(attribute.Bool("auth.valid", false))
		if !isNotFound(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "token lookup failed")
			loggerFrom(c).WithError(err).Warn("auth.lookup_failed")
		}
		return domain.Token{}, &Rejection{Kind: RejectUnauthorized, Message: "invalid Bearer token", Err: err}
	}
	span.SetAttributes(attribute.Bool("auth.valid", true))
	return tok, nil
}

// TokenHandler is a handler that can only run with a validated token.
type TokenHandler func(c echo.Context, tok domain.Token) error

// RequireToken runs Authenticate before h and returns the rejection instead
// of calling h when authentication fails.
func RequireToken(h TokenHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		tok, rej := Authenticate(c)
		if rej != nil {
			return rej
		}
		return h(c, tok)
	}
}
