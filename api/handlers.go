package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
	"kanban-api/storage"
)

const (
	msgInternal    = "internal error"
	msgInvalidBody = "invalid body"
	msgInvalidID   = "invalid id"

	publishTimeout = 2 * time.Second
)

// Options configures Register. Zero values disable the optional parts.
type Options struct {
	Prefix    string
	Logger    *log.Logger
	Publisher Publisher
	Limiter   RateLimiter
}

type handlers struct {
	store     Storage
	logger    *log.Logger
	publisher Publisher
}

// Register installs the error handler, the JSON serializer and the request
// middleware on e and wires up all API routes under opts.Prefix.
func Register(e *echo.Echo, store Storage, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	h := &handlers{store: store, logger: logger, publisher: publisher}

	e.JSONSerializer = SonicSerializer{}
	e.HTTPErrorHandler = ErrorHandler(logger)
	if e.IPExtractor == nil {
		// forwarding headers are client controlled; trust them only when the
		// caller installs an extractor of its own
		e.IPExtractor = echo.ExtractIPDirect()
	}
	e.Use(
		RequestMetrics(logger),
		middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}),
		middleware.RecoverWithConfig(middleware.RecoverConfig{
			DisableErrorHandler: true,
			LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
				loggerFrom(c).WithError(err).WithField("stack", string(stack)).Error("http.panic")
				return err
			},
		}),
	)

	mw := []echo.MiddlewareFunc{GzipRequestMiddleware(maxBodySize)}
	if opts.Limiter != nil {
		mw = append(mw, RateLimit(opts.Limiter))
	}
	mw = append(mw, WithTokenStore(store))

	p := opts.Prefix
	e.GET(p+"/boards", RequireToken(h.listBoards), mw...)
	e.POST(p+"/boards", RequireToken(h.createBoard), mw...)
	e.GET(p+"/boards/:id/summary", RequireToken(h.boardSummary), mw...)
	e.DELETE(p+"/boards/:id", RequireToken(h.deleteBoard), mw...)
	e.GET(p+"/boards/:id/cards", RequireToken(h.listCards), mw...)
	e.POST(p+"/cards", RequireToken(h.createCard), mw...)
	e.PATCH(p+"/cards/:id", RequireToken(h.updateCard), mw...)
	e.DELETE(p+"/cards/:id", RequireToken(h.deleteCard), mw...)
	e.GET("/healthz", h.healthz)
}

// ErrorHandler renders every error as a plain-text body. Rejections and
// echo errors keep their status and message; anything else is a 500 whose
// cause is logged and never sent to the client.
func ErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, msg := http.StatusInternalServerError, msgInternal
		var rej *Rejection
		var he *echo.HTTPError
		switch {
		case errors.As(err, &rej):
			status, msg = rej.Status(), rej.Message
		case errors.As(err, &he):
			status = he.Code
			if s, ok := he.Message.(string); ok {
				msg = s
			} else {
				msg = http.StatusText(he.Code)
			}
		default:
			logger.WithError(err).WithField("route", c.Path()).Error("http.unhandled_error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.String(status, msg)
		}
		if werr != nil {
			logger.WithError(werr).Warn("http.write_error")
		}
	}
}

func (h *handlers) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.WithError(err).Warn("healthz.ping_failed")
		return c.String(http.StatusServiceUnavailable, "unavailable")
	}
	return c.String(http.StatusOK, "ok")
}

func (h *handlers) listBoards(c echo.Context, _ domain.Token) error {
	var boards []domain.Board
	err := h.timeStore(c, func(ctx context.Context) (err error) {
		boards, err = h.store.Boards(ctx)
		return err
	})
	if err != nil {
		return h.internalError(c, "list boards", err)
	}
	return c.JSON(http.StatusOK, boards)
}

func (h *handlers) createBoard(c echo.Context, _ domain.Token) error {
	var req createBoardRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	in, err := req.toDomain()
	if err != nil {
		return invalidBody(c, err)
	}
	var board domain.Board
	err = h.timeStore(c, func(ctx context.Context) (err error) {
		board, err = h.store.CreateBoard(ctx, in)
		return err
	})
	if err != nil {
		return h.internalError(c, "create board", err)
	}
	h.publish(c, Event{Type: EventCreated, Entity: EntityBoard, BoardID: board.ID, ID: board.ID, Payload: board})
	return c.JSON(http.StatusOK, board)
}

func (h *handlers) boardSummary(c echo.Context, _ domain.Token) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var sum domain.BoardSummary
	err = h.timeStore(c, func(ctx context.Context) (err error) {
		sum, err = h.store.BoardSummary(ctx, id)
		return err
	})
	if err != nil {
		return h.internalError(c, "board summary", err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *handlers) deleteBoard(c echo.Context, _ domain.Token) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var n int64
	err = h.timeStore(c, func(ctx context.Context) (err error) {
		n, err = h.store.DeleteBoard(ctx, id)
		return err
	})
	if err != nil {
		return h.internalError(c, "delete board", err)
	}
	if n > 0 {
		h.publish(c, Event{Type: EventDeleted, Entity: EntityBoard, BoardID: id, ID: id})
	}
	return c.NoContent(http.StatusOK)
}

func (h *handlers) listCards(c echo.Context, _ domain.Token) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var cards []domain.Card
	err = h.timeStore(c, func(ctx context.Context) (err error) {
		cards, err = h.store.Cards(ctx, id)
		return err
	})
	if err != nil {
		return h.internalError(c, "list cards", err)
	}
	return c.JSON(http.StatusOK, cards)
}

func (h *handlers) createCard(c echo.Context, _ domain.Token) error {
	var req createCardRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	in, err := req.toDomain()
	if err != nil {
		return invalidBody(c, err)
	}
	var card domain.Card
	err = h.timeStore(c, func(ctx context.Context) (err error) {
		card, err = h.store.CreateCard(ctx, in)
		return err
	})
	if err != nil {
		return h.internalError(c, "create card", err)
	}
	h.publish(c, Event{Type: EventCreated, Entity: EntityCard, BoardID: card.BoardID, ID: card.ID, Payload: card})
	return c.JSON(http.StatusOK, card)
}

func (h *handlers) updateCard(c echo.Context, _ domain.Token) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req updateCardRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	in, err := req.toDomain()
	if err != nil {
		return invalidBody(c, err)
	}
	var card domain.Card
	err = h.timeStore(c, func(ctx context.Context) (err error) {
		card, err = h.store.UpdateCard(ctx, id, in)
		return err
	})
	if err != nil {
		return h.internalError(c, "update card", err)
	}
	h.publish(c, Event{Type: EventUpdated, Entity: EntityCard, BoardID: card.BoardID, ID: card.ID, Payload: card})
	return c.JSON(http.StatusOK, card)
}

func (h *handlers) deleteCard(c echo.Context, _ domain.Token) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var n int64
	err = h.timeStore(c, func(ctx context.Context) (err error) {
		n, err = h.store.DeleteCard(ctx, id)
		return err
	})
	if err != nil {
		return h.internalError(c, "delete card", err)
	}
	if n > 0 {
		h.publish(c, Event{Type: EventDeleted, Entity: EntityCard, ID: id})
	}
	return c.NoContent(http.StatusOK)
}

func (h *handlers) timeStore(c echo.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(c.Request().Context())
	metricsFrom(c).ObserveStore(time.Since(start))
	return err
}

func (h *handlers) internalError(c echo.Context, op string, err error) error {
	metricsFrom(c).SetErrorStage("storage")
	h.logger.WithError(err).WithField("op", op).Error("storage.failed")
	return c.String(http.StatusInternalServerError, msgInternal)
}

// publish is best effort; the change is already committed.
func (h *handlers) publish(c echo.Context, ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), publishTimeout)
	defer cancel()
	if err := h.publisher.Publish(ctx, ev); err != nil {
		h.logger.WithError(err).WithFields(log.Fields{
			"type":   ev.Type,
			"entity": ev.Entity,
			"id":     ev.ID,
		}).Warn("events.publish_failed")
	}
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		metricsFrom(c).SetErrorStage("invalid_id")
		return 0, echo.NewHTTPError(http.StatusBadRequest, msgInvalidID).SetInternal(err)
	}
	return id, nil
}

// decodeBody reads at most maxBodySize bytes of JSON into v.
func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	if err := dec.Decode(v); err != nil {
		if gzipFailed(c.Request().Body) {
			metricsFrom(c).SetErrorStage("invalid_body")
			return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body").SetInternal(err)
		}
		return invalidBody(c, err)
	}
	return nil
}

func invalidBody(c echo.Context, err error) error {
	metricsFrom(c).SetErrorStage("invalid_body")
	return echo.NewHTTPError(http.StatusBadRequest, msgInvalidBody).SetInternal(err)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
