package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers can
// work with plain JSON payloads. The encoded body is capped at limit bytes.
// The gzip header is only read when the body is, so a corrupt payload surfaces
// from decodeBody after the request has been authenticated.
func GzipRequestMiddleware(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			req.Body = &gzipReadCloser{body: http.MaxBytesReader(c.Response(), req.Body, limit)}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// gzipReadCloser opens the gzip stream on first Read. err holds the first
// decompression failure; size-cap errors from the encoded body are not
// recorded there.
type gzipReadCloser struct {
	body io.ReadCloser
	zr   *gzip.Reader
	err  error
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	if g.err != nil {
		return 0, g.err
	}
	if g.zr == nil {
		zr, err := gzip.NewReader(g.body)
		if err != nil {
			return 0, g.fail(err)
		}
		g.zr = zr
	}
	n, err := g.zr.Read(p)
	if err != nil && err != io.EOF {
		return n, g.fail(err)
	}
	return n, err
}

func (g *gzipReadCloser) fail(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	g.err = err
	return err
}

// gzipFailed reports whether body is a gzip stream that could not be decoded.
func gzipFailed(body io.Reader) bool {
	g, ok := body.(*gzipReadCloser)
	return ok && g.err != nil
}

func (g *gzipReadCloser) Close() error {
	var err error
	if g.zr != nil {
		err = g.zr.Close()
	}
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// RateLimit rejects callers that exceed the limiter's budget with 429. When
// the limiter itself fails the request is let through. Callers are keyed by
// c.RealIP, which Register pins to the direct peer address.
func RateLimit(limiter RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ok, err := limiter.Allow(c.Request().Context(), c.RealIP())
			if err != nil {
				loggerFrom(c).WithError(err).Warn("ratelimit.unavailable")
				return next(c)
			}
			if !ok {
				metricsFrom(c).SetErrorStage("rate_limit")
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
			}
			return next(c)
		}
	}
}
