package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/wowowow-64/weekwise/planner"
)

// maxBodySize caps decoded request bodies, including decompressed ones.
const maxBodySize = 64 << 10

// RequestBodyMiddleware decompresses gzip-encoded request bodies and caps
// every body at maxBodySize. Invalid gzip payloads are rejected with 400.
func RequestBodyMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				body := req.Body
				gr, err := gzip.NewReader(body)
				if err != nil {
					_ = body.Close()
					return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
				}
				req.Body = &gzipReadCloser{Reader: gr, body: body}
				req.ContentLength = -1
				req.Header.Del(echo.HeaderContentEncoding)
				req.Header.Del(echo.HeaderContentLength)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodySize)
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// sessionMiddleware makes the process session reachable from request
// contexts through planner.SessionFromContext.
func sessionMiddleware(s *planner.Session) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(planner.WithSession(req.Context(), s)))
			return next(c)
		}
	}
}
