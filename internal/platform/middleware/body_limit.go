package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit caps request body sizes. defaultLimit applies to most
// endpoints; ingestLimit applies to POST /api/v1/administrations, where a
// bulk upload of treatment histories can run much larger.
//
// Limits are human-readable size strings: a bare number is bytes, and the
// suffixes K, M, and G (optionally with a trailing B) scale it.
func BodyLimit(defaultLimit string, ingestLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	ingestBytes := parseLimit(ingestLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if isIngestRequest(req) {
				limit = ingestBytes
			}

			// A declared Content-Length over the limit is rejected before
			// any bytes are read.
			if req.ContentLength > limit {
				return payloadTooLargeError(c, limit)
			}

			// The capped reader catches bodies whose Content-Length is
			// absent or lies.
			req.Body = &cappedBody{inner: req.Body, remaining: limit}
			return next(c)
		}
	}
}

func isIngestRequest(req *http.Request) bool {
	if req.Method != http.MethodPost {
		return false
	}
	path := strings.TrimSuffix(req.URL.Path, "/")
	return strings.HasSuffix(path, "/administrations")
}

// cappedBody fails the read once more than the allowed bytes have been
// consumed. Subsequent reads keep failing.
type cappedBody struct {
	inner     io.ReadCloser
	remaining int64
	exceeded  bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.exceeded {
		return 0, errBodyTooLarge()
	}

	// Read one byte past the cap so overflow is detectable.
	if max := b.remaining + 1; int64(len(p)) > max {
		p = p[:max]
	}

	n, err := b.inner.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		b.exceeded = true
		return 0, errBodyTooLarge()
	}
	return n, err
}

func (b *cappedBody) Close() error {
	return b.inner.Close()
}

func errBodyTooLarge() error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
}

func payloadTooLargeError(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
		"error": fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit),
	})
}

var sizeSuffixes = []struct {
	suffix     string
	multiplier int64
}{
	{"GB", 1 << 30},
	{"G", 1 << 30},
	{"MB", 1 << 20},
	{"M", 1 << 20},
	{"KB", 1 << 10},
	{"K", 1 << 10},
}

// parseLimit converts a size string to bytes. Unparseable input falls back
// to 1 MB rather than failing startup.
func parseLimit(s string) int64 {
	const fallback = 1 << 20

	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return fallback
	}

	var multiplier int64 = 1
	for _, ss := range sizeSuffixes {
		if strings.HasSuffix(s, ss.suffix) {
			multiplier = ss.multiplier
			s = strings.TrimSuffix(s, ss.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return n * multiplier
}
