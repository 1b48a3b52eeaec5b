package middleware

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/vova616/xxhash"
)

// requestLogger builds a compact one-line request log. Query params are
// hashed rather than logged so client keys never land in the log.
type requestLogger struct {
	buf *bytes.Buffer
}

func newRequestLogger() *requestLogger {
	return &requestLogger{
		buf: &bytes.Buffer{},
	}
}

func (r *requestLogger) write(format string, args ...interface{}) {
	r.buf.WriteString(fmt.Sprintf(format, args...))
}

func (r *requestLogger) method(method string) *requestLogger {
	r.write("%s ", method)
	return r
}

func (r *requestLogger) path(rawURL string) *requestLogger {
	url := strings.SplitN(rawURL, "?", 2)[0]
	if url == "" || url == "/" {
		r.write("/")
		return r
	}
	for _, part := range strings.Split(url, "/") {
		if part != "" {
			r.write("/%s", part)
		}
	}
	return r
}

func (r *requestLogger) params(rawURL string) *requestLogger {
	parts := strings.SplitN(rawURL, "?", 2)
	if len(parts) > 1 && parts[1] != "" {
		hash := xxhash.Checksum32([]byte(parts[1]))
		r.write("?%#x ", hash)
	} else {
		r.buf.WriteString(" ")
	}
	return r
}

func (r *requestLogger) status(status int) *requestLogger {
	r.write("%03d", status)
	return r
}

func (r *requestLogger) duration(duration time.Duration) *requestLogger {
	r.write(" in %.2fms", duration.Seconds()*1000)
	return r
}

func (r *requestLogger) render() string {
	return r.buf.String()
}
