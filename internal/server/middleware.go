package server

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// maxLoggedBody caps how much of a request body is copied into debug logs.
const maxLoggedBody = 1024

// requestLogger logs one line per request with the chi request id. At debug
// level it also logs request and response headers, and the start of the
// request body for anything but a WebSocket upgrade.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())

			if e := logger.Debug(); e.Enabled() {
				e = e.Str("request_id", reqID).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("headers", r.Header)
				if !websocket.IsWebSocketUpgrade(r) && r.Body != nil && r.Body != http.NoBody {
					e = e.Str("body", peekBody(r))
				}
				e.Msg("request received")
			}

			defer func() {
				status := ww.Status()
				event := logger.Info()
				if status >= http.StatusInternalServerError {
					event = logger.Error()
				}
				event.
					Str("request_id", reqID).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")

				logger.Debug().
					Str("request_id", reqID).
					Interface("headers", ww.Header()).
					Msg("response headers")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// peekBody reads up to maxLoggedBody bytes of r's body and puts them back so
// the handler still sees the full body.
func peekBody(r *http.Request) string {
	head, err := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil {
		return ""
	}
	return string(head)
}
