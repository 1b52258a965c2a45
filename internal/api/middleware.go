package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration":    time.Since(start).String(),
				"remote_addr": r.RemoteAddr,
				"bytes":       ww.BytesWritten(),
			})
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				entry = entry.WithField("request_id", reqID)
			}
			if status >= http.StatusInternalServerError {
				entry.Warn("request completed")
				return
			}
			entry.Debug("request completed")
		})
	}
}

// recoverer turns a panic into a JSON 500 and logs the stack.
func recoverer(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.WithFields(logrus.Fields{
						"method":     r.Method,
						"path":       r.URL.Path,
						"panic":      fmt.Sprintf("%v", rvr),
						"stack":      string(debug.Stack()),
						"request_id": chimw.GetReqID(r.Context()),
					}).Error("panic recovered")
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
