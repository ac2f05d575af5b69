package server

import (
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/zstd"
)

// requestLogger logs one line per completed request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info("request completed",
			"request_id", chimiddleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// decompressBody transparently decodes gzip and zstd request bodies. The
// decompressed stream is still subject to the handler's body-size cap.
func decompressBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Content-Encoding") {
		case "":
			// nothing to do
		case "gzip":
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"status":  "error",
					"message": "Invalid JSON",
				})
				return
			}
			defer zr.Close()
			r.Body = io.NopCloser(zr)
			r.Header.Del("Content-Encoding")
			r.ContentLength = -1
		case "zstd":
			zr, err := zstd.NewReader(r.Body)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"status":  "error",
					"message": "Invalid JSON",
				})
				return
			}
			defer zr.Close()
			r.Body = io.NopCloser(zr.IOReadCloser())
			r.Header.Del("Content-Encoding")
			r.ContentLength = -1
		default:
			writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{
				"status":  "error",
				"message": "Unsupported Content-Encoding",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
