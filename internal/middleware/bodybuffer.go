package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

type bodyKey struct{}

// writeMethod reports whether the request can carry a form submission.
func writeMethod(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// BodyBuffer reads write-method bodies once, up to maxBytes, and makes
// the bytes available to both the identifier resolver and the upstream
// proxy. Oversized bodies are rejected before any other check runs.
func BodyBuffer(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !writeMethod(r.Method) || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
			r.Body.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, "body_read_failed")
				return
			}
			if int64(len(body)) > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			ctx := context.WithValue(r.Context(), bodyKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BufferedBody returns the bytes stashed by BodyBuffer, or nil.
func BufferedBody(r *http.Request) []byte {
	body, _ := r.Context().Value(bodyKey{}).([]byte)
	return body
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
