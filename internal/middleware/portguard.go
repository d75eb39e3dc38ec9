package middleware

import (
	"net/http"
	"strings"
)

// AdminPathGuard hides the admin surface from the public port. The
// admin router is only mounted on the loopback listener; this guard
// makes sure a proxied copy of its base path never leaks upstream
// either.
func AdminPathGuard(basePath string) func(http.Handler) http.Handler {
	basePath = strings.TrimRight(basePath, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == basePath || strings.HasPrefix(r.URL.Path, basePath+"/") {
				writeError(w, http.StatusNotFound, "not_found")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
