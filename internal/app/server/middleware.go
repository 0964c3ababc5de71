package server

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const adminKeyHeader = "X-Api-Key"

// requireAdminKey checks the X-Api-Key header against a bcrypt hash. Without
// a configured hash the admin routes are closed.
func requireAdminKey(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				writeError(w, "Forbidden", http.StatusForbidden)
				return
			}

			key := r.Header.Get(adminKeyHeader)
			if key == "" {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
