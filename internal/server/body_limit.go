package server

import (
	"fmt"
	"net/http"
)

// maxBodySizeMiddleware rejects POST/PUT/PATCH bodies larger than limit.
// Requests announcing a larger Content-Length fail fast with 413; the rest
// are read through http.MaxBytesReader.
func maxBodySizeMiddleware(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if r.ContentLength > limit {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "BAD_REQUEST",
					fmt.Sprintf("request body too large (limit %d bytes)", limit))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
