package middlewares

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/speculumoris/twitbot/common/utils"
)

const apiKeyHeader = "X-API-KEY"

// ApiKey rejects requests whose X-API-KEY header does not match key.
// An empty key disables the check.
func ApiKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(apiKeyHeader)
			if got == "" {
				utils.WriteError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("Invalid API key")
				utils.WriteError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
