package middleware

import (
	"net/http"

	"github.com/MrEthical07/authgate"
)

// RequireOneFactor admits sessions that passed the password check.
func RequireOneFactor(engine *authgate.Engine) func(http.Handler) http.Handler {
	return Guard(engine, authgate.OneFactor)
}
