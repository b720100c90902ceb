package middleware

import (
	"net/http"

	"github.com/MrEthical07/authgate"
)

func RequireTwoFactor(engine *authgate.Engine) func(http.Handler) http.Handler {
	return Guard(engine, authgate.TwoFactor)
}
