package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Config for request authentication. Both credentials may be active at once;
// either one admits a request. With neither configured the server runs open,
// which is only sensible behind a trusted gateway.
type Config struct {
	// Static key callers present in the Authorization header with the
	// Bearer scheme.
	ApiKey string

	// HS256 secret validating JWT bearer tokens.
	JwtSecret string
}

// Authenticator guards HTTP handlers with bearer credentials.
type Authenticator struct {
	config Config
	logger *zap.SugaredLogger
}

func New(config Config, logger *zap.SugaredLogger) *Authenticator {
	return &Authenticator{config: config, logger: logger}
}

// Middleware rejects requests without a valid bearer credential.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a.config.ApiKey == "" && a.config.JwtSecret == "" {
		return next
	}
	return http.HandlerFunc(func(httpResponse http.ResponseWriter, httpRequest *http.Request) {
		token, ok := bearerToken(httpRequest)
		if !ok || !a.valid(token) {
			http.Error(httpResponse, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(httpResponse, httpRequest)
	})
}

func (a *Authenticator) valid(token string) bool {
	if a.config.ApiKey != "" && token == a.config.ApiKey {
		return true
	}
	if a.config.JwtSecret != "" {
		return a.validJwt(token)
	}
	return false
}

func (a *Authenticator) validJwt(token string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.config.JwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		a.logger.Debugw("Rejected JWT", "error", err)
		return false
	}
	return parsed.Valid
}

func bearerToken(httpRequest *http.Request) (string, bool) {
	headerSplit := strings.Split(httpRequest.Header.Get("Authorization"), " ")
	if len(headerSplit) != 2 || strings.ToLower(headerSplit[0]) != "bearer" || headerSplit[1] == "" {
		return "", false
	}
	return headerSplit[1], true
}
