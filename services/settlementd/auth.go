package settlementd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// AuthConfig describes admin authentication options.
type AuthConfig struct {
	BearerToken string
	JWTSecret   string
}

// Authenticator validates incoming admin requests with either a static bearer
// token or an HS256-signed JWT.
type Authenticator struct {
	bearerToken string
	jwtSecret   []byte
	allowBearer bool
	allowJWT    bool
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	secret := strings.TrimSpace(cfg.JWTSecret)
	allowBearer := token != ""
	allowJWT := secret != ""
	if !allowBearer && !allowJWT {
		return nil, fmt.Errorf("settlementd: at least one authentication mechanism must be configured")
	}
	return &Authenticator{
		bearerToken: token,
		jwtSecret:   []byte(secret),
		allowBearer: allowBearer,
		allowJWT:    allowJWT,
	}, nil
}

// Middleware enforces authentication for admin handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if a.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

func (a *Authenticator) authenticate(r *http.Request) bool {
	if a == nil || r == nil {
		return false
	}
	credential := parseBearerToken(r.Header.Get("Authorization"))
	if credential == "" {
		return false
	}
	if a.allowBearer && credential == a.bearerToken {
		return true
	}
	if a.allowJWT && a.verifyJWT(credential) {
		return true
	}
	return false
}

func (a *Authenticator) verifyJWT(credential string) bool {
	token, err := jwt.Parse(credential, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return false
	}
	return token.Valid
}

func parseBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// RateLimit caps admin request throughput with a shared token bucket.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
