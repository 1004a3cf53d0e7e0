package server

import (
	"crypto/sha256"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fluxpredict/logging"
)

// DefaultCost is the bcrypt cost used by HashToken.
const DefaultCost = 12

var (
	// ErrEmptyToken is returned when hashing an empty token.
	ErrEmptyToken = errors.New("server: token cannot be empty")

	// ErrTokenMismatch is returned when a token does not match the hash.
	ErrTokenMismatch = errors.New("server: token does not match")
)

// HashToken returns the bcrypt hash to store in API_TOKEN_HASH.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken reports whether token matches hash.
func VerifyToken(token, hash string) error {
	if token == "" {
		return ErrTokenMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrTokenMismatch
		}
		return err
	}
	return nil
}

// TokenAuth checks bearer tokens against a bcrypt hash. Tokens that verified
// once are remembered by digest so bcrypt runs once per token.
type TokenAuth struct {
	hash    string
	logger  *logging.Logger
	limiter *RateLimiter

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]bool
}

// NewTokenAuth returns an authenticator for hash. limiter may be nil.
func NewTokenAuth(hash string, limiter *RateLimiter, logger *logging.Logger) *TokenAuth {
	return &TokenAuth{
		hash:     hash,
		logger:   logger,
		limiter:  limiter,
		verified: make(map[[sha256.Size]byte]bool),
	}
}

// Check reports whether token is accepted.
func (a *TokenAuth) Check(token string) bool {
	digest := sha256.Sum256([]byte(token))
	a.mu.RLock()
	ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}
	if err := VerifyToken(token, a.hash); err != nil {
		if !errors.Is(err, ErrTokenMismatch) {
			a.logger.Error("token verification failed", zap.Error(err))
		}
		return false
	}
	a.mu.Lock()
	a.verified[digest] = true
	a.mu.Unlock()
	return true
}

// Middleware rejects requests without a valid "Authorization: Bearer" header
// with 401. Browsers cannot set headers on WebSocket upgrades, so a "token"
// query parameter is accepted as well. Clients over the failure limit get 429
// with Retry-After until their block expires.
func (a *TokenAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if a.limiter != nil {
			if ok, wait := a.limiter.Allow(ip); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				a.logger.Warn("authentication blocked",
					zap.String("ip", ip),
					zap.Duration("retry_after", wait),
				)
				c.Header("Retry-After", strconv.Itoa(secs))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many failed attempts"})
				return
			}
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if !a.Check(token) {
			if a.limiter != nil {
				a.limiter.RecordAttempt(ip)
			}
			a.logger.Debug("unauthorized request",
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", ip),
			)
			c.Header("WWW-Authenticate", `Bearer realm="fluxpredict"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if a.limiter != nil {
			a.limiter.Reset(ip)
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
