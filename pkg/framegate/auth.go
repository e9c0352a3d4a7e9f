package framegate

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Authentication modes accepted in AuthConfig.Mode
const (
	AuthModeToken    = "token"
	AuthModeHMAC     = "hmac"
	AuthModeJWT      = "jwt"
	AuthModeAllowAll = "allow_all"
)

// Authenticator checks the payload of an AUTH frame. A false result is
// a credential rejection; a non-nil error means the check itself could
// not run. The dispatcher treats both as an authentication failure.
type Authenticator interface {
	Verify(ctx context.Context, payload []byte) (bool, error)
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(ctx context.Context, payload []byte) (bool, error)

// Verify calls f
func (f AuthenticatorFunc) Verify(ctx context.Context, payload []byte) (bool, error) {
	return f(ctx, payload)
}

// NewAuthenticator builds the Authenticator described by cfg
func NewAuthenticator(cfg AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case AuthModeAllowAll:
		return AllowAll(), nil
	case AuthModeToken, "":
		return NewTokenAuthenticator(cfg.Tokens...), nil
	case AuthModeHMAC:
		if cfg.HMACSecret == "" {
			return nil, errors.New("auth.hmac_secret is required for hmac mode")
		}
		return NewHMACAuthenticator(SecretFromString(cfg.HMACSecret)), nil
	case AuthModeJWT:
		if cfg.JWTPublicKey != "" {
			key, err := jwt.ParseEdPublicKeyFromPEM([]byte(cfg.JWTPublicKey))
			if err != nil {
				return nil, fmt.Errorf("failed to parse auth.jwt_public_key: %w", err)
			}
			return NewJWTAuthenticator(key, jwt.SigningMethodEdDSA, cfg.CacheSize)
		}
		if cfg.JWTSecret != "" {
			return NewJWTAuthenticator([]byte(cfg.JWTSecret), jwt.SigningMethodHS256, cfg.CacheSize)
		}
		return nil, errors.New("auth.jwt_public_key or auth.jwt_secret is required for jwt mode")
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}
}

// AllowAll accepts every AUTH payload
func AllowAll() Authenticator {
	return AuthenticatorFunc(func(context.Context, []byte) (bool, error) {
		return true, nil
	})
}

// TokenAuthenticator accepts payloads equal to one of a fixed set of
// shared tokens
type TokenAuthenticator struct {
	digests [][sha256.Size]byte
}

// NewTokenAuthenticator creates a token authenticator. With no tokens
// every payload is rejected.
func NewTokenAuthenticator(tokens ...string) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	for _, tok := range tokens {
		a.digests = append(a.digests, sha256.Sum256([]byte(tok)))
	}
	return a
}

// Verify compares digests in constant time against every token
func (a *TokenAuthenticator) Verify(_ context.Context, payload []byte) (bool, error) {
	got := sha256.Sum256(payload)
	matched := 0
	for i := range a.digests {
		matched |= subtle.ConstantTimeCompare(got[:], a.digests[i][:])
	}
	return matched == 1, nil
}

// HMACAuthenticator accepts payloads of the form identity || tag where
// tag is HMAC-SHA256(secret, identity)
type HMACAuthenticator struct {
	secret []byte
}

// NewHMACAuthenticator creates a new HMAC authenticator with the given secret
func NewHMACAuthenticator(secret []byte) *HMACAuthenticator {
	return &HMACAuthenticator{
		secret: secret,
	}
}

// Sign builds the AUTH payload a peer sends for identity
func (h *HMACAuthenticator) Sign(identity []byte) []byte {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(identity)
	out := append([]byte{}, identity...)
	return mac.Sum(out)
}

// Verify checks the trailing tag against the identity prefix
func (h *HMACAuthenticator) Verify(_ context.Context, payload []byte) (bool, error) {
	if len(payload) < sha256.Size {
		return false, nil
	}
	identity := payload[:len(payload)-sha256.Size]
	tag := payload[len(payload)-sha256.Size:]

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(identity)
	return hmac.Equal(tag, mac.Sum(nil)), nil
}

// GenerateSecret generates a random secret key
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}

// SecretFromString creates a secret from a string
func SecretFromString(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

// SecretFromHex decodes a hex-encoded secret
func SecretFromHex(hexStr string) ([]byte, error) {
	return hex.DecodeString(hexStr)
}

// jwtCacheTTL bounds how long a token without an exp claim stays cached
const jwtCacheTTL = time.Minute

// JWTAuthenticator accepts AUTH payloads that are signed JWTs. Tokens
// that verified recently are remembered until they expire so that
// reconnect storms do not re-run signature checks.
type JWTAuthenticator struct {
	key    interface{}
	parser *jwt.Parser
	cache  *lru.Cache[[sha256.Size]byte, time.Time]
	now    func() time.Time
}

// NewJWTAuthenticator creates an authenticator for tokens signed with
// method using key (an HMAC secret or a public key)
func NewJWTAuthenticator(key interface{}, method jwt.SigningMethod, cacheSize int) (*JWTAuthenticator, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[[sha256.Size]byte, time.Time](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}
	return &JWTAuthenticator{
		key:    key,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{method.Alg()})),
		cache:  cache,
		now:    time.Now,
	}, nil
}

// Verify parses and validates the token in payload
func (a *JWTAuthenticator) Verify(_ context.Context, payload []byte) (bool, error) {
	digest := sha256.Sum256(payload)
	now := a.now()
	if until, ok := a.cache.Get(digest); ok {
		if now.Before(until) {
			return true, nil
		}
		a.cache.Remove(digest)
	}

	claims := jwt.RegisteredClaims{}
	token, err := a.parser.ParseWithClaims(string(payload), &claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	})
	if err != nil || !token.Valid {
		return false, nil
	}

	until := now.Add(jwtCacheTTL)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(until) {
		until = claims.ExpiresAt.Time
	}
	a.cache.Add(digest, until)
	return true, nil
}
