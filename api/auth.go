package api

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envAuth0TestMode    = "AUTH0_TEST_MODE"
	envTestJWTSecret    = "TEST_JWT_SECRET"
	envLocalAuthMode    = "LOCAL_AUTH_MODE"
	envLocalAuthSecret  = "LOCAL_AUTH_SHARED_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"
	envAuth0Domain      = "AUTH0_DOMAIN"
	envAuth0Audience    = "AUTH0_AUDIENCE"
)

// AuthConfig describes how bearer tokens are verified. A non-empty
// SharedSecret switches to HS256 tokens for local runs.
type AuthConfig struct {
	Domain       string
	Audience     string
	Issuer       string
	SharedSecret []byte
	KeyCacheTTL  time.Duration
}

// JWKSURL is the key set location of the configured tenant.
func (c AuthConfig) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Domain)
}

// AuthConfigFromEnv reads the Auth0 tenant or the local shared secret.
func AuthConfigFromEnv() (AuthConfig, error) {
	cfg := AuthConfig{KeyCacheTTL: defaultJWKSCacheTTL}
	if raw := os.Getenv(envJWKSCacheTTL); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return cfg, fmt.Errorf("invalid %s: %q", envJWKSCacheTTL, raw)
		}
		cfg.KeyCacheTTL = ttl
	}

	switch mode := strings.ToLower(os.Getenv(envLocalAuthMode)); {
	case mode == "hs256":
		secret := os.Getenv(envLocalAuthSecret)
		if secret == "" {
			return cfg, fmt.Errorf("%s must be set when %s=hs256", envLocalAuthSecret, envLocalAuthMode)
		}
		cfg.SharedSecret = []byte(secret)
		return cfg, nil
	case mode != "":
		return cfg, fmt.Errorf("unsupported %s value %q", envLocalAuthMode, mode)
	}
	if os.Getenv(envAuth0TestMode) == "1" {
		secret := os.Getenv(envTestJWTSecret)
		if secret == "" {
			return cfg, fmt.Errorf("%s must be set when %s=1", envTestJWTSecret, envAuth0TestMode)
		}
		cfg.SharedSecret = []byte(secret)
		return cfg, nil
	}

	cfg.Domain = os.Getenv(envAuth0Domain)
	cfg.Audience = os.Getenv(envAuth0Audience)
	if cfg.Domain == "" || cfg.Audience == "" {
		return cfg, errors.New("missing Auth0 config")
	}
	cfg.Issuer = "https://" + cfg.Domain + "/"
	return cfg, nil
}

// Auth validates bearer tokens and yields the acting user.
type Auth struct {
	jwks     *keyfunc.JWKS
	cfg      AuthConfig
	parser   *jwt.Parser
	keyCache sync.Map
	now      func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth. jwks may be nil when cfg carries a shared secret.
func NewAuth(jwks *keyfunc.JWKS, cfg AuthConfig) *Auth {
	method := "RS256"
	if len(cfg.SharedSecret) > 0 {
		method = "HS256"
	}
	return &Auth{
		jwks:   jwks,
		cfg:    cfg,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{method})),
		now:    time.Now,
	}
}

// ActorFromAuthHeader returns the token subject of an Authorization header.
func (a *Auth) ActorFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.ActorFromBearer(token)
}

// ActorFromBearer verifies a raw bearer token and returns its subject.
func (a *Auth) ActorFromBearer(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}
	parsed, err := a.parser.Parse(token, a.key)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := a.now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", errors.New("token used before issued")
	}
	if a.cfg.Audience != "" && !claims.VerifyAudience(a.cfg.Audience, true) {
		return "", errors.New("invalid audience")
	}
	if a.cfg.Issuer != "" && !claims.VerifyIssuer(a.cfg.Issuer, true) {
		return "", errors.New("invalid issuer")
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) key(t *jwt.Token) (any, error) {
	if len(a.cfg.SharedSecret) > 0 {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.cfg.SharedSecret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := t.Header["kid"].(string)
	useCache := kid != "" && a.cfg.KeyCacheTTL > 0
	if useCache {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.jwks.Keyfunc(t)
	if err != nil {
		return nil, err
	}
	if useCache {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.cfg.KeyCacheTTL)})
	}
	return key, nil
}
