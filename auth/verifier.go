package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/wowowow-64/weekwise/domain"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envLocalAuthMode    = "LOCAL_AUTH_MODE"
	envLocalAuthSecret  = "LOCAL_AUTH_SHARED_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"
)

var (
	errNoJWKS       = errors.New("jwks not configured")
	errInvalidToken = errors.New("invalid token")
)

// Verifier validates identity tokens and turns their claims into a user.
type Verifier struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewVerifier creates a Verifier backed by jwks. Setting LOCAL_AUTH_MODE=hs256
// switches to shared-secret tokens signed with LOCAL_AUTH_SHARED_SECRET.
func NewVerifier(jwks *keyfunc.JWKS, audience, issuer string) (*Verifier, error) {
	ttl, err := cacheTTLFromEnv()
	if err != nil {
		return nil, err
	}
	if mode := strings.ToLower(os.Getenv(envLocalAuthMode)); mode != "" {
		if mode != "hs256" {
			return nil, fmt.Errorf("unsupported %s value %q", envLocalAuthMode, mode)
		}
		secret := os.Getenv(envLocalAuthSecret)
		if secret == "" {
			return nil, fmt.Errorf("%s must be set when %s=hs256", envLocalAuthSecret, envLocalAuthMode)
		}
		return NewLocalVerifier([]byte(secret)), nil
	}
	return &Verifier{
		jwks:        jwks,
		audience:    audience,
		issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: ttl,
	}, nil
}

// NewLocalVerifier accepts HS256 tokens signed with secret.
func NewLocalVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// LocalMode reports whether tokens are checked against a shared secret.
func (v *Verifier) LocalMode() bool {
	return len(v.secret) > 0
}

func cacheTTLFromEnv() (time.Duration, error) {
	ttl := defaultJWKSCacheTTL
	if raw := os.Getenv(envJWKSCacheTTL); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return 0, fmt.Errorf("invalid %s %q", envJWKSCacheTTL, raw)
		}
		ttl = parsed
	}
	return ttl, nil
}

// Verify checks the token signature and standard claims and returns the user
// it identifies.
func (v *Verifier) Verify(token string) (*domain.User, error) {
	if strings.Count(token, ".") != 2 {
		return nil, errInvalidToken
	}

	parsed, err := v.parser.Parse(token, func(t *jwt.Token) (any, error) {
		if v.LocalMode() {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return v.secret, nil
		}
		return v.keyForToken(t)
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return nil, errors.New("token used before issued")
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, false) {
		return nil, errors.New("invalid audience")
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, false) {
		return nil, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.New("missing sub")
	}

	user := &domain.User{ID: sub}
	user.DisplayName, _ = claims["name"].(string)
	user.Email, _ = claims["email"].(string)
	user.PhotoURL, _ = claims["picture"].(string)
	return user, nil
}

func (v *Verifier) keyForToken(token *jwt.Token) (any, error) {
	if v.jwks == nil {
		return nil, errNoJWKS
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && v.keyCacheTTL > 0 {
		if cached, ok := v.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			v.keyCache.Delete(kid)
		}
	}

	key, err := v.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && v.keyCacheTTL > 0 {
		v.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(v.keyCacheTTL)})
	}
	return key, nil
}

// Close stops the background JWKS refresh.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}
