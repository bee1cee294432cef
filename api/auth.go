package api

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"

	// RoleAdmin bypasses per-project membership checks.
	RoleAdmin = "admin"
)

// Principal is the authenticated caller decoded from an access token.
type Principal struct {
	UserID   string
	Role     string
	Projects []string
}

// CanAccess reports whether the principal may touch the given project.
func (p *Principal) CanAccess(projectID string) bool {
	if p == nil || projectID == "" {
		return false
	}
	if p.Role == RoleAdmin {
		return true
	}
	for _, id := range p.Projects {
		if id == projectID {
			return true
		}
	}
	return false
}

// Auth validates incoming JWT access tokens. With a shared secret it accepts
// HS256 tokens, otherwise it resolves RS256 signing keys through JWKS.
type Auth struct {
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string
	Secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance. Exactly one of secret and jwks must be
// provided.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string, secret []byte) *Auth {
	if len(secret) == 0 && jwks == nil {
		panic("either a shared secret or a JWKS source is required")
	}
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer, Secret: secret}
	a.keyCacheTTL = parseCacheTTL()

	if len(secret) > 0 {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

func parseCacheTTL() time.Duration {
	ttl := defaultJWKSCacheTTL
	if raw := os.Getenv(envJWKSCacheTTL); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			panic("invalid JWKS_CACHE_TTL")
		}
		ttl = parsed
	}
	return ttl
}

// PrincipalFromAuthHeader extracts the caller identity from the Authorization header.
func (a *Auth) PrincipalFromAuthHeader(h string) (*Principal, error) {
	if h == "" {
		return nil, errMissingAuthorization
	}
	token, err := bearerTokenFromString(h)
	if err != nil {
		return nil, err
	}
	return a.PrincipalFromBearer(token)
}

// PrincipalFromBearer extracts the caller identity from a bearer token presented as raw bytes.
func (a *Auth) PrincipalFromBearer(token []byte) (*Principal, error) {
	if len(token) == 0 {
		return nil, errBadAuthorization
	}

	tokenStr := readOnlyString(token)
	var parsedToken *jwt.Token
	var err error
	if len(a.Secret) > 0 {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.Secret, nil
		})
	} else {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return a.keyForToken(t)
		})
	}
	if err != nil {
		return nil, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
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
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return nil, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return nil, errors.New("invalid issuer")
	}
	if typ, ok := claims["type"].(string); ok && typ != "access" {
		return nil, errors.New("not an access token")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.New("missing sub")
	}

	p := &Principal{UserID: sub}
	if role, ok := claims["role"].(string); ok {
		p.Role = role
	}
	if raw, ok := claims["projects"].([]any); ok {
		for _, v := range raw {
			if id, ok := v.(string); ok && id != "" {
				p.Projects = append(p.Projects, id)
			}
		}
	}
	return p, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
