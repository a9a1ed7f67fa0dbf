package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const DefaultJWKSCacheTTL = 15 * time.Minute

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// Authenticator resolves the calling user from an Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// AuthConfig selects how bearer tokens are verified. With LocalMode "hs256"
// tokens are checked against SharedSecret; otherwise RS256 keys come from JWKS.
type AuthConfig struct {
	Audience     string
	Issuer       string
	LocalMode    string
	SharedSecret string
	KeyCacheTTL  time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	secret   []byte
	now      func() time.Time

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

func NewAuth(jwks *keyfunc.JWKS, cfg AuthConfig) (*Auth, error) {
	a := &Auth{jwks: jwks, audience: cfg.Audience, issuer: cfg.Issuer, keyCacheTTL: cfg.KeyCacheTTL, now: time.Now}
	if a.keyCacheTTL < 0 {
		return nil, errors.New("invalid JWKS cache ttl")
	}

	switch strings.ToLower(cfg.LocalMode) {
	case "":
		if jwks == nil {
			return nil, errors.New("jwks is required when local auth mode is off")
		}
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	case "hs256":
		if cfg.SharedSecret == "" {
			return nil, errors.New("shared secret must be set for hs256 local auth")
		}
		a.secret = []byte(cfg.SharedSecret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	default:
		return nil, errors.New("unsupported local auth mode " + cfg.LocalMode)
	}
	return a, nil
}

// UserIDFromAuthHeader returns the token's subject.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}

	var parsed *jwt.Token
	if a.secret != nil {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.secret, nil
		})
	} else {
		parsed, err = a.parser.Parse(token, a.keyForToken)
	}
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	// one minute of clock skew
	now := a.now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// bearerToken extracts a compact JWT from "Bearer <token>".
func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// IssueLocalToken signs an HS256 token that an Auth in hs256 local mode
// accepts. Empty audience or issuer leave the claim out.
func IssueLocalToken(secret, subject, audience, issuer string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" || subject == "" {
		return "", errors.New("secret and subject are required")
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
