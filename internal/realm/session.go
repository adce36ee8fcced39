package realm

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/wudi/samlgate/internal/config"
	"github.com/wudi/samlgate/internal/errors"
	"github.com/wudi/samlgate/internal/saml"
)

// Session is a verified session cookie's content.
type Session struct {
	NameID       string
	SessionIndex string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	User         map[string]string
}

// sessions mints and verifies the HMAC-signed JWT the realm sets as its
// session cookie after a successful assertion.
type sessions struct {
	signingKey []byte
	cookieName string
	maxAge     time.Duration
	secure     bool
	sameSite   http.SameSite
	clock      clockwork.Clock
}

func newSessions(cfg config.SessionConfig, clock clockwork.Clock) (*sessions, error) {
	if cfg.SigningKey == "" {
		return nil, errors.ErrConfig.WithDetails("session.signing_key is required")
	}

	sameSite := http.SameSiteLaxMode
	switch strings.ToLower(cfg.SameSite) {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	case "lax", "":
		sameSite = http.SameSiteLaxMode
	}

	return &sessions{
		signingKey: []byte(cfg.SigningKey),
		cookieName: cfg.CookieName,
		maxAge:     cfg.MaxAge,
		secure:     cfg.Secure,
		sameSite:   sameSite,
		clock:      clock,
	}, nil
}

// Mint creates the signed session token for a validated assertion.
func (s *sessions) Mint(info *saml.AssertionInfo, user map[string]string) (string, error) {
	now := s.clock.Now()
	claims := jwt.MapClaims{
		"sub":       info.NameID,
		"auth_type": "saml",
		"jti":       uuid.NewString(),
		"iat":       now.Unix(),
		"exp":       now.Add(s.maxAge).Unix(),
	}
	if info.SessionIndex != "" {
		claims["session_index"] = info.SessionIndex
	}
	if len(user) > 0 {
		// jwt.MapClaims wants interface values for nested maps.
		attrs := make(map[string]any, len(user))
		for k, v := range user {
			attrs[k] = v
		}
		claims["user"] = attrs
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingKey)
}

// Verify parses and validates a session token and returns its content.
func (s *sessions) Verify(tokenString string) (*Session, error) {
	token, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.signingKey, nil
		},
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session claims")
	}

	sess := &Session{}
	sess.NameID, _ = claims["sub"].(string)
	sess.SessionIndex, _ = claims["session_index"].(string)
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		sess.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		sess.ExpiresAt = exp.Time
	}
	if attrs, ok := claims["user"].(map[string]any); ok {
		sess.User = make(map[string]string, len(attrs))
		for k, v := range attrs {
			if str, ok := v.(string); ok {
				sess.User[k] = str
			}
		}
	}
	return sess, nil
}

// Cookie wraps a minted token in the configured cookie.
func (s *sessions) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: s.sameSite,
	}
}

// ClearCookie expires the session cookie.
func (s *sessions) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: s.sameSite,
	}
}
