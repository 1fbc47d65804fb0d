package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrConnectionAuthFailed is returned for a missing, malformed, badly signed
// or expired token. Callers refuse the request or socket handshake.
var ErrConnectionAuthFailed = errors.New("connection auth failed")

// Service verifies the bearer tokens issued by the identity provider.
// Tokens are HS256 JWTs whose subject is the user id.
type Service struct {
	secret []byte
	issuer string
}

func NewService(secret []byte, issuer string) *Service {
	return &Service{secret: secret, issuer: issuer}
}

// VerifyToken returns the user id carried by tokenString.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", ErrConnectionAuthFailed)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectionAuthFailed, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: invalid token", ErrConnectionAuthFailed)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for userID. The engine itself never logs anyone
// in; this exists for local tooling and tests.
func (s *Service) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// TokenFromRequest reads the token from the Authorization header, falling
// back to the ?token= query parameter browsers use for websockets.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// UserFromRequest verifies the request's token and returns the user id.
func (s *Service) UserFromRequest(r *http.Request) (string, error) {
	return s.VerifyToken(TokenFromRequest(r))
}
