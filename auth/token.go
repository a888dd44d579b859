package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/wowowow-64/weekwise/domain"
)

// SignLocal returns an HS256 token for user that a local-mode Verifier with
// the same secret accepts.
func SignLocal(secret []byte, user domain.User, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("shared secret must be set")
	}
	if user.ID == "" {
		return "", errors.New("user id must be set")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": user.ID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if user.DisplayName != "" {
		claims["name"] = user.DisplayName
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}
	if user.PhotoURL != "" {
		claims["picture"] = user.PhotoURL
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
