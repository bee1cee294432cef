package testutil

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TestToken returns a signed access token for test runs. With no projects
// the token carries the admin role and passes every membership check;
// otherwise it is an annotator token scoped to the given projects.
func TestToken(userID string, projects ...string) (string, error) {
	role := "admin"
	if len(projects) > 0 {
		role = "annotator"
	}
	return SignedToken(userID, role, projects, time.Hour)
}

// SignedToken builds an HS256 access token matching what the API expects,
// signed with TEST_JWT_SECRET or, failing that, SECRET_KEY.
func SignedToken(userID, role string, projects []string, ttl time.Duration) (string, error) {
	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		secret = os.Getenv("SECRET_KEY")
	}
	if secret == "" {
		return "", errors.New("TEST_JWT_SECRET or SECRET_KEY must be set")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"type": "access",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if len(projects) > 0 {
		claims["projects"] = projects
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
