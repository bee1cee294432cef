package integration

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TestToken returns a signed access token for integration runs. With no
// projects the token carries the admin role and passes every membership
// check; otherwise it is an annotator token scoped to the given projects.
func TestToken(userID string, projects ...string) (string, error) {
	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		secret = os.Getenv("SECRET_KEY")
	}
	if secret == "" {
		secret = "testsecret"
	}
	role := "admin"
	if len(projects) > 0 {
		role = "annotator"
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"type": "access",
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	}
	if len(projects) > 0 {
		claims["projects"] = projects
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
