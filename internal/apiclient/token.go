package apiclient

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// UnverifiedSubject extracts the subject claim without checking the
// signature. The daemon uses it to attribute local rows to an owner; the
// server remains the authority on token validity.
func UnverifiedSubject(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject claim")
	}
	return sub, nil
}
