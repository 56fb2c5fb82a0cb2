package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the decoded access token payload.
type TokenClaims struct {
	UserID   int64
	Username string
	Role     string
}

// CreateAccessToken issues an HS256 JWT for the user.
func CreateAccessToken(secret string, userID int64, username, role string, expiresMinutes int) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt secret is blank")
	}
	if expiresMinutes < 1 {
		expiresMinutes = 1
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      strconv.FormatInt(userID, 10),
		"username": username,
		"role":     role,
		"iat":      now.Unix(),
		"exp":      now.Add(time.Duration(expiresMinutes) * time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// DecodeAccessToken verifies the signature and expiry and returns the claims.
func DecodeAccessToken(tokenString, secret string) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is blank")
	}
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is blank")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	sub, _ := claims["sub"].(string)
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("token subject is invalid")
	}

	username, _ := claims["username"].(string)
	role, _ := claims["role"].(string)
	return &TokenClaims{UserID: userID, Username: username, Role: role}, nil
}
