package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess TokenType = "access"
)

// Claims are the only supported JWT claims shape for relay callers.
// UserID becomes the creator of any session the caller opens.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	TokenType   TokenType `json:"token_type"`
}
